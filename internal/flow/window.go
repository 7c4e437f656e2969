package flow

import (
	"context"
	"sync"
)

// Window bounds the elements and bytes accepted by the store but not yet
// durable. A zero limit means that dimension is unbounded.
//
// A single element larger than the byte limit is admitted when the window is
// otherwise empty, so oversized elements block but never deadlock.
type Window struct {
	maxElems int64
	maxBytes int64

	mu      sync.Mutex
	elems   int64
	bytes   int64
	closed  bool
	changed chan struct{} // closed and replaced on every Release/Close
}

// NewWindow creates a Window admitting at most maxElems elements and maxBytes
// bytes at once.
func NewWindow(maxElems int, maxBytes int64) *Window {
	return &Window{
		maxElems: int64(maxElems),
		maxBytes: maxBytes,
		changed:  make(chan struct{}),
	}
}

// fits reports whether one element of size bytes can be admitted.
// MUST be called with w.mu held.
func (w *Window) fits(size int64) bool {
	if w.elems == 0 {
		return true
	}
	if w.maxElems > 0 && w.elems+1 > w.maxElems {
		return false
	}
	if w.maxBytes > 0 && w.bytes+size > w.maxBytes {
		return false
	}
	return true
}

// TryAcquire admits one element of size bytes if there is room.
func (w *Window) TryAcquire(size int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrClosed
	}
	if !w.fits(size) {
		return false, nil
	}
	w.elems++
	w.bytes += size
	return true, nil
}

// Acquire admits one element of size bytes, waiting for room if necessary.
// When it has to wait, ctl.OnFlowBlock is called before waiting and
// ctl.OnFlowResume after, whatever the outcome. It reports whether it blocked.
func (w *Window) Acquire(ctx context.Context, ctl Controller, size int64) (bool, error) {
	ok, err := w.TryAcquire(size)
	if ok || err != nil {
		return false, err
	}

	ctl = orNop(ctl)
	ctl.OnFlowBlock()
	defer ctl.OnFlowResume()

	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return true, ErrClosed
		}
		if w.fits(size) {
			w.elems++
			w.bytes += size
			w.mu.Unlock()
			return true, nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-changed:
		}
	}
}

// Release returns one element of size bytes to the window.
func (w *Window) Release(size int64) {
	w.mu.Lock()
	w.elems--
	w.bytes -= size
	if w.elems < 0 {
		w.elems = 0
	}
	if w.bytes < 0 {
		w.bytes = 0
	}
	w.broadcast()
	w.mu.Unlock()
}

// Pending returns the elements and bytes currently admitted.
func (w *Window) Pending() (elems int, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.elems), w.bytes
}

// Close wakes every waiter with ErrClosed and rejects further acquisitions.
func (w *Window) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.broadcast()
	}
	w.mu.Unlock()
}

// broadcast wakes all waiters. MUST be called with w.mu held.
func (w *Window) broadcast() {
	close(w.changed)
	w.changed = make(chan struct{})
}
