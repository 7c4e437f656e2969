package queuestore

import (
	"context"
	"sync"
	"sync/atomic"
)

// SaveOp tracks one asynchronous save. Done is closed exactly once, when the
// element is durable or the save has failed.
type SaveOp struct {
	sequence int64

	once     sync.Once
	done     chan struct{}
	err      error
	tracking int64
}

func newSaveOp(seq int64) *SaveOp {
	return &SaveOp{sequence: seq, done: make(chan struct{})}
}

// Done returns a channel closed when the save completes.
func (o *SaveOp) Done() <-chan struct{} { return o.done }

// Sequence returns the queue sequence number of the element being saved.
func (o *SaveOp) Sequence() int64 { return o.sequence }

// Err returns nil while the save is pending or after it succeeded.
func (o *SaveOp) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Tracking returns the store tracking number assigned to the element, or 0
// while pending or after a failure.
func (o *SaveOp) Tracking() int64 {
	select {
	case <-o.done:
		return o.tracking
	default:
		return 0
	}
}

// Wait blocks until the save completes or ctx ends.
func (o *SaveOp) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *SaveOp) complete(tracking int64, err error) {
	o.once.Do(func() {
		o.tracking = tracking
		o.err = err
		close(o.done)
	})
}

// RestoreOp tracks one asynchronous restore. Done is closed after the last
// batch has been delivered or the restore failed.
type RestoreOp struct {
	count atomic.Int64

	once sync.Once
	done chan struct{}
	err  error
}

func newRestoreOp() *RestoreOp {
	return &RestoreOp{done: make(chan struct{})}
}

// Done returns a channel closed when the restore completes.
func (o *RestoreOp) Done() <-chan struct{} { return o.done }

// Err returns nil while the restore is pending or after it succeeded.
func (o *RestoreOp) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Count returns the number of elements delivered so far.
func (o *RestoreOp) Count() int64 { return o.count.Load() }

// Wait blocks until the restore completes or ctx ends.
func (o *RestoreOp) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *RestoreOp) complete(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}
