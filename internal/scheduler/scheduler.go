package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler fires a callback for a key at or after its deadline.
//
// Usage:
//
//	s := New()
//	s.Start(ctx, func(key string) {
//	    // flush the buffered writes of queue incarnation key
//	})
//	defer s.Stop()
//
//	s.Schedule(incarnation, time.Now().Add(5*time.Millisecond))
//
// Each key has at most one pending deadline; scheduling a key again keeps
// the earlier of the two. All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item

	// notify is a buffered channel of capacity 1.
	// Schedule() sends a signal whenever the root may have changed, prompting
	// the goroutine to re-evaluate its sleep duration.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Scheduler. Call Start() to begin firing deadlines.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule arranges for key to fire at due. If key already has an earlier or
// equal deadline, the call is a no-op. A deadline in the past fires promptly.
func (s *Scheduler) Schedule(key string, due time.Time) {
	s.mu.Lock()
	if it, ok := s.byKey[key]; ok {
		if !due.Before(it.due) {
			s.mu.Unlock()
			return
		}
		it.due = due
		heap.Fix(&s.h, it.heapIdx)
	} else {
		it := &item{key: key, due: due}
		heap.Push(&s.h, it)
		s.byKey[key] = it
	}
	s.mu.Unlock()

	// Non-blocking: if a signal is already pending the goroutine wakes soon.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel removes the pending deadline of key. No-op if none is scheduled.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byKey[key]
	if !ok {
		return
	}
	s.h.remove(it.heapIdx)
	delete(s.byKey, key)
}

// Pending reports whether key has a deadline scheduled.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Len returns the number of keys with a pending deadline.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Start launches the background goroutine. fire is called from that goroutine
// for each key whose deadline has arrived; it must not block for long.
// Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, fire func(key string)) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Deadlines still in the heap are abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ─── firing goroutine ────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, fire func(key string)) {
	defer s.wg.Done()

	// timer is lazily allocated when there's something to wait for.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var due time.Time
		empty := s.h.Len() == 0
		if !empty {
			due = s.h[0].due
		}
		s.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(due)
		if delay <= 0 {
			s.fireDue(fire)
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			// A new deadline may be due sooner; re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fireDue(fire)
		}
	}
}

// fireDue pops every item whose deadline has passed and fires it outside the
// lock, so fire may call Schedule.
func (s *Scheduler) fireDue(fire func(key string)) {
	now := time.Now()
	var keys []string

	s.mu.Lock()
	for s.h.Len() > 0 && !s.h[0].due.After(now) {
		it := heap.Pop(&s.h).(*item)
		delete(s.byKey, it.key)
		keys = append(keys, it.key)
	}
	s.mu.Unlock()

	for _, k := range keys {
		fire(k)
	}
}
