package queuestore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snehjoshi/epochstore/internal/flow"
	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/types"
)

// ─── Per-queue work queue ────────────────────────────────────────────────────

type opKind uint8

const (
	opSave opKind = iota
	opRestore
	opDelete
	opDrop // reclaim a deleted incarnation
)

// pendingOp is one unit of queued work for a queue.
type pendingOp struct {
	kind   opKind
	urgent bool // makes the queue runnable without waiting for DelayWindow
	active bool // held by a writer right now

	// opSave
	seq    int64
	elem   *types.Element
	notify func()
	size   int64
	save   *SaveOp

	// opRestore
	restore *restoreCursor
}

// queueState is the store's view of one queue incarnation.
type queueState struct {
	reg      storage.Registration
	name     string
	throttle *flow.Throttle

	mu      sync.Mutex
	lastSeq int64 // highest sequence accepted
	ops     []*pendingOp
	urgent  int  // queued ops with urgent set
	saves   int  // queued saves
	flush   bool // the delay window of the buffered saves has elapsed
	queued  bool // in the run queue or held by a writer
	deleted bool
}

// push appends op. MUST be called with q.mu held.
func (q *queueState) push(op *pendingOp) {
	q.ops = append(q.ops, op)
	if op.urgent {
		q.urgent++
	}
	if op.kind == opSave {
		q.saves++
	}
}

// take removes the first n ops. MUST be called with q.mu held.
func (q *queueState) take(n int) []*pendingOp {
	out := make([]*pendingOp, n)
	copy(out, q.ops[:n])
	for i := range n {
		q.ops[i] = nil
	}
	q.ops = q.ops[n:]
	for _, op := range out {
		if op.urgent {
			q.urgent--
		}
		if op.kind == opSave {
			q.saves--
		}
	}
	return out
}

// recount rebuilds the counters from ops. MUST be called with q.mu held.
func (q *queueState) recount() {
	q.urgent, q.saves = 0, 0
	for _, op := range q.ops {
		if op.urgent {
			q.urgent++
		}
		if op.kind == opSave {
			q.saves++
		}
	}
}

// runnable reports whether q has work a writer should do now.
// MUST be called with q.mu held.
func (s *Store) runnable(q *queueState) bool {
	if len(q.ops) == 0 {
		return false
	}
	return q.urgent > 0 || q.flush || q.saves >= s.cfg.MaxBatchSize || s.draining.Load()
}

// markRunnable claims q for the run queue if it has work and is not already
// claimed. The caller pushes q when it returns true. MUST be called with q.mu held.
func (s *Store) markRunnable(q *queueState) bool {
	if q.queued || !s.runnable(q) {
		return false
	}
	q.queued = true
	return true
}

// submit appends op to q after check (run under q.mu) succeeds. Buffered
// saves get a flush deadline.
func (s *Store) submit(q *queueState, op *pendingOp, check func() error) error {
	if err := s.begin(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		s.end()
		return fmt.Errorf("%w: %s", ErrQueueDeleted, q.name)
	}
	if check != nil {
		if err := check(); err != nil {
			q.mu.Unlock()
			s.end()
			return err
		}
	}
	q.push(op)
	ready := s.markRunnable(q)
	wait := !ready && !q.queued
	q.mu.Unlock()

	switch {
	case ready:
		s.runq.push(q)
	case wait:
		s.sched.Schedule(q.reg.Incarnation, time.Now().Add(s.cfg.DelayWindow))
	}
	return nil
}

// flushDue is the scheduler callback: the delay window of key's buffered
// saves has elapsed.
func (s *Store) flushDue(key string) {
	s.mu.RLock()
	q, ok := s.byInc[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.flush = true
	ready := s.markRunnable(q)
	q.mu.Unlock()
	if ready {
		s.runq.push(q)
	}
}

// fail completes op with err without executing it.
func (s *Store) fail(q *queueState, op *pendingOp, err error) {
	switch op.kind {
	case opSave:
		s.window.Release(op.size)
		s.metrics.ObserveSaveFailure(q.name, 1)
		op.save.complete(0, err)
	case opRestore:
		op.restore.op.complete(err)
	}
	s.end()
}

// ─── Writers ─────────────────────────────────────────────────────────────────

// writer executes queue turns until the run queue is closed.
func (s *Store) writer() {
	defer s.workers.Done()
	for {
		q, ok := s.runq.pop()
		if !ok {
			return
		}
		s.turn(q)
	}
}

// turn performs one unit of q's work: a batch of consecutive saves, one
// restore batch, one delete, or the final drop.
func (s *Store) turn(q *queueState) {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.queued = false
		q.mu.Unlock()
		return
	}
	head := q.ops[0]
	var work []*pendingOp
	switch head.kind {
	case opSave:
		n := 1
		for n < len(q.ops) && n < s.cfg.MaxBatchSize && q.ops[n].kind == opSave {
			n++
		}
		work = q.take(n)
	case opRestore:
		// Stays at the head until its last batch has been delivered.
		head.active = true
	default:
		work = q.take(1)
	}
	q.mu.Unlock()

	switch head.kind {
	case opSave:
		s.writeBatch(q, work)
	case opRestore:
		finished := s.restoreStep(q, head.restore)
		q.mu.Lock()
		head.active = false
		if finished {
			q.take(1)
		}
		q.mu.Unlock()
		if finished {
			s.end()
		}
	case opDelete:
		s.deleteElement(q, work[0].seq)
		s.end()
	case opDrop:
		s.dropQueue(q)
		s.end()
	}

	q.mu.Lock()
	if q.saves == 0 {
		q.flush = false
	}
	requeue := s.runnable(q)
	if !requeue {
		q.queued = false
	}
	wait := !requeue && q.saves > 0 && !q.deleted
	q.mu.Unlock()

	switch {
	case requeue:
		s.runq.push(q)
	case wait:
		s.sched.Schedule(q.reg.Incarnation, time.Now().Add(s.cfg.DelayWindow))
	}
}

// writeBatch makes ops durable in one engine batch, then fires their
// notifications in sequence order and completes their SaveOps.
func (s *Store) writeBatch(q *queueState, ops []*pendingOp) {
	recs := make([]*storage.Record, len(ops))
	var size int64
	for i, op := range ops {
		recs[i] = &storage.Record{
			Incarnation: q.reg.Incarnation,
			Queue:       q.name,
			Sequence:    op.seq,
			Element:     op.elem,
		}
		size += op.size
	}

	locs, err := s.engine.AppendBatch(q.reg.Incarnation, recs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrQueueDeleted, q.name)
		} else {
			err = fmt.Errorf("queuestore: persist %s: %w", q.name, err)
		}
		s.logger.Error("save batch failed", "queue", q.name, "elements", len(ops),
			"first_seq", ops[0].seq, "err", err)
		for _, op := range ops {
			s.fail(q, op, err)
		}
		return
	}

	s.metrics.ObserveBatch(q.name, len(ops), size)
	for i, op := range ops {
		if op.notify != nil {
			s.notify(q, op)
		}
		op.save.complete(locs[i].Tracking, nil)
		s.window.Release(op.size)
		s.end()
	}
}

// notify runs a NotifySave callback, containing a panic to the callback.
func (s *Store) notify(q *queueState, op *pendingOp) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notify callback panicked", "queue", q.name, "seq", op.seq, "panic", r)
		}
	}()
	op.notify()
}

// deleteElement removes one stored element. A missing element is a no-op.
func (s *Store) deleteElement(q *queueState, seq int64) {
	existed, err := s.engine.Delete(q.reg.Incarnation, seq)
	switch {
	case err != nil:
		s.logger.Warn("delete element failed", "queue", q.name, "seq", seq, "err", err)
	case !existed:
		s.logger.Debug("delete of element not stored", "queue", q.name, "seq", seq)
	default:
		s.metrics.ObserveDelete(q.name)
	}
}

// dropQueue reclaims a deleted incarnation's records.
func (s *Store) dropQueue(q *queueState) {
	if err := s.engine.DropData(q.reg.Incarnation); err != nil {
		s.logger.Error("drop queue data failed", "queue", q.name, "incarnation", q.reg.Incarnation, "err", err)
	}
	s.mu.Lock()
	delete(s.byInc, q.reg.Incarnation)
	s.mu.Unlock()
	s.sched.Cancel(q.reg.Incarnation)
}

// ─── Run queue ───────────────────────────────────────────────────────────────

// runQueue is the FIFO of queues with runnable work, shared by all writers.
// A queue appears at most once (guarded by queueState.queued).
type runQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*queueState
	closed bool
}

func newRunQueue() *runQueue {
	rq := &runQueue{}
	rq.cond = sync.NewCond(&rq.mu)
	return rq
}

func (rq *runQueue) push(q *queueState) {
	rq.mu.Lock()
	rq.items = append(rq.items, q)
	rq.mu.Unlock()
	rq.cond.Signal()
}

// pop blocks until a queue is runnable or the run queue is closed and empty.
func (rq *runQueue) pop() (*queueState, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for len(rq.items) == 0 && !rq.closed {
		rq.cond.Wait()
	}
	if len(rq.items) == 0 {
		return nil, false
	}
	q := rq.items[0]
	rq.items[0] = nil
	rq.items = rq.items[1:]
	return q, true
}

func (rq *runQueue) close() {
	rq.mu.Lock()
	rq.closed = true
	rq.mu.Unlock()
	rq.cond.Broadcast()
}
