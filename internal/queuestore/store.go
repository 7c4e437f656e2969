// Package queuestore implements the queue persistence protocol on top of a
// storage.Engine: flow-controlled asynchronous saves with ordered completion
// notifications, range restores delivered in batches, asynchronous deletes,
// and queue registration.
//
// Every queue incarnation owns an ordered work queue. A fixed pool of writer
// goroutines takes runnable queues from a shared run queue and performs one
// unit of work per turn, so one queue's I/O never holds up another's and no
// store-wide lock is held across engine calls.
package queuestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochstore/internal/flow"
	"github.com/snehjoshi/epochstore/internal/metrics"
	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/scheduler"
	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/types"
)

var (
	// ErrInvalidArgument is types.ErrInvalidArgument, re-exported for callers
	// of this package.
	ErrInvalidArgument = types.ErrInvalidArgument

	ErrUnknownQueue  = errors.New("queuestore: unknown queue")
	ErrSequenceOrder = errors.New("queuestore: sequence not greater than last accepted")
	ErrQueueDeleted  = errors.New("queuestore: queue deleted")
	ErrClosed        = errors.New("queuestore: store closed")
)

// Store multiplexes the work of many queues onto one storage.Engine.
// All methods are safe for concurrent use.
type Store struct {
	engine     storage.Engine
	cfg        Config
	logger     *slog.Logger
	classifier Classifier
	metrics    *metrics.Registry

	window *flow.Window
	sched  *scheduler.Scheduler
	runq   *runQueue

	// ctx bounds producer waits; cancelled when Close starts.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	queues map[string]*queueState // identity key → live queue
	byInc  map[string]*queueState // incarnation → queue, until its data is dropped

	// pending counts submitted operations that have not completed.
	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int
	closing     bool
	draining    atomic.Bool

	workers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a Store on engine, reloads the queues registered in it and
// starts the writer goroutines.
func New(engine storage.Engine, opts ...Option) (*Store, error) {
	s := &Store{
		engine:     engine,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		classifier: DefaultClassifier{},
		queues:     make(map[string]*queueState),
		byInc:      make(map[string]*queueState),
		sched:      scheduler.New(),
		runq:       newRunQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pendingCond = sync.NewCond(&s.pendingMu)
	s.window = flow.NewWindow(s.cfg.MaxPendingElements, s.cfg.MaxPendingBytes)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	regs, err := engine.Registrations()
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("queuestore: load registrations: %w", err)
	}
	for _, reg := range regs {
		last, err := engine.LastSequence(reg.Incarnation)
		if errors.Is(err, storage.ErrNotFound) {
			// Registered but bucket missing: recreate it empty.
			err = engine.Register(reg)
		}
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("queuestore: reload %s: %w", reg.Descriptor.Name, err)
		}
		q := s.newQueueState(reg, last)
		s.queues[reg.Descriptor.IdentityKey()] = q
		s.byInc[reg.Incarnation] = q
	}

	s.sched.Start(s.ctx, s.flushDue)
	for i := 0; i < s.cfg.Writers; i++ {
		s.workers.Add(1)
		go s.writer()
	}

	s.logger.Info("queue store started", "queues", len(regs), "writers", s.cfg.Writers)
	return s, nil
}

func (s *Store) newQueueState(reg storage.Registration, lastSeq int64) *queueState {
	return &queueState{
		reg:      reg,
		name:     reg.Descriptor.Name,
		lastSeq:  lastSeq,
		throttle: flow.NewThrottle(s.cfg.ProducerRate, s.cfg.ProducerBurst),
	}
}

// ─── Classifier ──────────────────────────────────────────────────────────────

// IsElemPersistent reports whether e must go through the store.
func (s *Store) IsElemPersistent(e *types.Element) bool { return s.classifier.IsElemPersistent(e) }

// IsFromStore reports whether e was produced by a restore.
func (s *Store) IsFromStore(e *types.Element) bool { return s.classifier.IsFromStore(e) }

// ─── Queue lifecycle ─────────────────────────────────────────────────────────

// AddQueue registers desc under a fresh incarnation. Adding a name that is
// already registered is a no-op and leaves its data intact.
func (s *Store) AddQueue(desc types.QueueDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosing() {
		return ErrClosed
	}
	if q, ok := s.queues[desc.IdentityKey()]; ok {
		if !q.reg.Descriptor.Equal(desc) {
			s.logger.Warn("queue already registered with different descriptor",
				"queue", desc.Name, "registered", q.reg.Descriptor.String(), "requested", desc.String())
		}
		return nil
	}

	inc, err := node.NewID()
	if err != nil {
		return fmt.Errorf("queuestore: incarnation id: %w", err)
	}
	reg := storage.Registration{
		Descriptor:  desc.Copy(),
		Incarnation: inc,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := s.engine.Register(reg); err != nil {
		return fmt.Errorf("queuestore: add queue %s: %w", desc.Name, err)
	}

	q := s.newQueueState(reg, -1)
	s.queues[desc.IdentityKey()] = q
	s.byInc[inc] = q
	s.logger.Info("queue added", "queue", desc.Name, "incarnation", inc)
	return nil
}

// DeleteQueue unregisters desc. The name is free for AddQueue as soon as this
// returns; the old incarnation's records are reclaimed asynchronously.
// Operations still queued for it fail with ErrQueueDeleted.
func (s *Store) DeleteQueue(desc types.QueueDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}

	s.mu.Lock()
	q, ok := s.queues[desc.IdentityKey()]
	if !ok {
		s.mu.Unlock()
		s.end()
		return fmt.Errorf("%w: %s", ErrUnknownQueue, desc.Name)
	}
	if _, err := s.engine.Unregister(q.name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.mu.Unlock()
		s.end()
		return fmt.Errorf("queuestore: delete queue %s: %w", desc.Name, err)
	}
	delete(s.queues, desc.IdentityKey())
	s.mu.Unlock()

	s.sched.Cancel(q.reg.Incarnation)

	q.mu.Lock()
	q.deleted = true
	var failed []*pendingOp
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.active {
			kept = append(kept, op)
		} else {
			failed = append(failed, op)
		}
	}
	q.ops = kept
	q.recount()
	q.push(&pendingOp{kind: opDrop, urgent: true})
	ready := s.markRunnable(q)
	q.mu.Unlock()

	for _, op := range failed {
		s.fail(q, op, fmt.Errorf("%w: %s", ErrQueueDeleted, q.name))
	}
	if ready {
		s.runq.push(q)
	}

	s.logger.Info("queue deleted", "queue", desc.Name, "incarnation", q.reg.Incarnation, "failed_ops", len(failed))
	return nil
}

// Queues returns the registered descriptors in name order.
func (s *Store) Queues() []types.QueueDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.QueueDescriptor, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.reg.Descriptor.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastSequence returns the highest sequence accepted for desc, or -1.
func (s *Store) LastSequence(desc types.QueueDescriptor) (int64, error) {
	q, err := s.lookup(desc)
	if err != nil {
		return -1, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeq, nil
}

// Descriptor returns the registered descriptor of the queue called name.
func (s *Store) Descriptor(name string) (types.QueueDescriptor, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return types.QueueDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q.reg.Descriptor.Copy(), nil
}

// lookup resolves desc to its live queue.
func (s *Store) lookup(desc types.QueueDescriptor) (*queueState, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if s.isClosing() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	q, ok := s.queues[desc.IdentityKey()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, desc.Name)
	}
	return q, nil
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close rejects new work, flushes everything already queued, then stops the
// writers and the scheduler and closes the engine. Producers blocked by
// backpressure are released with ErrClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.pendingMu.Lock()
		s.closing = true
		s.pendingMu.Unlock()

		s.window.Close()
		s.cancel()
		s.draining.Store(true)

		s.mu.RLock()
		all := make([]*queueState, 0, len(s.byInc))
		for _, q := range s.byInc {
			all = append(all, q)
		}
		s.mu.RUnlock()
		for _, q := range all {
			q.mu.Lock()
			ready := s.markRunnable(q)
			q.mu.Unlock()
			if ready {
				s.runq.push(q)
			}
		}

		s.pendingMu.Lock()
		for s.pending > 0 {
			s.pendingCond.Wait()
		}
		s.pendingMu.Unlock()

		s.runq.close()
		s.workers.Wait()
		s.sched.Stop()

		if err := s.engine.Close(); err != nil {
			s.closeErr = fmt.Errorf("queuestore: close engine: %w", err)
		}
		s.logger.Info("queue store closed")
	})
	return s.closeErr
}

func (s *Store) isClosing() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.closing
}

// begin reserves a pending-operation slot, failing once Close has started.
func (s *Store) begin() error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.closing {
		return ErrClosed
	}
	s.pending++
	return nil
}

// end releases a slot taken by begin.
func (s *Store) end() {
	s.pendingMu.Lock()
	s.pending--
	if s.pending == 0 {
		s.pendingCond.Broadcast()
	}
	s.pendingMu.Unlock()
}

// flowErr maps a backpressure wait failure to the store's error.
func flowErr(err error) error {
	if errors.Is(err, flow.ErrClosed) || errors.Is(err, context.Canceled) {
		return ErrClosed
	}
	return err
}
