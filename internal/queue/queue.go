// Package queue is a reference in-memory queue built on the queue store.
//
// Elements live in memory for delivery; persistent ones are also handed to
// the store so that a restarted process can rebuild the queue by restoring
// them. The store decides nothing about delivery, and the queue decides
// nothing about disk.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochstore/internal/flow"
	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/queuestore"
	"github.com/snehjoshi/epochstore/internal/types"
)

var (
	ErrQueueFull      = errors.New("queue: at capacity")
	ErrUnknownReceipt = errors.New("queue: unknown or expired receipt handle")
	ErrClosed         = errors.New("queue: closed")
)

// Store is the part of the queue store a Queue depends on.
type Store interface {
	AddQueue(desc types.QueueDescriptor) error
	DeleteQueue(desc types.QueueDescriptor) error
	LastSequence(desc types.QueueDescriptor) (int64, error)
	PersistQueueElement(desc types.QueueDescriptor, ctl flow.Controller, elem queuestore.SaveableElement, delayable bool) (*queuestore.SaveOp, error)
	RestoreQueueElements(desc types.QueueDescriptor, recordOnly bool, firstSequence, maxSequence int64, maxCount int, listener queuestore.RestoreListener) (*queuestore.RestoreOp, error)
	DeleteQueueElement(desc types.QueueDescriptor, elem *types.Element) error
	IsElemPersistent(e *types.Element) bool
}

var _ Store = (*queuestore.Store)(nil)

// ─── Per-queue config ─────────────────────────────────────────────────────────

// Config holds tunable parameters for a single queue.
type Config struct {
	// PageSize is the maxCount of each restore page during Open.
	PageSize int

	// VisibilityTimeoutMs is how long a consumer has to Ack before a polled
	// element becomes visible again.
	VisibilityTimeoutMs int64

	// MaxElements caps ready + in-flight elements. 0 = unlimited.
	MaxElements int64

	// MaxPollSize caps the elements returned by one Poll.
	MaxPollSize int

	// Delayable lets the store batch this queue's saves.
	Delayable bool
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:            256,
		VisibilityTimeoutMs: 30_000,
		MaxElements:         100_000,
		MaxPollSize:         100,
		Delayable:           true,
	}
}

// ─── In-memory data structures ────────────────────────────────────────────────

// inFlightEntry tracks an element handed to a consumer but not yet acked.
type inFlightEntry struct {
	elem          *types.Element
	receiptHandle string
	deadlineMs    int64
}

// Delivery is a polled element with the receipt handle that acks it.
type Delivery struct {
	Element       *types.Element
	ReceiptHandle string
}

// Published reports the outcome of Publish.
type Published struct {
	Sequence int64
	// Save is nil for elements the store does not persist.
	Save *queuestore.SaveOp
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is an in-memory FIFO with visibility timeouts whose persistent
// elements survive restarts through the store.
//
// All public methods are safe for concurrent use.
type Queue struct {
	desc   types.QueueDescriptor
	cfg    Config
	store  Store
	logger *slog.Logger

	// pubMu keeps sequence assignment and store submission in the same order.
	pubMu   sync.Mutex
	nextSeq int64

	mu       sync.Mutex
	ready    *list.List // *types.Element in sequence order
	inFlight map[string]*inFlightEntry
	count    int64 // ready + in flight
	closed   bool

	reaperDone chan struct{}
	reaperWG   sync.WaitGroup
	closeOnce  sync.Once
}

// Open registers desc with store and rebuilds the queue from its persisted
// elements, restoring them page by page. Elements that cannot be read are
// logged and skipped. Call Close when done.
func Open(ctx context.Context, store Store, desc types.QueueDescriptor, cfg Config, logger *slog.Logger) (*Queue, error) {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.VisibilityTimeoutMs <= 0 {
		cfg.VisibilityTimeoutMs = def.VisibilityTimeoutMs
	}
	if cfg.MaxPollSize <= 0 {
		cfg.MaxPollSize = def.MaxPollSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := store.AddQueue(desc); err != nil {
		return nil, fmt.Errorf("queue %s: register: %w", desc.Name, err)
	}

	q := &Queue{
		desc:       desc.Copy(),
		cfg:        cfg,
		store:      store,
		logger:     logger,
		ready:      list.New(),
		inFlight:   make(map[string]*inFlightEntry),
		reaperDone: make(chan struct{}),
	}
	if err := q.recover(ctx); err != nil {
		return nil, fmt.Errorf("queue %s: recover: %w", desc.Name, err)
	}

	q.reaperWG.Add(1)
	go q.reaperLoop()
	return q, nil
}

// Descriptor returns the queue's descriptor.
func (q *Queue) Descriptor() types.QueueDescriptor { return q.desc.Copy() }

// recover pages through the store and rebuilds the ready list.
func (q *Queue) recover(ctx context.Context) error {
	var (
		restored []*types.Element
		skipped  int
		last     queuestore.RestoredElement
	)
	listener := queuestore.RestoreListenerFunc(func(batch []queuestore.RestoredElement) {
		for _, re := range batch {
			last = re
			mp, ok := re.(*queuestore.MetadataWithPayload)
			if !ok {
				continue
			}
			el, err := mp.Element()
			if err != nil {
				skipped++
				q.logger.Warn("skipping unreadable element", "queue", q.desc.Name, "seq", re.SequenceNumber(), "err", err)
				continue
			}
			restored = append(restored, el)
		}
	})

	first := int64(-1)
	for {
		last = nil
		op, err := q.store.RestoreQueueElements(q.desc, false, first, -1, q.cfg.PageSize, listener)
		if err != nil {
			return err
		}
		if err := op.Wait(ctx); err != nil {
			return err
		}
		if last == nil || last.NextSequenceNumber() < 0 {
			break
		}
		first = last.NextSequenceNumber()
	}

	lastSeq, err := q.store.LastSequence(q.desc)
	if err != nil {
		return err
	}
	q.nextSeq = lastSeq + 1

	for _, el := range restored {
		q.ready.PushBack(el)
	}
	q.count = int64(len(restored))
	if len(restored) > 0 || skipped > 0 {
		q.logger.Info("queue recovered", "queue", q.desc.Name, "elements", len(restored), "skipped", skipped)
	}
	return nil
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// Publish assigns elem the next sequence number and makes it ready. If the
// store classifies elem as persistent it is also handed to the store; ctl
// is told when the store pushes back. The element is deliverable before its
// save completes; wait on Published.Save for durability.
func (q *Queue) Publish(ctl flow.Controller, elem *types.Element) (Published, error) {
	if elem == nil {
		return Published{}, fmt.Errorf("%w: nil element", types.ErrInvalidArgument)
	}

	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return Published{}, ErrClosed
	case q.cfg.MaxElements > 0 && q.count >= q.cfg.MaxElements:
		q.mu.Unlock()
		return Published{}, fmt.Errorf("%w: %s holds %d elements", ErrQueueFull, q.desc.Name, q.cfg.MaxElements)
	}
	q.mu.Unlock()

	e := elem.Clone()
	if e.ID == "" {
		e.ID = node.MustNewID()
	}
	if e.PublishedAt == 0 {
		e.PublishedAt = time.Now().UnixMilli()
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	e.Sequence = q.nextSeq
	var save *queuestore.SaveOp
	if q.store.IsElemPersistent(e) {
		op, err := q.store.PersistQueueElement(q.desc, ctl, queuestore.SaveableElement{
			Element:  e,
			Sequence: e.Sequence,
		}, q.cfg.Delayable)
		if err != nil {
			return Published{}, fmt.Errorf("queue %s: persist: %w", q.desc.Name, err)
		}
		save = op
	}
	q.nextSeq++

	q.mu.Lock()
	q.ready.PushBack(e)
	q.count++
	q.mu.Unlock()
	return Published{Sequence: e.Sequence, Save: save}, nil
}

// ─── Poll ─────────────────────────────────────────────────────────────────────

// Poll hands out up to n ready elements in sequence order. Each stays
// invisible for visTimeoutMs (queue default when <= 0) unless acked.
func (q *Queue) Poll(n int, visTimeoutMs int64) []Delivery {
	if n <= 0 || n > q.cfg.MaxPollSize {
		n = q.cfg.MaxPollSize
	}
	if visTimeoutMs <= 0 {
		visTimeoutMs = q.cfg.VisibilityTimeoutMs
	}
	deadline := time.Now().UnixMilli() + visTimeoutMs

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Delivery, 0, min(n, q.ready.Len()))
	for len(out) < n && q.ready.Len() > 0 {
		el := q.ready.Remove(q.ready.Front()).(*types.Element)
		rh := node.MustNewID()
		q.inFlight[rh] = &inFlightEntry{elem: el, receiptHandle: rh, deadlineMs: deadline}
		out = append(out, Delivery{Element: el, ReceiptHandle: rh})
	}
	return out
}

// ─── Ack / Nack ──────────────────────────────────────────────────────────────

// Ack completes the delivery identified by receiptHandle. Persistent
// elements are deleted from the store.
func (q *Queue) Ack(receiptHandle string) error {
	q.mu.Lock()
	entry, ok := q.inFlight[receiptHandle]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownReceipt, receiptHandle)
	}
	delete(q.inFlight, receiptHandle)
	q.count--
	q.mu.Unlock()

	if !q.store.IsElemPersistent(entry.elem) {
		return nil
	}
	if err := q.store.DeleteQueueElement(q.desc, entry.elem); err != nil {
		return fmt.Errorf("queue %s: ack %d: %w", q.desc.Name, entry.elem.Sequence, err)
	}
	return nil
}

// Nack returns the delivery to the ready list immediately.
func (q *Queue) Nack(receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inFlight[receiptHandle]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReceipt, receiptHandle)
	}
	delete(q.inFlight, receiptHandle)
	q.requeueLocked(entry.elem)
	return nil
}

// requeueLocked puts el back in sequence order. MUST be called with q.mu held.
func (q *Queue) requeueLocked(el *types.Element) {
	for e := q.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(*types.Element).Sequence > el.Sequence {
			q.ready.InsertBefore(el, e)
			return
		}
	}
	q.ready.PushBack(el)
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len returns the number of ready elements.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// InFlightCount returns the number of elements held by consumers.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// ─── Close / Destroy ─────────────────────────────────────────────────────────

// Close stops the reaper. Persisted elements stay in the store for the next
// Open.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.reaperDone)
		q.reaperWG.Wait()
	})
}

// Destroy closes the queue and deletes it, with its persisted elements, from
// the store.
func (q *Queue) Destroy() error {
	q.Close()
	if err := q.store.DeleteQueue(q.desc); err != nil {
		return fmt.Errorf("queue %s: destroy: %w", q.desc.Name, err)
	}
	return nil
}

// ─── Visibility timeout reaper ────────────────────────────────────────────────

func (q *Queue) reaperLoop() {
	defer q.reaperWG.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.reaperDone:
			return
		case <-ticker.C:
			q.reapExpired(time.Now().UnixMilli())
		}
	}
}

// reapExpired makes deliveries whose deadline passed visible again.
func (q *Queue) reapExpired(nowMs int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for rh, e := range q.inFlight {
		if e.deadlineMs <= nowMs {
			delete(q.inFlight, rh)
			q.requeueLocked(e.elem)
			n++
		}
	}
	return n
}
