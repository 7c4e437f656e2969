package queuestore

import (
	"fmt"

	"github.com/snehjoshi/epochstore/internal/flow"
	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/types"
)

// PersistQueueElement queues elem for an asynchronous durable write to desc.
//
// elem.Sequence must be non-negative and greater than every sequence accepted
// for the queue so far. If the store is saturated, or the queue's producer
// rate is exceeded, ctl.OnFlowBlock is called and the call blocks until there
// is room, then ctl.OnFlowResume is called; the element is never dropped. A
// nil ctl is allowed.
//
// delayable lets the store hold the write for up to DelayWindow so it can be
// batched with later writes of the same queue; false requests a flush without
// added delay.
//
// Validation failures are returned directly. Storage faults are reported
// through the returned SaveOp, and in that case NotifySave is never called.
// NotifySave runs on a store goroutine and must not wait on the store's
// backpressure itself.
func (s *Store) PersistQueueElement(desc types.QueueDescriptor, ctl flow.Controller, elem SaveableElement, delayable bool) (*SaveOp, error) {
	if elem.Element == nil {
		return nil, fmt.Errorf("%w: nil element", ErrInvalidArgument)
	}
	if elem.Sequence < 0 {
		return nil, fmt.Errorf("%w: negative sequence %d", ErrInvalidArgument, elem.Sequence)
	}
	q, err := s.lookup(desc)
	if err != nil {
		return nil, err
	}

	checkSeq := func() error {
		if elem.Sequence <= q.lastSeq {
			return fmt.Errorf("%w: %s got %d after %d", ErrSequenceOrder, q.name, elem.Sequence, q.lastSeq)
		}
		return nil
	}
	q.mu.Lock()
	err = checkSeq()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e := *elem.Element
	if e.ID == "" {
		if e.ID, err = node.NewID(); err != nil {
			return nil, fmt.Errorf("queuestore: element id: %w", err)
		}
	}
	e.Sequence = elem.Sequence
	size := int64(e.Size())

	if err := s.acquire(q, ctl, size); err != nil {
		return nil, err
	}

	op := &pendingOp{
		kind:   opSave,
		urgent: !delayable,
		seq:    elem.Sequence,
		elem:   &e,
		notify: elem.NotifySave,
		size:   size,
		save:   newSaveOp(elem.Sequence),
	}
	err = s.submit(q, op, func() error {
		if err := checkSeq(); err != nil {
			return err
		}
		q.lastSeq = elem.Sequence
		return nil
	})
	if err != nil {
		s.window.Release(size)
		return nil, err
	}
	return op.save, nil
}

// acquire applies the queue's producer throttle and the store-wide write
// window, signalling ctl while blocked.
func (s *Store) acquire(q *queueState, ctl flow.Controller, size int64) error {
	blocked, err := q.throttle.Wait(s.ctx, ctl)
	if blocked {
		s.metrics.ObserveFlowBlock(q.name)
	}
	if err != nil {
		return flowErr(err)
	}

	blocked, err = s.window.Acquire(s.ctx, ctl, size)
	if blocked {
		s.metrics.ObserveFlowBlock(q.name)
		s.logger.Debug("producer blocked by write window", "queue", q.name, "bytes", size)
	}
	if err != nil {
		return flowErr(err)
	}
	return nil
}
