package queuestore

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/types"
)

// restoreCursor is the progress of one restore across writer turns.
type restoreCursor struct {
	recordOnly bool
	next       int64 // next sequence to read; -1 = earliest
	max        int64 // -1 = unbounded
	remaining  int   // -1 = unbounded
	listener   RestoreListener
	op         *RestoreOp
}

// RestoreQueueElements streams desc's stored elements with sequence numbers
// in [firstSequence, maxSequence] to listener, at most maxCount of them.
//
// firstSequence = -1 starts at the earliest retained element, maxSequence = -1
// and maxCount = -1 lift those bounds. The restore is ordered after every
// save, delete, and restore already submitted for the queue. Batches of at
// most RestoreBatchSize elements are delivered in ascending sequence order on
// a store goroutine. Nothing is delivered when the range is empty.
//
// With recordOnly the payload is not read and each element is a *Metadata;
// otherwise each is a *MetadataWithPayload whose Element reports per-element
// read failures.
func (s *Store) RestoreQueueElements(desc types.QueueDescriptor, recordOnly bool, firstSequence, maxSequence int64, maxCount int, listener RestoreListener) (*RestoreOp, error) {
	if listener == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	if firstSequence < -1 || maxSequence < -1 {
		return nil, fmt.Errorf("%w: sequence bounds [%d, %d]", ErrInvalidArgument, firstSequence, maxSequence)
	}
	if maxCount == 0 || maxCount < -1 {
		return nil, fmt.Errorf("%w: maxCount %d", ErrInvalidArgument, maxCount)
	}
	q, err := s.lookup(desc)
	if err != nil {
		return nil, err
	}

	cur := &restoreCursor{
		recordOnly: recordOnly,
		next:       firstSequence,
		max:        maxSequence,
		remaining:  maxCount,
		listener:   listener,
		op:         newRestoreOp(),
	}
	op := &pendingOp{kind: opRestore, urgent: true, restore: cur}
	if err := s.submit(q, op, nil); err != nil {
		return nil, err
	}
	return cur.op, nil
}

// restoreStep delivers the next batch of cur and reports whether the restore
// is finished.
func (s *Store) restoreStep(q *queueState, cur *restoreCursor) bool {
	q.mu.Lock()
	deleted := q.deleted
	q.mu.Unlock()
	if deleted {
		cur.op.complete(fmt.Errorf("%w: %s", ErrQueueDeleted, q.name))
		return true
	}

	limit := s.cfg.RestoreBatchSize
	if cur.remaining > 0 && cur.remaining < limit {
		limit = cur.remaining
	}

	res, err := s.engine.Range(q.reg.Incarnation, cur.next, cur.max, limit, !cur.recordOnly)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrQueueDeleted, q.name)
		} else {
			err = fmt.Errorf("queuestore: restore %s: %w", q.name, err)
		}
		s.logger.Error("restore failed", "queue", q.name, "from", cur.next, "err", err)
		cur.op.complete(err)
		return true
	}

	if n := len(res.Entries); n > 0 {
		batch, failed := buildBatch(res, cur.recordOnly)
		cur.listener.ElementsRestored(batch)
		cur.op.count.Add(int64(n))
		s.metrics.ObserveRestore(q.name, n, failed)
		if cur.remaining > 0 {
			cur.remaining -= n
		}
	}

	cur.next = res.Next
	done := len(res.Entries) == 0 ||
		res.Next < 0 ||
		(cur.max >= 0 && res.Next > cur.max) ||
		cur.remaining == 0
	if done {
		cur.op.complete(nil)
	}
	return done
}

// buildBatch converts one engine page into restored elements. Each element's
// next sequence is the following entry's, or the page's Next for the last.
func buildBatch(res storage.RangeResult, recordOnly bool) ([]RestoredElement, int) {
	batch := make([]RestoredElement, len(res.Entries))
	failed := 0
	for i, st := range res.Entries {
		next := res.Next
		if i+1 < len(res.Entries) {
			next = res.Entries[i+1].Sequence
		}
		md := Metadata{size: st.Size, sequence: st.Sequence, tracking: st.Tracking, next: next}
		if recordOnly {
			m := md
			batch[i] = &m
			continue
		}
		if st.Err != nil {
			failed++
		}
		batch[i] = &MetadataWithPayload{Metadata: md, elem: st.Element, err: st.Err}
	}
	return batch, failed
}
