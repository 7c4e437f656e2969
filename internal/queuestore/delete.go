package queuestore

import (
	"fmt"

	"github.com/snehjoshi/epochstore/internal/types"
)

// DeleteQueueElement removes a persisted element of desc, identified by its
// sequence number. The call validates and returns; removal happens later, in
// order with the queue's other operations. Deleting an element that is not
// stored is a no-op.
func (s *Store) DeleteQueueElement(desc types.QueueDescriptor, elem *types.Element) error {
	if elem == nil {
		return fmt.Errorf("%w: nil element", ErrInvalidArgument)
	}
	if elem.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence %d", ErrInvalidArgument, elem.Sequence)
	}
	q, err := s.lookup(desc)
	if err != nil {
		return err
	}
	return s.submit(q, &pendingOp{kind: opDelete, urgent: true, seq: elem.Sequence}, nil)
}
