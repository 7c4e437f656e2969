package queuestore

import (
	"github.com/snehjoshi/epochstore/internal/types"
)

// SaveableElement pairs an element with its queue-assigned sequence number.
// If NotifySave is set it is called exactly once, on a store goroutine, after
// the element is durable. It is never called when the save fails.
type SaveableElement struct {
	Element    *types.Element
	Sequence   int64
	NotifySave func()
}

// RequestNotify reports whether a completion notification was requested.
func (s SaveableElement) RequestNotify() bool { return s.NotifySave != nil }

// ─── Restored elements ───────────────────────────────────────────────────────

// RestoredElement is one record delivered by a restore. Its concrete type is
// *Metadata for record-only restores and *MetadataWithPayload otherwise.
type RestoredElement interface {
	// Size is the element's payload size in bytes.
	Size() int
	// SequenceNumber is the queue-local sequence number that was read.
	SequenceNumber() int64
	// StoreTracking is the store-global tracking number of the record.
	StoreTracking() int64
	// NextSequenceNumber is the next sequence number retained in the queue,
	// or -1 when this is the last element currently stored. It does not
	// depend on the bounds of the restore that produced it.
	NextSequenceNumber() int64
}

// Metadata describes a stored element without its payload.
type Metadata struct {
	size     int
	sequence int64
	tracking int64
	next     int64
}

func (m *Metadata) Size() int                 { return m.size }
func (m *Metadata) SequenceNumber() int64     { return m.sequence }
func (m *Metadata) StoreTracking() int64      { return m.tracking }
func (m *Metadata) NextSequenceNumber() int64 { return m.next }

// MetadataWithPayload is a restored element together with its payload. A
// record that could not be read still appears in its batch; Element reports
// the failure.
type MetadataWithPayload struct {
	Metadata
	elem *types.Element
	err  error
}

// Element returns the restored element or the error that prevented reading it.
func (m *MetadataWithPayload) Element() (*types.Element, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.elem, nil
}

// RestoreListener receives restored batches in ascending sequence order.
// Calls for one restore never overlap.
type RestoreListener interface {
	ElementsRestored(batch []RestoredElement)
}

// RestoreListenerFunc adapts a function to RestoreListener.
type RestoreListenerFunc func(batch []RestoredElement)

func (f RestoreListenerFunc) ElementsRestored(batch []RestoredElement) { f(batch) }
