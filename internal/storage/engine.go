// Package storage defines the Engine abstraction underneath the queue store.
//
// The queue store (and every layer above it) must ONLY interact with disk
// through this interface. The engine is the opaque sink of the persistence
// protocol: it knows about queue registrations, incarnations and records, but
// nothing about flow control, notifications or per-queue ordering.
package storage

import (
	"errors"

	"github.com/snehjoshi/epochstore/internal/types"
)

// ErrNotFound is returned when a registration or record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored entry fails its checksum.
var ErrCorrupted = errors.New("storage: entry corrupted")

// Registration is the persisted identity of a queue. A fresh Incarnation is
// minted every time a queue name is (re-)added, so records written under an
// old incarnation can never surface under a new one.
type Registration struct {
	Descriptor  types.QueueDescriptor `json:"descriptor"`
	Incarnation string                `json:"incarnation"`
	CreatedAt   int64                 `json:"created_at"` // UTC milliseconds
}

// Record is one element to be appended to the shared log.
type Record struct {
	Incarnation string
	Queue       string
	Sequence    int64
	Element     *types.Element
}

// Location is where AppendBatch placed a record.
type Location struct {
	Offset   int64 // byte offset in the log
	Tracking int64 // store-global, monotonically increasing
	Size     int   // payload bytes
}

// Stored is one record read back by Range.
type Stored struct {
	Sequence int64
	Tracking int64
	Size     int

	// Element is nil when the payload was not requested or could not be read;
	// in the latter case Err holds the reason.
	Element *types.Element
	Err     error
}

// RangeResult is a page of records returned by Range.
type RangeResult struct {
	Entries []Stored

	// Next is the sequence number of the first retained record after the
	// last entry, or -1 when there is none.
	Next int64
}

// Engine is the single abstraction through which queue elements are
// persisted and retrieved.
//
// Implementations:
//   - local.Storage: single-node, disk-backed, one log shared by all queues
//
// All methods must be safe for concurrent use.
type Engine interface {
	// Register persists reg. Registering a name that already exists replaces
	// the old registration.
	Register(reg Registration) error

	// Unregister removes the registration for name and returns it.
	// Returns ErrNotFound if name is not registered.
	Unregister(name string) (Registration, error)

	// Registrations lists every registered queue.
	Registrations() ([]Registration, error)

	// DropData reclaims every record written under incarnation.
	DropData(incarnation string) error

	// AppendBatch writes recs (all of the same incarnation) and indexes them in
	// one atomic step: either every record becomes visible to Range or none
	// does. Locations are returned in input order.
	AppendBatch(incarnation string, recs []*Record) ([]Location, error)

	// Range returns up to limit records of incarnation with sequence numbers
	// in [first, last] in ascending order. first < 0 starts at the earliest
	// record, last < 0 means unbounded, limit <= 0 means no limit. Payloads
	// are read only when withPayload is set; a payload read failure is
	// reported on the entry, not as the call's error.
	Range(incarnation string, first, last int64, limit int, withPayload bool) (RangeResult, error)

	// Delete removes the record for seq. It reports whether a record existed.
	Delete(incarnation string, seq int64) (bool, error)

	// LastSequence returns the highest sequence ever committed, including
	// records deleted since, or -1.
	LastSequence(incarnation string) (int64, error)

	// Sync flushes buffered writes to physical disk.
	Sync() error

	// Close flushes all pending writes and releases file handles.
	Close() error
}
