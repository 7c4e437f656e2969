// Package types contains the core domain types shared across all epochstore
// internal packages. It deliberately has zero imports of other epochstore
// packages so that both the storage layer and the queue store can import from
// it without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"maps"
)

// ErrInvalidArgument is returned when a descriptor or element fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// QueueType governs how the engine may co-locate or order the elements of
// queues sharing the type. It does not change the save/restore contract.
type QueueType int16

const (
	// QueueTypeShared is a plain standalone queue. It is the default.
	QueueTypeShared QueueType = 0
	// QueueTypeSharedPriority is a shared queue whose elements carry priority.
	QueueTypeSharedPriority QueueType = 1
	// QueueTypePartitioned is one partition of a parent queue.
	QueueTypePartitioned QueueType = 2
)

// String returns a human-readable representation of the queue type.
func (t QueueType) String() string {
	switch t {
	case QueueTypeShared:
		return "shared"
	case QueueTypeSharedPriority:
		return "shared_priority"
	case QueueTypePartitioned:
		return "partitioned"
	default:
		return "unknown"
	}
}

// ParseQueueType is the inverse of QueueType.String.
func ParseQueueType(s string) (QueueType, error) {
	switch s {
	case "", "shared":
		return QueueTypeShared, nil
	case "shared_priority":
		return QueueTypeSharedPriority, nil
	case "partitioned":
		return QueueTypePartitioned, nil
	default:
		return 0, fmt.Errorf("queue type %q: %w", s, ErrInvalidArgument)
	}
}

func (t QueueType) valid() bool {
	return t >= QueueTypeShared && t <= QueueTypePartitioned
}

// ─── QueueDescriptor ─────────────────────────────────────────────────────────

// QueueDescriptor identifies a queue to the store.
//
// Identity is the Name alone: two descriptors with the same name but a
// different partition key, type or parent refer to the same queue as far as
// the store is concerned. Use IdentityKey for map keys and SameQueue for
// identity comparisons; Equal compares every field.
//
// Descriptors are values. Hand a Copy across component boundaries.
type QueueDescriptor struct {
	Name            string    `json:"name"`
	Parent          string    `json:"parent,omitempty"`
	PartitionKey    int32     `json:"partition_key"`
	ApplicationType int16     `json:"application_type"`
	QueueType       QueueType `json:"queue_type"`
}

// DescriptorOption customises a descriptor built by NewQueueDescriptor.
type DescriptorOption func(*QueueDescriptor) error

// WithParent marks the descriptor as partition key of the parent queue.
func WithParent(parent string, partitionKey int32) DescriptorOption {
	return func(d *QueueDescriptor) error {
		d.Parent = parent
		d.PartitionKey = partitionKey
		return nil
	}
}

// WithApplicationType sets the caller-defined classification tag.
func WithApplicationType(t int16) DescriptorOption {
	return func(d *QueueDescriptor) error { return d.SetApplicationType(t) }
}

// WithQueueType sets the queue type.
func WithQueueType(t QueueType) DescriptorOption {
	return func(d *QueueDescriptor) error {
		if !t.valid() {
			return fmt.Errorf("queue type %d: %w", t, ErrInvalidArgument)
		}
		d.QueueType = t
		return nil
	}
}

// NewQueueDescriptor builds a validated descriptor.
func NewQueueDescriptor(name string, opts ...DescriptorOption) (QueueDescriptor, error) {
	d := QueueDescriptor{Name: name}
	for _, opt := range opts {
		if err := opt(&d); err != nil {
			return QueueDescriptor{}, err
		}
	}
	if err := d.Validate(); err != nil {
		return QueueDescriptor{}, err
	}
	return d, nil
}

// SetApplicationType sets the application type. Negative values are rejected,
// never clamped.
func (d *QueueDescriptor) SetApplicationType(t int16) error {
	if t < 0 {
		return fmt.Errorf("application type %d must not be negative: %w", t, ErrInvalidArgument)
	}
	d.ApplicationType = t
	return nil
}

// Validate reports whether the descriptor can be registered with a store.
func (d QueueDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("queue name must not be empty: %w", ErrInvalidArgument)
	}
	if d.ApplicationType < 0 {
		return fmt.Errorf("application type %d must not be negative: %w", d.ApplicationType, ErrInvalidArgument)
	}
	if !d.QueueType.valid() {
		return fmt.Errorf("queue type %d: %w", d.QueueType, ErrInvalidArgument)
	}
	if d.QueueType == QueueTypePartitioned && d.Parent == "" {
		return fmt.Errorf("partitioned queue %q needs a parent: %w", d.Name, ErrInvalidArgument)
	}
	return nil
}

// Copy returns a deep copy. All fields are values, so the copy shares nothing.
func (d QueueDescriptor) Copy() QueueDescriptor { return d }

// IdentityKey is the key the store uses for registry lookups: the name.
func (d QueueDescriptor) IdentityKey() string { return d.Name }

// SameQueue reports whether d and o identify the same queue (names match).
func (d QueueDescriptor) SameQueue(o QueueDescriptor) bool { return d.Name == o.Name }

// Equal reports whether every field of d and o matches.
func (d QueueDescriptor) Equal(o QueueDescriptor) bool { return d == o }

// IsPartition reports whether the descriptor is one partition of a parent.
func (d QueueDescriptor) IsPartition() bool { return d.Parent != "" }

func (d QueueDescriptor) String() string {
	if d.Parent != "" {
		return fmt.Sprintf("%s(%s#%d)", d.Name, d.Parent, d.PartitionKey)
	}
	return d.Name
}

// ─── Element ─────────────────────────────────────────────────────────────────

// Element is the unit a queue hands to the store.
//
// Design rules:
//   - Element format is final. Only optional fields may be added.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings; the store assigns one when ID is empty.
type Element struct {
	ID          string            `json:"id"`
	Body        []byte            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt int64             `json:"published_at"`

	// Persistent marks elements that must go through the store.
	Persistent bool `json:"persistent"`

	// Sequence is the queue-assigned sequence number. Queues set it before
	// persisting; the store sets it on restored elements.
	Sequence int64 `json:"sequence"`

	// Tracking is the store-global position of the record this element was
	// restored from. Zero for elements that never came from the store.
	Tracking int64 `json:"tracking,omitempty"`
}

// Size returns the payload size in bytes.
func (e *Element) Size() int { return len(e.Body) }

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}
