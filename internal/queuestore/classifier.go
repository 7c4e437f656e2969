package queuestore

import "github.com/snehjoshi/epochstore/internal/types"

// Classifier decides which elements go through the store.
type Classifier interface {
	// IsElemPersistent reports whether e must be saved and later deleted.
	IsElemPersistent(e *types.Element) bool
	// IsFromStore reports whether e was produced by a restore, which obliges
	// its queue to delete it once consumed.
	IsFromStore(e *types.Element) bool
}

// DefaultClassifier classifies by the element's Persistent flag and by the
// tracking number a restore stamps on it.
type DefaultClassifier struct{}

func (DefaultClassifier) IsElemPersistent(e *types.Element) bool {
	return e != nil && e.Persistent
}

func (DefaultClassifier) IsFromStore(e *types.Element) bool {
	return e != nil && e.Tracking > 0
}
