package queuestore

import (
	"log/slog"
	"time"

	"github.com/snehjoshi/epochstore/internal/metrics"
)

// Config tunes the store's scheduling and backpressure.
type Config struct {
	// Writers is the number of goroutines executing queue work.
	Writers int
	// MaxBatchSize caps the saves of one queue written in a single batch.
	MaxBatchSize int
	// DelayWindow bounds how long a delayable save may wait for company.
	DelayWindow time.Duration
	// RestoreBatchSize caps the elements handed to a listener per call.
	RestoreBatchSize int

	// MaxPendingElements and MaxPendingBytes bound the saves accepted but not
	// yet durable across all queues. Zero means unbounded.
	MaxPendingElements int
	MaxPendingBytes    int64

	// ProducerRate limits saves per second per queue (0 = unlimited), with
	// ProducerBurst tokens of slack.
	ProducerRate  float64
	ProducerBurst int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Writers:            4,
		MaxBatchSize:       64,
		DelayWindow:        5 * time.Millisecond,
		RestoreBatchSize:   128,
		MaxPendingElements: 10_000,
		MaxPendingBytes:    64 << 20,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Writers <= 0 {
		c.Writers = d.Writers
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.DelayWindow <= 0 {
		c.DelayWindow = d.DelayWindow
	}
	if c.RestoreBatchSize <= 0 {
		c.RestoreBatchSize = d.RestoreBatchSize
	}
	if c.MaxPendingElements < 0 {
		c.MaxPendingElements = 0
	}
	if c.MaxPendingBytes < 0 {
		c.MaxPendingBytes = 0
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithConfig replaces the default Config. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Store) { s.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Store) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithMetrics records store activity in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Store) { s.metrics = reg }
}
