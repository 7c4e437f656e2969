package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/snehjoshi/epochstore/internal/storage"
)

// Compactor rewrites the shared log file, removing records nothing points at.
//
// A record becomes garbage when its element is deleted, when its queue is
// deleted, or when its batch never reached the index (failed or crashed
// write). The compactor copies only records whose index entry still names
// them by tracking number, then atomically swaps the files. Surviving records
// keep their tracking numbers.
//
// Compaction holds the storage write lock for its entire duration.
type Compactor struct {
	s        *Storage
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor that will run RunOnce every interval.
func NewCompactor(s *Storage, interval time.Duration) *Compactor {
	return &Compactor{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				if err := c.RunOnce(ctx); err != nil {
					c.s.logger.Warn("compaction failed", "dir", c.s.dir, "err", err)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce performs a single compaction cycle:
//  1. Acquire the exclusive storage lock (blocks appends and reads).
//  2. Scan log.dat; copy live records to log.dat.tmp with their tracking.
//  3. Point the index at the new offsets in one bbolt transaction.
//  4. Rename log.dat.tmp → log.dat (atomic on POSIX).
//  5. Reopen the Log against the new file and truncate the WAL.
//
// Returns nil without touching anything when there is no garbage.
func (c *Compactor) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.s.compactMu.Lock()
	defer c.s.compactMu.Unlock()

	type liveRecord struct {
		rec      *storage.Record
		tracking int64
		oldOff   int64
	}
	var live []liveRecord
	garbage := 0

	if err := c.s.log.ReadAll(func(offset int64, e *logEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ie, err := c.s.index.Lookup(e.Incarnation, e.Sequence)
		if err != nil || ie.Tracking != e.Tracking {
			garbage++
			return nil
		}
		live = append(live, liveRecord{
			rec: &storage.Record{
				Incarnation: e.Incarnation,
				Queue:       e.Queue,
				Sequence:    e.Sequence,
				Element:     e.Element,
			},
			tracking: e.Tracking,
			oldOff:   offset,
		})
		return nil
	}); err != nil {
		return fmt.Errorf("compactor: scan log: %w", err)
	}

	if garbage == 0 {
		return nil
	}

	logPath := c.s.log.Path()
	tmpPath := logPath + ".tmp"
	_ = os.Remove(tmpPath)
	tmpLog, err := OpenLog(tmpPath, c.s.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("compactor: open tmp log: %w", err)
	}

	moves := make([]relocation, 0, len(live))
	rollback := make([]relocation, 0, len(live))
	for _, l := range live {
		if err := ctx.Err(); err != nil {
			_ = tmpLog.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		loc, err := tmpLog.appendWithTracking(l.rec, l.tracking)
		if err != nil {
			_ = tmpLog.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("compactor: write live record: %w", err)
		}
		moves = append(moves, relocation{
			Incarnation: l.rec.Incarnation, Sequence: l.rec.Sequence,
			Tracking: l.tracking, NewOffset: loc.Offset,
		})
		rollback = append(rollback, relocation{
			Incarnation: l.rec.Incarnation, Sequence: l.rec.Sequence,
			Tracking: l.tracking, NewOffset: l.oldOff,
		})
	}

	if err := tmpLog.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: close tmp log: %w", err)
	}

	if err := c.s.index.Relocate(moves); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: relocate index: %w", err)
	}

	if err := os.Rename(tmpPath, logPath); err != nil {
		_ = c.s.index.Relocate(rollback)
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: rename tmp to log: %w", err)
	}

	if err := c.s.log.Reopen(logPath); err != nil {
		return fmt.Errorf("compactor: reopen log (restart required): %w", err)
	}

	// No batch is in flight while compactMu is held, so every WAL entry is
	// either committed or was aborted.
	if err := c.s.wal.Truncate(); err != nil {
		c.s.logger.Warn("wal truncate after compaction failed", "err", err)
	}

	c.s.logger.Info("log compacted", "dir", c.s.dir, "live", len(live), "reclaimed", garbage)
	return nil
}
