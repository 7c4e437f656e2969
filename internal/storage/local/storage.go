package local

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochstore/internal/storage"
)

const (
	logFileName   = "log.dat"
	indexFileName = "index.db"
	walFileName   = "wal.dat"
)

// ─── Local Storage Config ────────────────────────────────────────────────────

// FsyncPolicy controls when writes are flushed to physical disk.
// Values mirror the top-level Config.Storage.Fsync policy names so the server
// can pass them straight through without translation.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every batch (safest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncIntervalMs milliseconds
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize batches
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config holds options that tune local.Storage behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	NodeID             string // stamped into every log record
	Fsync              FsyncPolicy
	FsyncIntervalMs    int           // used when Fsync == FsyncInterval
	FsyncBatchSize     int           // used when Fsync == FsyncBatch
	CompactionInterval time.Duration // how often the background compactor runs
	Logger             *slog.Logger
}

// DefaultConfig returns a Config with production-safe defaults. Writes are
// already batched per queue above this layer, so fsync-per-batch is the
// default.
func DefaultConfig() Config {
	return Config{
		Fsync:              FsyncAlways,
		FsyncIntervalMs:    200,
		FsyncBatchSize:     64,
		CompactionInterval: time.Hour,
	}
}

// ─── Storage ─────────────────────────────────────────────────────────────────

// Storage is the local, single-node implementation of storage.Engine.
// It combines:
//   - One append-only Log shared by every queue (log.dat)
//   - A bbolt Index holding the queue registry and per-queue indexes (index.db)
//   - A WAL for crash safety (wal.dat)
//
// All methods are safe for concurrent use.
type Storage struct {
	log    *Log
	index  *Index
	wal    *WAL
	dir    string
	cfg    Config
	logger *slog.Logger

	// batchCount is incremented on every AppendBatch; used by FsyncBatch policy.
	batchCount atomic.Int64

	// compactMu serialises compaction against regular reads/writes.
	// RLock is taken by AppendBatch/Range; WLock is taken by Compactor.RunOnce.
	compactMu sync.RWMutex

	compactor *Compactor

	fsyncTicker *time.Ticker
	fsyncDone   chan struct{}
	fsyncWG     sync.WaitGroup
	fsyncOnce   sync.Once

	closeOnce sync.Once
}

// Ensure Storage satisfies the interface at compile time.
var _ storage.Engine = (*Storage)(nil)

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open creates (or reopens) a local Storage backed by files in dir.
// An optional Config can be supplied; defaults are used for any zero-field.
func Open(dir string, cfgs ...Config) (*Storage, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		cfg.NodeID = c.NodeID
		cfg.Logger = c.Logger
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncIntervalMs > 0 {
			cfg.FsyncIntervalMs = c.FsyncIntervalMs
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		if c.CompactionInterval > 0 {
			cfg.CompactionInterval = c.CompactionInterval
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}

	lg, err := OpenLog(filepath.Join(dir, logFileName), cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("local storage: open log: %w", err)
	}

	idx, err := OpenIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		_ = lg.Close()
		return nil, fmt.Errorf("local storage: open index: %w", err)
	}

	wal, err := OpenWAL(filepath.Join(dir, walFileName))
	if err != nil {
		_ = lg.Close()
		_ = idx.Close()
		return nil, fmt.Errorf("local storage: open wal: %w", err)
	}

	s := &Storage{
		log:    lg,
		index:  idx,
		wal:    wal,
		dir:    dir,
		cfg:    cfg,
		logger: logger,
	}

	// Tracking numbers must never repeat, even when compaction has dropped
	// the newest records from log.dat.
	last, err := idx.LastTracking()
	if err != nil {
		_ = s.closeAll()
		return nil, fmt.Errorf("local storage: read tracking mark: %w", err)
	}
	lg.raiseTracking(last)

	if err := s.recover(); err != nil {
		_ = s.closeAll()
		return nil, fmt.Errorf("local storage: crash recovery: %w", err)
	}

	orphans, err := idx.DropOrphans()
	if err != nil {
		_ = s.closeAll()
		return nil, fmt.Errorf("local storage: drop unregistered data: %w", err)
	}
	if len(orphans) > 0 {
		logger.Info("dropped data of unregistered queues", "dir", dir, "incarnations", orphans)
	}

	s.startFsync()

	s.compactor = NewCompactor(s, cfg.CompactionInterval)
	s.compactor.Start()

	return s, nil
}

// ─── Crash recovery ───────────────────────────────────────────────────────────

// recover replays uncommitted WAL entries. Entries of incarnations that are no
// longer registered are dropped so a deleted queue never resurfaces. After
// recovery the WAL is truncated so it does not grow across restarts.
func (s *Storage) recover() error {
	uncommitted, err := s.wal.Replay()
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	if len(uncommitted) == 0 {
		return s.wal.Truncate()
	}

	regs, err := s.index.Registrations()
	if err != nil {
		return fmt.Errorf("load registrations: %w", err)
	}
	live := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		live[reg.Incarnation] = struct{}{}
	}

	replayed := 0
	for _, entry := range uncommitted {
		rec := entry.Record
		if _, ok := live[rec.Incarnation]; !ok {
			continue
		}
		// Already indexed: the write was committed, only the COMMIT record was lost.
		if _, err := s.index.Lookup(rec.Incarnation, rec.Sequence); err == nil {
			continue
		}

		loc, err := s.log.Append(rec)
		if err != nil {
			return fmt.Errorf("re-append %s#%d: %w", rec.Queue, rec.Sequence, err)
		}
		entry := indexEntry{Offset: loc.Offset, Tracking: loc.Tracking, Size: loc.Size}
		if err := s.index.Commit(rec.Incarnation, []int64{rec.Sequence}, []indexEntry{entry}); err != nil {
			return fmt.Errorf("re-index %s#%d: %w", rec.Queue, rec.Sequence, err)
		}
		replayed++
	}
	if replayed > 0 {
		if err := s.log.Sync(); err != nil {
			return fmt.Errorf("sync log after replay: %w", err)
		}
		s.logger.Info("wal replayed", "dir", s.dir, "records", replayed)
	}

	return s.wal.Truncate()
}

// ─── Background fsync ─────────────────────────────────────────────────────────

// startFsync launches the periodic fsync goroutine when the policy requires it.
func (s *Storage) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	interval := time.Duration(s.cfg.FsyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	s.fsyncTicker = time.NewTicker(interval)
	s.fsyncDone = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		for {
			select {
			case <-s.fsyncDone:
				return
			case <-s.fsyncTicker.C:
				_ = s.log.Sync()
				_ = s.wal.Sync()
			}
		}
	}()
}

// stopFsync shuts down the periodic fsync goroutine.
// Safe to call multiple times.
func (s *Storage) stopFsync() {
	if s.fsyncTicker == nil {
		return
	}
	s.fsyncOnce.Do(func() {
		s.fsyncTicker.Stop()
		close(s.fsyncDone)
	})
	s.fsyncWG.Wait()
}

// syncBeforeIndex flushes log.dat before the index commit makes the batch
// visible, according to the configured policy.
func (s *Storage) syncBeforeIndex() error {
	switch s.cfg.Fsync {
	case FsyncAlways:
		return s.log.Sync()
	case FsyncBatch:
		if s.batchCount.Add(1)%int64(s.cfg.FsyncBatchSize) == 0 {
			return s.log.Sync()
		}
	}
	// FsyncInterval is handled by the background goroutine.
	// FsyncNever does nothing.
	return nil
}

// ─── Engine implementation ────────────────────────────────────────────────────

// Register persists reg and allocates its index bucket.
func (s *Storage) Register(reg storage.Registration) error {
	if err := s.index.PutRegistration(reg); err != nil {
		return fmt.Errorf("local storage: register %s: %w", reg.Descriptor.Name, err)
	}
	return nil
}

// Unregister removes the registration for name.
func (s *Storage) Unregister(name string) (storage.Registration, error) {
	reg, err := s.index.RemoveRegistration(name)
	if err != nil {
		return storage.Registration{}, fmt.Errorf("local storage: unregister %s: %w", name, err)
	}
	return reg, nil
}

// Registrations lists every registered queue.
func (s *Storage) Registrations() ([]storage.Registration, error) {
	regs, err := s.index.Registrations()
	if err != nil {
		return nil, fmt.Errorf("local storage: registrations: %w", err)
	}
	return regs, nil
}

// DropData removes the index of incarnation. The log records it pointed at
// become garbage and are reclaimed by the next compaction.
func (s *Storage) DropData(incarnation string) error {
	if err := s.index.DropBucket(incarnation); err != nil {
		return fmt.Errorf("local storage: drop %s: %w", incarnation, err)
	}
	return nil
}

// AppendBatch writes recs to the WAL and the log, then indexes all of them in
// a single bbolt transaction.
//
// Write sequence:
//  1. WAL.Write   → records intent (crash-safe)
//  2. Log.Append  → appends records, assigns tracking numbers
//  3. Index.Commit → one ACID commit makes the whole batch visible
//  4. WAL.Commit  → marks intent as fulfilled
//
// On failure before step 3 the WAL intents are committed anyway so a restart
// does not resurrect writes that were reported as failed.
func (s *Storage) AppendBatch(incarnation string, recs []*storage.Record) ([]storage.Location, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	walSeqs := make([]uint64, 0, len(recs))
	abort := func() {
		if len(walSeqs) > 0 {
			_ = s.wal.Commit(walSeqs...)
		}
	}

	for _, rec := range recs {
		seq, err := s.wal.Write(rec)
		if err != nil {
			abort()
			return nil, fmt.Errorf("local storage: wal write: %w", err)
		}
		walSeqs = append(walSeqs, seq)
	}

	locs := make([]storage.Location, len(recs))
	seqs := make([]int64, len(recs))
	entries := make([]indexEntry, len(recs))
	for i, rec := range recs {
		loc, err := s.log.Append(rec)
		if err != nil {
			abort()
			return nil, fmt.Errorf("local storage: append: %w", err)
		}
		locs[i] = loc
		seqs[i] = rec.Sequence
		entries[i] = indexEntry{Offset: loc.Offset, Tracking: loc.Tracking, Size: loc.Size}
	}

	if err := s.syncBeforeIndex(); err != nil {
		abort()
		return nil, fmt.Errorf("local storage: sync log: %w", err)
	}

	if err := s.index.Commit(incarnation, seqs, entries); err != nil {
		abort()
		return nil, fmt.Errorf("local storage: index commit: %w", err)
	}

	if err := s.wal.Commit(walSeqs...); err != nil {
		// Non-fatal: the batch is safely in log+index (bbolt ACID). On the next
		// startup the WAL entries are found in the index and skipped.
		s.logger.Warn("wal commit failed", "incarnation", incarnation, "err", err)
	}
	if s.cfg.Fsync == FsyncAlways {
		_ = s.wal.Sync()
	}

	return locs, nil
}

// Range returns a page of incarnation's records. See storage.Engine.
func (s *Storage) Range(incarnation string, first, last int64, limit int, withPayload bool) (storage.RangeResult, error) {
	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	found, next, err := s.index.Scan(incarnation, first, last, limit)
	if err != nil {
		return storage.RangeResult{}, fmt.Errorf("local storage: scan %s: %w", incarnation, err)
	}

	res := storage.RangeResult{Entries: make([]storage.Stored, len(found)), Next: next}
	for i, f := range found {
		st := storage.Stored{Sequence: f.Sequence, Tracking: f.Tracking, Size: f.Size}
		if withPayload {
			e, err := s.log.ReadAt(f.Offset)
			switch {
			case err != nil:
				st.Err = fmt.Errorf("local storage: read sequence %d at %d: %w", f.Sequence, f.Offset, err)
			case e.Incarnation != incarnation || e.Sequence != f.Sequence || e.Tracking != f.Tracking:
				st.Err = fmt.Errorf("local storage: record at %d is not sequence %d: %w", f.Offset, f.Sequence, storage.ErrCorrupted)
			default:
				st.Element = e.Element
			}
		}
		res.Entries[i] = st
	}
	return res, nil
}

// Delete removes the index entry for seq.
func (s *Storage) Delete(incarnation string, seq int64) (bool, error) {
	existed, err := s.index.Delete(incarnation, seq)
	if err != nil {
		return false, fmt.Errorf("local storage: delete %s#%d: %w", incarnation, seq, err)
	}
	return existed, nil
}

// LastSequence returns the highest sequence ever committed for incarnation,
// deleted or not, or -1.
func (s *Storage) LastSequence(incarnation string) (int64, error) {
	last, err := s.index.LastSequence(incarnation)
	if err != nil {
		return -1, fmt.Errorf("local storage: last sequence %s: %w", incarnation, err)
	}
	return last, nil
}

// LastTracking returns the highest tracking number handed out so far.
func (s *Storage) LastTracking() int64 { return s.log.LastTracking() }

// Sync flushes the log and WAL to disk.
func (s *Storage) Sync() error {
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("local storage: sync log: %w", err)
	}
	if err := s.wal.Sync(); err != nil {
		return fmt.Errorf("local storage: sync wal: %w", err)
	}
	return nil
}

// Compactor returns the background Compactor so callers can invoke RunOnce
// directly in tests or trigger on-demand compaction.
func (s *Storage) Compactor() *Compactor {
	return s.compactor
}

// Close flushes and closes the log, index, and WAL.
// Background goroutines (fsync ticker, compactor) are stopped first.
// Safe to call multiple times; only the first call performs the actual close.
func (s *Storage) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.compactor != nil {
			s.compactor.Stop()
		}
		s.stopFsync()
		closeErr = s.closeAll()
	})
	return closeErr
}

// closeAll closes log, index, and wal. Used internally by Open on error paths.
func (s *Storage) closeAll() error {
	logErr := s.log.Close()
	idxErr := s.index.Close()
	walErr := s.wal.Close()
	if logErr != nil {
		return fmt.Errorf("local storage: close log: %w", logErr)
	}
	if idxErr != nil {
		return fmt.Errorf("local storage: close index: %w", idxErr)
	}
	if walErr != nil {
		return fmt.Errorf("local storage: close wal: %w", walErr)
	}
	return nil
}
