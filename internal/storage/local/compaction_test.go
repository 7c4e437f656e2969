package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/storage/local"
)

func logSize(t *testing.T, dir string) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, "log.dat"))
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	return info.Size()
}

// ─── Compaction tests ────────────────────────────────────────────────────────

// TestCompaction_RunOnce_ReclaimsDeletedRecords verifies that deleted records
// are dropped from log.dat while the survivors stay readable with unchanged
// tracking numbers.
func TestCompaction_RunOnce_ReclaimsDeletedRecords(t *testing.T) {
	dir := t.TempDir()
	s := openStorageAt(t, dir)
	reg := register(t, s, "q")
	locs := appendSeqs(t, s, reg, 1, 2, 3, 4, 5)

	for _, seq := range []int64{2, 4} {
		if _, err := s.Delete(reg.Incarnation, seq); err != nil {
			t.Fatalf("Delete(%d): %v", seq, err)
		}
	}

	before := logSize(t, dir)
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := logSize(t, dir); after >= before {
		t.Errorf("log did not shrink: before=%d after=%d", before, after)
	}

	res := rangeAll(t, s, reg.Incarnation, true)
	if len(res.Entries) != 3 {
		t.Fatalf("want 3 survivors, got %d", len(res.Entries))
	}
	wantTracking := map[int64]int64{1: locs[0].Tracking, 3: locs[2].Tracking, 5: locs[4].Tracking}
	for _, st := range res.Entries {
		if st.Err != nil {
			t.Fatalf("seq %d unreadable after compaction: %v", st.Sequence, st.Err)
		}
		if st.Tracking != wantTracking[st.Sequence] || st.Element.Tracking != st.Tracking {
			t.Errorf("seq %d: tracking %d, want %d", st.Sequence, st.Tracking, wantTracking[st.Sequence])
		}
	}
}

// TestCompaction_RunOnce_ReclaimsDroppedQueue verifies that records of a
// dropped incarnation are garbage while other queues are untouched.
func TestCompaction_RunOnce_ReclaimsDroppedQueue(t *testing.T) {
	s := openStorage(t)
	gone := register(t, s, "gone")
	kept := register(t, s, "kept")
	appendSeqs(t, s, gone, 1, 2)
	appendSeqs(t, s, kept, 1)

	if _, err := s.Unregister("gone"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := s.DropData(gone.Incarnation); err != nil {
		t.Fatalf("DropData: %v", err)
	}
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	res := rangeAll(t, s, kept.Incarnation, true)
	if len(res.Entries) != 1 || res.Entries[0].Err != nil {
		t.Fatalf("kept queue damaged: %+v", res.Entries)
	}
}

// TestCompaction_OrphanedIncarnationReclaimedAfterRestart covers a stop
// between Unregister and DropData: the reopened engine drops the leftover
// bucket and compaction reclaims its records.
func TestCompaction_OrphanedIncarnationReclaimedAfterRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	gone := register(t, s1, "gone")
	kept := register(t, s1, "kept")
	appendSeqs(t, s1, gone, 1, 2, 3)
	appendSeqs(t, s1, kept, 1)
	if _, err := s1.Unregister("gone"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorageAt(t, dir)
	before := logSize(t, dir)
	if err := s2.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := logSize(t, dir); after >= before {
		t.Errorf("orphaned records not reclaimed: before=%d after=%d", before, after)
	}
	if _, err := s2.Range(gone.Incarnation, -1, -1, 0, false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphaned incarnation: want ErrNotFound, got %v", err)
	}
	res := rangeAll(t, s2, kept.Incarnation, true)
	if len(res.Entries) != 1 || res.Entries[0].Err != nil {
		t.Fatalf("kept queue damaged: %+v", res.Entries)
	}
}

// TestCompaction_RunOnce_NoGarbageIsNoop verifies a clean log is left alone.
func TestCompaction_RunOnce_NoGarbageIsNoop(t *testing.T) {
	dir := t.TempDir()
	s := openStorageAt(t, dir)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2)

	before := logSize(t, dir)
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := logSize(t, dir); after != before {
		t.Errorf("log changed without garbage: before=%d after=%d", before, after)
	}
}

// TestCompaction_TrackingNeverReused verifies that compacting away the newest
// records does not let a restart hand out their tracking numbers again.
func TestCompaction_TrackingNeverReused(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := register(t, s1, "q")
	appendSeqs(t, s1, reg, 1)
	newest := appendSeqs(t, s1, reg, 2)

	if _, err := s1.Delete(reg.Incarnation, 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s1.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorageAt(t, dir)
	next := appendSeqs(t, s2, reg, 3)
	if next[0].Tracking <= newest[0].Tracking {
		t.Errorf("tracking %d reused after compaction (newest was %d)", next[0].Tracking, newest[0].Tracking)
	}
}

// TestCompaction_WritesAfterCompaction verifies the reopened log accepts and
// serves new records.
func TestCompaction_WritesAfterCompaction(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2)
	if _, err := s.Delete(reg.Incarnation, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	appendSeqs(t, s, reg, 3)
	res := rangeAll(t, s, reg.Incarnation, true)
	if len(res.Entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(res.Entries))
	}
	for _, st := range res.Entries {
		if st.Err != nil {
			t.Errorf("seq %d: %v", st.Sequence, st.Err)
		}
	}
}

// TestCompaction_CancelledContext verifies a cancelled run leaves data intact.
func TestCompaction_CancelledContext(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2)
	if _, err := s.Delete(reg.Incarnation, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Compactor().RunOnce(ctx); err == nil {
		t.Fatal("expected error from cancelled compaction")
	}

	res := rangeAll(t, s, reg.Incarnation, true)
	if len(res.Entries) != 1 || res.Entries[0].Err != nil {
		t.Fatalf("data damaged by cancelled compaction: %+v", res.Entries)
	}
}
