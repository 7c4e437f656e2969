package local_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/storage/local"
	"github.com/snehjoshi/epochstore/internal/types"
)

// ---- helpers ----------------------------------------------------------------

func testConfig() local.Config {
	cfg := local.DefaultConfig()
	cfg.NodeID = node.MustNewID()
	cfg.CompactionInterval = 24 * time.Hour // keep the background compactor quiet
	return cfg
}

func openStorage(t *testing.T) *local.Storage {
	t.Helper()
	return openStorageAt(t, t.TempDir())
}

func openStorageAt(t *testing.T, dir string) *local.Storage {
	t.Helper()
	s, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func register(t *testing.T, s *local.Storage, name string) storage.Registration {
	t.Helper()
	desc, err := types.NewQueueDescriptor(name)
	if err != nil {
		t.Fatalf("NewQueueDescriptor: %v", err)
	}
	reg := storage.Registration{
		Descriptor:  desc,
		Incarnation: node.MustNewID(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func newRecord(reg storage.Registration, seq int64, body string) *storage.Record {
	return &storage.Record{
		Incarnation: reg.Incarnation,
		Queue:       reg.Descriptor.Name,
		Sequence:    seq,
		Element: &types.Element{
			ID:          node.MustNewID(),
			Body:        []byte(body),
			Metadata:    map[string]string{"k": "v"},
			PublishedAt: time.Now().UnixMilli(),
			Persistent:  true,
		},
	}
}

func appendSeqs(t *testing.T, s *local.Storage, reg storage.Registration, seqs ...int64) []storage.Location {
	t.Helper()
	recs := make([]*storage.Record, len(seqs))
	for i, seq := range seqs {
		recs[i] = newRecord(reg, seq, fmt.Sprintf(`{"seq":%d}`, seq))
	}
	locs, err := s.AppendBatch(reg.Incarnation, recs)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	return locs
}

func rangeAll(t *testing.T, s *local.Storage, inc string, withPayload bool) storage.RangeResult {
	t.Helper()
	res, err := s.Range(inc, -1, -1, 0, withPayload)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	return res
}

// ---- AppendBatch / Range ----------------------------------------------------

func TestStorage_AppendBatch_RangeRoundTrip(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "orders")

	recs := []*storage.Record{
		newRecord(reg, 1, "one"),
		newRecord(reg, 2, "two"),
		newRecord(reg, 3, "three"),
	}
	locs, err := s.AppendBatch(reg.Incarnation, recs)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(locs) != 3 {
		t.Fatalf("want 3 locations, got %d", len(locs))
	}
	for i := 1; i < len(locs); i++ {
		if locs[i].Tracking <= locs[i-1].Tracking {
			t.Errorf("tracking not increasing: %d then %d", locs[i-1].Tracking, locs[i].Tracking)
		}
	}

	res := rangeAll(t, s, reg.Incarnation, true)
	if len(res.Entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(res.Entries))
	}
	if res.Next != -1 {
		t.Errorf("Next: want -1, got %d", res.Next)
	}
	for i, st := range res.Entries {
		if st.Err != nil {
			t.Fatalf("entry %d: %v", i, st.Err)
		}
		if st.Sequence != recs[i].Sequence {
			t.Errorf("entry %d: sequence %d, want %d", i, st.Sequence, recs[i].Sequence)
		}
		if st.Tracking != locs[i].Tracking {
			t.Errorf("entry %d: tracking %d, want %d", i, st.Tracking, locs[i].Tracking)
		}
		if !bytes.Equal(st.Element.Body, recs[i].Element.Body) {
			t.Errorf("entry %d: body %q, want %q", i, st.Element.Body, recs[i].Element.Body)
		}
		if st.Element.ID != recs[i].Element.ID {
			t.Errorf("entry %d: id %q, want %q", i, st.Element.ID, recs[i].Element.ID)
		}
		if st.Element.Metadata["k"] != "v" {
			t.Errorf("entry %d: metadata lost: %v", i, st.Element.Metadata)
		}
		if !st.Element.Persistent {
			t.Errorf("entry %d: persistent flag lost", i)
		}
		if st.Element.Sequence != st.Sequence || st.Element.Tracking != st.Tracking {
			t.Errorf("entry %d: element not stamped with sequence/tracking", i)
		}
	}
}

func TestStorage_Range_RecordOnlySkipsPayload(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2)

	res := rangeAll(t, s, reg.Incarnation, false)
	if len(res.Entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(res.Entries))
	}
	for _, st := range res.Entries {
		if st.Element != nil {
			t.Errorf("seq %d: payload returned in record-only mode", st.Sequence)
		}
		if st.Size == 0 {
			t.Errorf("seq %d: size not reported", st.Sequence)
		}
	}
}

func TestStorage_Range_BoundsLimitAndNext(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2, 3, 5, 8)

	tests := []struct {
		name        string
		first, last int64
		limit       int
		wantSeqs    []int64
		wantNext    int64
	}{
		{"all", -1, -1, 0, []int64{1, 2, 3, 5, 8}, -1},
		{"limit", -1, -1, 2, []int64{1, 2}, 3},
		{"first gap", 4, -1, 0, []int64{5, 8}, -1},
		{"max bound", 2, 5, 0, []int64{2, 3, 5}, 8},
		{"max and limit", 1, 3, 2, []int64{1, 2}, 3},
		{"empty window", 6, 7, 0, nil, 8},
		{"past end", 9, -1, 0, nil, -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.Range(reg.Incarnation, tc.first, tc.last, tc.limit, false)
			if err != nil {
				t.Fatalf("Range: %v", err)
			}
			var got []int64
			for _, st := range res.Entries {
				got = append(got, st.Sequence)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.wantSeqs) {
				t.Errorf("seqs: want %v, got %v", tc.wantSeqs, got)
			}
			if res.Next != tc.wantNext {
				t.Errorf("Next: want %d, got %d", tc.wantNext, res.Next)
			}
		})
	}
}

func TestStorage_Range_UnknownIncarnation(t *testing.T) {
	s := openStorage(t)
	_, err := s.Range(node.MustNewID(), -1, -1, 0, false)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStorage_AppendBatch_DroppedIncarnationFails(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	if err := s.DropData(reg.Incarnation); err != nil {
		t.Fatalf("DropData: %v", err)
	}
	_, err := s.AppendBatch(reg.Incarnation, []*storage.Record{newRecord(reg, 1, "x")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStorage_TrackingIsStoreGlobal(t *testing.T) {
	s := openStorage(t)
	a := register(t, s, "a")
	b := register(t, s, "b")

	la := appendSeqs(t, s, a, 1)
	lb := appendSeqs(t, s, b, 1)
	la2 := appendSeqs(t, s, a, 2)

	if !(la[0].Tracking < lb[0].Tracking && lb[0].Tracking < la2[0].Tracking) {
		t.Errorf("tracking not global: a1=%d b1=%d a2=%d", la[0].Tracking, lb[0].Tracking, la2[0].Tracking)
	}
}

// ---- Delete / LastSequence ---------------------------------------------------

func TestStorage_Delete(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 1, 2, 3)

	existed, err := s.Delete(reg.Incarnation, 2)
	if err != nil || !existed {
		t.Fatalf("Delete(2): existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(reg.Incarnation, 2)
	if err != nil || existed {
		t.Fatalf("second Delete(2): existed=%v err=%v", existed, err)
	}

	res := rangeAll(t, s, reg.Incarnation, false)
	if len(res.Entries) != 2 || res.Entries[0].Sequence != 1 || res.Entries[1].Sequence != 3 {
		t.Fatalf("unexpected entries after delete: %+v", res.Entries)
	}
}

func TestStorage_LastSequence(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")

	last, err := s.LastSequence(reg.Incarnation)
	if err != nil || last != -1 {
		t.Fatalf("empty queue: last=%d err=%v", last, err)
	}
	appendSeqs(t, s, reg, 4, 9)
	last, err = s.LastSequence(reg.Incarnation)
	if err != nil || last != 9 {
		t.Fatalf("want 9, got %d (err=%v)", last, err)
	}
}

func TestStorage_LastSequenceSurvivesTailDelete(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := register(t, s1, "q")
	appendSeqs(t, s1, reg, 1, 2, 3)
	for _, seq := range []int64{2, 3} {
		if _, err := s1.Delete(reg.Incarnation, seq); err != nil {
			t.Fatalf("Delete(%d): %v", seq, err)
		}
	}
	if last, err := s1.LastSequence(reg.Incarnation); err != nil || last != 3 {
		t.Fatalf("before restart: last=%d err=%v", last, err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorageAt(t, dir)
	if last, err := s2.LastSequence(reg.Incarnation); err != nil || last != 3 {
		t.Fatalf("after restart: want 3, got %d (err=%v)", last, err)
	}
	// A fully drained queue keeps its mark too.
	if _, err := s2.Delete(reg.Incarnation, 1); err != nil {
		t.Fatalf("Delete(1): %v", err)
	}
	if last, _ := s2.LastSequence(reg.Incarnation); last != 3 {
		t.Fatalf("drained queue: want 3, got %d", last)
	}
}

func TestStorage_DropDataForgetsLastSequence(t *testing.T) {
	s := openStorage(t)
	reg := register(t, s, "q")
	appendSeqs(t, s, reg, 7)
	if _, err := s.Unregister("q"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := s.DropData(reg.Incarnation); err != nil {
		t.Fatalf("DropData: %v", err)
	}
	if _, err := s.LastSequence(reg.Incarnation); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dropped incarnation: want ErrNotFound, got %v", err)
	}
}

// ---- Registry ---------------------------------------------------------------

func TestStorage_RegistrationsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := register(t, s1, "orders")
	register(t, s1, "billing")
	if _, err := s1.Unregister("billing"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorageAt(t, dir)
	regs, err := s2.Registrations()
	if err != nil {
		t.Fatalf("Registrations: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("want 1 registration, got %d", len(regs))
	}
	if regs[0].Incarnation != reg.Incarnation || !regs[0].Descriptor.Equal(reg.Descriptor) {
		t.Errorf("registration mismatch: got %+v want %+v", regs[0], reg)
	}
}

func TestStorage_Unregister_Unknown(t *testing.T) {
	s := openStorage(t)
	if _, err := s.Unregister("nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStorage_NewIncarnationStartsEmpty(t *testing.T) {
	s := openStorage(t)
	old := register(t, s, "q")
	appendSeqs(t, s, old, 1, 2)

	if _, err := s.Unregister("q"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	fresh := register(t, s, "q")

	res := rangeAll(t, s, fresh.Incarnation, true)
	if len(res.Entries) != 0 {
		t.Fatalf("new incarnation sees %d old records", len(res.Entries))
	}
}

// ---- Restart ----------------------------------------------------------------

func TestStorage_DataAndTrackingSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := register(t, s1, "q")
	locs := appendSeqs(t, s1, reg, 1, 2)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorageAt(t, dir)
	res := rangeAll(t, s2, reg.Incarnation, true)
	if len(res.Entries) != 2 {
		t.Fatalf("want 2 entries after restart, got %d", len(res.Entries))
	}
	if string(res.Entries[1].Element.Body) != `{"seq":2}` {
		t.Errorf("body after restart: %q", res.Entries[1].Element.Body)
	}

	more := appendSeqs(t, s2, reg, 3)
	if more[0].Tracking <= locs[1].Tracking {
		t.Errorf("tracking moved backwards across restart: %d after %d", more[0].Tracking, locs[1].Tracking)
	}
}

func TestStorage_CloseIsIdempotent(t *testing.T) {
	s, err := local.Open(t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStorage_FsyncPolicies(t *testing.T) {
	for _, p := range []local.FsyncPolicy{local.FsyncAlways, local.FsyncInterval, local.FsyncBatch, local.FsyncNever} {
		t.Run(string(p), func(t *testing.T) {
			cfg := testConfig()
			cfg.Fsync = p
			cfg.FsyncIntervalMs = 5
			cfg.FsyncBatchSize = 2
			s, err := local.Open(t.TempDir(), cfg)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			reg := register(t, s, "q")
			for i := int64(1); i <= 5; i++ {
				appendSeqs(t, s, reg, i)
			}
			if err := s.Sync(); err != nil {
				t.Fatalf("Sync: %v", err)
			}
			if got := len(rangeAll(t, s, reg.Incarnation, false).Entries); got != 5 {
				t.Fatalf("want 5 entries, got %d", got)
			}
		})
	}
}
