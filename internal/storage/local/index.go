package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochstore/internal/storage"
)

var (
	bucketQueues = []byte("queues") // queue name → Registration (JSON)
	bucketMeta   = []byte("meta")   // bookkeeping counters
	keyTracking  = []byte("tracking")
)

// queueBucketPrefix namespaces the per-incarnation index buckets.
const queueBucketPrefix = "q/"

// highWaterPrefix keys, in the meta bucket, the highest sequence ever
// committed per incarnation. It outlives deletes of the newest records.
const highWaterPrefix = "hw/"

func queueBucket(incarnation string) []byte {
	return []byte(queueBucketPrefix + incarnation)
}

func highWaterKey(incarnation string) []byte {
	return []byte(highWaterPrefix + incarnation)
}

// indexEntry locates one record of a queue in log.dat.
type indexEntry struct {
	Offset   int64
	Tracking int64
	Size     int
}

// Index is a bbolt-backed persistent index.
//
// Layout inside index.db:
//
//	queues          name → Registration (JSON)
//	meta            "tracking" → highest tracking number ever committed
//	                "hw/<incarnation>" → highest sequence ever committed
//	q/<incarnation> big-endian sequence → indexEntry
//
// Sequence keys are big-endian so bbolt's byte ordering is sequence order and
// range restores are plain cursor walks.
type Index struct {
	db *bbolt.DB
}

// OpenIndex opens (or creates) the bbolt index at path.
func OpenIndex(path string) (*Index, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketQueues, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init buckets: %w", err)
	}

	return &Index{db: db}, nil
}

// ─── Registry ────────────────────────────────────────────────────────────────

// PutRegistration upserts reg and makes sure its record bucket exists.
func (idx *Index) PutRegistration(reg storage.Registration) error {
	val, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("index: marshal registration %s: %w", reg.Descriptor.Name, err)
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(queueBucket(reg.Incarnation)); err != nil {
			return err
		}
		return tx.Bucket(bucketQueues).Put([]byte(reg.Descriptor.Name), val)
	})
}

// RemoveRegistration deletes the registration for name and returns it.
// The incarnation's records are left for DropBucket.
func (idx *Index) RemoveRegistration(name string) (storage.Registration, error) {
	var reg storage.Registration
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueues)
		val := b.Get([]byte(name))
		if val == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(val, &reg); err != nil {
			return fmt.Errorf("unmarshal registration %s: %w", name, err)
		}
		return b.Delete([]byte(name))
	})
	return reg, err
}

// Registrations returns every registration in name order.
func (idx *Index) Registrations() ([]storage.Registration, error) {
	var regs []storage.Registration
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueues).ForEach(func(k, v []byte) error {
			var reg storage.Registration
			if err := json.Unmarshal(v, &reg); err != nil {
				return fmt.Errorf("unmarshal registration %s: %w", k, err)
			}
			regs = append(regs, reg)
			return nil
		})
	})
	return regs, err
}

// DropBucket deletes every index entry of incarnation and its high-water mark.
func (idx *Index) DropBucket(incarnation string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return dropIncarnation(tx, incarnation)
	})
}

func dropIncarnation(tx *bbolt.Tx, incarnation string) error {
	if err := tx.Bucket(bucketMeta).Delete(highWaterKey(incarnation)); err != nil {
		return err
	}
	err := tx.DeleteBucket(queueBucket(incarnation))
	if err == bbolt.ErrBucketNotFound {
		return nil
	}
	return err
}

// DropOrphans deletes the record buckets of incarnations no registration
// names. They are left behind when the process stops between unregistering a
// queue and dropping its data. Returns the dropped incarnations.
func (idx *Index) DropOrphans() ([]string, error) {
	var dropped []string
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		live := make(map[string]struct{})
		if err := tx.Bucket(bucketQueues).ForEach(func(k, v []byte) error {
			var reg storage.Registration
			if err := json.Unmarshal(v, &reg); err != nil {
				return fmt.Errorf("unmarshal registration %s: %w", k, err)
			}
			live[reg.Incarnation] = struct{}{}
			return nil
		}); err != nil {
			return err
		}

		var orphans []string
		if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			inc, ok := strings.CutPrefix(string(name), queueBucketPrefix)
			if !ok {
				return nil
			}
			if _, found := live[inc]; !found {
				orphans = append(orphans, inc)
			}
			return nil
		}); err != nil {
			return err
		}
		// Buckets cannot be deleted while tx.ForEach walks them.
		for _, inc := range orphans {
			if err := dropIncarnation(tx, inc); err != nil {
				return err
			}
		}
		dropped = orphans
		return nil
	})
	return dropped, err
}

// ─── Records ─────────────────────────────────────────────────────────────────

// Commit indexes a batch of records in one transaction and advances the
// persisted tracking and sequence high-water marks. Either all entries become
// visible or none do. Returns storage.ErrNotFound if the incarnation has been dropped.
func (idx *Index) Commit(incarnation string, seqs []int64, entries []indexEntry) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(queueBucket(incarnation))
		if b == nil {
			return storage.ErrNotFound
		}
		var maxTracking int64
		maxSeq := int64(-1)
		for i, seq := range seqs {
			if err := b.Put(seqKey(seq), marshalEntry(entries[i])); err != nil {
				return err
			}
			if entries[i].Tracking > maxTracking {
				maxTracking = entries[i].Tracking
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := raiseMark(meta, keyTracking, maxTracking); err != nil {
			return err
		}
		if maxSeq < 0 {
			return nil
		}
		return raiseMark(meta, highWaterKey(incarnation), maxSeq)
	})
}

// Lookup returns the entry for seq, or storage.ErrNotFound.
func (idx *Index) Lookup(incarnation string, seq int64) (indexEntry, error) {
	var e indexEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(queueBucket(incarnation))
		if b == nil {
			return storage.ErrNotFound
		}
		val := b.Get(seqKey(seq))
		if val == nil {
			return storage.ErrNotFound
		}
		var err error
		e, err = unmarshalEntry(val)
		return err
	})
	return e, err
}

// Delete removes the entry for seq and reports whether it existed.
func (idx *Index) Delete(incarnation string, seq int64) (bool, error) {
	var existed bool
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(queueBucket(incarnation))
		if b == nil {
			return storage.ErrNotFound
		}
		key := seqKey(seq)
		existed = b.Get(key) != nil
		return b.Delete(key)
	})
	return existed, err
}

// scanned is one entry returned by Scan.
type scanned struct {
	Sequence int64
	indexEntry
}

// Scan walks incarnation's entries in sequence order starting at first
// (first < 0 = earliest), stopping after last (last < 0 = unbounded) or after
// limit entries (limit <= 0 = unbounded). It also returns the sequence of the
// entry following the last one returned, or -1.
func (idx *Index) Scan(incarnation string, first, last int64, limit int) ([]scanned, int64, error) {
	var out []scanned
	next := int64(-1)

	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(queueBucket(incarnation))
		if b == nil {
			return storage.ErrNotFound
		}
		c := b.Cursor()

		var k, v []byte
		if first < 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(seqKey(first))
		}
		for ; k != nil; k, v = c.Next() {
			seq := int64(binary.BigEndian.Uint64(k))
			if (last >= 0 && seq > last) || (limit > 0 && len(out) >= limit) {
				next = seq
				return nil
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", seq, err)
			}
			out = append(out, scanned{Sequence: seq, indexEntry: e})
		}
		return nil
	})
	return out, next, err
}

// LastSequence returns the highest sequence ever committed for incarnation,
// including records deleted since, or -1.
func (idx *Index) LastSequence(incarnation string) (int64, error) {
	last := int64(-1)
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(queueBucket(incarnation))
		if b == nil {
			return storage.ErrNotFound
		}
		if k, _ := b.Cursor().Last(); k != nil {
			last = int64(binary.BigEndian.Uint64(k))
		}
		// Indexes written before the mark existed only have their keys.
		if v := tx.Bucket(bucketMeta).Get(highWaterKey(incarnation)); v != nil {
			last = max(last, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	return last, err
}

// raiseMark stores v under key in b unless a larger value is already there.
func raiseMark(b *bbolt.Bucket, key []byte, v int64) error {
	if cur := b.Get(key); cur != nil && int64(binary.BigEndian.Uint64(cur)) >= v {
		return nil
	}
	return b.Put(key, binary.BigEndian.AppendUint64(nil, uint64(v)))
}

// LastTracking returns the persisted tracking high-water mark.
func (idx *Index) LastTracking() (int64, error) {
	var t int64
	err := idx.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyTracking); v != nil {
			t = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return t, err
}

// Relocate rewrites the offsets of the given records in one transaction.
// Entries whose tracking number no longer matches (the record was deleted
// while compaction ran) are left alone.
func (idx *Index) Relocate(moves []relocation) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		for _, m := range moves {
			b := tx.Bucket(queueBucket(m.Incarnation))
			if b == nil {
				continue
			}
			val := b.Get(seqKey(m.Sequence))
			if val == nil {
				continue
			}
			e, err := unmarshalEntry(val)
			if err != nil {
				return err
			}
			if e.Tracking != m.Tracking {
				continue
			}
			e.Offset = m.NewOffset
			if err := b.Put(seqKey(m.Sequence), marshalEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// relocation moves one record to a new log offset.
type relocation struct {
	Incarnation string
	Sequence    int64
	Tracking    int64
	NewOffset   int64
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// indexEntry is serialised as a compact binary structure to keep bbolt small:
//
//	[offset   : 8 bytes, int64 ]
//	[tracking : 8 bytes, int64 ]
//	[size     : 4 bytes, uint32]

const indexEntrySize = 8 + 8 + 4

func seqKey(seq int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(seq))
}

func marshalEntry(e indexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:], uint64(e.Offset))
	binary.BigEndian.PutUint64(buf[8:], uint64(e.Tracking))
	binary.BigEndian.PutUint32(buf[16:], uint32(e.Size))
	return buf
}

func unmarshalEntry(buf []byte) (indexEntry, error) {
	if len(buf) < indexEntrySize {
		return indexEntry{}, fmt.Errorf("index: entry too short (%d bytes): %w", len(buf), storage.ErrCorrupted)
	}
	return indexEntry{
		Offset:   int64(binary.BigEndian.Uint64(buf[0:])),
		Tracking: int64(binary.BigEndian.Uint64(buf[8:])),
		Size:     int(binary.BigEndian.Uint32(buf[16:])),
	}, nil
}
