// Package local provides a single-node, disk-backed implementation of
// storage.Engine: one append-only log file shared by every queue, a bbolt
// database for the registry and per-queue indexes, and a WAL for crash safety.
package local

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/epochstore/internal/storage"
	"github.com/snehjoshi/epochstore/internal/types"
)

// logVersion identifies the binary format written to log.dat.
// Increment this if the on-disk format ever changes; old files will be
// rejected rather than silently misread.
const logVersion uint8 = 1

// flagPersistent is set in the flags byte for persistent elements.
const flagPersistent uint8 = 0x01

// Log is an append-only file shared by all queues. Each entry is a
// length-prefixed binary record:
//
//	[totalLen    : 4 bytes, uint32, big-endian]
//	[version     : 1 byte]
//	[tracking    : 8 bytes, int64]  ← store-global position
//	[sequence    : 8 bytes, int64]  ← queue-local position
//	[nodeID      : 26 bytes]        ← ULID of the writing node
//	[elemID      : 26 bytes]        ← ULID of the element
//	[incarnation : 26 bytes]        ← ULID of the queue registration
//	[publishedAt : 8 bytes, int64]  ← UTC ms
//	[flags       : 1 byte]
//	[queueLen    : 2 bytes, uint16]
//	[bodyLen     : 4 bytes, uint32]
//	[metaLen     : 4 bytes, uint32]
//	--- variable length ---
//	[queue : queueLen bytes]
//	[body  : bodyLen bytes]
//	[meta  : metaLen bytes]         ← JSON-encoded map[string]string
//	--- integrity ---
//	[checksum : 4 bytes, uint32, CRC32 of everything above]
//
// totalLen covers all bytes after the 4-byte length prefix itself.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	nodeID   string
	tracking atomic.Int64 // last assigned tracking number
}

// fixedHeaderSize is the number of bytes in the fixed part of each entry
// (after the 4-byte totalLen prefix, before variable-length fields).
const fixedHeaderSize = 1 + 8 + 8 + 26 + 26 + 26 + 8 + 1 + 2 + 4 + 4 // = 114

// logEntry is a decoded log record.
type logEntry struct {
	Tracking    int64
	Sequence    int64
	NodeID      string
	Incarnation string
	Queue       string
	Element     *types.Element
}

// OpenLog opens (or creates) the log file at path.
// It scans existing entries to restore the tracking counter so that new
// entries continue the sequence after a restart.
func OpenLog(path, nodeID string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: open %s: %w", path, err)
	}

	l := &Log{file: f, path: path, nodeID: nodeID}

	if err := l.replayTracking(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("log: replay %s: %w", path, err)
	}

	return l, nil
}

// Append assigns the next tracking number to rec and appends it.
func (l *Log) Append(rec *storage.Record) (storage.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(rec, l.tracking.Load()+1)
}

// appendWithTracking appends rec under an existing tracking number. Used by
// the compactor, which must not renumber surviving records.
func (l *Log) appendWithTracking(rec *storage.Record, tracking int64) (storage.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(rec, tracking)
}

func (l *Log) append(rec *storage.Record, tracking int64) (storage.Location, error) {
	entry, err := encodeEntry(rec, tracking, l.nodeID)
	if err != nil {
		return storage.Location{}, fmt.Errorf("log: encode: %w", err)
	}

	offset, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return storage.Location{}, fmt.Errorf("log: seek end: %w", err)
	}

	buf := make([]byte, 4, 4+len(entry))
	binary.BigEndian.PutUint32(buf, uint32(len(entry)))
	buf = append(buf, entry...)

	if _, err := l.file.Write(buf); err != nil {
		// Cut the torn tail so later appends stay readable.
		_ = l.file.Truncate(offset)
		return storage.Location{}, fmt.Errorf("log: write entry: %w", err)
	}

	if tracking > l.tracking.Load() {
		l.tracking.Store(tracking)
	}
	return storage.Location{Offset: offset, Tracking: tracking, Size: rec.Element.Size()}, nil
}

// ReadAt reads and decodes the entry at the given byte offset.
func (l *Log) ReadAt(offset int64) (*logEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, _, err := l.readAt(offset)
	return e, err
}

// readAt is the non-locking inner read. It also returns the entry's total
// on-disk size (prefix included) so scans can advance.
func (l *Log) readAt(offset int64) (*logEntry, int64, error) {
	var lenBuf [4]byte
	if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("log: read len prefix at %d: %w", offset, err)
	}
	entryLen := binary.BigEndian.Uint32(lenBuf[:])
	if entryLen == 0 {
		return nil, 0, storage.ErrNotFound
	}

	buf := make([]byte, entryLen)
	if _, err := l.file.ReadAt(buf, offset+4); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("log: truncated entry at %d: %w", offset, storage.ErrCorrupted)
		}
		return nil, 0, fmt.Errorf("log: read entry at %d: %w", offset, err)
	}

	e, err := decodeEntry(buf)
	return e, 4 + int64(entryLen), err
}

// Path returns the filesystem path of this log file.
func (l *Log) Path() string { return l.path }

// LastTracking returns the highest tracking number written so far.
func (l *Log) LastTracking() int64 { return l.tracking.Load() }

// raiseTracking moves the counter forward to at least t.
func (l *Log) raiseTracking(t int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t > l.tracking.Load() {
		l.tracking.Store(t)
	}
}

// ReadAll calls fn for every valid entry in the log, in order.
// Entries with a bad checksum but an intact length prefix are skipped; a
// truncated tail ends the scan. Iteration stops early if fn returns an error.
func (l *Log) ReadAll(fn func(offset int64, e *logEntry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var offset int64
	for {
		e, size, err := l.readAt(offset)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || size == 0 {
				break
			}
			if errors.Is(err, storage.ErrCorrupted) {
				offset += size
				continue
			}
			return fmt.Errorf("log: ReadAll at offset %d: %w", offset, err)
		}

		if err := fn(offset, e); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

// Reopen closes the current file and reopens the file at path.
// Used by compaction after atomically renaming the compacted log into place.
// The tracking counter never moves backwards across a reopen.
func (l *Log) Reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync before reopen: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("log: close before reopen: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("log: reopen %s: %w", path, err)
	}

	l.file = f
	l.path = path
	return nil
}

// Sync flushes the OS file buffer to physical disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync: %w", err)
	}
	return l.file.Close()
}

// replayTracking scans the log headers to find the highest tracking number.
// A truncated trailing entry (crash mid-write) ends the scan.
func (l *Log) replayTracking() error {
	var offset int64
	var maxTracking int64

	for {
		var hdr [4 + 1 + 8]byte
		if _, err := l.file.ReadAt(hdr[:], offset); err != nil {
			break
		}
		entryLen := binary.BigEndian.Uint32(hdr[:4])
		if entryLen == 0 {
			break
		}
		if t := int64(binary.BigEndian.Uint64(hdr[5:])); t > maxTracking {
			maxTracking = t
		}
		offset += 4 + int64(entryLen)
	}

	l.tracking.Store(maxTracking)
	return nil
}

// ---- binary encoding helpers -----------------------------------------------

// encodeEntry serialises a record into the on-disk format described above.
func encodeEntry(rec *storage.Record, tracking int64, nodeID string) ([]byte, error) {
	elem := rec.Element
	if elem == nil {
		return nil, errors.New("nil element")
	}

	var metaBytes []byte
	if len(elem.Metadata) > 0 {
		var err error
		metaBytes, err = json.Marshal(elem.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	q := []byte(rec.Queue)
	if len(q) > 0xFFFF {
		return nil, fmt.Errorf("queue name too long (%d bytes)", len(q))
	}

	node := padULID(nodeID)
	id := padULID(elem.ID)
	inc := padULID(rec.Incarnation)

	var flags uint8
	if elem.Persistent {
		flags |= flagPersistent
	}

	totalSize := fixedHeaderSize + len(q) + len(elem.Body) + len(metaBytes) + 4
	w := &byteWriter{buf: make([]byte, 0, totalSize)}

	w.writeByte(logVersion)
	w.writeInt64(tracking)
	w.writeInt64(rec.Sequence)
	w.write(node[:])
	w.write(id[:])
	w.write(inc[:])
	w.writeInt64(elem.PublishedAt)
	w.writeByte(flags)
	w.writeUint16(uint16(len(q)))
	w.writeUint32(uint32(len(elem.Body)))
	w.writeUint32(uint32(len(metaBytes)))
	w.write(q)
	w.write(elem.Body)
	w.write(metaBytes)

	w.writeUint32(crc32.ChecksumIEEE(w.buf))
	return w.buf, nil
}

// decodeEntry deserialises an entry buffer (without the 4-byte length prefix).
func decodeEntry(buf []byte) (*logEntry, error) {
	if len(buf) < fixedHeaderSize+4 {
		return nil, fmt.Errorf("log: entry too short (%d bytes): %w", len(buf), storage.ErrCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computedCRC := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("log: checksum mismatch (stored=%x computed=%x): %w",
			storedCRC, computedCRC, storage.ErrCorrupted)
	}

	r := &byteReader{buf: buf}

	if version := r.readByte(); version != logVersion {
		return nil, fmt.Errorf("log: unsupported version %d: %w", version, storage.ErrCorrupted)
	}

	e := &logEntry{Element: &types.Element{}}
	e.Tracking = r.readInt64()
	e.Sequence = r.readInt64()
	e.NodeID = trimNull(r.read(26))
	e.Element.ID = trimNull(r.read(26))
	e.Incarnation = trimNull(r.read(26))
	e.Element.PublishedAt = r.readInt64()
	e.Element.Persistent = r.readByte()&flagPersistent != 0

	qLen := int(r.readUint16())
	bodyLen := int(r.readUint32())
	metaLen := int(r.readUint32())
	if fixedHeaderSize+qLen+bodyLen+metaLen+4 != len(buf) {
		return nil, fmt.Errorf("log: field lengths do not match entry size: %w", storage.ErrCorrupted)
	}

	e.Queue = string(r.read(qLen))
	e.Element.Body = append([]byte{}, r.read(bodyLen)...)

	if metaLen > 0 {
		if err := json.Unmarshal(r.read(metaLen), &e.Element.Metadata); err != nil {
			return nil, fmt.Errorf("log: decode metadata: %v: %w", err, storage.ErrCorrupted)
		}
	}

	e.Element.Sequence = e.Sequence
	e.Element.Tracking = e.Tracking
	return e, nil
}

// trimNull converts a fixed-width 26-byte ULID field back to a Go string,
// stripping trailing null bytes that result from right-padding shorter IDs.
func trimNull(b []byte) string {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// padULID returns a 26-byte array from a ULID string, right-padded with zeros
// if shorter and truncated if longer. All valid ULIDs are exactly 26 chars.
func padULID(s string) [26]byte {
	var out [26]byte
	copy(out[:], s)
	return out
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readUint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readUint64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v
}
func (r *byteReader) readInt64() int64 {
	return int64(r.readUint64())
}
