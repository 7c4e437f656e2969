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

// walMagic is the 4-byte header written at the start of every wal.dat file.
// It identifies the file as an epochstore WAL and encodes the format version.
var walMagic = [4]byte{0x45, 0x53, 0x57, 0x01} // "ESW\x01"

// WAL operation byte values.
const (
	walOpWrite  uint8 = 0x01 // a record is being written
	walOpCommit uint8 = 0x02 // the record write was fully committed (log+index)
)

// walFixedSize is the fixed part of every WAL entry after the 4-byte totalLen:
//
//	op(1) + seq(8) + incarnation(26) + sequence(8) + payloadLen(4) + checksum(4) = 51
const walFixedSize = 1 + 8 + 26 + 8 + 4 + 4

// walPayload is the JSON body of a WRITE entry.
type walPayload struct {
	Queue   string         `json:"queue"`
	Element *types.Element `json:"element"`
}

// WALEntry holds a deserialized WRITE entry recovered from wal.dat.
type WALEntry struct {
	Seq    uint64
	Record *storage.Record
}

// WAL is a Write-Ahead Log that provides crash safety for record writes.
//
// Write path (per batch):
//  1. WAL.Write(rec)   → WRITE entry per record (durable intent)
//  2. Log.Append(rec)  → append to the shared log.dat
//  3. Index.Commit     → one bbolt transaction for the whole batch
//  4. WAL.Commit(seq)  → COMMIT entry per record
//
// On crash between steps 1 and 4, uncommitted WRITE entries whose queue
// incarnation is still registered are replayed during Storage.Open().
//
// All methods are safe for concurrent use.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	seq  atomic.Uint64 // last-used sequence number
}

// OpenWAL opens (or creates) the WAL at path.
// If the file exists the stored sequences are scanned to restore the seq
// counter so new entries continue the sequence.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{file: f}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.Write(walMagic[:]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("wal: write magic: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("wal: sync magic: %w", err)
		}
	} else {
		var hdr [4]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("wal: read magic: %w", err)
		}
		if hdr != walMagic {
			_ = f.Close()
			return nil, fmt.Errorf("wal: %s has invalid magic header", path)
		}
		if err := w.restoreSeq(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("wal: restore seq: %w", err)
		}
	}

	return w, nil
}

// Write appends a WRITE entry for rec and returns the assigned WAL sequence.
// Call Commit(seq) after the corresponding log + index writes succeed.
func (w *WAL) Write(rec *storage.Record) (uint64, error) {
	payload, err := json.Marshal(walPayload{Queue: rec.Queue, Element: rec.Element})
	if err != nil {
		return 0, fmt.Errorf("wal: marshal %s#%d: %w", rec.Queue, rec.Sequence, err)
	}

	seq := w.seq.Add(1)
	entry := w.encodeEntry(walOpWrite, seq, rec.Incarnation, rec.Sequence, payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.appendEntry(entry); err != nil {
		return 0, fmt.Errorf("wal: write seq %d: %w", seq, err)
	}
	return seq, nil
}

// Commit appends a COMMIT entry for every seq, marking the writes as applied.
func (w *WAL) Commit(seqs ...uint64) error {
	var buf []byte
	for _, seq := range seqs {
		buf = append(buf, w.encodeEntry(walOpCommit, seq, "", 0, nil)...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.appendEntry(buf); err != nil {
		return fmt.Errorf("wal: commit %d entries: %w", len(seqs), err)
	}
	return nil
}

// Sync flushes the WAL file to physical disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Replay scans wal.dat and returns all WRITE entries that do not have a
// corresponding COMMIT entry, in the order they were written.
//
// Entries with invalid checksums end the scan (truncated crash writes).
func (w *WAL) Replay() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var writes []WALEntry
	committed := make(map[uint64]struct{})

	if err := w.scanEntries(func(op uint8, seq uint64, incarnation string, sequence int64, payload []byte) {
		switch op {
		case walOpWrite:
			var p walPayload
			if err := json.Unmarshal(payload, &p); err == nil && p.Element != nil {
				writes = append(writes, WALEntry{Seq: seq, Record: &storage.Record{
					Incarnation: incarnation,
					Queue:       p.Queue,
					Sequence:    sequence,
					Element:     p.Element,
				}})
			}
		case walOpCommit:
			committed[seq] = struct{}{}
		}
	}); err != nil {
		return nil, err
	}

	var uncommitted []WALEntry
	for _, entry := range writes {
		if _, ok := committed[entry.Seq]; !ok {
			uncommitted = append(uncommitted, entry)
		}
	}
	return uncommitted, nil
}

// Truncate resets the WAL to an empty state (magic header only).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(int64(len(walMagic))); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync on close: %w", err)
	}
	return w.file.Close()
}

// ---- internal helpers -------------------------------------------------------

// appendEntry writes buf to the end of the WAL file (no locking; callers hold mu).
func (w *WAL) appendEntry(buf []byte) (int64, error) {
	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := w.file.Write(buf); err != nil {
		return 0, err
	}
	return offset, nil
}

// encodeEntry serialises a WAL entry to bytes.
// Layout:
//
//	[totalLen:4][op:1][seq:8][incarnation:26][sequence:8][payloadLen:4][payload:N][checksum:4]
func (w *WAL) encodeEntry(op uint8, seq uint64, incarnation string, sequence int64, payload []byte) []byte {
	inc := padULID(incarnation)
	totalLen := uint32(walFixedSize + len(payload))

	bw := &byteWriter{buf: make([]byte, 0, 4+int(totalLen))}

	bw.writeUint32(totalLen)
	bw.writeByte(op)
	bw.writeUint64(seq)
	bw.write(inc[:])
	bw.writeInt64(sequence)
	bw.writeUint32(uint32(len(payload)))
	bw.write(payload)

	// Checksum covers every byte from op through payload.
	bw.writeUint32(crc32.ChecksumIEEE(bw.buf[4:]))

	return bw.buf
}

// scanEntries iterates over every entry in the WAL file, calling fn for each
// valid entry. The first invalid (corrupt or truncated) entry ends the scan.
func (w *WAL) scanEntries(fn func(op uint8, seq uint64, incarnation string, sequence int64, payload []byte)) error {
	offset := int64(len(walMagic))

	for {
		var lenBuf [4]byte
		_, err := w.file.ReadAt(lenBuf[:], offset)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			break
		}

		totalLen := binary.BigEndian.Uint32(lenBuf[:])
		if totalLen < uint32(walFixedSize) {
			break
		}

		entryBuf := make([]byte, totalLen)
		if _, err := w.file.ReadAt(entryBuf, offset+4); err != nil {
			break
		}

		storedCRC := binary.BigEndian.Uint32(entryBuf[len(entryBuf)-4:])
		if storedCRC != crc32.ChecksumIEEE(entryBuf[:len(entryBuf)-4]) {
			break
		}

		r := &byteReader{buf: entryBuf}
		op := r.readByte()
		seq := r.readUint64()
		incarnation := trimNull(r.read(26))
		sequence := r.readInt64()
		payloadLen := int(r.readUint32())
		var payload []byte
		if payloadLen > 0 && r.offset+payloadLen <= len(entryBuf)-4 {
			payload = r.read(payloadLen)
		}

		fn(op, seq, incarnation, sequence, payload)
		offset += 4 + int64(totalLen)
	}
	return nil
}

// restoreSeq scans existing WAL entries and sets w.seq to the highest seq seen.
func (w *WAL) restoreSeq() error {
	var maxSeq uint64
	if err := w.scanEntries(func(_ uint8, seq uint64, _ string, _ int64, _ []byte) {
		if seq > maxSeq {
			maxSeq = seq
		}
	}); err != nil {
		return err
	}
	w.seq.Store(maxSeq)
	return nil
}
