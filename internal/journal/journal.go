// Package journal provides the write-ahead journal backing a durable FIFO
// queue. Every queue state change is appended as one record; on startup the
// journal is replayed to rebuild in-memory state. Records are encoded in
// little-endian format with a single opcode byte per record.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Opcodes for journal records. Opcode 0 is the original add layout; it is
// still decoded for backward compatibility but never written.
const (
	OpAddLegacy       byte = 0
	OpRemove          byte = 1
	OpAdd             byte = 2
	OpRemoveTentative byte = 3
	OpSaveXid         byte = 4
	OpUnremove        byte = 5
	OpConfirmRemove   byte = 6

	// OpEOF is synthetic: delivered by Replay as the terminal record,
	// never present on disk.
	OpEOF byte = 255
)

// itemHeaderSize is the fixed portion of an add block: addTime (8) + expiry (8).
const itemHeaderSize = 16

// maxBlockSize caps decoded block lengths to prevent OOM on garbage input.
const maxBlockSize = 1 << 30

var (
	// ErrUnknownOpcode indicates an opcode outside the valid range.
	ErrUnknownOpcode = errors.New("journal: unknown opcode")
	// ErrTruncatedRecord indicates EOF inside a record.
	ErrTruncatedRecord = errors.New("journal: truncated record")
	// ErrReadBehindActive indicates a second StartReadBehind on an active cursor.
	ErrReadBehindActive = errors.New("journal: read-behind already active")
)

// Item is a queued payload. AddTime and Expiry are absolute wall-clock
// milliseconds; Expiry 0 means the item never expires. Xid is the transaction
// id assigned to a tentative remove; it lives only in memory and is never
// serialized inside the item block.
type Item struct {
	AddTime int64
	Expiry  int64
	Data    []byte
	Xid     uint32
}

// Record is one decoded journal entry. Item is set for OpAdd, Xid for the
// fixed-payload opcodes.
type Record struct {
	Type byte
	Item *Item
	Xid  uint32
}

// Journal is an append-only operation log for a single queue. It performs no
// locking: exactly one caller drives all methods in a serial sequence, and
// the read-behind cursor is the only concurrent reader, driven by that same
// caller.
type Journal struct {
	path string
	file *os.File

	// read-behind cursor; nil when inactive
	reader    *os.File
	readerPos int64

	size int64

	// scratch for record framing, reused across calls (journal is
	// single-threaded)
	buf [16]byte
}

// New returns a Journal for path. No file is touched until Open or Replay.
func New(path string) *Journal {
	return &Journal{path: path}
}

// Open opens the journal for appending, creating it if necessary.
// Size reflects the current file length.
func (j *Journal) Open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to open %s: %w", j.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: failed to stat %s: %w", j.path, err)
	}
	j.file = file
	j.size = info.Size()
	return nil
}

// Size returns the byte length of the live journal.
func (j *Journal) Size() int64 {
	return j.size
}

// Path returns the journal's file path.
func (j *Journal) Path() string {
	return j.path
}

// Close releases the writer and any active read-behind cursor.
func (j *Journal) Close() error {
	if j.reader != nil {
		j.reader.Close()
		j.reader = nil
	}
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("journal: failed to close %s: %w", j.path, err)
	}
	return nil
}

// Erase closes the journal and removes its file and any rotation backups.
func (j *Journal) Erase() error {
	j.Close()
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: failed to remove %s: %w", j.path, err)
	}
	j.EraseStaleBackups()
	return nil
}

// backupPattern matches the <path>.<decimal-ms-timestamp> names left behind
// by a rotation that died between rename and cleanup.
var backupPattern = regexp.MustCompile(`\.\d+$`)

// EraseStaleBackups deletes rotation backups next to the journal. A surviving
// backup means a crash mid-rotation; the live journal (possibly absent and
// therefore empty) is still the source of truth.
func (j *Journal) EraseStaleBackups() {
	matches, err := filepath.Glob(j.path + ".*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if !backupPattern.MatchString(m) {
			continue
		}
		log.Printf("journal: removing stale rotation backup %s", m)
		os.Remove(m)
	}
}

// write appends p, retrying short writes in place, and advances size only
// once the OS has accepted every byte. A hard error may leave a truncated
// record on disk; replay's truncation tolerance recovers from that.
func (j *Journal) write(p []byte) error {
	total := len(p)
	for len(p) > 0 {
		n, err := j.file.Write(p)
		if err != nil {
			return fmt.Errorf("journal: failed to write %s: %w", j.path, err)
		}
		p = p[n:]
	}
	j.size += int64(total)
	return nil
}

// writeXid appends a 5-byte fixed-payload record.
func (j *Journal) writeXid(op byte, xid uint32) error {
	j.buf[0] = op
	binary.LittleEndian.PutUint32(j.buf[1:5], xid)
	return j.write(j.buf[:5])
}

// Add appends an item record: opcode, u32 block length, u64 add time,
// u64 expiry, then the raw data.
func (j *Journal) Add(item *Item) error {
	blockLen := itemHeaderSize + len(item.Data)
	rec := make([]byte, 5+blockLen)
	rec[0] = OpAdd
	binary.LittleEndian.PutUint32(rec[1:5], uint32(blockLen))
	binary.LittleEndian.PutUint64(rec[5:13], uint64(item.AddTime))
	binary.LittleEndian.PutUint64(rec[13:21], uint64(item.Expiry))
	copy(rec[21:], item.Data)
	return j.write(rec)
}

// Remove appends a head-consumed record.
func (j *Journal) Remove() error {
	j.buf[0] = OpRemove
	return j.write(j.buf[:1])
}

// RemoveTentative appends a tentative-remove record. The transaction id is
// assigned by the caller and tracked in memory only.
func (j *Journal) RemoveTentative() error {
	j.buf[0] = OpRemoveTentative
	return j.write(j.buf[:1])
}

// SaveXid appends a checkpoint of the queue's transaction-id counter.
func (j *Journal) SaveXid(xid uint32) error {
	return j.writeXid(OpSaveXid, xid)
}

// Unremove appends an aborted tentative remove; the item returns to the head.
func (j *Journal) Unremove(xid uint32) error {
	return j.writeXid(OpUnremove, xid)
}

// ConfirmRemove appends a confirmed tentative remove; the item is gone.
func (j *Journal) ConfirmRemove(xid uint32) error {
	return j.writeXid(OpConfirmRemove, xid)
}

// Roll atomically retires the current file and begins a fresh one. The
// backup is deleted once the new journal is open: rotation is only requested
// when the in-memory queue holds all surviving state.
func (j *Journal) Roll() error {
	if j.reader != nil {
		return ErrReadBehindActive
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: failed to close %s for rotation: %w", j.path, err)
	}
	j.file = nil

	backup := fmt.Sprintf("%s.%d", j.path, time.Now().UnixMilli())
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("journal: failed to rotate %s: %w", j.path, err)
	}
	if err := j.Open(); err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("journal: failed to remove rotation backup %s: %w", backup, err)
	}
	return nil
}

// Replay drives f with each decoded record in file order, then a terminal
// OpEOF record. Size is rebuilt as records are consumed, so on completion it
// equals the bytes of every fully-written record.
//
// A missing journal is an empty queue, not an error. EOF inside a record or
// an unknown opcode ends the replay with the complete prefix accepted; the
// caller proceeds with whatever state it has rebuilt.
func (j *Journal) Replay(name string, f func(Record)) error {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("journal: no journal for %q; starting empty", name)
			return nil
		}
		return fmt.Errorf("journal: failed to open %s for replay: %w", j.path, err)
	}
	defer file.Close()

	j.size = 0
	for {
		rec, n, err := j.readRecord(file)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("journal: error replaying %q at byte %d: %v", name, j.size, err)
			log.Printf("journal: DATA MAY HAVE BEEN LOST in %s", j.path)
			break
		}
		j.size += n
		f(rec)
	}
	f(Record{Type: OpEOF})
	return nil
}

// InReadBehind reports whether the read-behind cursor is active.
func (j *Journal) InReadBehind() bool {
	return j.reader != nil
}

// StartReadBehind opens a second read handle positioned just past the last
// fully-serialized record, i.e. at the writer's (or replayer's) current
// offset.
func (j *Journal) StartReadBehind() error {
	if j.reader != nil {
		return ErrReadBehindActive
	}
	reader, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("journal: failed to open %s for read-behind: %w", j.path, err)
	}
	if _, err := reader.Seek(j.size, io.SeekStart); err != nil {
		reader.Close()
		return fmt.Errorf("journal: failed to seek read-behind in %s: %w", j.path, err)
	}
	j.reader = reader
	j.readerPos = j.size
	return nil
}

// FillReadBehind advances the cursor by one record. An add record is
// delivered to f; any other record is skipped. When the cursor has caught
// the writer, the handle is closed and the cursor goes inactive.
//
// The position check precedes decoding, so EOF inside a record here means a
// record's bytes were not fully visible; that inconsistency is fatal to the
// cursor and surfaced to the caller.
func (j *Journal) FillReadBehind(f func(*Item)) error {
	if j.reader == nil {
		return nil
	}
	if j.readerPos >= j.size {
		err := j.reader.Close()
		j.reader = nil
		if err != nil {
			return fmt.Errorf("journal: failed to close read-behind on %s: %w", j.path, err)
		}
		return nil
	}

	rec, n, err := j.readRecord(j.reader)
	if err != nil {
		if err == io.EOF {
			err = ErrTruncatedRecord
		}
		return fmt.Errorf("journal: read-behind at byte %d of %s: %w", j.readerPos, j.path, err)
	}
	j.readerPos += n
	if rec.Type == OpAdd {
		f(rec.Item)
	}
	return nil
}

// readRecord decodes one record from r. It returns io.EOF only when the
// stream ends before the opcode byte; EOF anywhere inside a record is
// ErrTruncatedRecord.
func (j *Journal) readRecord(r io.Reader) (Record, int64, error) {
	if _, err := io.ReadFull(r, j.buf[:1]); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, fmt.Errorf("%w: opcode: %v", ErrTruncatedRecord, err)
	}
	op := j.buf[0]

	switch op {
	case OpRemove, OpRemoveTentative:
		return Record{Type: op}, 1, nil

	case OpSaveXid, OpUnremove, OpConfirmRemove:
		if _, err := io.ReadFull(r, j.buf[:4]); err != nil {
			return Record{}, 0, fmt.Errorf("%w: xid payload: %v", ErrTruncatedRecord, err)
		}
		return Record{Type: op, Xid: binary.LittleEndian.Uint32(j.buf[:4])}, 5, nil

	case OpAdd:
		item, n, err := j.readBlock(r, itemHeaderSize)
		if err != nil {
			return Record{}, 0, err
		}
		item.AddTime = int64(binary.LittleEndian.Uint64(item.Data[0:8]))
		item.Expiry = int64(binary.LittleEndian.Uint64(item.Data[8:16]))
		item.Data = item.Data[itemHeaderSize:]
		return Record{Type: OpAdd, Item: item}, n, nil

	case OpAddLegacy:
		// Original layout: u32 expiry in seconds, then data. The add time
		// was not stored, so it is synthesized from the replay-time clock.
		item, n, err := j.readBlock(r, 4)
		if err != nil {
			return Record{}, 0, err
		}
		expirySeconds := binary.LittleEndian.Uint32(item.Data[0:4])
		item.AddTime = time.Now().UnixMilli()
		if expirySeconds != 0 {
			item.Expiry = int64(expirySeconds) * 1000
		}
		item.Data = item.Data[4:]
		return Record{Type: OpAdd, Item: item}, n, nil
	}

	return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownOpcode, op)
}

// readBlock reads a length-prefixed block whose header occupies the first
// headerLen bytes. The returned item's Data still includes the header; the
// caller slices it off after decoding.
func (j *Journal) readBlock(r io.Reader, headerLen int) (*Item, int64, error) {
	if _, err := io.ReadFull(r, j.buf[:4]); err != nil {
		return nil, 0, fmt.Errorf("%w: block length: %v", ErrTruncatedRecord, err)
	}
	blockLen := binary.LittleEndian.Uint32(j.buf[:4])
	if int(blockLen) < headerLen || blockLen > maxBlockSize {
		return nil, 0, fmt.Errorf("%w: implausible block length %d", ErrTruncatedRecord, blockLen)
	}

	data := make([]byte, blockLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, fmt.Errorf("%w: block body: %v", ErrTruncatedRecord, err)
	}
	return &Item{Data: data}, int64(5 + blockLen), nil
}
