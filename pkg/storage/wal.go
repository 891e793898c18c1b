package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vjranagit/histmanager/pkg/types"
)

const (
	walFlushInterval = time.Second
	walDir           = "wal"
	walSuffix        = ".wal"

	// walHeaderSize is the record header: payload length then CRC-32C
	walHeaderSize = 8
	// walMaxRecord bounds a single record so a corrupt length cannot
	// trigger a huge allocation
	walMaxRecord = 256 << 20
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	errTornRecord = errors.New("torn WAL record")
)

// WAL is an append-only log of write requests not yet known to be applied.
// Each record is a length and CRC-32C header followed by a CBOR walRecord.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	buf        *bufio.Writer
	flushTimer *time.Timer
	closed     bool
}

type walRecord struct {
	Written int64               `cbor:"1,keyasint"`
	Request *types.WriteRequest `cbor:"2,keyasint"`
}

// NewWAL starts a new log file under <dataPath>/wal. File names sort in
// creation order.
func NewWAL(dataPath string) (*WAL, error) {
	dir := filepath.Join(dataPath, walDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("%020d%s", time.Now().UnixNano(), walSuffix))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{file: file, buf: bufio.NewWriter(file)}
	w.flushTimer = time.AfterFunc(walFlushInterval, w.periodicFlush)
	return w, nil
}

// Append logs req. The record reaches disk on the next flush.
func (w *WAL) Append(req *types.WriteRequest) error {
	payload, err := marshal(walRecord{Written: time.Now().UnixNano(), Request: req})
	if err != nil {
		return fmt.Errorf("failed to encode WAL record: %w", err)
	}
	if len(payload) > walMaxRecord {
		return fmt.Errorf("WAL record of %d bytes exceeds the %d byte limit", len(payload), walMaxRecord)
	}

	var header [walHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:], crc32.Checksum(payload, crcTable))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("WAL is closed")
	}
	if _, err := w.buf.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	return nil
}

// Flush writes buffered records and syncs the file
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

func (w *WAL) periodicFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.sync()
	w.flushTimer.Reset(walFlushInterval)
}

// Close syncs and closes the file, keeping it for replay
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	w.flushTimer.Stop()
	w.closed = true
	syncErr := w.sync()
	if err := w.file.Close(); err != nil && syncErr == nil {
		return err
	}
	return syncErr
}

// Remove closes the WAL and deletes its file. Call it only once every
// appended record has been applied.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.file.Name())
}

// ReplayWAL passes every logged request under dataPath to apply, oldest file
// first, deleting each file once all of its records were applied.
func ReplayWAL(dataPath string, apply func(*types.WriteRequest) error) error {
	dir := filepath.Join(dataPath, walDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), walSuffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	for _, name := range files {
		if err := replayFile(name, apply); err != nil {
			return fmt.Errorf("failed to replay %s: %w", name, err)
		}
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("failed to remove replayed WAL %s: %w", name, err)
		}
	}
	return nil
}

// replayFile applies the records of one file. A damaged final record is
// what a crash during Append leaves behind and ends the file; damage
// anywhere else is an error.
func replayFile(name string, apply func(*types.WriteRequest) error) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if _, peekErr := r.Peek(1); peekErr == io.EOF {
				return nil
			}
			return err
		}
		if rec.Request == nil {
			continue
		}
		if err := apply(rec.Request); err != nil {
			return fmt.Errorf("failed to apply WAL record: %w", err)
		}
	}
}

func readRecord(r *bufio.Reader) (walRecord, error) {
	var header [walHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return walRecord{}, io.EOF
		}
		return walRecord{}, errTornRecord
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size > walMaxRecord {
		return walRecord{}, fmt.Errorf("WAL record claims %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return walRecord{}, errTornRecord
	}
	if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(header[4:]) {
		return walRecord{}, fmt.Errorf("WAL record checksum mismatch")
	}

	var rec walRecord
	if err := unmarshal(payload, &rec); err != nil {
		return walRecord{}, fmt.Errorf("failed to decode WAL record: %w", err)
	}
	return rec, nil
}
