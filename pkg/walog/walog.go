// Package walog implements the per-collection write-ahead log and the
// cross-collection dirty log used to decide what needs compacting (§4.F).
//
// Grounded on the teacher's internal/store/wal.go: a length-prefixed,
// CRC32-C-checked append log with a fixed magic and footer, replayed
// forward on open. Here that shape is reused for appended log records
// instead of ticket mutations, and is layered on an object-store interface
// (Store) instead of a local file so the log can live in the same object
// store as blocks and root manifests.
package walog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ErrCorrupt indicates a log segment failed its checksum.
var ErrCorrupt = errors.New("walog: corrupt segment")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	segmentMagic = "WLOG0001"
)

// Record is one appended log entry: an opaque payload at a specific,
// strictly increasing offset within its collection's log.
type Record struct {
	Offset  int64
	Payload []byte
}

// encodeSegment serializes records as:
//
//	magic(8) count(u32)
//	for each record: offset(i64) len(u32) payload
//	crc32c(u32) of everything preceding it
func encodeSegment(records []Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(segmentMagic)
	writeU32(&buf, uint32(len(records)))
	for _, r := range records {
		writeI64(&buf, r.Offset)
		writeU32(&buf, uint32(len(r.Payload)))
		buf.Write(r.Payload)
	}
	sum := crc32.Checksum(buf.Bytes(), crcTable)
	writeU32(&buf, sum)
	return buf.Bytes()
}

func decodeSegment(data []byte) ([]Record, error) {
	if len(data) < 8+4+4 || string(data[:8]) != segmentMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	body, tail := data[:len(data)-4], data[len(data)-4:]
	if binary.LittleEndian.Uint32(tail) != crc32.Checksum(body, crcTable) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	r := bytes.NewReader(data[8:])
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrCorrupt, err)
	}
	records := make([]Record, 0, count)
	for range count {
		offset, err := readI64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: offset: %v", ErrCorrupt, err)
		}
		n, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: payload len: %v", ErrCorrupt, err)
		}
		payload := make([]byte, n)
		if _, err := r.Read(payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
		}
		records = append(records, Record{Offset: offset, Payload: payload})
	}
	return records, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(tmp[:])), nil
}

// Store is the object-storage contract walog depends on (kept narrow here
// to avoid an import cycle risk and to document exactly which operations
// this package needs). pkg/objstore.Store does not satisfy it directly: its
// Get returns an Object and its Put returns an ETag.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Log is the append-only record sequence for one collection, stored as a
// single growing segment at "{prefix}/{collectionID}".
type Log struct {
	store  Store
	prefix string

	mu             sync.Mutex
	collectionID   string
	records        []Record
	nextOffset     int64
	loaded         bool
}

// Open returns a Log view over collectionID. Records are loaded lazily on
// first use.
func Open(store Store, prefix, collectionID string) *Log {
	return &Log{store: store, prefix: prefix, collectionID: collectionID}
}

func (l *Log) key() string { return l.prefix + "/" + l.collectionID }

func (l *Log) ensureLoadedLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	ok, err := l.store.Exists(ctx, l.key())
	if err != nil {
		return fmt.Errorf("walog: check %s: %w", l.collectionID, err)
	}
	if !ok {
		l.loaded = true
		return nil
	}
	data, err := l.store.Get(ctx, l.key())
	if err != nil {
		return fmt.Errorf("walog: load %s: %w", l.collectionID, err)
	}
	records, err := decodeSegment(data)
	if err != nil {
		return err
	}
	l.records = records
	if len(records) > 0 {
		l.nextOffset = records[len(records)-1].Offset + 1
	}
	l.loaded = true
	return nil
}

// PushLogs appends payloads as new records at strictly increasing offsets,
// starting from the log's current tail, and persists the whole segment.
// Returns the offset assigned to the first pushed record.
func (l *Log) PushLogs(ctx context.Context, payloads [][]byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}

	first := l.nextOffset
	for _, p := range payloads {
		l.records = append(l.records, Record{Offset: l.nextOffset, Payload: p})
		l.nextOffset++
	}

	if err := l.store.Put(ctx, l.key(), encodeSegment(l.records)); err != nil {
		return 0, fmt.Errorf("walog: push %s: %w", l.collectionID, err)
	}
	return first, nil
}

// PullLogs returns every record with Offset >= fromOffset, in offset order,
// up to limit records (0 means unlimited).
func (l *Log) PullLogs(ctx context.Context, fromOffset int64, limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	start := sort.Search(len(l.records), func(i int) bool { return l.records[i].Offset >= fromOffset })
	end := len(l.records)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Record, end-start)
	copy(out, l.records[start:end])
	return out, nil
}

// Tail returns the offset the next pushed record would receive.
func (l *Log) Tail(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}
	return l.nextOffset, nil
}
