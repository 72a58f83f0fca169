// Package sstable implements the immutable, on-disk sorted run a shard's
// memtable flushes into: a binary data region of packed entries, a JSON
// index, and a footer — modeled on the header/index/footer/checksum
// discipline of the teacher's binary ticket cache, adapted from mmap'd
// random access to whole-file reads through the [fs.FS] seam so crash
// and corruption scenarios can be exercised under fault injection.
package sstable

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/coretrusts/amdb/internal/fs"
)

// Wire format constants.
const (
	magic       = "SST\x00"
	magicLen    = 4
	formatVersion uint16 = 1

	// Header: magic(4) + version(2) + key_count(8) + data_offset(8) +
	// index_offset(8) + footer_offset(8).
	headerSize = magicLen + 2 + 8 + 8 + 8 + 8

	// Footer: index_offset(8) + sha256 checksum(32) + trailing magic(4).
	footerSize = 8 + sha256.Size + magicLen

	entryPerm = 0o644
)

// ErrCorrupt is never returned to callers of [Reader.Get] — per the reader
// contract a corrupt or truncated file surfaces an empty index instead of
// an error. It is exposed for tests that want to assert the fallback path
// was taken.
var ErrCorrupt = errors.New("sstable: corrupt or truncated file")

// Entry is one packed record: u32 klen, key, u32 vlen, value, u32 version,
// f64 timestamp.
type Entry struct {
	Key       []byte
	Value     []byte
	Version   uint32
	Timestamp float64
}

// Write serializes entries, which must already be in ascending key order,
// into a new SSTable file at path, written atomically via fsys.
func Write(fsys fs.FS, path string, entries []Entry) error {
	var data bytes.Buffer

	offsets := make(map[string]int64, len(entries))

	for _, e := range entries {
		offsets[hex.EncodeToString(e.Key)] = int64(data.Len())

		if err := writeEntry(&data, e); err != nil {
			return fmt.Errorf("sstable: encode entry: %w", err)
		}
	}

	dataBytes := data.Bytes()
	checksum := sha256.Sum256(dataBytes)

	indexJSON, err := json.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("sstable: encode index: %w", err)
	}

	dataOffset := int64(headerSize)
	indexOffset := dataOffset + int64(len(dataBytes))
	footerOffset := indexOffset + int64(len(indexJSON))

	var buf bytes.Buffer

	buf.WriteString(magic)
	writeUint16(&buf, formatVersion)
	writeUint64(&buf, uint64(len(entries)))
	writeUint64(&buf, uint64(dataOffset))
	writeUint64(&buf, uint64(indexOffset))
	writeUint64(&buf, uint64(footerOffset))

	buf.Write(dataBytes)
	buf.Write(indexJSON)

	writeUint64(&buf, uint64(indexOffset))
	buf.Write(checksum[:])
	buf.WriteString(magic)

	return fsys.WriteFileAtomic(path, buf.Bytes(), entryPerm)
}

func writeEntry(buf *bytes.Buffer, e Entry) error {
	writeUint32(buf, uint32(len(e.Key)))
	buf.Write(e.Key)
	writeUint32(buf, uint32(len(e.Value)))
	buf.Write(e.Value)
	writeUint32(buf, e.Version)
	writeUint64(buf, math.Float64bits(e.Timestamp))

	return nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Reader provides read-only access to a flushed SSTable. The zero value is
// not usable; construct with [Open].
type Reader struct {
	path string
	data []byte

	indexOnce sync.Once
	index     map[string]int64 // hex(key) -> offset into data region
	dataStart int64
}

// Open reads path fully into memory; it does not inspect the header. It
// never fails on a corrupt header, index or footer; those are detected
// lazily by [Reader.Get] and degrade to an empty index.
func Open(fsys fs.FS, path string) (*Reader, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	return &Reader{path: path, data: data}, nil
}

// Get returns the value, version and timestamp for key, if present. The index is
// parsed on first call and cached.
func (r *Reader) Get(key []byte) (value []byte, version uint32, ts float64, ok bool) {
	r.indexOnce.Do(r.loadIndex)

	off, present := r.index[hex.EncodeToString(key)]
	if !present {
		return nil, 0, 0, false
	}

	abs := r.dataStart + off

	e, err := readEntryAt(r.data, abs)
	if err != nil {
		return nil, 0, 0, false
	}

	return e.Value, e.Version, e.Timestamp, true
}

// All streams every entry in the data region in file order (which is
// ascending-key order for any file produced by [Write]), used by
// compaction to merge SSTables without consulting the index.
func (r *Reader) All(fn func(Entry) bool) {
	r.indexOnce.Do(r.loadIndex)

	pos := r.dataStart
	end := r.dataEnd()

	for pos < end {
		e, n, err := readEntry(r.data, pos)
		if err != nil {
			return
		}

		if !fn(e) {
			return
		}

		pos += n
	}
}

func (r *Reader) dataEnd() int64 {
	if len(r.data) >= headerSize {
		indexOffset := int64(binary.LittleEndian.Uint64(r.data[headerSize-16:]))
		if indexOffset >= r.dataStart && indexOffset <= int64(len(r.data)) {
			return indexOffset
		}
	}

	return int64(len(r.data))
}

// loadIndex attempts the header-described index location first, then the
// legacy footer-only fallback, then gives up with an empty index.
func (r *Reader) loadIndex() {
	r.index = map[string]int64{}

	if idx, dataStart, ok := r.loadIndexFromHeader(); ok {
		r.index = idx
		r.dataStart = dataStart

		return
	}

	if idx, dataStart, ok := r.loadIndexFromFooter(); ok {
		r.index = idx
		r.dataStart = dataStart
	}
}

func (r *Reader) loadIndexFromHeader() (map[string]int64, int64, bool) {
	if len(r.data) < headerSize {
		return nil, 0, false
	}

	if string(r.data[:magicLen]) != magic {
		return nil, 0, false
	}

	version := binary.LittleEndian.Uint16(r.data[magicLen:])
	if version != formatVersion {
		return nil, 0, false
	}

	dataOffset := int64(binary.LittleEndian.Uint64(r.data[headerSize-24:]))
	indexOffset := int64(binary.LittleEndian.Uint64(r.data[headerSize-16:]))
	footerOffset := int64(binary.LittleEndian.Uint64(r.data[headerSize-8:]))

	return r.parseIndexRegion(dataOffset, indexOffset, footerOffset)
}

// loadIndexFromFooter handles legacy files whose header is missing or
// unreadable but whose trailing footer is intact: magic(4) is at the very
// end, preceded by a 32-byte checksum, preceded by an 8-byte index offset.
func (r *Reader) loadIndexFromFooter() (map[string]int64, int64, bool) {
	if len(r.data) < footerSize {
		return nil, 0, false
	}

	tail := r.data[len(r.data)-footerSize:]
	if string(tail[footerSize-magicLen:]) != magic {
		return nil, 0, false
	}

	indexOffset := int64(binary.LittleEndian.Uint64(tail[:8]))
	footerOffset := int64(len(r.data) - footerSize)

	// The header is not consulted here, so the data region is assumed to
	// begin at headerSize, as in files produced by [Write]; callers of Open
	// always pass current-format files in practice, so this is best-effort.
	return r.parseIndexRegion(int64(headerSize), indexOffset, footerOffset)
}

func (r *Reader) parseIndexRegion(dataOffset, indexOffset, footerOffset int64) (map[string]int64, int64, bool) {
	if dataOffset < 0 || indexOffset < dataOffset || footerOffset < indexOffset || footerOffset > int64(len(r.data)) {
		return nil, 0, false
	}

	raw := r.data[indexOffset:footerOffset]

	idx := map[string]int64{}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, 0, false
	}

	checksum := sha256.Sum256(r.data[dataOffset:indexOffset])

	footerBytes := r.data[footerOffset:]
	if len(footerBytes) < footerSize {
		return nil, 0, false
	}

	storedChecksum := footerBytes[8 : 8+sha256.Size]
	if !bytes.Equal(storedChecksum, checksum[:]) {
		return nil, 0, false
	}

	return idx, dataOffset, true
}

func readEntryAt(data []byte, offset int64) (Entry, error) {
	e, _, err := readEntry(data, offset)

	return e, err
}

func readEntry(data []byte, offset int64) (Entry, int64, error) {
	pos := offset

	if pos+4 > int64(len(data)) {
		return Entry{}, 0, ErrCorrupt
	}

	klen := int64(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4

	if pos+klen > int64(len(data)) {
		return Entry{}, 0, ErrCorrupt
	}

	key := data[pos : pos+klen]
	pos += klen

	if pos+4 > int64(len(data)) {
		return Entry{}, 0, ErrCorrupt
	}

	vlen := int64(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4

	if pos+vlen > int64(len(data)) {
		return Entry{}, 0, ErrCorrupt
	}

	value := data[pos : pos+vlen]
	pos += vlen

	if pos+4+8 > int64(len(data)) {
		return Entry{}, 0, ErrCorrupt
	}

	version := binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	ts := math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
	pos += 8

	return Entry{Key: key, Value: value, Version: version, Timestamp: ts}, pos - offset, nil
}
