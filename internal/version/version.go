// Package version implements the per-key, hash-chained multi-version
// store: every write appends a new version rather than overwriting, each
// version's hash commits to the version before it, and the chain is
// re-derivable even across a batch that elected to skip intermediate
// hashes for throughput.
//
// The on-disk snapshot format (magic + JSON body + trailing checksum)
// follows the teacher's own approach to its WAL content (pkg/mddb/wal.go
// encodes operations as JSON rather than a hand-rolled binary layout);
// spec.md only pins the wire format tightly for the WAL and SSTable, so
// this component keeps the teacher's JSON-snapshot idiom.
package version

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coretrusts/amdb/internal/fs"
)

// ErrKeyNotFound is returned by lookups for a key with no versions.
var ErrKeyNotFound = errors.New("version: key not found")

// ErrVersionNotFound is returned by GetVersion for an out-of-range
// version number.
var ErrVersionNotFound = errors.New("version: version not found")

// ErrHashChainBroken is returned by VerifyChain when a stored hash
// doesn't match its recomputation.
var ErrHashChainBroken = errors.New("version: hash chain broken")

// Version is one immutable entry in a key's version chain.
type Version struct {
	Version   uint32
	Timestamp float64
	Value     []byte
	PrevHash  []byte // nil for version 1, or when chain computation was skipped
	Hash      []byte // nil only when chain computation was skipped for this entry
}

// Options configures a [Manager].
type Options struct {
	// AllowHashChainSkip lets CreateVersionsBatch return intermediate
	// entries of a batch larger than SkipThreshold without PrevHash/Hash
	// (see CreateVersionsBatch for what the stored chain holds). Off
	// by default, per spec: authenticated workloads must opt in.
	AllowHashChainSkip bool

	// SkipThreshold is the batch size above which skipping kicks in, when
	// AllowHashChainSkip is true.
	SkipThreshold int
}

type chain struct {
	versions []Version
}

// Manager owns every key's version chain. The zero value is not usable;
// construct with [New].
type Manager struct {
	mu    sync.RWMutex
	keys  map[string]*chain
	opts  Options
}

// New returns an empty version manager.
func New(opts Options) *Manager {
	return &Manager{keys: make(map[string]*chain), opts: opts}
}

// canonicalBytes is the exact byte sequence hashed to produce a version's
// hash: version || timestamp || value || prev_hash.
func canonicalBytes(v uint32, ts float64, value, prevHash []byte) []byte {
	buf := make([]byte, 0, 4+8+len(value)+len(prevHash))

	var vb [4]byte
	binary.LittleEndian.PutUint32(vb[:], v)
	buf = append(buf, vb[:]...)

	var tb [8]byte
	binary.LittleEndian.PutUint64(tb[:], math.Float64bits(ts))
	buf = append(buf, tb[:]...)

	buf = append(buf, value...)
	buf = append(buf, prevHash...)

	return buf
}

func computeHash(v uint32, ts float64, value, prevHash []byte) []byte {
	sum := sha256.Sum256(canonicalBytes(v, ts, value, prevHash))

	return sum[:]
}

// CreateVersion appends a new version for key, chaining off the current
// latest version's hash.
func (m *Manager) CreateVersion(key, value []byte, timestamp float64) Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendLocked(string(key), value, timestamp, false)
}

// BatchItem is one entry passed to [Manager.CreateVersionsBatch].
type BatchItem struct {
	Key       []byte
	Value     []byte
	Timestamp float64
}

// CreateVersionsBatch appends one version per item, in order. When the
// manager allows chain skipping and len(items) exceeds the configured
// threshold, the Version returned for an intermediate item carries no
// PrevHash or Hash; the final version of the batch for each key is always
// hashed. The stored chain keeps no such gap: appending a version computes
// and caches its predecessor's hash, so every stored version of the batch
// is hashed by the time the call returns.
func (m *Manager) CreateVersionsBatch(items []BatchItem) []Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	skip := m.opts.AllowHashChainSkip && len(items) > m.opts.SkipThreshold

	out := make([]Version, 0, len(items))

	lastIdxForKey := make(map[string]int)
	for i, it := range items {
		lastIdxForKey[string(it.Key)] = i
	}

	for i, it := range items {
		isLastForKey := lastIdxForKey[string(it.Key)] == i
		out = append(out, m.appendLocked(string(it.Key), it.Value, it.Timestamp, skip && !isLastForKey))
	}

	return out
}

func (m *Manager) appendLocked(key string, value []byte, timestamp float64, skipHash bool) Version {
	c, ok := m.keys[key]
	if !ok {
		c = &chain{}
		m.keys[key] = c
	}

	nextVersion := uint32(len(c.versions) + 1)

	var prevHash []byte
	if len(c.versions) > 0 {
		prevHash = m.hashForLocked(c, len(c.versions)-1)
	}

	v := Version{Version: nextVersion, Timestamp: timestamp, Value: append([]byte(nil), value...)}

	if skipHash {
		v.PrevHash = nil
		v.Hash = nil
	} else {
		v.PrevHash = prevHash
		v.Hash = computeHash(nextVersion, timestamp, v.Value, prevHash)
	}

	c.versions = append(c.versions, v)

	return v
}

// hashForLocked returns the hash of c.versions[idx], computing and caching
// it (and any preceding skipped hashes) if it was skipped at write time.
func (m *Manager) hashForLocked(c *chain, idx int) []byte {
	if c.versions[idx].Hash != nil {
		return c.versions[idx].Hash
	}

	var prevHash []byte
	if idx > 0 {
		prevHash = m.hashForLocked(c, idx-1)
	}

	v := &c.versions[idx]
	v.PrevHash = prevHash
	v.Hash = computeHash(v.Version, v.Timestamp, v.Value, prevHash)

	return v.Hash
}

// RebuildChain forces every skipped hash in key's chain to be computed and
// cached, so a subsequent [Manager.VerifyChain] or snapshot sees a fully
// authenticated chain.
func (m *Manager) RebuildChain(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.keys[string(key)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	for i := range c.versions {
		m.hashForLocked(c, i)
	}

	return nil
}

// VerifyChain recomputes every hash in key's chain, each from the
// recomputed hash of the version before it, and confirms it matches the
// stored hash (if present). The stored PrevHash fields are not compared.
func (m *Manager) VerifyChain(key []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.keys[string(key)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	var prevHash []byte

	for i, v := range c.versions {
		want := computeHash(v.Version, v.Timestamp, v.Value, prevHash)

		if v.Hash != nil && string(v.Hash) != string(want) {
			return fmt.Errorf("%w: key %q version %d", ErrHashChainBroken, key, i+1)
		}

		prevHash = want
	}

	return nil
}

// GetLatest returns the newest version of key.
func (m *Manager) GetLatest(key []byte) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.keys[string(key)]
	if !ok || len(c.versions) == 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return c.versions[len(c.versions)-1], nil
}

// GetVersion returns a specific version number of key.
func (m *Manager) GetVersion(key []byte, ver uint32) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.keys[string(key)]
	if !ok {
		return Version{}, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	if ver == 0 || int(ver) > len(c.versions) {
		return Version{}, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, key, ver)
	}

	return c.versions[ver-1], nil
}

// GetAtTime returns the latest version of key whose timestamp is
// <= ts. Returns ErrVersionNotFound if every version postdates ts.
func (m *Manager) GetAtTime(key []byte, ts float64) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.keys[string(key)]
	if !ok {
		return Version{}, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	best := -1

	for i, v := range c.versions {
		if v.Timestamp <= ts {
			best = i
		} else {
			break
		}
	}

	if best < 0 {
		return Version{}, fmt.Errorf("%w: %q at t=%v", ErrVersionNotFound, key, ts)
	}

	return c.versions[best], nil
}

// GetHistory returns versions [start, end] inclusive (1-based); end=0
// means "through the latest version".
func (m *Manager) GetHistory(key []byte, start, end uint32) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.keys[string(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	if start == 0 {
		start = 1
	}

	if end == 0 || int(end) > len(c.versions) {
		end = uint32(len(c.versions))
	}

	if start > end {
		return nil, nil
	}

	out := make([]Version, end-start+1)
	copy(out, c.versions[start-1:end])

	return out, nil
}

// GetAllKeys returns every key with at least one version, in no
// particular order.
func (m *Manager) GetAllKeys() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]byte, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, []byte(k))
	}

	return out
}

const (
	magic     = "VER\x00"
	fileName  = "versions.ver"
	filePerm  = 0o644
	dirPerm   = 0o755
)

type snapshotVersion struct {
	Version   uint32 `json:"version"`
	Timestamp float64 `json:"timestamp"`
	Value     []byte  `json:"value"`
	PrevHash  []byte  `json:"prev_hash,omitempty"`
	Hash      []byte  `json:"hash,omitempty"`
}

type snapshotKey struct {
	Key      []byte            `json:"key"`
	Versions []snapshotVersion `json:"versions"`
}

// SaveToDisk rewrites the manager's entire state, in full, to
// dir/versions.ver.
func (m *Manager) SaveToDisk(fsys fs.FS, dir string) error {
	m.mu.RLock()

	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sections := make([]snapshotKey, 0, len(keys))

	for _, k := range keys {
		c := m.keys[k]
		sv := make([]snapshotVersion, len(c.versions))

		for i, v := range c.versions {
			sv[i] = snapshotVersion{Version: v.Version, Timestamp: v.Timestamp, Value: v.Value, PrevHash: v.PrevHash, Hash: v.Hash}
		}

		sections = append(sections, snapshotKey{Key: []byte(k), Versions: sv})
	}

	m.mu.RUnlock()

	body, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("version: encode snapshot: %w", err)
	}

	var out []byte
	out = append(out, magic...)
	out = append(out, body...)

	sum := sha256.Sum256(out)
	out = append(out, sum[:]...)

	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("version: mkdir %s: %w", dir, err)
	}

	return fsys.WriteFileAtomic(filepath.Join(dir, fileName), out, filePerm)
}

// LoadFromDisk replaces the manager's state with the snapshot found at
// dir/versions.ver. A missing file leaves the manager empty, not an
// error; a checksum mismatch or malformed body refuses to load and
// returns an error, leaving the manager untouched.
func (m *Manager) LoadFromDisk(fsys fs.FS, dir string) error {
	path := filepath.Join(dir, fileName)

	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("version: stat %s: %w", path, err)
	}

	if !exists {
		return nil
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("version: read %s: %w", path, err)
	}

	if len(raw) < len(magic)+sha256.Size || string(raw[:len(magic)]) != magic {
		return fmt.Errorf("version: %s: bad magic", path)
	}

	body := raw[len(magic) : len(raw)-sha256.Size]
	wantSum := raw[len(raw)-sha256.Size:]

	gotSum := sha256.Sum256(raw[:len(raw)-sha256.Size])
	if string(gotSum[:]) != string(wantSum) {
		return fmt.Errorf("version: %s: checksum mismatch", path)
	}

	var sections []snapshotKey
	if err := json.Unmarshal(body, &sections); err != nil {
		return fmt.Errorf("version: %s: decode: %w", path, err)
	}

	keys := make(map[string]*chain, len(sections))

	for _, s := range sections {
		c := &chain{versions: make([]Version, len(s.Versions))}

		for i, sv := range s.Versions {
			c.versions[i] = Version{Version: sv.Version, Timestamp: sv.Timestamp, Value: sv.Value, PrevHash: sv.PrevHash, Hash: sv.Hash}
		}

		keys[string(s.Key)] = c
	}

	if err := verifyChains(keys); err != nil {
		return fmt.Errorf("version: %s: %w", path, err)
	}

	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()

	return nil
}

// verifyChains recomputes every key's hash chain in keys and confirms each
// stored hash matches, the same check VerifyChain performs for a single
// live key. LoadFromDisk calls this on the freshly decoded snapshot before
// installing it, so a snapshot with an intact checksum but a tampered
// interior version (spec §7's HashChainBroken) is rejected rather than
// loaded silently.
func verifyChains(keys map[string]*chain) error {
	for key, c := range keys {
		var prevHash []byte

		for i, v := range c.versions {
			want := computeHash(v.Version, v.Timestamp, v.Value, prevHash)

			if v.Hash != nil && string(v.Hash) != string(want) {
				return fmt.Errorf("%w: key %q version %d", ErrHashChainBroken, key, i+1)
			}

			prevHash = want
		}
	}

	return nil
}
