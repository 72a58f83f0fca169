// Package merkle implements the Ethereum-style Merkle Patricia Tree that
// authenticates the engine's current key/value state: every Put replaces
// the key's value and produces a new root hash, Get reads the current
// value from the in-memory key/value map, and GetProof/Verify let a caller check
// inclusion of a (key, value) pair against a root hash without trusting
// the store.
//
// Put is implemented as a full rebuild from the in-memory key/value map
// rather than true incremental trie surgery — spec.md explicitly permits
// this ("rebuild-from-scratch semantics are acceptable... MUST support
// incremental update semantically equivalent to rebuild"), and a rebuild
// is trivially equivalent to itself, which sidesteps the most bug-prone
// part of a from-scratch MPT implementation. No pack example repo
// implements an MPT; grounded instead on the general buffered node-table
// pattern in other_examples/iotaledger-trie's nodeStore (hash-keyed node
// map populated during mutation, read back on lookup) and standard
// Ethereum MPT structure for the node kinds and proof shape.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coretrusts/amdb/internal/fs"
)

// ErrKeyNotFound is returned by GetProof for an absent key; Get reports
// absence with a bool.
var ErrKeyNotFound = errors.New("merkle: key not found")

// ErrProofInvalid is returned by GetProof when the tree's node table is
// missing an entry the current root hash implies should exist (a
// programmer error or on-disk corruption, never a normal not-found case).
var ErrProofInvalid = errors.New("merkle: proof path broken")

const hashSize = sha256.Size

var zeroHash = make([]byte, hashSize)

func isZero(h []byte) bool { return len(h) == 0 || bytes.Equal(h, zeroHash) }

// nodeKind tags.
const (
	kindLeaf byte = iota
	kindExtension
	kindBranch
)

func nibblesOf(key []byte) []byte {
	out := make([]byte, len(key)*2)

	for i, b := range key {
		out[i*2] = b >> 4
		out[i*2+1] = b & 0x0f
	}

	return out
}

func encodeLeaf(keyEnd, value []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte(kindLeaf)
	writeChunk(&buf, keyEnd)
	writeChunk(&buf, value)

	return buf.Bytes()
}

func encodeExtension(keyEnd, child []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte(kindExtension)
	writeChunk(&buf, keyEnd)
	buf.Write(padHash(child))

	return buf.Bytes()
}

func encodeBranch(children [16][]byte, value []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte(kindBranch)

	for _, c := range children {
		buf.Write(padHash(c))
	}

	writeChunk(&buf, value)

	return buf.Bytes()
}

func padHash(h []byte) []byte {
	if len(h) == hashSize {
		return h
	}

	return zeroHash
}

func writeChunk(buf *bytes.Buffer, data []byte) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(data)))
	buf.Write(lb[:])
	buf.Write(data)
}

func hashOf(encoded []byte) []byte {
	sum := sha256.Sum256(encoded)

	return sum[:]
}

type leafNode struct {
	keyEnd []byte
	value  []byte
}

type extensionNode struct {
	keyEnd []byte
	child  []byte
}

type branchNode struct {
	children [16][]byte
	value    []byte // nil if no key terminates exactly at this branch
}

func decodeNode(raw []byte) (kind byte, leaf leafNode, ext extensionNode, branch branchNode, err error) {
	if len(raw) < 1 {
		return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: empty node record", ErrProofInvalid)
	}

	kind = raw[0]
	pos := 1

	switch kind {
	case kindLeaf:
		keyEnd, n, ok := readChunk(raw[pos:])
		if !ok {
			return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated leaf", ErrProofInvalid)
		}
		pos += n

		value, _, ok := readChunk(raw[pos:])
		if !ok {
			return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated leaf value", ErrProofInvalid)
		}

		return kindLeaf, leafNode{keyEnd: keyEnd, value: value}, extensionNode{}, branchNode{}, nil

	case kindExtension:
		keyEnd, n, ok := readChunk(raw[pos:])
		if !ok {
			return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated extension", ErrProofInvalid)
		}
		pos += n

		if pos+hashSize > len(raw) {
			return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated extension child", ErrProofInvalid)
		}

		child := append([]byte(nil), raw[pos:pos+hashSize]...)

		return kindExtension, leafNode{}, extensionNode{keyEnd: keyEnd, child: child}, branchNode{}, nil

	case kindBranch:
		var children [16][]byte

		for i := 0; i < 16; i++ {
			if pos+hashSize > len(raw) {
				return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated branch children", ErrProofInvalid)
			}

			children[i] = append([]byte(nil), raw[pos:pos+hashSize]...)
			pos += hashSize
		}

		value, _, ok := readChunk(raw[pos:])
		if !ok {
			return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: truncated branch value", ErrProofInvalid)
		}

		if len(value) == 0 {
			value = nil
		}

		return kindBranch, leafNode{}, extensionNode{}, branchNode{children: children, value: value}, nil

	default:
		return 0, leafNode{}, extensionNode{}, branchNode{}, fmt.Errorf("%w: unknown node kind %d", ErrProofInvalid, kind)
	}
}

func readChunk(data []byte) ([]byte, int, bool) {
	if len(data) < 4 {
		return nil, 0, false
	}

	n := int(binary.LittleEndian.Uint32(data))
	if 4+n > len(data) {
		return nil, 0, false
	}

	return append([]byte(nil), data[4:4+n]...), 4 + n, true
}

// Tree is an Ethereum-style Merkle Patricia Tree over the engine's
// current key/value state. The zero value is not usable; construct with
// [New].
type Tree struct {
	mu sync.RWMutex

	kv    map[string][]byte  // key -> value, source of truth for rebuild
	table map[string][]byte  // hex(node hash) -> encoded node bytes
	root  []byte
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		kv:    make(map[string][]byte),
		table: make(map[string][]byte),
		root:  append([]byte(nil), zeroHash...),
	}
}

// Put idempotently replaces key's value and returns the new root hash.
func (t *Tree) Put(key, value []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.kv[string(key)] = append([]byte(nil), value...)
	t.rebuildLocked()

	return append([]byte(nil), t.root...)
}

// Delete removes key from the tree, if present, and returns the new root
// hash.
func (t *Tree) Delete(key []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.kv, string(key))
	t.rebuildLocked()

	return append([]byte(nil), t.root...)
}

// Get returns key's current value.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.kv[string(key)]

	return v, ok
}

// GetRootHash returns the tree's current root hash, or the all-zero hash
// if the tree is empty.
func (t *Tree) GetRootHash() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]byte(nil), t.root...)
}

type stepKind byte

const (
	stepLeaf stepKind = iota
	stepExtension
	stepBranch
)

// ProofStep is one level of a root-to-leaf path, as returned by
// [Tree.GetProof]. It carries the sibling hashes spec.md describes
// ("sibling hashes to fill the rest of each branch") plus the minimal
// positional bookkeeping (depth into the key's nibble path, and an
// extension's own nibble prefix) a verifier needs to recompute each
// level's node hash without otherwise knowing the tree's shape.
type ProofStep struct {
	Kind        stepKind
	Depth       int
	Nibbles     []byte     // extension steps only
	Siblings    [16][]byte // branch steps only
	BranchValue []byte     // branch steps only: the branch's own stored value, if any
	Terminal    bool       // branch step where the key's value lives in the branch itself
}

// GetProof returns the root-to-leaf sequence of [ProofStep] for key.
func (t *Tree) GetProof(key []byte) ([]ProofStep, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.kv[string(key)]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	nibbles := nibblesOf(key)

	var steps []ProofStep

	cur := t.root
	depth := 0

	for {
		if isZero(cur) {
			return nil, fmt.Errorf("%w: hit empty child before consuming key", ErrProofInvalid)
		}

		raw, ok := t.table[hex.EncodeToString(cur)]
		if !ok {
			return nil, fmt.Errorf("%w: missing node %s", ErrProofInvalid, hex.EncodeToString(cur))
		}

		kind, leaf, ext, branch, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}

		switch kind {
		case kindLeaf:
			if !bytes.Equal(nibbles[depth:], leaf.keyEnd) {
				return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
			}

			steps = append(steps, ProofStep{Kind: stepLeaf, Depth: depth})

			return steps, nil

		case kindExtension:
			end := depth + len(ext.keyEnd)
			if end > len(nibbles) || !bytes.Equal(nibbles[depth:end], ext.keyEnd) {
				return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
			}

			steps = append(steps, ProofStep{Kind: stepExtension, Depth: depth, Nibbles: ext.keyEnd})
			cur = ext.child
			depth = end

		case kindBranch:
			if depth == len(nibbles) {
				if branch.value == nil {
					return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
				}

				steps = append(steps, ProofStep{Kind: stepBranch, Depth: depth, Siblings: branch.children, BranchValue: branch.value, Terminal: true})

				return steps, nil
			}

			steps = append(steps, ProofStep{Kind: stepBranch, Depth: depth, Siblings: branch.children, BranchValue: branch.value})
			cur = branch.children[nibbles[depth]]
			depth++
		}
	}
}

// Verify reports whether proof demonstrates that key maps to value under
// the tree's current root hash.
func (t *Tree) Verify(key, value []byte, proof []ProofStep) bool {
	if len(proof) == 0 {
		return false
	}

	nibbles := nibblesOf(key)
	last := proof[len(proof)-1]

	var cur []byte

	switch {
	case last.Kind == stepLeaf:
		cur = hashOf(encodeLeaf(nibbles[last.Depth:], value))
	case last.Kind == stepBranch && last.Terminal:
		cur = hashOf(encodeBranch(last.Siblings, value))
	default:
		return false
	}

	for i := len(proof) - 2; i >= 0; i-- {
		step := proof[i]

		switch step.Kind {
		case stepExtension:
			cur = hashOf(encodeExtension(step.Nibbles, cur))
		case stepBranch:
			children := step.Siblings
			children[nibbles[step.Depth]] = cur
			cur = hashOf(encodeBranch(children, step.BranchValue))
		default:
			return false
		}
	}

	return bytes.Equal(cur, t.GetRootHash())
}

// rebuildLocked reconstructs the entire node table and root hash from
// t.kv. Stale node-table entries from the previous root are left in
// place (the table only ever grows); an explicit compaction pass isn't
// needed because the write path to this component is infrequent relative
// to raw LSM writes, per spec.
func (t *Tree) rebuildLocked() {
	type entry struct {
		nibbles []byte
		value   []byte
	}

	entries := make([]entry, 0, len(t.kv))

	for k, v := range t.kv {
		entries = append(entries, entry{nibbles: nibblesOf([]byte(k)), value: v})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].nibbles, entries[j].nibbles) < 0
	})

	pairs := make([]kvPair, len(entries))
	for i, e := range entries {
		pairs[i] = kvPair{nibbles: e.nibbles, value: e.value}
	}

	t.root = t.insertRange(pairs, 0)
}

type kvPair struct {
	nibbles []byte
	value   []byte
}

func (t *Tree) store(encoded []byte) []byte {
	h := hashOf(encoded)
	t.table[hex.EncodeToString(h)] = encoded

	return h
}

func (t *Tree) insertRange(pairs []kvPair, depth int) []byte {
	if len(pairs) == 0 {
		return append([]byte(nil), zeroHash...)
	}

	if len(pairs) == 1 {
		return t.store(encodeLeaf(pairs[0].nibbles[depth:], pairs[0].value))
	}

	anyTerminal := false
	for _, p := range pairs {
		if len(p.nibbles) == depth {
			anyTerminal = true

			break
		}
	}

	if !anyTerminal {
		commonLen := commonPrefixLen(pairs, depth)
		if commonLen > 0 {
			child := t.insertBranch(pairs, depth+commonLen)

			return t.store(encodeExtension(pairs[0].nibbles[depth:depth+commonLen], child))
		}
	}

	return t.insertBranch(pairs, depth)
}

func (t *Tree) insertBranch(pairs []kvPair, depth int) []byte {
	var branchValue []byte

	groups := make(map[byte][]kvPair)

	for _, p := range pairs {
		if len(p.nibbles) == depth {
			branchValue = p.value

			continue
		}

		nib := p.nibbles[depth]
		groups[nib] = append(groups[nib], p)
	}

	var children [16][]byte

	for nib, group := range groups {
		children[nib] = t.insertRange(group, depth+1)
	}

	return t.store(encodeBranch(children, branchValue))
}

func commonPrefixLen(pairs []kvPair, depth int) int {
	first := pairs[0].nibbles

	maxLen := len(first) - depth
	for _, p := range pairs[1:] {
		if rem := len(p.nibbles) - depth; rem < maxLen {
			maxLen = rem
		}
	}

	l := 0

	for l < maxLen {
		c := first[depth+l]

		match := true
		for _, p := range pairs[1:] {
			if p.nibbles[depth+l] != c {
				match = false

				break
			}
		}

		if !match {
			break
		}

		l++
	}

	return l
}

const (
	magic    = "MPT\x00"
	fileName = "merkle_tree.mpt"
	filePerm = 0o644
	dirPerm  = 0o755
)

type snapshot struct {
	KV    map[string][]byte `json:"kv"`
	Table map[string][]byte `json:"table"`
	Root  []byte            `json:"root"`
}

// SaveToDisk rewrites the tree's full state (key/value map, node table,
// root hash) to dir/merkle_tree.mpt.
func (t *Tree) SaveToDisk(fsys fs.FS, dir string) error {
	t.mu.RLock()

	snap := snapshot{
		KV:    make(map[string][]byte, len(t.kv)),
		Table: make(map[string][]byte, len(t.table)),
		Root:  append([]byte(nil), t.root...),
	}

	for k, v := range t.kv {
		snap.KV[hex.EncodeToString([]byte(k))] = v
	}

	for h, n := range t.table {
		snap.Table[h] = n
	}

	t.mu.RUnlock()

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("merkle: encode snapshot: %w", err)
	}

	var out []byte
	out = append(out, magic...)
	out = append(out, body...)

	sum := sha256.Sum256(out)
	out = append(out, sum[:]...)

	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("merkle: mkdir %s: %w", dir, err)
	}

	return fsys.WriteFileAtomic(filepath.Join(dir, fileName), out, filePerm)
}

// LoadFromDisk replaces the tree's state with the snapshot at
// dir/merkle_tree.mpt. A missing file leaves the tree empty, not an
// error. A checksum mismatch refuses to load and returns an error,
// leaving the tree untouched.
func (t *Tree) LoadFromDisk(fsys fs.FS, dir string) error {
	path := filepath.Join(dir, fileName)

	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("merkle: stat %s: %w", path, err)
	}

	if !exists {
		return nil
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("merkle: read %s: %w", path, err)
	}

	if len(raw) < len(magic)+sha256.Size || string(raw[:len(magic)]) != magic {
		return fmt.Errorf("merkle: %s: bad magic", path)
	}

	body := raw[len(magic) : len(raw)-sha256.Size]
	wantSum := raw[len(raw)-sha256.Size:]

	gotSum := sha256.Sum256(raw[:len(raw)-sha256.Size])
	if string(gotSum[:]) != string(wantSum) {
		return fmt.Errorf("merkle: %s: checksum mismatch", path)
	}

	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("merkle: %s: decode: %w", path, err)
	}

	kv := make(map[string][]byte, len(snap.KV))

	for hexKey, v := range snap.KV {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("merkle: %s: bad key encoding: %w", path, err)
		}

		kv[string(raw)] = v
	}

	table := make(map[string][]byte, len(snap.Table))
	for h, n := range snap.Table {
		table[h] = n
	}

	if _, ok := table[hex.EncodeToString(snap.Root)]; !isZero(snap.Root) && !ok {
		return fmt.Errorf("%w: root hash not present in node table", ErrProofInvalid)
	}

	t.mu.Lock()
	t.kv = kv
	t.table = table
	t.root = snap.Root
	t.mu.Unlock()

	return nil
}
