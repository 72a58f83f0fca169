// Package bplus implements the disk-resident B+-tree read cache (C7):
// an ordered index over the latest engine state, kept as an optional
// read fast-path once the engine has mirrored writes into it.
//
// Nodes live one-per-file under a tree directory, keyed by node id, with
// a small metadata file recording the root id and the next free id. A
// fixed-capacity LRU keeps hot nodes in memory; evicting a dirty node
// writes it back before it is dropped, and [Tree.Flush] writes back
// every remaining dirty node plus the metadata file.
package bplus

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coretrusts/amdb/internal/fs"
)

const (
	magic        = "BPN\x00"
	metaMagic    = "BPT\x00"
	metaName     = "tree.meta"
	dirPerm      = 0o755
	filePerm     = 0o644
	defaultOrder = 64
)

type nodeKind byte

const (
	kindLeaf     nodeKind = 1
	kindInternal nodeKind = 2
)

const noNode uint64 = 0

type node struct {
	id       uint64
	kind     nodeKind
	keys     [][]byte
	values   [][]byte // leaf only, parallel to keys
	children []uint64 // internal only, len(children) == len(keys)+1
	next     uint64   // leaf only: sibling leaf id, noNode if none
}

// Options configures a Tree.
type Options struct {
	// Order bounds the number of keys a node holds before it splits.
	// Zero means defaultOrder.
	Order int
	// CacheCapacity is the number of nodes kept in memory. Zero means
	// a capacity of 1<<20 nodes, which small trees and test trees never
	// exceed.
	CacheCapacity int
}

// Entry is a single key/value pair as seen by RangeQuery.
type Entry struct {
	Key   []byte
	Value []byte
}

// Tree is a disk-resident B+-tree with an in-memory LRU node cache.
type Tree struct {
	mu    sync.Mutex
	fsys  fs.FS
	dir   string
	order int

	cache *lru.Cache[uint64, *node]
	dirty map[uint64]bool

	rootID uint64
	nextID uint64

	// writeErr is sticky: once a node writeback fails (eviction or
	// flush), every later operation reports it instead of risking a
	// silently divergent on-disk tree.
	writeErr error
}

// Open loads a tree rooted at dir, creating an empty one in memory if
// no metadata file exists yet. Open itself writes nothing to disk; nodes
// are written when a dirty node is evicted from the cache or on Flush.
func Open(fsys fs.FS, dir string, opts Options) (*Tree, error) {
	order := opts.Order
	if order <= 0 {
		order = defaultOrder
	}

	t := &Tree{
		fsys:  fsys,
		dir:   dir,
		order: order,
		dirty: make(map[uint64]bool),
	}

	cap := opts.CacheCapacity
	if cap <= 0 {
		cap = 1 << 20
	}
	cache, err := lru.NewWithEvict[uint64, *node](cap, t.onEvict)
	if err != nil {
		return nil, fmt.Errorf("bplus: creating node cache: %w", err)
	}
	t.cache = cache

	ok, err := fsys.Exists(filepath.Join(dir, metaName))
	if err != nil {
		return nil, err
	}
	if !ok {
		root := &node{id: 1, kind: kindLeaf}
		t.rootID = root.id
		t.nextID = 2
		t.cache.Add(root.id, root)
		t.dirty[root.id] = true
		return t, nil
	}

	if err := t.loadMeta(); err != nil {
		return nil, err
	}
	return t, nil
}

// onEvict runs synchronously from within a cache mutation that is
// always performed with t.mu held, so writing back here is safe.
func (t *Tree) onEvict(id uint64, n *node) {
	if !t.dirty[id] {
		return
	}
	if err := t.writeNode(n); err != nil && t.writeErr == nil {
		t.writeErr = fmt.Errorf("bplus: evicting node %d: %w", id, err)
		return
	}
	delete(t.dirty, id)
}

func (t *Tree) nodePath(id uint64) string {
	return filepath.Join(t.dir, fmt.Sprintf("node_%d.bpt", id))
}

func (t *Tree) metaPath() string {
	return filepath.Join(t.dir, metaName)
}

func (t *Tree) getNode(id uint64) (*node, error) {
	if n, ok := t.cache.Get(id); ok {
		return n, nil
	}
	n, err := t.readNode(id)
	if err != nil {
		return nil, err
	}
	t.cache.Add(id, n)
	return n, nil
}

func (t *Tree) putNode(n *node) {
	t.cache.Add(n.id, n)
	t.dirty[n.id] = true
}

func (t *Tree) allocID() uint64 {
	id := t.nextID
	t.nextID++
	return id
}

// Insert adds or replaces the value for key.
func (t *Tree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteErr(); err != nil {
		return err
	}

	path, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}

	idx := sort.Search(len(leaf.keys), func(i int) bool { return bytes.Compare(leaf.keys[i], key) >= 0 })
	if idx < len(leaf.keys) && bytes.Equal(leaf.keys[idx], key) {
		leaf.values[idx] = value
		t.putNode(leaf)
		return t.checkWriteErr()
	}

	leaf.keys = insertAt(leaf.keys, idx, key)
	leaf.values = insertValueAt(leaf.values, idx, value)
	t.putNode(leaf)

	if len(leaf.keys) <= t.order {
		return t.checkWriteErr()
	}
	return t.splitLeaf(path, leaf)
}

// Get returns the value stored for key, if any.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteErr(); err != nil {
		return nil, false, err
	}

	_, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return nil, false, err
	}
	idx := sort.Search(len(leaf.keys), func(i int) bool { return bytes.Compare(leaf.keys[i], key) >= 0 })
	if idx < len(leaf.keys) && bytes.Equal(leaf.keys[idx], key) {
		return leaf.values[idx], true, nil
	}
	return nil, false, nil
}

// RangeQuery returns every entry with lo <= key <= hi, in ascending
// key order, by walking leaf sibling links.
func (t *Tree) RangeQuery(lo, hi []byte) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteErr(); err != nil {
		return nil, err
	}

	_, leaf, err := t.descendToLeaf(lo)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for leaf != nil {
		for i, k := range leaf.keys {
			if bytes.Compare(k, lo) < 0 {
				continue
			}
			if bytes.Compare(k, hi) > 0 {
				return out, nil
			}
			out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), leaf.values[i]...)})
		}
		if leaf.next == noNode {
			break
		}
		leaf, err = t.getNode(leaf.next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Flush writes back every dirty node and the tree metadata file.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteErr(); err != nil {
		return err
	}

	if err := t.fsys.MkdirAll(t.dir, dirPerm); err != nil {
		return err
	}

	for id := range t.dirty {
		n, ok := t.cache.Peek(id)
		if !ok {
			continue
		}
		if err := t.writeNode(n); err != nil {
			return fmt.Errorf("bplus: flushing node %d: %w", id, err)
		}
		delete(t.dirty, id)
	}

	return t.saveMeta()
}

func (t *Tree) checkWriteErr() error {
	if t.writeErr != nil {
		return t.writeErr
	}
	return nil
}

// descendToLeaf walks from the root to the leaf that would hold key,
// returning the path of internal node ids walked (for split
// propagation) and the leaf itself.
func (t *Tree) descendToLeaf(key []byte) ([]uint64, *node, error) {
	id := t.rootID
	var path []uint64
	for {
		n, err := t.getNode(id)
		if err != nil {
			return nil, nil, err
		}
		if n.kind == kindLeaf {
			return path, n, nil
		}
		path = append(path, id)
		i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(key, n.keys[i]) < 0 })
		id = n.children[i]
	}
}

// splitLeaf splits an overflowing leaf and propagates the new
// separator key up the path, splitting internal nodes as needed.
func (t *Tree) splitLeaf(path []uint64, leaf *node) error {
	mid := len(leaf.keys) / 2
	sibling := &node{
		id:     t.allocID(),
		kind:   kindLeaf,
		keys:   append([][]byte(nil), leaf.keys[mid:]...),
		values: append([][]byte(nil), leaf.values[mid:]...),
		next:   leaf.next,
	}
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = sibling.id

	t.putNode(leaf)
	t.putNode(sibling)

	sepKey := sibling.keys[0]
	return t.insertIntoParent(path, leaf.id, sepKey, sibling.id)
}

// insertIntoParent inserts (sepKey, rightID) after leftID in the
// parent named by the last element of path, splitting that parent (and
// propagating further) if it overflows. If path is empty, leftID was
// the root, so a new root is created above it.
func (t *Tree) insertIntoParent(path []uint64, leftID uint64, sepKey []byte, rightID uint64) error {
	if len(path) == 0 {
		root := &node{
			id:       t.allocID(),
			kind:     kindInternal,
			keys:     [][]byte{sepKey},
			children: []uint64{leftID, rightID},
		}
		t.putNode(root)
		t.rootID = root.id
		return t.checkWriteErr()
	}

	parentID := path[len(path)-1]
	parent, err := t.getNode(parentID)
	if err != nil {
		return err
	}

	i := 0
	for ; i < len(parent.children); i++ {
		if parent.children[i] == leftID {
			break
		}
	}
	parent.keys = insertAt(parent.keys, i, sepKey)
	parent.children = insertIDAt(parent.children, i+1, rightID)
	t.putNode(parent)

	if len(parent.keys) <= t.order {
		return t.checkWriteErr()
	}

	return t.splitInternal(path[:len(path)-1], parent)
}

func (t *Tree) splitInternal(path []uint64, n *node) error {
	mid := len(n.keys) / 2
	sepKey := n.keys[mid]

	sibling := &node{
		id:       t.allocID(),
		kind:     kindInternal,
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]uint64(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	t.putNode(n)
	t.putNode(sibling)

	return t.insertIntoParent(path, n.id, sepKey, sibling.id)
}

func insertAt(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertValueAt(s [][]byte, i int, v []byte) [][]byte {
	return insertAt(s, i, v)
}

func insertIDAt(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// --- persistence ---

func (t *Tree) writeNode(n *node) error {
	if err := t.fsys.MkdirAll(t.dir, dirPerm); err != nil {
		return err
	}
	body := encodeNode(n)
	sum := sha256.Sum256(append([]byte(magic), body...))
	buf := make([]byte, 0, len(magic)+len(body)+len(sum))
	buf = append(buf, magic...)
	buf = append(buf, body...)
	buf = append(buf, sum[:]...)
	return t.fsys.WriteFileAtomic(t.nodePath(n.id), buf, filePerm)
}

func (t *Tree) readNode(id uint64) (*node, error) {
	raw, err := t.fsys.ReadFile(t.nodePath(id))
	if err != nil {
		return nil, err
	}
	if len(raw) < len(magic)+sha256.Size || string(raw[:len(magic)]) != magic {
		return nil, fmt.Errorf("bplus: node %d: corrupt header", id)
	}
	body := raw[len(magic) : len(raw)-sha256.Size]
	wantSum := raw[len(raw)-sha256.Size:]
	gotSum := sha256.Sum256(raw[:len(raw)-sha256.Size])
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, fmt.Errorf("bplus: node %d: checksum mismatch", id)
	}
	n, err := decodeNode(id, body)
	if err != nil {
		return nil, fmt.Errorf("bplus: node %d: %w", id, err)
	}
	return n, nil
}

func encodeNode(n *node) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(n.kind))
	writeUint64(&buf, uint64(len(n.keys)))
	for _, k := range n.keys {
		writeChunk(&buf, k)
	}
	switch n.kind {
	case kindLeaf:
		for _, v := range n.values {
			writeChunk(&buf, v)
		}
		writeUint64(&buf, n.next)
	case kindInternal:
		writeUint64(&buf, uint64(len(n.children)))
		for _, c := range n.children {
			writeUint64(&buf, c)
		}
	}
	return buf.Bytes()
}

func decodeNode(id uint64, data []byte) (*node, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("truncated node body")
	}
	kind := nodeKind(data[0])
	pos := 1

	nKeys, n, ok := readUint64(data[pos:])
	if !ok {
		return nil, fmt.Errorf("truncated key count")
	}
	pos += n

	keys := make([][]byte, nKeys)
	for i := range keys {
		chunk, used, ok := readChunk(data[pos:])
		if !ok {
			return nil, fmt.Errorf("truncated key %d", i)
		}
		keys[i] = chunk
		pos += used
	}

	result := &node{id: id, kind: kind, keys: keys}

	switch kind {
	case kindLeaf:
		values := make([][]byte, nKeys)
		for i := range values {
			chunk, used, ok := readChunk(data[pos:])
			if !ok {
				return nil, fmt.Errorf("truncated value %d", i)
			}
			values[i] = chunk
			pos += used
		}
		result.values = values

		next, used, ok := readUint64(data[pos:])
		if !ok {
			return nil, fmt.Errorf("truncated sibling pointer")
		}
		result.next = next
		pos += used
	case kindInternal:
		nChildren, used, ok := readUint64(data[pos:])
		if !ok {
			return nil, fmt.Errorf("truncated child count")
		}
		pos += used
		children := make([]uint64, nChildren)
		for i := range children {
			c, used, ok := readUint64(data[pos:])
			if !ok {
				return nil, fmt.Errorf("truncated child %d", i)
			}
			children[i] = c
			pos += used
		}
		result.children = children
	default:
		return nil, fmt.Errorf("unknown node kind %d", kind)
	}

	return result, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(data []byte) (uint64, int, bool) {
	if len(data) < 8 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(data[:8]), 8, true
}

func writeChunk(buf *bytes.Buffer, v []byte) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(v)))
	buf.Write(lb[:])
	buf.Write(v)
}

func readChunk(data []byte) ([]byte, int, bool) {
	if len(data) < 4 {
		return nil, 0, false
	}
	l := int(binary.LittleEndian.Uint32(data[:4]))
	if l < 0 || len(data) < 4+l {
		return nil, 0, false
	}
	out := append([]byte(nil), data[4:4+l]...)
	return out, 4 + l, true
}

type metaSnapshot struct {
	RootID uint64
	NextID uint64
	Order  int
}

func (t *Tree) saveMeta() error {
	snap := metaSnapshot{RootID: t.rootID, NextID: t.nextID, Order: t.order}
	var buf bytes.Buffer
	writeUint64(&buf, snap.RootID)
	writeUint64(&buf, snap.NextID)
	writeUint64(&buf, uint64(snap.Order))
	body := buf.Bytes()

	sum := sha256.Sum256(append([]byte(metaMagic), body...))
	out := make([]byte, 0, len(metaMagic)+len(body)+len(sum))
	out = append(out, metaMagic...)
	out = append(out, body...)
	out = append(out, sum[:]...)
	return t.fsys.WriteFileAtomic(t.metaPath(), out, filePerm)
}

func (t *Tree) loadMeta() error {
	raw, err := t.fsys.ReadFile(t.metaPath())
	if err != nil {
		return err
	}
	if len(raw) < len(metaMagic)+sha256.Size || string(raw[:len(metaMagic)]) != metaMagic {
		return fmt.Errorf("bplus: tree.meta: corrupt header")
	}
	body := raw[len(metaMagic) : len(raw)-sha256.Size]
	wantSum := raw[len(raw)-sha256.Size:]
	gotSum := sha256.Sum256(raw[:len(raw)-sha256.Size])
	if !bytes.Equal(gotSum[:], wantSum) {
		return fmt.Errorf("bplus: tree.meta: checksum mismatch")
	}

	rootID, n1, ok1 := readUint64(body)
	nextID, n2, ok2 := readUint64(body[n1:])
	order, _, ok3 := readUint64(body[n1+n2:])
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("bplus: tree.meta: truncated")
	}

	t.rootID = rootID
	t.nextID = nextID
	if order > 0 {
		t.order = int(order)
	}
	return nil
}
