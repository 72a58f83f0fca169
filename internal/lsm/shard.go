package lsm

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/skiplist"
	"github.com/coretrusts/amdb/internal/sstable"
)

// perEntryOverhead mirrors skiplist's own per-entry bookkeeping charge;
// duplicated here (skiplist does not export it) so a shard can tell,
// before ever touching the memtable, whether an item is unconditionally
// too large for the configured budget.
const perEntryOverhead = 16

// sstableRun is one on-disk SSTable owned by a shard, newest-first in
// shard.sstables.
type sstableRun struct {
	path   string
	reader *sstable.Reader
}

// shard owns one independent slice of the keyspace: an active memtable,
// an oldest-first queue of immutable memtables awaiting flush, and a
// newest-first list of flushed SSTables.
type shard struct {
	id  int
	dir string

	mu        sync.Mutex
	cond      *sync.Cond
	active    *skiplist.Memtable
	immutable []*skiplist.Memtable
	sstables  []*sstableRun

	// flushing/compacting serialize the per-shard state machine: a
	// foreground Flush() call and a background worker tick can race to
	// drain the same shard, and only one flush (or compact) may be in
	// flight at a time or the immutable/sstable lists would be corrupted
	// by a double pop.
	flushing   bool
	compacting bool

	flushCount   int
	compactCount int

	lastTs  int64
	nextSeq uint64
}

func newShard(id int, dir string, cfg Config) *shard {
	s := &shard{
		id:     id,
		dir:    dir,
		active: skiplist.New(cfg.MemtableBudgetBytes),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// loadExisting reopens every SSTable already on disk for this shard,
// newest first by the timestamp/sequence encoded in its filename, and
// primes lastTs/nextSeq so newly flushed files never collide with them.
func (s *shard) loadExisting(fsys fs.FS) error {
	dirEntries, err := fsys.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type found struct {
		path    string
		ts, seq uint64
	}
	var files []found

	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		var ts, seq uint64
		if _, err := fmt.Sscanf(e.Name(), "sstable_%d_%d.sst", &ts, &seq); err != nil {
			continue
		}
		files = append(files, found{path: filepath.Join(s.dir, e.Name()), ts: ts, seq: seq})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts > files[j].ts
		}
		return files[i].seq > files[j].seq
	})

	for _, f := range files {
		reader, err := sstable.Open(fsys, f.path)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", f.path, err)
		}
		s.sstables = append(s.sstables, &sstableRun{path: f.path, reader: reader})
		if int64(f.ts) > s.lastTs {
			s.lastTs = int64(f.ts)
		}
		if f.seq >= s.nextSeq {
			s.nextSeq = f.seq + 1
		}
	}
	return nil
}

func (s *shard) allocSSTablePath() string {
	s.mu.Lock()
	ts := time.Now().UnixNano()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	return filepath.Join(s.dir, fmt.Sprintf("sstable_%d_%d.sst", ts, seq))
}

// parseSSTableFilename extracts the ts/seq pair loadExisting sorts by from
// an sstable's path, mirroring loadExisting's own Sscanf.
func parseSSTableFilename(path string) (ts, seq uint64, ok bool) {
	if _, err := fmt.Sscanf(filepath.Base(path), "sstable_%d_%d.sst", &ts, &seq); err != nil {
		return 0, 0, false
	}
	return ts, seq, true
}

// allocCompactedPath names a compaction's merged output so it keeps
// sorting as the OLDEST of the runs it replaces, not the newest: unlike
// allocSSTablePath (used for fresh flushes, which must sort newest-first),
// a merged file holds only the two oldest inputs' data, so stamping it
// with time.Now() would make loadExisting's ts-descending reload order
// place it ahead of untouched newer runs and shadow their overwrites.
// The merged file's ts is the older of the two inputs' ts instead, so its
// relative age survives a reopen.
func (s *shard) allocCompactedPath(a, b *sstableRun) string {
	tsA, _, okA := parseSSTableFilename(a.path)
	tsB, _, okB := parseSSTableFilename(b.path)

	var ts uint64
	switch {
	case okA && okB:
		ts = tsA
		if tsB < ts {
			ts = tsB
		}
	case okA:
		ts = tsA
	case okB:
		ts = tsB
	default:
		ts = uint64(time.Now().UnixNano())
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	return filepath.Join(s.dir, fmt.Sprintf("sstable_%d_%d.sst", ts, seq))
}

func entryTooLarge(it Item, budget int64) bool {
	return int64(len(it.Key)+len(it.Value)+perEntryOverhead) > budget
}

func toBatchItems(items []Item) []skiplist.BatchItem {
	out := make([]skiplist.BatchItem, len(items))
	for i, it := range items {
		out[i] = skiplist.BatchItem{Key: it.Key, Value: it.Value, Version: it.Version, Timestamp: it.Timestamp}
	}
	return out
}

// putBatch inserts items into the active memtable, rotating into the
// immutable queue (blocking on back-pressure if the queue is already at
// its configured bound) whenever the active memtable reports Full, and
// rejecting any single item that could never fit regardless of rotation.
func (s *shard) putBatch(l *LSM, items []Item) (inserted int, rejected []RejectedItem, err error) {
	remaining := items

	for len(remaining) > 0 {
		s.mu.Lock()
		n := s.active.PutBatch(toBatchItems(remaining))
		s.mu.Unlock()

		inserted += n
		if n == len(remaining) {
			return inserted, rejected, nil
		}

		failed := remaining[n]
		if entryTooLarge(failed, l.cfg.MemtableBudgetBytes) {
			rejected = append(rejected, RejectedItem{Item: failed, Err: ErrEntryTooLarge})
			remaining = remaining[n+1:]
			continue
		}

		s.rotate(l)
		remaining = remaining[n:]
	}
	return inserted, rejected, nil
}

// rotate moves the active memtable into the immutable queue and installs
// a fresh one, blocking while the queue is already at its configured
// bound (back-pressure: the caller's write stalls until a flush worker
// drains one entry from the queue).
func (s *shard) rotate(l *LSM) {
	s.mu.Lock()
	for len(s.immutable) >= l.cfg.MaxImmutableQueue {
		s.cond.Wait()
	}
	s.immutable = append(s.immutable, s.active)
	s.active = skiplist.New(l.cfg.MemtableBudgetBytes)
	s.mu.Unlock()
}

func (s *shard) get(key []byte) (Entry, bool) {
	s.mu.Lock()
	active := s.active
	immut := append([]*skiplist.Memtable(nil), s.immutable...)
	runs := append([]*sstableRun(nil), s.sstables...)
	s.mu.Unlock()

	if e, ok := active.Get(key); ok {
		return Entry{Key: e.Key, Value: e.Value, Version: e.Version, Timestamp: e.Timestamp}, true
	}
	for i := len(immut) - 1; i >= 0; i-- {
		if e, ok := immut[i].Get(key); ok {
			return Entry{Key: e.Key, Value: e.Value, Version: e.Version, Timestamp: e.Timestamp}, true
		}
	}
	for _, r := range runs {
		if v, ver, ts, ok := r.reader.Get(key); ok {
			return Entry{Key: key, Value: v, Version: ver, Timestamp: ts}, true
		}
	}
	return Entry{}, false
}

func inRange(key, lo, hi []byte) bool {
	return bytes.Compare(key, lo) >= 0 && bytes.Compare(key, hi) <= 0
}

func (s *shard) rangeQuery(lo, hi []byte) []Entry {
	s.mu.Lock()
	active := s.active
	immut := append([]*skiplist.Memtable(nil), s.immutable...)
	runs := append([]*sstableRun(nil), s.sstables...)
	s.mu.Unlock()

	seen := make(map[string]Entry)
	var order []string

	collect := func(k, v []byte, ver uint32, ts float64) {
		sk := string(k)
		if _, ok := seen[sk]; ok {
			return
		}
		seen[sk] = Entry{
			Key:       append([]byte(nil), k...),
			Value:     append([]byte(nil), v...),
			Version:   ver,
			Timestamp: ts,
		}
		order = append(order, sk)
	}

	active.IterSorted(func(e skiplist.Entry) bool {
		if inRange(e.Key, lo, hi) {
			collect(e.Key, e.Value, e.Version, e.Timestamp)
		}
		return true
	})
	for i := len(immut) - 1; i >= 0; i-- {
		immut[i].IterSorted(func(e skiplist.Entry) bool {
			if inRange(e.Key, lo, hi) {
				collect(e.Key, e.Value, e.Version, e.Timestamp)
			}
			return true
		})
	}
	for _, r := range runs {
		r.reader.All(func(e sstable.Entry) bool {
			if inRange(e.Key, lo, hi) {
				collect(e.Key, e.Value, e.Version, e.Timestamp)
			}
			return true
		})
	}

	out := make([]Entry, 0, len(order))
	for _, sk := range order {
		out = append(out, seen[sk])
	}
	return out
}

// flushOnce serializes the oldest immutable memtable (if any) to a new
// SSTable and appends it to the front of the newest-first list. A write
// error leaves the immutable in the queue untouched, to retry on the
// next tick.
func (s *shard) flushOnce(l *LSM) (flushed bool, err error) {
	s.mu.Lock()
	if s.flushing || len(s.immutable) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.flushing = true
	mem := s.immutable[0]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	var entries []sstable.Entry
	mem.IterSorted(func(e skiplist.Entry) bool {
		entries = append(entries, sstable.Entry{Key: e.Key, Value: e.Value, Version: e.Version, Timestamp: e.Timestamp})
		return true
	})

	path := s.allocSSTablePath()
	if err := sstable.Write(l.fsys, path, entries); err != nil {
		return false, fmt.Errorf("flush %s: %w", path, err)
	}
	reader, err := sstable.Open(l.fsys, path)
	if err != nil {
		return false, fmt.Errorf("reopen flushed %s: %w", path, err)
	}

	s.mu.Lock()
	s.immutable = s.immutable[1:]
	s.sstables = append([]*sstableRun{{path: path, reader: reader}}, s.sstables...)
	s.flushCount++
	needCompact := len(s.sstables) > l.cfg.CompactionThreshold
	s.mu.Unlock()
	s.cond.Broadcast()

	if needCompact {
		if _, cerr := s.compactOnce(l); cerr != nil {
			l.logf("lsm: shard %d: compaction error for %s: %v", s.id, s.dir, cerr)
		}
	}
	return true, nil
}

// compactOnce merges the two oldest SSTables (by file mtime) into one,
// retaining only the latest version per overlapping key, then unlinks
// the inputs. The new file is fully written and reopened before the
// shard's list is updated or the inputs are removed, so a crash
// mid-compaction leaves the pre-compaction state fully intact.
func (s *shard) compactOnce(l *LSM) (compacted bool, err error) {
	s.mu.Lock()
	if s.compacting || len(s.sstables) <= l.cfg.CompactionThreshold {
		s.mu.Unlock()
		return false, nil
	}
	s.compacting = true
	runs := append([]*sstableRun(nil), s.sstables...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.compacting = false
		s.mu.Unlock()
	}()

	type aged struct {
		run   *sstableRun
		mtime time.Time
	}
	var candidates []aged
	for _, r := range runs {
		info, statErr := l.fsys.Stat(r.path)
		if statErr != nil {
			continue
		}
		candidates = append(candidates, aged{run: r, mtime: info.ModTime()})
	}
	if len(candidates) < 2 {
		return false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })
	a, b := candidates[0].run, candidates[1].run

	merged := mergeRuns(a, b)
	path := s.allocCompactedPath(a, b)
	if err := sstable.Write(l.fsys, path, merged); err != nil {
		return false, fmt.Errorf("compact write %s: %w", path, err)
	}
	reader, err := sstable.Open(l.fsys, path)
	if err != nil {
		return false, fmt.Errorf("reopen compacted %s: %w", path, err)
	}

	s.mu.Lock()
	next := make([]*sstableRun, 0, len(s.sstables))
	for _, r := range s.sstables {
		if r == a || r == b {
			continue
		}
		next = append(next, r)
	}
	next = append(next, &sstableRun{path: path, reader: reader})
	s.sstables = next
	s.compactCount++
	s.mu.Unlock()

	l.fsys.Remove(a.path)
	l.fsys.Remove(b.path)

	return true, nil
}

// mergeRuns merge-sorts two SSTables' entry streams (both already
// ascending by key), keeping the higher version for keys present in
// both.
func mergeRuns(a, b *sstableRun) []sstable.Entry {
	var ea, eb []sstable.Entry
	a.reader.All(func(e sstable.Entry) bool { ea = append(ea, e); return true })
	b.reader.All(func(e sstable.Entry) bool { eb = append(eb, e); return true })

	out := make([]sstable.Entry, 0, len(ea)+len(eb))
	i, j := 0, 0
	for i < len(ea) && j < len(eb) {
		switch c := bytes.Compare(ea[i].Key, eb[j].Key); {
		case c < 0:
			out = append(out, ea[i])
			i++
		case c > 0:
			out = append(out, eb[j])
			j++
		default:
			if ea[i].Version >= eb[j].Version {
				out = append(out, ea[i])
			} else {
				out = append(out, eb[j])
			}
			i++
			j++
		}
	}
	out = append(out, ea[i:]...)
	out = append(out, eb[j:]...)
	return out
}
