// Package lsm implements the sharded Log-Structured Merge tree that is
// the storage engine's write path (C3): N independent shards, each
// owning an active skiplist memtable, an ordered queue of immutable
// memtables awaiting flush, and a newest-first list of SSTables.
// Background flush and compaction workers drain each shard
// independently; foreground callers only ever touch the active
// memtable or, while it is full, block briefly for rotation.
package lsm

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/skiplist"
	"github.com/coretrusts/amdb/internal/sstable"
)

const dirPerm = 0o755

// Item is one key/value/version/timestamp write.
type Item struct {
	Key       []byte
	Value     []byte
	Version   uint32
	Timestamp float64
}

// Entry is a record as returned from Get/RangeQuery, independent of
// which layer (memtable or SSTable) it was served from.
type Entry struct {
	Key       []byte
	Value     []byte
	Version   uint32
	Timestamp float64
}

// RejectedItem names a batch item that could not be inserted and why.
type RejectedItem struct {
	Item Item
	Err  error
}

// Config bounds shard count, memtable sizing, and background worker
// shape. Zero values fall back to sensible defaults via withDefaults.
type Config struct {
	ShardCount          int
	MemtableBudgetBytes int64
	MaxImmutableQueue   int
	CompactionThreshold int
	FlushWorkers        int
	CompactWorkers      int
	FlushInterval       time.Duration
	CompactInterval     time.Duration
	Logger              *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
	if c.MemtableBudgetBytes <= 0 {
		c.MemtableBudgetBytes = 4 << 20
	}
	if c.MaxImmutableQueue <= 0 {
		c.MaxImmutableQueue = 4
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 4
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = 2
	}
	if c.CompactWorkers <= 0 {
		c.CompactWorkers = 1
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	return c
}

// LSM is the sharded write path. The zero value is not usable;
// construct with Open.
type LSM struct {
	fsys fs.FS
	dir  string
	cfg  Config

	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Open rebuilds shard state from dir: every shard directory's existing
// SSTable files are reopened (durable across restarts) while memtables
// start empty — the caller (internal/engine) is responsible for
// replaying the WAL into Put/PutBatch to repopulate anything not yet
// flushed before the engine is considered recovered.
func Open(fsys fs.FS, dir string, cfg Config) (*LSM, error) {
	cfg = cfg.withDefaults()

	l := &LSM{fsys: fsys, dir: dir, cfg: cfg}
	l.shards = make([]*shard, cfg.ShardCount)

	for i := range l.shards {
		sd := shardDir(dir, i)
		if err := fsys.MkdirAll(sd, dirPerm); err != nil {
			return nil, fmt.Errorf("lsm: shard %d: %w", i, err)
		}

		s := newShard(i, sd, cfg)
		if err := s.loadExisting(fsys); err != nil {
			return nil, fmt.Errorf("lsm: shard %d: %w", i, err)
		}
		l.shards[i] = s
	}

	l.startWorkers()
	return l, nil
}

func shardDir(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%02X", (id>>8)&0xFF), fmt.Sprintf("shard_%02X", id&0xFF))
}

func (l *LSM) shardIndex(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(l.shards)))
}

func (l *LSM) logf(format string, args ...any) {
	l.cfg.Logger.Printf(format, args...)
}

func (l *LSM) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	l.eg = eg
	l.ctx = egCtx

	for w := 0; w < l.cfg.FlushWorkers; w++ {
		worker := w
		eg.Go(func() error { return l.flushLoop(egCtx, worker, l.cfg.FlushWorkers) })
	}
	for w := 0; w < l.cfg.CompactWorkers; w++ {
		worker := w
		eg.Go(func() error { return l.compactLoop(egCtx, worker, l.cfg.CompactWorkers) })
	}
}

func (l *LSM) flushLoop(ctx context.Context, worker, total int) error {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := worker; i < len(l.shards); i += total {
				if _, err := l.shards[i].flushOnce(l); err != nil {
					l.logf("lsm: shard %d: flush error for %s: %v", i, l.shards[i].dir, err)
				}
			}
		}
	}
}

func (l *LSM) compactLoop(ctx context.Context, worker, total int) error {
	ticker := time.NewTicker(l.cfg.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := worker; i < len(l.shards); i += total {
				if _, err := l.shards[i].compactOnce(l); err != nil {
					l.logf("lsm: shard %d: compaction error for %s: %v", i, l.shards[i].dir, err)
				}
			}
		}
	}
}

// Close stops background workers and waits for any in-flight flush or
// compaction to finish. It does not itself flush memtables; callers
// that need durability on shutdown call Flush first.
func (l *LSM) Close() error {
	l.cancel()
	return l.eg.Wait()
}

// Put inserts or updates a single key.
func (l *LSM) Put(item Item) error {
	_, rejected, err := l.PutBatch([]Item{item})
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return rejected[0].Err
	}
	return nil
}

// PutBatch groups items by shard and writes each shard's sub-batch
// independently, rotating and retrying when a shard's active memtable
// reports Full mid-batch. An item whose own size exceeds the memtable
// budget is rejected (the batch continues) rather than retried forever.
func (l *LSM) PutBatch(items []Item) (inserted int, rejected []RejectedItem, err error) {
	byShard := make(map[int][]Item)
	for _, it := range items {
		id := l.shardIndex(it.Key)
		byShard[id] = append(byShard[id], it)
	}

	ids := make([]int, 0, len(byShard))
	for id := range byShard {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		n, rej, serr := l.shards[id].putBatch(l, byShard[id])
		inserted += n
		rejected = append(rejected, rej...)
		if serr != nil && err == nil {
			err = serr
		}
	}
	return inserted, rejected, err
}

// Get returns the freshest record for key across active memtable,
// immutable memtables (newest first), and SSTables (newest first).
func (l *LSM) Get(key []byte) (Entry, bool) {
	return l.shards[l.shardIndex(key)].get(key)
}

// RangeQuery returns every live entry with lo <= key <= hi across all
// shards, merged into ascending key order. Because shard placement is
// by key hash rather than key order, every shard must be scanned.
func (l *LSM) RangeQuery(lo, hi []byte) []Entry {
	var all []Entry
	for _, s := range l.shards {
		all = append(all, s.rangeQuery(lo, hi)...)
	}
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i].Key, all[j].Key) < 0 })
	return all
}

// Flush forces every shard's active memtable into the immutable queue
// and then synchronously drains every shard's immutable queue,
// returning the first flush error encountered (if any) rather than
// deferring it to the next background tick.
func (l *LSM) Flush() error {
	for _, s := range l.shards {
		s.mu.Lock()
		if s.active.Len() > 0 {
			s.immutable = append(s.immutable, s.active)
			s.active = skiplist.New(l.cfg.MemtableBudgetBytes)
		}
		s.mu.Unlock()
		s.cond.Broadcast()

		for {
			s.mu.Lock()
			empty := len(s.immutable) == 0
			s.mu.Unlock()
			if empty {
				break
			}
			flushed, err := s.flushOnce(l)
			if err != nil {
				return err
			}
			if !flushed {
				// A background worker currently holds this shard's flush
				// guard; give it a moment rather than busy-spinning.
				time.Sleep(time.Millisecond)
			}
		}
	}
	return nil
}

// ShardStats reports a single shard's write-path state.
type ShardStats struct {
	ID             int
	ActiveBytes    int64
	ActiveEntries  int
	ImmutableCount int
	SSTableCount   int
	FlushCount     int
	CompactCount   int
}

// Stats summarizes every shard's write-path state.
type Stats struct {
	Shards []ShardStats
}

// Stats returns a point-in-time snapshot of every shard's sizes.
func (l *LSM) Stats() Stats {
	out := Stats{Shards: make([]ShardStats, len(l.shards))}
	for i, s := range l.shards {
		s.mu.Lock()
		out.Shards[i] = ShardStats{
			ID:             s.id,
			ActiveBytes:    s.active.SizeBytes(),
			ActiveEntries:  s.active.Len(),
			ImmutableCount: len(s.immutable),
			SSTableCount:   len(s.sstables),
			FlushCount:     s.flushCount,
			CompactCount:   s.compactCount,
		}
		s.mu.Unlock()
	}
	return out
}
