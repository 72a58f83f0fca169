package engine

import (
	"io"
	"log"
	"time"
)

// Config bounds every component Open constructs. It is built once from
// defaultConfig plus the caller's Options and never re-read per operation
// (SPEC_FULL.md §10.3): components receive it by value at construction,
// the way the teacher threads a single Config through its command
// handlers rather than re-resolving it on every call.
type Config struct {
	ShardCount          int
	MemtableBudgetBytes int64
	MaxImmutableQueue   int
	CompactionThreshold int
	FlushWorkers        int
	CompactWorkers      int
	FlushInterval       time.Duration
	CompactInterval     time.Duration

	WALMaxFileSizeBytes int64
	SyncWAL             bool

	AllowHashChainSkip     bool
	HashChainSkipThreshold int

	BPlusOrder         int
	BPlusCacheCapacity int

	// BatchWorkers bounds the worker pool BatchPut spreads per-shard
	// sub-batches across (spec.md §4.8: "processed in parallel by shard
	// using a bounded worker pool").
	BatchWorkers int

	// MirrorQueueSize bounds the buffered channel feeding the background
	// B+-tree mirror; a full queue drops the update rather than blocking
	// the foreground write path (see Engine.enqueueMirror).
	MirrorQueueSize int

	// Description is recorded into the AMDB metadata file verbatim.
	Description string

	Logger *log.Logger

	// now supplies write timestamps. Overridable via WithClock for
	// deterministic get_at_time/history tests; production callers should
	// never need to touch it.
	now func() float64
}

// Option mutates a Config under construction, applied in Open.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ShardCount:             16,
		MemtableBudgetBytes:    4 << 20,
		MaxImmutableQueue:      4,
		CompactionThreshold:    4,
		FlushWorkers:           2,
		CompactWorkers:         1,
		FlushInterval:          50 * time.Millisecond,
		CompactInterval:        200 * time.Millisecond,
		WALMaxFileSizeBytes:    16 << 20,
		SyncWAL:                true,
		HashChainSkipThreshold: 1000,
		BPlusOrder:             64,
		BPlusCacheCapacity:     4096,
		BatchWorkers:           4,
		MirrorQueueSize:        1024,
		Logger:                 log.New(io.Discard, "", 0),
		now:                    func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// WithShardCount sets the number of independent LSM shards. Ignored on
// reopen of an existing database: shard placement is baked into every
// SSTable's directory and cannot change after creation.
func WithShardCount(n int) Option { return func(c *Config) { c.ShardCount = n } }

// WithMemtableBudgetBytes sets the per-shard active-memtable byte budget.
func WithMemtableBudgetBytes(n int64) Option { return func(c *Config) { c.MemtableBudgetBytes = n } }

// WithMaxImmutableQueue sets the per-shard immutable-memtable queue bound
// that back-pressures writes when the flush worker falls behind.
func WithMaxImmutableQueue(n int) Option { return func(c *Config) { c.MaxImmutableQueue = n } }

// WithCompactionThreshold sets the SSTable count above which a shard
// triggers compaction.
func WithCompactionThreshold(n int) Option { return func(c *Config) { c.CompactionThreshold = n } }

// WithFlushWorkers sets the background flush worker pool size.
func WithFlushWorkers(n int) Option { return func(c *Config) { c.FlushWorkers = n } }

// WithCompactWorkers sets the background compaction worker pool size.
func WithCompactWorkers(n int) Option { return func(c *Config) { c.CompactWorkers = n } }

// WithFlushInterval sets the flush worker poll interval.
func WithFlushInterval(d time.Duration) Option { return func(c *Config) { c.FlushInterval = d } }

// WithCompactInterval sets the compaction worker poll interval.
func WithCompactInterval(d time.Duration) Option { return func(c *Config) { c.CompactInterval = d } }

// WithWALMaxFileSizeBytes sets the WAL's rotation size cap.
func WithWALMaxFileSizeBytes(n int64) Option { return func(c *Config) { c.WALMaxFileSizeBytes = n } }

// WithSyncWAL controls whether every WAL append is fsynced before the
// engine acknowledges the write (on by default: the durability ordering
// rule spec.md §4.4 describes).
func WithSyncWAL(b bool) Option { return func(c *Config) { c.SyncWAL = b } }

// WithHashChainSkip opts the version manager into skipping intermediate
// hash computation for batches larger than threshold, trading
// authentication strength for batch-load throughput (off by default).
func WithHashChainSkip(threshold int) Option {
	return func(c *Config) {
		c.AllowHashChainSkip = true
		c.HashChainSkipThreshold = threshold
	}
}

// WithBPlusOrder sets the B+-tree's fanout.
func WithBPlusOrder(n int) Option { return func(c *Config) { c.BPlusOrder = n } }

// WithBPlusCacheCapacity sets the B+-tree's in-memory node cache size.
func WithBPlusCacheCapacity(n int) Option { return func(c *Config) { c.BPlusCacheCapacity = n } }

// WithBatchWorkers sets BatchPut's bounded worker pool size.
func WithBatchWorkers(n int) Option { return func(c *Config) { c.BatchWorkers = n } }

// WithMirrorQueueSize sets the background B+-tree mirror queue depth.
func WithMirrorQueueSize(n int) Option { return func(c *Config) { c.MirrorQueueSize = n } }

// WithDescription records free-text into the AMDB metadata file.
func WithDescription(s string) Option { return func(c *Config) { c.Description = s } }

// WithLogger sets the *log.Logger that the engine and its LSM layer log
// through: the LSM logs background flush/compaction failures, and the
// engine logs snapshot rejections and replay errors during Open plus
// background snapshot-flush, B+-tree mirror and external-reload failures.
// The WAL, version manager, MPT and B+-tree are not given the logger (nil
// is ignored, default is a discard logger).
func WithLogger(l *log.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithClock overrides the engine's write-timestamp source. Exposed for
// deterministic get_at_time/get_history tests; production callers should
// not need it.
func WithClock(now func() float64) Option {
	return func(c *Config) {
		if now != nil {
			c.now = now
		}
	}
}
