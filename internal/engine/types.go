package engine

import "github.com/coretrusts/amdb/internal/lsm"

// Item is one key/value pair submitted to BatchPut.
type Item struct {
	Key   []byte
	Value []byte
}

// Entry is one row returned by RangeQuery.
type Entry struct {
	Key     []byte
	Value   []byte
	Version uint32
}

// RejectedEntry names a batch item BatchPut could not apply and why.
// Grounded on original_source's bulk-load failed-keys report (SPEC_FULL.md
// §12: "Batch report for oversized entries").
type RejectedEntry struct {
	Key []byte
	Err error
}

// BatchResult is BatchPut's return value: how many items were applied and
// which ones were rejected, rather than silently dropping the count.
type BatchResult struct {
	Inserted int
	Rejected []RejectedEntry
}

// OpenReport summarizes what Open found on disk: which durable snapshots
// loaded cleanly, which were rejected (and why), and how many WAL records
// were replayed to catch the LSM, version manager, and MPT up to the WAL's
// tail. Echoes the teacher's own diagnostic-report idiom (a typed report
// returned alongside success, not a bare error) so a caller can render it
// instead of only seeing a boolean (SPEC_FULL.md §12, "repair-style
// recovery diagnostics").
type OpenReport struct {
	// Created is true when no AMDB metadata file existed and a new
	// database was initialized at dir.
	Created bool

	VersionsLoaded bool
	VersionsError  error

	MerkleLoaded bool
	MerkleError  error

	BPlusLoaded bool
	BPlusError  error

	// WALRecordsReplayed counts records applied during recovery that the
	// loaded snapshots had not already captured.
	WALRecordsReplayed int
}

// Stats is a point-in-time snapshot of engine-wide state, extending
// spec.md's get_stats() with the per-shard detail SPEC_FULL.md §12 restores
// from original_source/ (SSTable counts, memtable occupancy, flush/compact
// counts per shard, not just a total key count).
type Stats struct {
	TotalKeys int
	RootHash  []byte
	Shards    []lsm.ShardStats
}
