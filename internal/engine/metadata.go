package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coretrusts/amdb/internal/fs"
)

// Wire format: magic + JSON body + trailing sha256 checksum, the same
// discipline internal/version and internal/merkle use for their own
// snapshot files (itself adapted from the teacher's pkg/mddb/wal.go
// magic+footer+checksum idiom).
const (
	metadataMagic = "AMDB"
	metadataFile  = "database.amdb"
	metadataPerm  = 0o644
)

// Metadata flag bits for the AMDB file's flags word. Only flagSharded is
// ever set by this implementation; spec.md §3's "sharding flag" slot is
// generalized to a bitset (SPEC_FULL.md §12) so a future on-disk format
// addition — e.g. a compression flag — doesn't require a breaking change.
// No other bit is defined or set today.
const flagSharded uint32 = 1 << 0

// Metadata is the durable counterpart of Config (SPEC_FULL.md §10.3):
// written once at creation and refreshed after every flush, so a reopen
// can validate the restored merkle root against it before replaying the
// WAL (spec.md §2: "validate the restored C6 root equals the snapshot
// root").
type Metadata struct {
	CreatedAt        time.Time
	Description      string
	Flags            uint32
	ShardCount       int
	MaxFileSizeBytes int64
	TotalKeys        int
	RootHash         []byte
}

type metadataSnapshot struct {
	CreatedAt        time.Time `json:"created_at"`
	Description      string    `json:"description,omitempty"`
	Flags            uint32    `json:"flags"`
	ShardCount       int       `json:"shard_count"`
	MaxFileSizeBytes int64     `json:"max_file_size_bytes"`
	TotalKeys        int       `json:"total_keys"`
	RootHash         []byte    `json:"root_hash,omitempty"`
}

func metadataPath(dir string) string {
	return filepath.Join(dir, metadataFile)
}

func saveMetadata(fsys fs.FS, dir string, m Metadata) error {
	snap := metadataSnapshot{
		CreatedAt:        m.CreatedAt,
		Description:      m.Description,
		Flags:            m.Flags,
		ShardCount:       m.ShardCount,
		MaxFileSizeBytes: m.MaxFileSizeBytes,
		TotalKeys:        m.TotalKeys,
		RootHash:         m.RootHash,
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("engine: encode metadata: %w", err)
	}

	out := append([]byte(metadataMagic), body...)
	sum := sha256.Sum256(out)
	out = append(out, sum[:]...)

	return fsys.WriteFileAtomic(metadataPath(dir), out, metadataPerm)
}

// loadMetadata returns (zero, false, nil) if no metadata file exists yet —
// not an error, the caller initializes a fresh one. A bad magic or
// checksum mismatch is reported as an error; the caller decides whether
// that is fatal.
func loadMetadata(fsys fs.FS, dir string) (Metadata, bool, error) {
	path := metadataPath(dir)

	exists, err := fsys.Exists(path)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("engine: stat %s: %w", path, err)
	}
	if !exists {
		return Metadata{}, false, nil
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("engine: read %s: %w", path, err)
	}

	if len(raw) < len(metadataMagic)+sha256.Size || string(raw[:len(metadataMagic)]) != metadataMagic {
		return Metadata{}, false, fmt.Errorf("engine: %s: bad magic", path)
	}

	body := raw[len(metadataMagic) : len(raw)-sha256.Size]
	wantSum := raw[len(raw)-sha256.Size:]

	gotSum := sha256.Sum256(raw[:len(raw)-sha256.Size])
	if !bytes.Equal(gotSum[:], wantSum) {
		return Metadata{}, false, fmt.Errorf("engine: %s: checksum mismatch", path)
	}

	var snap metadataSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return Metadata{}, false, fmt.Errorf("engine: %s: decode: %w", path, err)
	}

	return Metadata{
		CreatedAt:        snap.CreatedAt,
		Description:      snap.Description,
		Flags:            snap.Flags,
		ShardCount:       snap.ShardCount,
		MaxFileSizeBytes: snap.MaxFileSizeBytes,
		TotalKeys:        snap.TotalKeys,
		RootHash:         snap.RootHash,
	}, true, nil
}
