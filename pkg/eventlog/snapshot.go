package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	snapshotFileName      = "event-log-snapshot.json"
	snapshotSchemaVersion = 1
)

// Snapshot captures the rolling verification state of the chain: everything
// up to verified_count has been chained through current_hash. Boot-time
// verification resumes from here instead of walking from genesis.
type Snapshot struct {
	SchemaVersion        int       `json:"schema_version"`
	VerifiedCount        int       `json:"verified_count"`
	LastVerifiedID       string    `json:"last_verified_id"`
	LastVerifiedTS       time.Time `json:"last_verified_ts"`
	CurrentHash          string    `json:"current_hash"`
	CurrentSegmentNumber int       `json:"current_segment_number"`
}

func snapshotPath(dir string) string {
	return filepath.Join(dir, snapshotFileName)
}

// loadSnapshot reads the snapshot file. A missing file returns (nil, nil);
// an unreadable or inconsistent file returns ErrSnapshotCorrupt.
func loadSnapshot(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if s.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrSnapshotCorrupt, s.SchemaVersion)
	}
	if s.VerifiedCount < 0 || s.CurrentSegmentNumber < 0 || s.CurrentHash == "" {
		return nil, fmt.Errorf("%w: inconsistent fields", ErrSnapshotCorrupt)
	}
	return &s, nil
}

// saveSnapshot rewrites the snapshot atomically.
func saveSnapshot(dir string, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := snapshotPath(dir)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
