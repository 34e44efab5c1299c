package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrChainBroken signals that recomputation or linkage checks failed.
	ErrChainBroken = errors.New("hash chain is broken")
	// ErrSegmentMissing signals a gap in the on-disk segment numbering.
	ErrSegmentMissing = errors.New("segment missing")
	// ErrSnapshotCorrupt signals an unreadable or inconsistent snapshot file.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// CapacityError reports an audit operation exceeding its hard cap.
type CapacityError struct {
	Op        string
	Limit     int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s too large: %d entries exceeds cap of %d", e.Op, e.Requested, e.Limit)
}

// IntegrityError reports a broken invariant at a specific chain position.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure at index %d: %s", e.Index, e.Reason)
}
