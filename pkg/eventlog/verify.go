package eventlog

import (
	"context"
	"fmt"
	"time"
)

// VerificationReport is the outcome of a chain verification pass. Indexes
// are global entry positions counted from genesis.
type VerificationReport struct {
	Valid             bool   `json:"valid"`
	TotalVerified     int    `json:"total_verified"`
	FirstInvalidIndex *int   `json:"first_invalid_index,omitempty"`
	Reason            string `json:"reason,omitempty"`
	FromSnapshot      bool   `json:"from_snapshot"`
}

func (r *VerificationReport) fail(index int, reason string) {
	r.Valid = false
	r.FirstInvalidIndex = &index
	r.Reason = reason
}

// chainWalker carries the rolling state of a verification pass: the hash the
// next entry must link to, plus ordering watermarks for ids and timestamps.
type chainWalker struct {
	expectedPrev string
	lastID       string
	lastTS       time.Time
	verified     int
}

// step verifies one entry against the walker state. It returns a non-empty
// reason on the first violation and advances the watermarks on success.
func (w *chainWalker) step(e *Entry) string {
	if e.PreviousHash != w.expectedPrev {
		return fmt.Sprintf("previous hash mismatch at %s: have %s, want %s", e.ID, e.PreviousHash, w.expectedPrev)
	}
	recomputed, err := computeEntryHash(e)
	if err != nil {
		return fmt.Sprintf("recompute hash for %s: %v", e.ID, err)
	}
	if recomputed != e.CurrentHash {
		return fmt.Sprintf("entry hash mismatch at %s", e.ID)
	}
	if w.lastID != "" && e.ID < w.lastID {
		return fmt.Sprintf("entry id regression at %s", e.ID)
	}
	if !w.lastTS.IsZero() && e.Timestamp.Before(w.lastTS) {
		return fmt.Sprintf("timestamp regression at %s", e.ID)
	}

	w.expectedPrev = e.CurrentHash
	w.lastID = e.ID
	w.lastTS = e.Timestamp
	w.verified++
	return ""
}

// VerifyChain walks every present segment from genesis, recomputing each
// entry hash and checking linkage and ordering. It stops at the first
// violation. A history whose oldest segments were pruned does not verify
// from genesis; use VerifyFromSnapshot for routine checks and restore the
// cold segments before a full audit.
func (l *Log) VerifyChain(ctx context.Context) (*VerificationReport, error) {
	report := &VerificationReport{Valid: true}

	segs, err := listSegments(l.dir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return report, nil
	}

	w := &chainWalker{expectedPrev: GenesisHash}
	last := segs[len(segs)-1]
	expected := 0
	for _, n := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n != expected {
			report.fail(w.verified, fmt.Sprintf("segment missing: %s", segmentFileName(expected)))
			report.TotalVerified = w.verified
			return report, nil
		}
		entries, err := readSegment(l.dir, n)
		if err != nil {
			return nil, err
		}
		if n != last && len(entries) != l.cfg.SegmentSize {
			report.fail(w.verified, fmt.Sprintf("segment size mismatch: %s has %d entries, want %d",
				segmentFileName(n), len(entries), l.cfg.SegmentSize))
			report.TotalVerified = w.verified
			return report, nil
		}
		for i := range entries {
			if reason := w.step(&entries[i]); reason != "" {
				report.fail(w.verified, reason)
				report.TotalVerified = w.verified
				return report, nil
			}
		}
		expected++
	}

	report.TotalVerified = w.verified
	if w.verified > 0 {
		l.advanceCheckpoint(w.verified, w.lastID, w.lastTS, w.expectedPrev)
	}
	return report, nil
}

// VerifyFromSnapshot resumes from the checkpoint the snapshot records and
// walks only the entries beyond it. Appends never advance the checkpoint,
// so everything since the last successful verification is re-checked; after
// a pass succeeds the checkpoint moves up and the next boot walk is short.
// A missing or corrupt snapshot falls back to a full VerifyChain walk. Both
// paths agree on validity and on the total verified count.
func (l *Log) VerifyFromSnapshot(ctx context.Context) (*VerificationReport, error) {
	snap, err := loadSnapshot(l.dir)
	if err != nil || snap == nil {
		return l.VerifyChain(ctx)
	}

	report := &VerificationReport{Valid: true, FromSnapshot: true}
	segs, err := listSegments(l.dir)
	if err != nil {
		return nil, err
	}

	startSeg := snap.VerifiedCount / l.cfg.SegmentSize
	skip := snap.VerifiedCount % l.cfg.SegmentSize

	lastPresent := -1
	if len(segs) > 0 {
		lastPresent = segs[len(segs)-1]
	}

	w := &chainWalker{
		expectedPrev: snap.CurrentHash,
		lastID:       snap.LastVerifiedID,
		lastTS:       snap.LastVerifiedTS,
		verified:     snap.VerifiedCount,
	}

	// The snapshot claims entries up to verified_count exist; if the disk
	// ends before the segment holding the boundary, the two disagree.
	if startSeg > lastPresent && (skip > 0 || startSeg > lastPresent+1) {
		report.fail(snap.VerifiedCount, "snapshot mismatch: log shorter than snapshot")
		report.TotalVerified = snap.VerifiedCount
		return report, nil
	}

	expected := startSeg
	for _, n := range segs {
		if n < startSeg {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n != expected {
			report.fail(w.verified, fmt.Sprintf("segment missing: %s", segmentFileName(expected)))
			report.TotalVerified = w.verified
			return report, nil
		}
		entries, err := readSegment(l.dir, n)
		if err != nil {
			return nil, err
		}

		begin := 0
		if n == startSeg && skip > 0 {
			if len(entries) < skip {
				report.fail(w.verified, fmt.Sprintf("snapshot mismatch: %s holds %d entries, snapshot verified %d of them",
					segmentFileName(n), len(entries), skip))
				report.TotalVerified = w.verified
				return report, nil
			}
			if entries[skip-1].CurrentHash != snap.CurrentHash {
				report.fail(snap.VerifiedCount-1, "snapshot mismatch: boundary entry hash disagrees with snapshot")
				report.TotalVerified = w.verified
				return report, nil
			}
			begin = skip
		}
		if n != lastPresent && len(entries) != l.cfg.SegmentSize {
			report.fail(w.verified, fmt.Sprintf("segment size mismatch: %s has %d entries, want %d",
				segmentFileName(n), len(entries), l.cfg.SegmentSize))
			report.TotalVerified = w.verified
			return report, nil
		}

		for i := begin; i < len(entries); i++ {
			if reason := w.step(&entries[i]); reason != "" {
				if i == begin && n == startSeg && snap.VerifiedCount > 0 {
					reason = "snapshot mismatch: " + reason
				}
				report.fail(w.verified, reason)
				report.TotalVerified = w.verified
				return report, nil
			}
		}
		expected++
	}

	report.TotalVerified = w.verified
	if w.verified > snap.VerifiedCount {
		l.advanceCheckpoint(w.verified, w.lastID, w.lastTS, w.expectedPrev)
	}
	return report, nil
}
