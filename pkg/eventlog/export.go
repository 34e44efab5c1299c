package eventlog

import (
	"context"
	"time"
)

// ExportRange selects entries by segment span and/or timestamp window.
// Nil bounds are open ends; both filters combine conjunctively.
type ExportRange struct {
	FromSegment *int
	ToSegment   *int
	FromTS      *time.Time
	ToTS        *time.Time
}

func (r ExportRange) includesSegment(n int) bool {
	if r.FromSegment != nil && n < *r.FromSegment {
		return false
	}
	if r.ToSegment != nil && n > *r.ToSegment {
		return false
	}
	return true
}

func (r ExportRange) includesTime(ts time.Time) bool {
	if r.FromTS != nil && ts.Before(*r.FromTS) {
		return false
	}
	if r.ToTS != nil && ts.After(*r.ToTS) {
		return false
	}
	return true
}

// ExportManifest describes an exported slice for downstream audit tools.
type ExportManifest struct {
	Count                  int        `json:"count"`
	FirstID                string     `json:"first_id,omitempty"`
	LastID                 string     `json:"last_id,omitempty"`
	FirstTS                *time.Time `json:"first_ts,omitempty"`
	LastTS                 *time.Time `json:"last_ts,omitempty"`
	FromSegment            int        `json:"from_segment"`
	ToSegment              int        `json:"to_segment"`
	ChainValidWithinExport bool       `json:"chain_valid_within_export"`
}

// Export bundles the exported entries with their manifest.
type Export struct {
	Entries  []Entry        `json:"entries"`
	Manifest ExportManifest `json:"manifest"`
}

// ExportRange returns the contiguous slice of entries selected by r. If the
// candidate slice exceeds MaxEventsExport the call fails with a capacity
// error; callers paginate via timestamps instead.
func (l *Log) ExportRange(ctx context.Context, r ExportRange) (*Export, error) {
	var (
		collected []Entry
		requested int
		firstSeg  = -1
		lastSeg   = -1
	)

	err := l.forEachSegment(ctx, func(n int, entries []Entry) error {
		if !r.includesSegment(n) {
			return nil
		}
		for i := range entries {
			if !r.includesTime(entries[i].Timestamp) {
				continue
			}
			requested++
			if requested > l.cfg.MaxEventsExport {
				continue
			}
			if firstSeg == -1 {
				firstSeg = n
			}
			lastSeg = n
			collected = append(collected, entries[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requested > l.cfg.MaxEventsExport {
		return nil, &CapacityError{Op: "export", Limit: l.cfg.MaxEventsExport, Requested: requested}
	}

	export := &Export{
		Entries: collected,
		Manifest: ExportManifest{
			Count:       len(collected),
			FromSegment: firstSeg,
			ToSegment:   lastSeg,
		},
	}
	if len(collected) == 0 {
		return export, nil
	}

	first, last := collected[0], collected[len(collected)-1]
	export.Manifest.FirstID = first.ID
	export.Manifest.LastID = last.ID
	firstTS, lastTS := first.Timestamp, last.Timestamp
	export.Manifest.FirstTS = &firstTS
	export.Manifest.LastTS = &lastTS
	export.Manifest.ChainValidWithinExport = chainValidWithin(collected)

	return export, nil
}

// chainValidWithin recomputes each hash and checks consecutive linkage
// inside the slice only; the slice's first entry may link to history
// outside the export.
func chainValidWithin(entries []Entry) bool {
	for i := range entries {
		recomputed, err := computeEntryHash(&entries[i])
		if err != nil || recomputed != entries[i].CurrentHash {
			return false
		}
		if i > 0 && entries[i].PreviousHash != entries[i-1].CurrentHash {
			return false
		}
	}
	return true
}
