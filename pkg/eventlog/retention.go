package eventlog

import (
	"context"
	"fmt"
	"os"
)

// Sink receives pruned segment files for cold storage. Implementations
// decide where the bytes land; the log only guarantees a segment is handed
// over before its file is removed.
type Sink interface {
	Store(ctx context.Context, name string, data []byte) error
}

// PruneResult reports what a retention pass did.
type PruneResult struct {
	Pruned []string `json:"pruned"`
	Kept   int      `json:"kept"`
}

// PruneSegments removes the oldest closed segments beyond the retention
// cap, handing each to sink first when one is given. The current segment is
// never pruned, the genesis segment is never removed while any later
// segment exists, and a segment is only eligible once the verification
// checkpoint covers it, so routine checks survive pruning with the snapshot
// carrying the verified state forward.
func (l *Log) PruneSegments(ctx context.Context, sink Sink) (*PruneResult, error) {
	l.mu.Lock()
	current := l.currentSegment
	verified := l.checkpoint.VerifiedCount
	l.mu.Unlock()

	segs, err := listSegments(l.dir)
	if err != nil {
		return nil, err
	}

	var closed []int
	for _, n := range segs {
		if n < current {
			closed = append(closed, n)
		}
	}

	result := &PruneResult{Kept: len(closed)}
	excess := len(closed) - l.cfg.RetentionSegments
	if excess <= 0 {
		return result, nil
	}

	for _, n := range closed[:excess] {
		if n == 0 && len(segs) > 1 {
			continue
		}
		if (n+1)*l.cfg.SegmentSize > verified {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := segmentFileName(n)
		if sink != nil {
			data, err := os.ReadFile(segmentPath(l.dir, n))
			if err != nil {
				return result, fmt.Errorf("read %s for cold storage: %w", name, err)
			}
			if err := sink.Store(ctx, name, data); err != nil {
				return result, fmt.Errorf("cold-store %s: %w", name, err)
			}
		}
		if err := os.Remove(segmentPath(l.dir, n)); err != nil {
			return result, fmt.Errorf("remove %s: %w", name, err)
		}
		result.Pruned = append(result.Pruned, name)
		result.Kept--
	}

	return result, nil
}
