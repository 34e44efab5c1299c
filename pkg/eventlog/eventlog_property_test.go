//go:build property
// +build property

// Package eventlog_test contains property-based tests for the hash chain.
package eventlog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// rewritePayload edits one entry's payload directly in its segment file,
// bypassing the log's API the way on-disk tampering would.
func rewritePayload(dir string, segmentSize, index int) error {
	path := filepath.Join(dir, fmt.Sprintf("segment-%06d.json", index/segmentSize))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []eventlog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	entries[index%segmentSize].Payload = json.RawMessage(`{"seq":-1,"tampered":true}`)
	out, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// TestChainValidForAnyAppendSequence verifies that any sequence of appends
// produces a chain both verifiers accept with the same verified count.
func TestChainValidForAnyAppendSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appends always yield a verifiable chain", prop.ForAll(
		func(count int, segmentSize int, payloads []string) bool {
			cfg := eventlog.DefaultConfig()
			cfg.SegmentSize = segmentSize
			cfg.SnapshotEvery = 3

			next := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time {
				now := next
				next = next.Add(time.Second)
				return now
			}

			log, err := eventlog.Open(t.TempDir(), cfg, eventlog.WithClock(clock))
			if err != nil {
				return false
			}

			for i := 0; i < count; i++ {
				payload := map[string]any{"seq": i}
				if len(payloads) > 0 {
					payload["note"] = payloads[i%len(payloads)]
				}
				if _, err := log.Append("orchestrator", eventlog.EventSituationStatusChanged,
					eventlog.EntitySituation, "sit-1", payload); err != nil {
					return false
				}
			}

			chain, err := log.VerifyChain(context.Background())
			if err != nil || !chain.Valid || chain.TotalVerified != count {
				return false
			}
			snap, err := log.VerifyFromSnapshot(context.Background())
			if err != nil || !snap.Valid || snap.TotalVerified != count {
				return false
			}
			return log.Count() == count
		},
		gen.IntRange(0, 40),
		gen.IntRange(2, 7),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestTamperAlwaysDetected verifies that rewriting any single payload makes
// the full walk fail at exactly that index.
func TestTamperAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("payload tampering is caught at the tampered index", prop.ForAll(
		func(count int, tamperAt int) bool {
			if tamperAt >= count {
				return true
			}
			cfg := eventlog.DefaultConfig()
			cfg.SegmentSize = 5

			next := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time {
				now := next
				next = next.Add(time.Second)
				return now
			}

			dir := t.TempDir()
			log, err := eventlog.Open(dir, cfg, eventlog.WithClock(clock))
			if err != nil {
				return false
			}
			for i := 0; i < count; i++ {
				if _, err := log.Append("orchestrator", eventlog.EventSituationStatusChanged,
					eventlog.EntitySituation, "sit-1", map[string]any{"seq": i}); err != nil {
					return false
				}
			}

			if err := rewritePayload(dir, cfg.SegmentSize, tamperAt); err != nil {
				return false
			}

			report, err := log.VerifyChain(context.Background())
			if err != nil {
				return false
			}
			return !report.Valid && report.FirstInvalidIndex != nil && *report.FirstInvalidIndex == tamperAt
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 29),
	))

	properties.TestingRun(t)
}
