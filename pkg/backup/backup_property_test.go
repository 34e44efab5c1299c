//go:build property
// +build property

// Package backup_test holds the backup round-trip law: any log survives a
// backup/restore cycle with its chain intact and its head unchanged.
package backup_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arbiter-labs/arbiter/pkg/backup"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

func TestBackupRoundTripLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("restore reproduces any backed-up chain", prop.ForAll(
		func(count int, segmentSize int) bool {
			cfg := eventlog.Config{SegmentSize: segmentSize, SnapshotEvery: 3}

			next := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time {
				now := next
				next = next.Add(time.Second)
				return now
			}

			log, err := eventlog.Open(filepath.Join(t.TempDir(), "events"), cfg, eventlog.WithClock(clock))
			if err != nil {
				return false
			}
			for i := 0; i < count; i++ {
				if _, err := log.Append("system", eventlog.EventSituationStatusChanged,
					eventlog.EntitySituation, "sit-1", map[string]int{"seq": i}); err != nil {
					return false
				}
			}

			ctx := context.Background()
			bk, err := backup.New().Create(ctx, log)
			if err != nil || !bk.Manifest.ChainValidAtBackup {
				return false
			}

			dest := filepath.Join(t.TempDir(), "restored")
			report, err := backup.Restore(ctx, bk, dest, backup.RestoreOptions{LogConfig: cfg})
			if err != nil || !report.Valid || report.TotalVerified != count {
				return false
			}

			restored, err := eventlog.Open(dest, cfg)
			if err != nil {
				return false
			}
			return restored.Head() == log.Head() && restored.Count() == count
		},
		gen.IntRange(0, 30),
		gen.IntRange(2, 7),
	))

	properties.TestingRun(t)
}
