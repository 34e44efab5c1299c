package views

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

func segmentBytes(t *testing.T, entries []eventlog.Entry) []byte {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	return data
}

func testEntries(n int, entityID string) []eventlog.Entry {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	out := make([]eventlog.Entry, n)
	for i := range out {
		out[i] = eventlog.Entry{
			ID:          entityID + "-evt-" + string(rune('a'+i)),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Actor:       "system",
			EventType:   eventlog.EventSituationStatusChanged,
			EntityType:  eventlog.EntitySituation,
			EntityID:    entityID,
			CurrentHash: "sha256:test",
		}
	}
	return out
}

func TestIndexIngestAndQuery(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()
	ctx := context.Background()

	err = idx.Store(ctx, "segment-000000.json", segmentBytes(t, testEntries(3, "sit_a")))
	require.NoError(t, err)
	err = idx.Store(ctx, "segment-000001.json", segmentBytes(t, testEntries(2, "sit_b")))
	require.NoError(t, err)

	hist, err := idx.HistoryForEntity(ctx, "sit_a")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Timestamp.Before(hist[1].Timestamp))
	assert.Equal(t, "segment-000000.json", hist[0].Segment)

	counts, err := idx.CountByEventType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[eventlog.EventSituationStatusChanged])
}

func TestIndexIngestIsIdempotent(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()
	ctx := context.Background()

	data := segmentBytes(t, testEntries(3, "sit_a"))
	require.NoError(t, idx.Store(ctx, "segment-000000.json", data))
	require.NoError(t, idx.Store(ctx, "segment-000000.json", data))

	hist, err := idx.HistoryForEntity(ctx, "sit_a")
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestIndexRejectsMalformedSegment(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	err = idx.Store(context.Background(), "segment-000000.json", []byte("not json"))
	require.Error(t, err)
}

// The index serves as a retention sink: pruned segments land in sqlite and
// stay queryable after the files are gone.
func TestIndexAsPruneSink(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(filepath.Join(dir, "events"), eventlog.Config{
		SegmentSize:       2,
		RetentionSegments: 1,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := log.Append("system", eventlog.EventSituationStatusChanged,
			eventlog.EntitySituation, "sit_a", map[string]string{"n": string(rune('0' + i))})
		require.NoError(t, err)
	}
	// Retention only releases segments the checkpoint covers.
	report, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, report.Valid)

	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	res, err := log.PruneSegments(ctx, idx)
	require.NoError(t, err)
	require.NotEmpty(t, res.Pruned)

	hist, err := idx.HistoryForEntity(ctx, "sit_a")
	require.NoError(t, err)
	assert.Equal(t, len(res.Pruned)*2, len(hist))
}
