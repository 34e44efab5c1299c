// Package backup produces and restores cold copies of a tenant's event
// log. A backup is a tar.gz of the segment files plus the verification
// snapshot, described by a signed manifest that pins every file's digest
// and the chain state at backup time. Restore refuses anything the
// manifest does not vouch for.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/canonical"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/signing"
)

// ManifestVersion is the manifest schema carried by backups this build
// produces. Restore accepts older majors, never newer ones.
const ManifestVersion = "1.0.0"

const snapshotFileName = "event-log-snapshot.json"

var segmentNameRe = regexp.MustCompile(`^segment-(\d{6})\.json$`)

// FileEntry pins one archived file.
type FileEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// LogSummary captures the chain state the backup was cut from.
type LogSummary struct {
	TotalEvents     int    `json:"total_events"`
	TotalSegments   int    `json:"total_segments"`
	FirstEventID    string `json:"first_event_id,omitempty"`
	LastEventID     string `json:"last_event_id,omitempty"`
	LastCurrentHash string `json:"last_current_hash,omitempty"`
	SnapshotExists  bool   `json:"snapshot_exists"`
}

// Manifest describes one backup archive.
type Manifest struct {
	Version            string      `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	SourceDir          string      `json:"source_dir"`
	Files              []FileEntry `json:"files"`
	EventLogSummary    LogSummary  `json:"event_log_summary"`
	ChainValidAtBackup bool        `json:"chain_valid_at_backup"`
	SignedBy           string      `json:"signed_by,omitempty"`
	Signature          string      `json:"signature,omitempty"`
}

// unsigned returns the manifest with its signature cleared, the payload
// both signing and verification operate on.
func (m Manifest) unsigned() Manifest {
	m.Signature = ""
	return m
}

// Backup bundles the archive bytes with their manifest.
type Backup struct {
	Archive  []byte
	Manifest Manifest
}

// Backupper cuts backups from event logs.
type Backupper struct {
	keyring *signing.Keyring
	clock   func() time.Time
}

// Option configures a Backupper.
type Option func(*Backupper)

// WithKeyring enables manifest signing.
func WithKeyring(k *signing.Keyring) Option {
	return func(b *Backupper) { b.keyring = k }
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Backupper) { b.clock = clock }
}

// New builds a Backupper. Without a keyring, manifests go out unsigned.
func New(opts ...Option) *Backupper {
	b := &Backupper{clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create cuts a backup of the log's directory: every segment file plus the
// snapshot, verified before packing so the manifest can state whether the
// chain was intact at backup time.
func (b *Backupper) Create(ctx context.Context, log *eventlog.Log) (*Backup, error) {
	report, err := log.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify before backup: %w", err)
	}

	names, err := archiveFileNames(log.Dir())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifest := Manifest{
		Version:            ManifestVersion,
		CreatedAt:          b.clock().UTC(),
		SourceDir:          log.Dir(),
		ChainValidAtBackup: report.Valid,
	}

	var firstSegment, lastSegment []byte
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(log.Dir(), name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write %s into archive: %w", name, err)
		}
		manifest.Files = append(manifest.Files, FileEntry{
			Path:      name,
			SizeBytes: int64(len(data)),
			SHA256:    canonical.HashBytes(data),
		})
		if segmentNameRe.MatchString(name) {
			if firstSegment == nil {
				firstSegment = data
			}
			lastSegment = data
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	manifest.EventLogSummary = summarize(log, firstSegment, lastSegment)

	if b.keyring != nil {
		manifest.SignedBy = b.keyring.PublicKeyHex()
		sig, err := b.keyring.Sign(manifest.unsigned())
		if err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	return &Backup{Archive: buf.Bytes(), Manifest: manifest}, nil
}

// Store writes the archive and its manifest to the sink under name.
func (bk *Backup) Store(ctx context.Context, sink Sink, name string) error {
	if err := sink.Store(ctx, name+".tar.gz", bk.Archive); err != nil {
		return fmt.Errorf("store archive: %w", err)
	}
	data, err := json.MarshalIndent(bk.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := sink.Store(ctx, name+".manifest.json", data); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// Load reads a stored backup back from the sink.
func Load(ctx context.Context, sink Sink, name string) (*Backup, error) {
	archive, err := sink.Load(ctx, name+".tar.gz")
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	data, err := sink.Load(ctx, name+".manifest.json")
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &Backup{Archive: archive, Manifest: manifest}, nil
}

// archiveFileNames lists what a backup carries: segments in order, then
// the snapshot if one exists.
func archiveFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	var segments []string
	snapshot := false
	for _, e := range entries {
		switch {
		case segmentNameRe.MatchString(e.Name()):
			segments = append(segments, e.Name())
		case e.Name() == snapshotFileName:
			snapshot = true
		}
	}
	sort.Strings(segments)
	if snapshot {
		segments = append(segments, snapshotFileName)
	}
	return segments, nil
}

func summarize(log *eventlog.Log, firstSegment, lastSegment []byte) LogSummary {
	status := log.Status()
	s := LogSummary{
		TotalEvents:     status.TotalEvents,
		TotalSegments:   status.SegmentsOnDisk,
		LastCurrentHash: status.HeadHash,
		SnapshotExists:  status.SnapshotExists,
	}
	var entries []eventlog.Entry
	if json.Unmarshal(firstSegment, &entries) == nil && len(entries) > 0 {
		s.FirstEventID = entries[0].ID
	}
	entries = nil
	if json.Unmarshal(lastSegment, &entries) == nil && len(entries) > 0 {
		s.LastEventID = entries[len(entries)-1].ID
	}
	return s
}
