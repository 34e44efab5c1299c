package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/arbiter-labs/arbiter/pkg/canonical"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/signing"
)

// Restore failure sentinels.
var (
	ErrManifestAhead  = errors.New("backup: manifest major version is ahead of this build")
	ErrBadSignature   = errors.New("backup: manifest signature does not verify")
	ErrDigestMismatch = errors.New("backup: archived file digest does not match manifest")
	ErrUnlistedFile   = errors.New("backup: archive contains a file the manifest does not list")
	ErrMissingFile    = errors.New("backup: manifest lists a file the archive does not contain")
	ErrDestNotEmpty   = errors.New("backup: restore destination is not empty")
	ErrChainInvalid   = errors.New("backup: restored chain failed verification")
)

// RestoreOptions tune restore verification.
type RestoreOptions struct {
	// PublicKeyHex, when set, requires the manifest signature to verify
	// under this key.
	PublicKeyHex string
	// LogConfig is used to open the restored log for chain verification.
	// Zero fields take the documented defaults.
	LogConfig eventlog.Config
}

// Restore unpacks a backup into destDir and verifies it end to end: semver
// gate, manifest signature, per-file digests, then a full chain walk over
// the restored log. The destination must not already hold a log.
func Restore(ctx context.Context, bk *Backup, destDir string, opts RestoreOptions) (*eventlog.VerificationReport, error) {
	if err := checkVersion(bk.Manifest.Version); err != nil {
		return nil, err
	}
	if opts.PublicKeyHex != "" {
		ok, err := signing.Verify(opts.PublicKeyHex, bk.Manifest.Signature, bk.Manifest.unsigned())
		if err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
		if !ok {
			return nil, ErrBadSignature
		}
	}
	if err := ensureEmpty(destDir); err != nil {
		return nil, err
	}

	want := make(map[string]FileEntry, len(bk.Manifest.Files))
	for _, f := range bk.Manifest.Files {
		want[f.Path] = f
	}

	gz, err := gzip.NewReader(bytes.NewReader(bk.Archive))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	tr := tar.NewReader(gz)

	restored := make(map[string]bool, len(want))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		name := filepath.Base(hdr.Name)
		if name != hdr.Name || strings.Contains(hdr.Name, "..") {
			return nil, fmt.Errorf("%w: %s", ErrUnlistedFile, hdr.Name)
		}
		entry, listed := want[name]
		if !listed {
			return nil, fmt.Errorf("%w: %s", ErrUnlistedFile, name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s from archive: %w", name, err)
		}
		if canonical.HashBytes(data) != entry.SHA256 {
			return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, name)
		}
		if err := os.WriteFile(filepath.Join(destDir, name), data, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		restored[name] = true
	}

	for name := range want {
		if !restored[name] {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, name)
		}
	}

	log, err := eventlog.Open(destDir, opts.LogConfig)
	if err != nil {
		return nil, fmt.Errorf("open restored log: %w", err)
	}
	report, err := log.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify restored chain: %w", err)
	}
	if !report.Valid {
		return report, fmt.Errorf("%w: %s", ErrChainInvalid, report.Reason)
	}
	return report, nil
}

func checkVersion(version string) error {
	got, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("backup: parse manifest version %q: %w", version, err)
	}
	cur := semver.MustParse(ManifestVersion)
	if got.Major() > cur.Major() {
		return fmt.Errorf("%w: manifest %s, build %s", ErrManifestAhead, version, ManifestVersion)
	}
	return nil
}

func ensureEmpty(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create restore destination: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read restore destination: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDestNotEmpty, dir)
	}
	return nil
}
