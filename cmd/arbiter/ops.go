package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arbiter-labs/arbiter/pkg/backup"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/signing"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
)

// openTenantLog opens a tenant's event log read-write under the base dir.
func openTenantLog(base, tenant string, cfg eventlog.Config) (*eventlog.Log, error) {
	dir, err := tenancy.ResolveDataDir(base, tenant)
	if err != nil {
		return nil, err
	}
	return eventlog.Open(filepath.Join(dir, "events"), cfg)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("base", "./data", "base data directory")
	tenant := fs.String("tenant", "", "tenant id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -tenant is required")
		return 2
	}

	log, err := openTenantLog(*base, *tenant, eventlog.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	report, err := log.VerifyChain(context.Background())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	printJSON(stdout, report)
	if !report.Valid {
		return 1
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("base", "./data", "base data directory")
	tenant := fs.String("tenant", "", "tenant id")
	fromSeg := fs.Int("from-segment", -1, "first segment to include")
	toSeg := fs.Int("to-segment", -1, "last segment to include")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		_, _ = fmt.Fprintln(stderr, "export: -tenant is required")
		return 2
	}

	log, err := openTenantLog(*base, *tenant, eventlog.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "export:", err)
		return 1
	}
	var rng eventlog.ExportRange
	if *fromSeg >= 0 {
		rng.FromSegment = fromSeg
	}
	if *toSeg >= 0 {
		rng.ToSegment = toSeg
	}
	export, err := log.ExportRange(context.Background(), rng)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "export:", err)
		return 1
	}
	printJSON(stdout, export)
	return 0
}

// tenantKeyring derives the tenant's signing keyring from the
// ARBITER_SIGNING_SEED environment variable (hex, 32 bytes). Without a
// seed, backups go out unsigned.
func tenantKeyring(tenant string, stderr io.Writer) (*signing.Keyring, error) {
	seedHex := os.Getenv("ARBITER_SIGNING_SEED")
	if seedHex == "" {
		_, _ = fmt.Fprintln(stderr, "note: ARBITER_SIGNING_SEED unset, manifest will be unsigned")
		return nil, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("ARBITER_SIGNING_SEED is not hex: %w", err)
	}
	provider, err := signing.NewMemoryKeyProviderFromSeed(seed)
	if err != nil {
		return nil, err
	}
	root, err := signing.NewKeyring(provider)
	if err != nil {
		return nil, err
	}
	return root.DeriveForTenant(tenant)
}

func runBackup(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("base", "./data", "base data directory")
	tenant := fs.String("tenant", "", "tenant id")
	out := fs.String("out", "./backups", "destination directory")
	name := fs.String("name", "backup", "backup name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		_, _ = fmt.Fprintln(stderr, "backup: -tenant is required")
		return 2
	}

	ctx := context.Background()
	log, err := openTenantLog(*base, *tenant, eventlog.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "backup:", err)
		return 1
	}

	var opts []backup.Option
	keyring, err := tenantKeyring(*tenant, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "backup:", err)
		return 1
	}
	if keyring != nil {
		opts = append(opts, backup.WithKeyring(keyring))
		_, _ = fmt.Fprintln(stderr, "signing key:", keyring.PublicKeyHex())
	}

	bk, err := backup.New(opts...).Create(ctx, log)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "backup:", err)
		return 1
	}
	sink, err := backup.NewDirSink(*out)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "backup:", err)
		return 1
	}
	if err := bk.Store(ctx, sink, *name); err != nil {
		_, _ = fmt.Fprintln(stderr, "backup:", err)
		return 1
	}
	printJSON(stdout, bk.Manifest)
	return 0
}

func runRestore(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "./backups", "directory holding the backup")
	name := fs.String("name", "backup", "backup name")
	dest := fs.String("dest", "", "empty destination directory for the restored log")
	pubKey := fs.String("pubkey", "", "hex public key to verify the manifest signature")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dest == "" {
		_, _ = fmt.Fprintln(stderr, "restore: -dest is required")
		return 2
	}

	ctx := context.Background()
	sink, err := backup.NewDirSink(*from)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "restore:", err)
		return 1
	}
	bk, err := backup.Load(ctx, sink, *name)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "restore:", err)
		return 1
	}
	report, err := backup.Restore(ctx, bk, *dest, backup.RestoreOptions{
		PublicKeyHex: *pubKey,
		LogConfig:    eventlog.DefaultConfig(),
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "restore:", err)
		return 1
	}
	printJSON(stdout, report)
	return 0
}

func runTenant(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: arbiter tenant <register|list|suspend|resume|remove> [flags]")
		return 2
	}
	sub := args[0]

	fs := flag.NewFlagSet("tenant "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("base", "./data", "base data directory")
	id := fs.String("id", "", "tenant id")
	name := fs.String("name", "", "tenant display name")
	rpm := fs.Int("rpm", 0, "rate limit quota in requests per minute (0 keeps the default)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	registry, err := tenancy.OpenRegistry(*base)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "tenant:", err)
		return 1
	}

	fail := func(err error) int {
		_, _ = fmt.Fprintln(stderr, "tenant:", err)
		return 1
	}

	switch sub {
	case "register":
		quotas := tenancy.DefaultQuotas()
		if *rpm > 0 {
			quotas.RateLimitRPM = *rpm
		}
		cfg, err := registry.Register(*id, *name, quotas)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, cfg)
	case "list":
		printJSON(stdout, registry.List())
	case "suspend":
		cfg, err := registry.Suspend(*id)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, cfg)
	case "resume":
		cfg, err := registry.Resume(*id)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, cfg)
	case "remove":
		cfg, err := registry.Remove(*id)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, cfg)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown tenant command %q\n", sub)
		return 2
	}
	return 0
}
