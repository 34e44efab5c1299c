// Command arbiter runs the decision-orchestration server and its
// operational subcommands.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "backup":
		return runBackup(args[2:], stdout, stderr)
	case "restore":
		return runRestore(args[2:], stdout, stderr)
	case "tenant":
		return runTenant(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: arbiter <command> [flags]

Commands:
  serve     run the HTTP server (default)
  verify    verify a tenant's event-log hash chain
  export    export a tenant's event log as JSON
  backup    cut a signed backup of a tenant's event log
  restore   restore a backup into an empty directory
  tenant    administer the tenant registry
`)
}
