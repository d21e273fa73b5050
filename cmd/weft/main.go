// Command weft runs the workflow execution core: an HTTP server by
// default, plus maintenance subcommands for WAL export, recovery, and
// health probing.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "recover":
		return runRecoverCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `weft - workflow execution core

Usage:
  weft [server]                              run the HTTP server (default)
  weft export -tenant ID -execution ID       write an execution's WAL as JSONL
  weft recover -tenant ID                    resume non-terminal executions
  weft health [-addr host:port]              check a running server
  weft help                                  show this message

Configuration is read from the environment: PORT, LOG_LEVEL,
DATABASE_URL, REDIS_ADDR, WEFT_REALM_DIR, WEFT_CONTRACT_TTL,
WEFT_RATE_RPS, WEFT_RATE_BURST, WEFT_BLOB_STORE, OTEL_EXPORTER_OTLP_ENDPOINT.
`)
}
