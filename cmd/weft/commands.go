package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftlabs/weft/core/pkg/config"
	"github.com/weftlabs/weft/core/pkg/wal"
)

// runExportCmd writes one execution's WAL to stdout as JSONL. It reads
// straight from the durable log, so the server does not need to run.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant ID (required)")
	execution := fs.String("execution", "", "execution ID (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *execution == "" {
		fmt.Fprintln(stderr, "export requires -tenant and -execution")
		return 2
	}

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(stderr, "export requires DATABASE_URL; in-memory logs do not outlive the server")
		return 1
	}

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	log, err := wal.NewSQLLog(db)
	if err != nil {
		fmt.Fprintf(stderr, "wal: %v\n", err)
		return 1
	}

	events, err := log.Replay(context.Background(), *tenant, *execution)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintf(stderr, "no events for execution %s\n", *execution)
		return 1
	}
	if err := wal.VerifyChain(events); err != nil {
		fmt.Fprintf(stderr, "chain verification failed: %v\n", err)
		return 1
	}
	if err := wal.WriteJSONL(stdout, events); err != nil {
		fmt.Fprintf(stderr, "write: %v\n", err)
		return 1
	}
	return 0
}

// runRecoverCmd replays non-terminal executions for a tenant. Only
// intents served by built-in realms can be re-dispatched from the CLI;
// embedded realms must recover inside their own process.
func runRecoverCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant ID (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "recover requires -tenant")
		return 2
	}

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(stderr, "recover requires DATABASE_URL")
		return 1
	}

	ctx := context.Background()
	logger := newLogger(cfg.LogLevel)
	c, err := buildCore(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer c.close()

	if err := c.coordinator.Recover(ctx, *tenant); err != nil {
		fmt.Fprintf(stderr, "recovery finished with errors: %v\n", err)
		return 1
	}
	c.coordinator.Wait()
	fmt.Fprintln(stdout, "recovery complete")
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "localhost:8080", "server address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", *addr))
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
