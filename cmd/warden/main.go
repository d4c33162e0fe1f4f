// Command warden runs the governance gateway and a handful of operator
// utilities around it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/warden/pkg/api"
	"github.com/openclaw/warden/pkg/approval"
	"github.com/openclaw/warden/pkg/audit"
	"github.com/openclaw/warden/pkg/budget"
	"github.com/openclaw/warden/pkg/config"
	"github.com/openclaw/warden/pkg/engine"
	"github.com/openclaw/warden/pkg/observability"
	"github.com/openclaw/warden/pkg/policy"
	"github.com/openclaw/warden/pkg/store"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. No arguments starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerifyCmd(stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "mint-token":
		return runMintTokenCmd(args[2:], stdout, stderr)
	case "hash-key":
		return runHashKeyCmd(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\nusage: warden [server|verify|export|mint-token|hash-key]\n", args[1])
		return 2
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		log.Error("tracing setup failed", "error", err)
		return 1
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("store open failed", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	auditLog := audit.NewLogger(st, log)
	evaluator := policy.NewEvaluator(cfg.PolicyOperatorsEnabled)
	eng := engine.New(st, evaluator, budget.NewManager(st, log), auditLog, cfg.ApprovalMode, log)
	issuer := approval.NewTokenIssuer([]byte(cfg.DecisionTokenSecret), cfg.DecisionTokenTTL)
	approvals := approval.NewManager(st, auditLog, issuer, approval.Config{
		WaitTimeout: cfg.ApprovalWaitTimeout,
		ReuseWindow: cfg.ReuseWindow,
	}, log)

	var sink audit.ObjectSink
	if cfg.ExportBucket != "" {
		s3sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket:   cfg.ExportBucket,
			Region:   cfg.ExportRegion,
			Endpoint: cfg.ExportEndpoint,
			Prefix:   cfg.ExportPrefix,
		})
		if err != nil {
			log.Error("export sink setup failed", "error", err)
			return 1
		}
		sink = s3sink
	}
	exporter := audit.NewExporter(st, sink)

	server := api.NewServer(cfg, st, eng, approvals, evaluator, auditLog, exporter, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Addr, "tenant", cfg.TenantID, "approval_mode", cfg.ApprovalMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return 1
		}
	}
	return 0
}

// runVerifyCmd walks the tenant audit chain and prints the result.
func runVerifyCmd(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	st, err := store.Open(cfg.DBPath, newLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	result, err := audit.VerifyChain(context.Background(), st, cfg.TenantID)
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if result.Status != "verified" {
		return 1
	}
	return 0
}

// runExportCmd generates an evidence pack and writes it to a file.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "evidence-pack.zip", "output file")
	start := fs.String("start", "", "start time (RFC 3339)")
	end := fs.String("end", "", "end time (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	st, err := store.Open(cfg.DBPath, newLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	req := audit.ExportRequest{TenantID: cfg.TenantID}
	if *start != "" {
		if req.StartTime, err = time.Parse(time.RFC3339, *start); err != nil {
			fmt.Fprintln(stderr, "start:", err)
			return 2
		}
	}
	if *end != "" {
		if req.EndTime, err = time.Parse(time.RFC3339, *end); err != nil {
			fmt.Fprintln(stderr, "end:", err)
			return 2
		}
	}

	pack, err := audit.NewExporter(st, nil).GeneratePack(context.Background(), req)
	if err != nil {
		fmt.Fprintln(stderr, "export:", err)
		return 1
	}
	if err := os.WriteFile(*out, pack.Data, 0o600); err != nil {
		fmt.Fprintln(stderr, "write:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d events, checksum %s)\n", *out, pack.EventsLen, pack.Checksum)
	return 0
}

// runMintTokenCmd mints an adapter auth token from the shared secret.
func runMintTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	adapterID := fs.String("adapter", "", "adapter id (required)")
	workspace := fs.String("workspace", "", "workspace id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *adapterID == "" {
		fmt.Fprintln(stderr, "mint-token: -adapter is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	token, err := api.MintAdapterToken([]byte(cfg.AdapterTokenSecret), cfg.TenantID, *workspace, *adapterID, *ttl)
	if err != nil {
		fmt.Fprintln(stderr, "mint:", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runHashKeyCmd prints the bcrypt hash for an ops API key, ready for
// WARDEN_OPS_API_KEY_HASH.
func runHashKeyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "usage: warden hash-key <key>")
		return 2
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(stderr, "hash:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(hash))
	return 0
}
