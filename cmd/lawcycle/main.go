package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mupoese/lawcycle/pkg/cycle"
	"github.com/mupoese/lawcycle/pkg/governance"
	"github.com/mupoese/lawcycle/pkg/law"
	"github.com/mupoese/lawcycle/pkg/memwin"
	"github.com/mupoese/lawcycle/pkg/rules"
	"github.com/mupoese/lawcycle/pkg/snapshot"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runCycleCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "snapshots":
		return runSnapshotsCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "cleanup":
		return runCleanupCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "lawcycle - execution audit and governance cycle")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  lawcycle <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run        Execute one audit cycle (--cause, --input, --expected)")
	fmt.Fprintln(w, "  status     Show dependency checks, governance and store state")
	fmt.Fprintln(w, "  snapshots  List recent snapshots (--limit)")
	fmt.Fprintln(w, "  verify     Verify snapshot structure and governance log chain")
	fmt.Fprintln(w, "  cleanup    Remove snapshots past retention age (--older-than, --archive-bucket)")
	fmt.Fprintln(w, "  doctor     Check configuration and data directory health")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMON FLAGS:")
	fmt.Fprintln(w, "  --config <path>   Governance config file (YAML)")
	fmt.Fprintln(w, "  --data <dir>      Data directory (default ./lawcycle-data)")
	fmt.Fprintln(w, "  --store <kind>    Snapshot backend: file or sqlite (default file)")
	fmt.Fprintln(w, "")
}

type env struct {
	cfg    *law.Config
	store  snapshot.Store
	window *memwin.Window
	ledger *governance.Ledger
	orch   *cycle.Orchestrator
	logger *slog.Logger
}

func commonFlags(fs *flag.FlagSet) (configPath, dataDir, storeKind *string) {
	configPath = fs.String("config", "", "governance config file (YAML)")
	dataDir = fs.String("data", "lawcycle-data", "data directory")
	storeKind = fs.String("store", "file", "snapshot backend: file or sqlite")
	return
}

func setup(ctx context.Context, configPath, dataDir, storeKind string, stderr io.Writer) (*env, error) {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	cfg := law.DefaultConfig()
	if configPath != "" {
		loaded, err := law.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg = law.FromEnv(cfg)
	if len(cfg.Voters) == 0 {
		// quorum-sized default registry so governance stays usable out of the box
		cfg.Voters = []string{"operator-1", "operator-2", "operator-3"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var store snapshot.Store
	switch storeKind {
	case "file":
		fs, err := snapshot.OpenFileStore(filepath.Join(dataDir, "snapshots"))
		if err != nil {
			return nil, err
		}
		store = fs
	case "sqlite":
		db, err := sql.Open("sqlite", filepath.Join(dataDir, "snapshots.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		ss, err := snapshot.NewSQLiteStore(ctx, db)
		if err != nil {
			return nil, err
		}
		store = ss
	default:
		return nil, fmt.Errorf("unknown store kind %q", storeKind)
	}

	activity, err := governance.OpenLog(filepath.Join(dataDir, "governance.log"))
	if err != nil {
		return nil, err
	}
	ledger, err := governance.NewLedger(cfg, activity)
	if err != nil {
		return nil, err
	}

	window := memwin.New(cfg.MaxMemoryWindow, cfg.MaxMemoryBytes)
	orch, err := cycle.New(cycle.Config{
		Store:      store,
		Window:     window,
		Ledger:     ledger,
		Dispatcher: loopbackDispatcher(),
		Logger:     logger,
		Deadline:   cfg.CycleDeadline(),
	})
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, store: store, window: window, ledger: ledger, orch: orch, logger: logger}, nil
}

// loopbackDispatcher executes actions locally. Deployments with a real
// transport layer substitute their own dispatcher here.
func loopbackDispatcher() cycle.Dispatcher {
	return cycle.DispatcherFunc(func(ctx context.Context, action rules.Action, input map[string]any) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return map[string]any{
			"result": "ok",
			"action": action.Kind,
		}, nil
	})
}

func runCycleCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	cause := fs.String("cause", "", "cycle cause (REQUIRED)")
	inputJSON := fs.String("input", "", "input payload as JSON (REQUIRED)")
	expectedJSON := fs.String("expected", "", "expected outcome as JSON")
	signature := fs.String("signature", "cli/operator", "agent signature")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *cause == "" || *inputJSON == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --cause and --input are required")
		fs.Usage()
		return 2
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --input is not valid JSON: %v\n", err)
		return 2
	}
	var expected map[string]any
	if *expectedJSON != "" {
		if err := json.Unmarshal([]byte(*expectedJSON), &expected); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --expected is not valid JSON: %v\n", err)
			return 2
		}
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	snap, err := e.orch.RunCycle(ctx, cycle.Request{
		Cause:           *cause,
		Input:           input,
		ExpectedOutcome: expected,
		AgentSignature:  *signature,
	})
	if err != nil && snap == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err != nil {
		e.logger.Warn("cycle finished degraded", "error", err)
	}

	out, merr := json.MarshalIndent(snap, "", "  ")
	if merr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", merr)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	if err != nil {
		return 1
	}
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := e.window.Load(ctx, e.store); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	status := map[string]any{
		"dependencies": e.orch.Gate().CheckDependencies(ctx),
		"governance":   e.ledger.Status(),
		"memory":       e.window.Stats(),
		"snapshots":    stats,
		"proposals":    e.ledger.ActiveProposals(),
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

func runSnapshotsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	limit := fs.Int("limit", 20, "maximum snapshots to list")
	full := fs.Bool("full", false, "print full snapshot records")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	snaps, err := e.store.Query(ctx, snapshot.QueryFilter{Limit: *limit})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *full {
		out, err := json.MarshalIndent(snaps, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}
	for _, s := range snaps {
		marker := " "
		if s.Deviation != nil {
			marker = "!"
		}
		_, _ = fmt.Fprintf(stdout, "%s %s  %s  law=%s verified=%t  %s\n",
			marker, s.ID, s.CreatedAt.Format(time.RFC3339), s.AppliedLawVersion,
			s.ComplianceVerified, s.Context)
	}
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	bad := 0
	snaps, err := e.store.Query(ctx, snapshot.QueryFilter{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, s := range snaps {
		if ok, missing := snapshot.Validate(s); !ok {
			bad++
			_, _ = fmt.Fprintf(stdout, "INVALID %s: missing %v\n", s.ID, missing)
		}
	}
	_, _ = fmt.Fprintf(stdout, "snapshots: %d checked, %d invalid\n", len(snaps), bad)

	if err := e.ledger.Log().Verify(); err != nil {
		_, _ = fmt.Fprintf(stdout, "governance log: BROKEN (%v)\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "governance log: %d entries, chain intact\n", len(e.ledger.Log().Entries()))
	if bad > 0 {
		return 1
	}
	return 0
}

func runCleanupCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	olderThan := fs.Int("older-than", -1, "retention age in days (default: snapshot_retention_days from config)")
	bucket := fs.String("archive-bucket", "", "S3 bucket to archive snapshots into before deletion")
	prefix := fs.String("archive-prefix", "lawcycle/snapshots", "S3 key prefix for archived snapshots")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *bucket != "" {
		archiver, err := snapshot.NewS3Archiver(ctx, *bucket, *prefix)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		switch s := e.store.(type) {
		case *snapshot.FileStore:
			s.SetArchiver(archiver)
		case *snapshot.SQLiteStore:
			s.SetArchiver(archiver)
		}
	}

	age := e.cfg.SnapshotRetentionAge()
	if *olderThan >= 0 {
		age = time.Duration(*olderThan) * 24 * time.Hour
	}
	cutoff := time.Now().Add(-age)

	removed, err := e.store.Cleanup(ctx, cutoff, e.ledger.ProtectedSnapshots())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "removed %d snapshots older than %s, %d remain\n",
		removed, cutoff.Format(time.RFC3339), stats.Count)
	return 0
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, dataDir, storeKind := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *dataDir, *storeKind, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "doctor: setup failed: %v\n", err)
		return 1
	}

	checks := e.orch.Gate().CheckDependencies(ctx)
	healthy := true
	for _, key := range []string{cycle.DepSnapshotStore, cycle.DepMemoryWindow, cycle.DepActiveLaw, cycle.DepLawParameters} {
		state := "ok"
		if !checks[key] {
			state = "FAIL"
			healthy = false
		}
		_, _ = fmt.Fprintf(stdout, "%-16s %s\n", key, state)
	}

	active, err := e.ledger.ActiveLaw()
	if err == nil {
		_, _ = fmt.Fprintf(stdout, "%-16s %s (deviation=%.2f repetition=%d anomaly=%.1f)\n",
			"law-version", active.Version, active.Params.DeviationThreshold,
			active.Params.RepetitionThreshold, active.Params.AnomalyThreshold)
	}
	if !healthy {
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "all checks passed")
	return 0
}
