package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/shell/bootstrap"
	"github.com/artpar/ledgerboot/internal/shell/deployer"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/artpar/ledgerboot/internal/shell/metrics"
	"github.com/google/uuid"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to dotenv file with secrets")
	artifactsPath := flag.String("artifacts", "", "Path to compiler output (overrides artifacts.path)")
	outPath := flag.String("out", "", "Path to write the result manifest (overrides output.path)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerboot %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	if err := LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if *artifactsPath != "" {
		cfg.Artifacts.Path = *artifactsPath
	}
	if *outPath != "" {
		cfg.Output.Path = *outPath
	}

	logger := SetupLogger(cfg)
	logger.Info("starting ledgerboot",
		"version", Version,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, logger); err != nil {
		var rErr *RunError
		if errors.As(err, &rErr) {
			logger.Error("bootstrap error",
				"error", rErr.Err,
				"operation", rErr.Op,
			)
			return rErr.ExitCode
		}
		logger.Error("bootstrap error", "error", err)
		return ExitBootstrapError
	}
	return ExitSuccess
}

// execute loads artifacts and secrets, connects to the ledger, runs the
// bootstrap and writes the manifest.
func execute(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	bootCfg, err := cfg.BootstrapConfig()
	if err != nil {
		return &RunError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}
	rpcCfg, err := cfg.RPCConfig()
	if err != nil {
		return &RunError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}
	secrets, err := cfg.Accounts.OpenSecrets()
	if err != nil {
		return &RunError{Op: "secrets", Err: err, ExitCode: ExitConfigError}
	}
	store, err := artifact.Load(cfg.Artifacts.Path, cfg.LoadOptions())
	if err != nil {
		return &RunError{Op: "artifacts", Err: err, ExitCode: ExitConfigError}
	}
	logger.Info("artifacts loaded", "path", cfg.Artifacts.Path, "contracts", store.Len())

	runID := uuid.New().String()
	progress := NewProgress(runID)
	opts := []bootstrap.Option{
		bootstrap.WithRunID(runID),
		bootstrap.WithHooks(metricsHooks(progress)),
	}
	if cfg.Resume.Manifest != "" {
		prev, err := ReadManifest(cfg.Resume.Manifest)
		if err != nil {
			return &RunError{Op: "resume", Err: err, ExitCode: ExitConfigError}
		}
		known, err := prev.Known()
		if err != nil {
			return &RunError{Op: "resume", Err: err, ExitCode: ExitConfigError}
		}
		logger.Info("reusing contracts", "manifest", cfg.Resume.Manifest, "run_id", prev.RunID, "contracts", len(known))
		opts = append(opts, bootstrap.WithKnownContracts(known))
	}

	client, err := ledger.Dial(ctx, rpcCfg, logger)
	if err != nil {
		return &RunError{Op: "dial ledger", Err: err, ExitCode: ExitLedgerError}
	}
	defer client.Close()

	seq, err := bootstrap.New(store, client, bootCfg, logger, opts...)
	if err != nil {
		return &RunError{Op: "plan", Err: err, ExitCode: ExitConfigError}
	}

	if cfg.Metrics.Addr != "" {
		metrics.RegisterMetrics()
		srv, err := NewMetricsServer(cfg.Metrics, progress, logger)
		if err != nil {
			return err
		}
		srv.Start()
		defer srv.Shutdown(context.Background())
	}

	res, runErr := seq.Run(ctx, secrets)
	if err := SaveManifest(cfg.Output.Path, NewManifest(res, runErr), cfg.Output.Format); err != nil {
		return &RunError{Op: "output", Err: err, ExitCode: ExitOutputError}
	}
	if runErr != nil {
		code := ExitBootstrapError
		if domain.IsRetryable(runErr) {
			code = ExitRetryable
		}
		return &RunError{Op: "run", Err: runErr, ExitCode: code}
	}
	return nil
}

// metricsHooks reports a run to the metrics package and to progress.
func metricsHooks(progress *Progress) bootstrap.Hooks {
	return bootstrap.Hooks{
		OnState: func(state plan.State, err error, elapsed time.Duration) {
			metrics.RecordState(state.String(), err, elapsed)
			progress.Observe(state, err)
		},
		OnTransaction: metrics.RecordTransaction,
		OnResolution: func(_ string, outcome deployer.Outcome, failed bool) {
			metrics.RecordResolution(outcome.String(), failed)
		},
		TrackInFlight: metrics.TrackInFlight,
		OnRun: func(err error) {
			metrics.RecordRun(err)
			progress.Finish(err)
		},
	}
}
