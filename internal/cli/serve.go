package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronohq/chrono/internal/config"
	"github.com/chronohq/chrono/internal/delivery"
	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/notify"
	"github.com/chronohq/chrono/internal/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg)

	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	svc.Stop()
	return nil
}

// loadConfig resolves the --config flag and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return cfg, nil
}

// buildLogger constructs the process logger per the logging config.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildService wires store, run log, runner, delivery, and the
// scheduler service from the configuration. The service is not
// started; CLI inspection commands load the store themselves.
func buildService(cfg *config.Config, logger *slog.Logger) (*jobs.Service, error) {
	store := jobs.NewStore(cfg.StorePath(), logger)

	runlog, err := jobs.NewRunLog(cfg.RunLogDir(), logger)
	if err != nil {
		return nil, err
	}
	runlog.SetLimits(cfg.Scheduler.HistoryMaxBytes, cfg.Scheduler.HistoryKeepEntries)

	taskRunner, err := buildRunner(cfg, logger)
	if err != nil {
		return nil, err
	}
	senders, err := buildSenders(cfg, logger)
	if err != nil {
		return nil, err
	}
	deliverer := delivery.NewHandler(senders, logger)

	svcCfg := jobs.DefaultServiceConfig()
	svcCfg.DefaultTimeout = time.Duration(cfg.Scheduler.DefaultTimeoutSecs) * time.Second
	svcCfg.StuckThreshold = time.Duration(cfg.Scheduler.StuckThresholdMins) * time.Minute

	return jobs.NewService(store, runlog, taskRunner, deliverer, logger, svcCfg), nil
}

func buildRunner(cfg *config.Config, logger *slog.Logger) (jobs.Runner, error) {
	switch cfg.Runner.Backend {
	case "", "log":
		return runner.NewLogRunner(logger), nil
	case "http":
		return runner.NewHTTPRunner(cfg.Runner.URL, cfg.Runner.Token), nil
	default:
		return nil, fmt.Errorf("unknown runner backend %q", cfg.Runner.Backend)
	}
}

func buildSenders(cfg *config.Config, logger *slog.Logger) ([]notify.Sender, error) {
	switch cfg.Notify.Backend {
	case "", "log":
		return []notify.Sender{notify.NewLogSender(logger)}, nil
	case "sns":
		pub, err := newSNSPublisher(cfg.Notify.SNSRegion)
		if err != nil {
			return nil, err
		}
		return []notify.Sender{notify.NewSNSSender(pub, cfg.Notify.SNSTopicARN)}, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

// dataDirHint suggests the likely fix when the store is missing.
func dataDirHint(cfg *config.Config) string {
	return fmt.Sprintf("run 'chrono serve' once, or check data_dir (%s)", filepath.Clean(cfg.DataDir))
}
