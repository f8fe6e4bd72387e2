// Package main provides the analysisd binary: the asynchronous stock
// analysis service. The serve command runs the HTTP API, the worker
// command runs a pipeline worker; both share the NATS-backed queue and
// the SQLite task store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/tradingagents/analysisd/config"
	"github.com/tradingagents/analysisd/pipeline"
	"github.com/tradingagents/analysisd/progress"
	"github.com/tradingagents/analysisd/queue"
	"github.com/tradingagents/analysisd/registry"
	"github.com/tradingagents/analysisd/server"
	"github.com/tradingagents/analysisd/service"
	"github.com/tradingagents/analysisd/store"
	"github.com/tradingagents/analysisd/worker"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "analysisd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Asynchronous stock analysis service",
		Long: `Analysisd runs multi-agent stock analyses asynchronously.

Tasks are queued on NATS JetStream, executed by workers under per-user
and global concurrency ceilings, and tracked across an in-process
registry, a JetStream KV progress cache, and a SQLite store.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(workerCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *logLevel, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run an embedded worker")
	return cmd
}

func workerCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run an analysis worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(*configPath, *logLevel)
		},
	}
}

// deps holds everything the serve and worker commands share.
type deps struct {
	cfg       *config.Config
	logger    *slog.Logger
	nc        *nats.Conn
	admission *queue.Controller
	queue     *queue.Queue
	registry  *registry.Registry
	snapshots progress.Store
	store     *store.Store
}

func (d *deps) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", "error", err)
		}
	}
	if d.nc != nil {
		d.nc.Close()
	}
}

func setup(ctx context.Context, configPath, logLevel string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	heartbeatTTL := 2 * cfg.Worker.GetHeartbeatInterval()
	admission, err := queue.NewController(ctx, js, heartbeatTTL)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create admission controller: %w", err)
	}
	admission.SetLimits(cfg.Queue.UserLimit, cfg.Queue.GlobalLimit, cfg.Queue.GetVisibilityTimeout())

	q, err := queue.New(ctx, js, admission, queue.Settings{
		RequeueDelay: cfg.Queue.GetRequeueDelay(),
	}, logger)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create queue: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}

	kvStore, err := progress.NewKVStore(ctx, js, cfg.Progress.GetSnapshotTTL())
	var snapshots progress.Store
	if err != nil {
		logger.Warn("progress cache unavailable, using file store only", "error", err)
		snapshots = progress.NewFileStore(cfg.Progress.FallbackDir)
	} else {
		snapshots = progress.NewFallbackStore(kvStore, progress.NewFileStore(cfg.Progress.FallbackDir), logger)
	}

	return &deps{
		cfg:       cfg,
		logger:    logger,
		nc:        nc,
		admission: admission,
		queue:     q,
		registry:  registry.New(registry.WithLogger(logger)),
		snapshots: snapshots,
		store:     st,
	}, nil
}

func runServe(configPath, logLevel string, withWorker bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer d.Close()

	hub := server.NewHub(d.logger)
	d.registry.SetNotifier(hub)

	svc := service.New(d.registry, d.snapshots, d.store, d.queue, d.logger)
	srv := server.New(d.cfg.Server.Addr, svc, hub, d.logger)

	watchLimits(ctx, configPath, d)

	errCh := make(chan error, 2)
	n := 1
	go func() { errCh <- srv.Run(ctx) }()
	if withWorker {
		w, err := buildWorker(d)
		if err != nil {
			return err
		}
		n = 2
		go func() { errCh <- w.Run(ctx) }()
	}

	var firstErr error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	return firstErr
}

func runWorker(configPath, logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer d.Close()

	w, err := buildWorker(d)
	if err != nil {
		return err
	}
	watchLimits(ctx, configPath, d)
	return w.Run(ctx)
}

// watchLimits hot-reloads the admission ceilings whenever the config file
// changes. Both the API server and the worker install it; the worker is
// the process that actually enforces the ceilings at dequeue.
func watchLimits(ctx context.Context, configPath string, d *deps) {
	if configPath == "" {
		return
	}
	watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
		d.admission.SetLimits(cfg.Queue.UserLimit, cfg.Queue.GlobalLimit, cfg.Queue.GetVisibilityTimeout())
	}, d.logger)
	if err != nil {
		d.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go watcher.Run(ctx)
}

func buildWorker(d *deps) (*worker.Worker, error) {
	pipe, err := buildPipeline(d.cfg)
	if err != nil {
		return nil, err
	}
	return worker.New(
		worker.NewQueueSource(d.queue),
		d.admission,
		d.registry,
		d.snapshots,
		d.store,
		pipe,
		worker.Settings{
			HeartbeatInterval: d.cfg.Worker.GetHeartbeatInterval(),
			CleanupInterval:   d.cfg.Worker.GetCleanupInterval(),
			ZombieMaxRunning:  d.cfg.Worker.GetZombieMaxRunning(),
			Retention:         d.cfg.Worker.GetRetention(),
		},
		d.logger,
	), nil
}

// buildPipeline selects the analysis pipeline. Only the simulator ships in
// this binary; real pipelines register here as they land.
func buildPipeline(cfg *config.Config) (pipeline.Pipeline, error) {
	if cfg.Pipeline.Simulate {
		return &pipeline.Simulator{StepDelay: cfg.Pipeline.GetStepDelay()}, nil
	}
	return nil, fmt.Errorf("no pipeline configured: set pipeline.simulate=true or wire a pipeline implementation")
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func connectNATS(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	logger.Info("connecting to NATS", "url", cfg.NATS.URL)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, wrapNATSError(err, cfg.NATS.URL)
	}

	logger.Info("connected to NATS", "url", cfg.NATS.URL)
	return nc, nil
}

// wrapNATSError provides guidance when the NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set ANALYSISD_NATS_URL to point at your NATS server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}
