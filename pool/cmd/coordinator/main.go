// StarkPool coordinator
// Main entry point for the stratum mining pool coordinator
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"github.com/starkforge/starkpool/pool/api"
	"github.com/starkforge/starkpool/pool/archive"
	"github.com/starkforge/starkpool/pool/config"
	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/health"
	"github.com/starkforge/starkpool/pool/jobs"
	"github.com/starkforge/starkpool/pool/metrics"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/stratum"
	"github.com/starkforge/starkpool/pool/upstream"
	"github.com/starkforge/starkpool/pool/verifier"
)

// Build info (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("Starting StarkPool coordinator",
		"version", Version,
		"commit", Commit,
		"pool", cfg.Pool.Name,
		"fee_percent", cfg.Pool.FeePercent,
		"payout_interval", durafmt.Parse(cfg.Pool.PayoutInterval).String(),
	)

	// Store
	var st store.Store
	if cfg.Store.RedisURL != "" {
		rs, err := store.NewRedisStore(cfg.Store.RedisURL)
		if err != nil {
			logger.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		st = rs
		logger.Info("Using redis store")
	} else {
		st = store.NewMemStore()
		logger.Warn("No redis-url configured, state will not survive restarts")
	}
	defer st.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("starkpool")
	}

	// Coordinator
	ccfg := coordinator.DefaultConfig()
	ccfg.PoolName = cfg.Pool.Name
	ccfg.FeePercent = cfg.Pool.FeePercent
	ccfg.MinPayout = cfg.Pool.MinPayout
	ccfg.PayoutInterval = cfg.Pool.PayoutInterval
	ccfg.ShareWindow = cfg.Pool.ShareWindow
	ccfg.Metrics = m
	ccfg.Logger = logger
	coord := coordinator.New(ccfg, st, verifier.New(nil))

	// Optional payout/block archive
	var arch *archive.Archive
	if cfg.Archive.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a, err := archive.New(ctx, archive.Config{DatabaseURL: cfg.Archive.DatabaseURL, Logger: logger})
		cancel()
		if err != nil {
			logger.Error("Failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		arch = a
		defer arch.Close()

		coord.OnPayoutsReleased = func(ctx context.Context, payouts []store.PendingPayout) {
			if err := arch.RecordPayouts(ctx, payouts); err != nil {
				logger.Error("Failed to archive payouts", "count", len(payouts), "error", err)
			}
		}
	}

	// Chain node, or a synthetic template source without one
	var node *upstream.Client
	var source jobs.TemplateSource
	if cfg.Node.URL != "" {
		ncfg := upstream.DefaultClientConfig(cfg.Node.URL)
		ncfg.Logger = logger
		node = upstream.NewClientWithConfig(ncfg)
		source = node
	} else {
		logger.Warn("No node-url configured, serving synthetic templates")
		source = upstream.NewStaticSource(nil, ccfg.BlockReward)
	}

	coord.OnBlockFound = func(ctx context.Context, job *store.JobTemplate, share *store.ShareRecord, proof []byte) {
		if node != nil {
			if err := node.SubmitBlock(ctx, job.Height, proof); err != nil {
				logger.Error("Failed to submit block to node", "height", job.Height, "error", err)
			}
		}
		if arch != nil {
			if err := arch.RecordBlock(ctx, job, share, ccfg.BlockReward); err != nil {
				logger.Error("Failed to archive block", "height", job.Height, "error", err)
			}
		}
	}

	if err := coord.Start(); err != nil {
		logger.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}

	// Stratum server
	scfg := stratum.DefaultConfig()
	scfg.ListenAddr = cfg.Stratum.Bind
	scfg.MaxConnsPerIP = cfg.Stratum.MaxConnsPerIP
	scfg.MaxConns = cfg.Stratum.MaxConns
	scfg.SubmitRate = cfg.Stratum.SubmitRate
	scfg.SubmitBurst = cfg.Stratum.SubmitBurst
	scfg.BanThreshold = cfg.Stratum.BanThreshold
	scfg.Metrics = m
	scfg.Logger = logger
	stratumSrv := stratum.NewServer(scfg, coord)

	// Job manager feeds the stratum broadcast
	refresh := cfg.Node.RefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Second
	}
	jcfg := jobs.DefaultConfig()
	jcfg.RefreshInterval = refresh
	jcfg.Logger = logger
	jobMgr := jobs.NewManager(jcfg, source, coord)
	jobMgr.OnNewJob = stratumSrv.BroadcastJob

	if err := jobMgr.Start(); err != nil {
		logger.Error("Failed to start job manager", "error", err)
		os.Exit(1)
	}

	if err := stratumSrv.Start(); err != nil {
		logger.Error("Failed to start stratum server", "error", err)
		os.Exit(1)
	}

	// Health checks
	h := health.NewHandler(health.Config{Version: Version})
	h.RegisterCheck("store", health.PingCheck(st.Ping))
	h.RegisterCheck("stratum", health.StratumCheck(stratumSrv.Running))
	h.RegisterCheck("jobs", health.JobFreshnessCheck(func(ctx context.Context) (time.Time, error) {
		job := jobMgr.CurrentJob()
		if job == nil {
			return time.Time{}, fmt.Errorf("no job issued yet")
		}
		return job.Timestamp, nil
	}, 4*refresh))
	if node != nil {
		h.RegisterCheck("node", health.PingCheck(node.Ping))
	}
	if arch != nil {
		h.RegisterCheck("archive", health.PingCheck(arch.Ping))
	}
	h.Start()

	// REST API server
	apiSrv := api.New(api.Config{ListenAddr: cfg.HTTP.Bind, Logger: logger}, coord, arch, node, h)
	if err := apiSrv.Start(); err != nil {
		logger.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}

	// Prometheus exposition on its own port
	if m != nil {
		go startMetricsServer(cfg.Metrics.Port, m, logger)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		apiSrv.Stop()
		stratumSrv.Stop()
		jobMgr.Stop()
		h.Stop()
		coord.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Graceful shutdown complete")
	case <-ctx.Done():
		logger.Warn("Shutdown timed out")
	}
}

// parseConfig layers the configuration: defaults, then the config file, then
// POOL_* environment variables, then explicit flags.
func parseConfig() (*config.Config, error) {
	var (
		configPath  = flag.String("config", "", "Path to yaml config file")
		redisURL    = flag.String("redis-url", "", "Redis URL (empty uses the in-memory store)")
		nodeURL     = flag.String("node-url", "", "Chain node RPC URL (empty serves synthetic templates)")
		databaseURL = flag.String("database-url", "", "Postgres URL for the payout/block archive")
		poolName    = flag.String("pool-name", "", "Pool display name")
		poolFee     = flag.Float64("pool-fee", 0, "Pool fee percent")
		minPayout   = flag.Uint64("min-payout", 0, "Minimum payout release threshold")
		stratumBind = flag.String("stratum-bind", "", "Stratum WebSocket listen address")
		httpBind    = flag.String("http-bind", "", "REST API listen address")
		metricsPort = flag.Int("metrics-port", 0, "Prometheus metrics port")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (text, json)")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("StarkPool %s (%s) built %s\n", Version, Commit, BuildDate)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	// Only flags the user actually passed override the file and environment.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["redis-url"] {
		cfg.Store.RedisURL = *redisURL
	}
	if set["node-url"] {
		cfg.Node.URL = *nodeURL
	}
	if set["database-url"] {
		cfg.Archive.DatabaseURL = *databaseURL
	}
	if set["pool-name"] {
		cfg.Pool.Name = *poolName
	}
	if set["pool-fee"] {
		cfg.Pool.FeePercent = *poolFee
	}
	if set["min-payout"] {
		cfg.Pool.MinPayout = *minPayout
	}
	if set["stratum-bind"] {
		cfg.Stratum.Bind = *stratumBind
	}
	if set["http-bind"] {
		cfg.HTTP.Bind = *httpBind
	}
	if set["metrics-port"] {
		cfg.Metrics.Port = *metricsPort
		cfg.Metrics.Enabled = *metricsPort > 0
	}
	if set["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if set["log-format"] {
		cfg.Logging.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func startMetricsServer(port int, m *metrics.Metrics, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	logger.Info("Metrics server started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server error", "error", err)
	}
}
