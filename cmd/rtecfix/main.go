package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/star/rtecfix/internal/api"
	"github.com/star/rtecfix/internal/auth"
	"github.com/star/rtecfix/internal/config"
	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/results"
	"github.com/star/rtecfix/internal/store/sqlite"
	"github.com/star/rtecfix/internal/stream"
	"github.com/star/rtecfix/internal/watch"
)

func main() {
	configPath := flag.String("config", os.Getenv("RTECFIX_CONFIG"), "path to YAML config file")
	inPath := flag.String("in", "", "correct a single observation CSV and exit")
	outPath := flag.String("out", "", "output path for -in (default: <in>.corrected.csv next to the input)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: loadLogLevel(),
	}))

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	resolver, err := cfg.Frequencies.Resolver()
	if err != nil {
		logger.Error("invalid frequency configuration", "error", err)
		os.Exit(1)
	}
	orch, err := correction.NewOrchestrator(resolver, correction.Config{
		Workers: cfg.Pipeline.Workers,
		Slip:    cfg.Pipeline.Slip,
	}, logger)
	if err != nil {
		logger.Error("invalid pipeline configuration", "error", err)
		os.Exit(1)
	}

	var archive *sqlite.Store
	if cfg.Storage.Path != "" {
		archive, err = sqlite.New(cfg.Storage.Path)
		if err != nil {
			logger.Error("opening run archive failed", "path", cfg.Storage.Path, "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		logger.Info("run archive enabled", "path", cfg.Storage.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *inPath != "" {
		code := runBatch(ctx, orch, archive, *inPath, *outPath, logger)
		stop()
		if archive != nil {
			archive.Close()
		}
		os.Exit(code)
	}

	authCfg, err := loadAuthConfig(cfg, logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	store := results.NewStore()
	var archiver watch.Archiver
	var lister api.RunLister
	if archive != nil {
		archiver, lister = archive, archive
	}
	proc := watch.NewProcessor(orch, store, archiver, logger)

	var watcher *watch.Watcher
	if cfg.Spool.InputDir != "" {
		watcher = watch.NewWatcher(cfg.Spool.InputDir, cfg.Spool.OutputDir, cfg.Spool.Debounce, proc, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("spool watcher stopped", "error", err)
			}
		}()
	} else {
		logger.Info("no spool directory configured, serving API only")
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
				if err := orch.SetSlipConfig(next.Pipeline.Slip); err != nil {
					logger.Error("applying reloaded slip tunables failed", "error", err)
				}
			})
			if err != nil {
				logger.Warn("config watch unavailable", "path", *configPath, "error", err)
			}
		}()
	}

	ready := func() bool {
		return store.Latest() != nil || watcher == nil || watcher.Idle()
	}
	streamCfg := loadStreamConfig(logger)
	srv := api.NewServer(cfg.Server.Addr, logger, authCfg, api.Deps{
		Orchestrator: orch,
		Results:      store,
		Archive:      lister,
		Ready:        ready,
		Stream:       stream.NewHandler(store, streamCfg, logger),
		TrustProxy:   streamCfg.TrustProxy,
	})

	go func() {
		logger.Info("starting server",
			"addr", cfg.Server.Addr,
			"auth_enabled", authCfg.Enabled,
			"workers", cfg.Pipeline.Workers,
			"spool_dir", cfg.Spool.InputDir,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func runBatch(ctx context.Context, orch *correction.Orchestrator, archive *sqlite.Store, in, out string, logger *slog.Logger) int {
	if out == "" {
		out = watch.OutputPath(filepath.Dir(in), in)
	}
	var archiver watch.Archiver
	if archive != nil {
		archiver = archive
	}
	run, err := watch.NewProcessor(orch, nil, archiver, logger).ProcessFile(ctx, in, out)
	if err != nil {
		logger.Error("correction failed", "input", in, "error", err)
		return 1
	}
	if n := run.Failed(); n > 0 {
		logger.Warn("some satellites could not be corrected", "failed", n, "satellites", len(run.Results))
	}
	return 0
}

func loadLogLevel() slog.Level {
	var level slog.Level
	v := os.Getenv("RTECFIX_LOG_LEVEL")
	if v == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig reads the YAML file when given and applies RTECFIX_*
// environment overrides on top.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded config file", "path", path)
	}

	loadServerConfig(cfg, logger)
	loadPipelineConfig(cfg, logger)
	loadSpoolConfig(cfg, logger)

	if v := os.Getenv("RTECFIX_SQLITE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	return cfg, nil
}

func loadServerConfig(cfg *config.Config, logger *slog.Logger) {
	if v := os.Getenv("RTECFIX_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RTECFIX_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid RTECFIX_AUTH_ENABLED value, keeping configured value", "value", v, "enabled", cfg.Server.Auth.Enabled)
		} else {
			cfg.Server.Auth.Enabled = enabled
		}
	}
}

func loadAuthConfig(cfg *config.Config, logger *slog.Logger) (auth.Config, error) {
	a := auth.Config{Enabled: cfg.Server.Auth.Enabled}
	if !a.Enabled {
		return a, nil
	}
	a.Token = cfg.Server.Auth.Token()
	if a.Token == "" {
		return a, errors.New(cfg.Server.Auth.TokenEnv + " is required when auth is enabled")
	}
	logger.Info("auth enabled")
	return a, nil
}

func loadPipelineConfig(cfg *config.Config, logger *slog.Logger) {
	p := &cfg.Pipeline

	if v := os.Getenv("RTECFIX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_WORKERS value, using default", "value", v, "default", p.Workers)
		} else {
			p.Workers = n
		}
	}

	if v := os.Getenv("RTECFIX_LIMIT_STD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			logger.Warn("invalid RTECFIX_LIMIT_STD value, using default", "value", v, "default", p.Slip.LimitStd)
		} else {
			p.Slip.LimitStd = f
		}
	}

	if v := os.Getenv("RTECFIX_GAP_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_GAP_THRESHOLD value, using default", "value", v, "default", p.Slip.GapThreshold.Seconds())
		} else {
			p.Slip.GapThreshold = time.Duration(n) * time.Second
		}
	}

	logger.Info("pipeline config",
		"workers", p.Workers,
		"limit_std", p.Slip.LimitStd,
		"diff_tec_max", p.Slip.DiffTECMax,
		"p_max_cycle_slip", p.Slip.PMaxCycleSlip,
		"gap_threshold_seconds", p.Slip.GapThreshold.Seconds(),
		"window_size", p.Slip.WindowSize,
	)
}

func loadSpoolConfig(cfg *config.Config, logger *slog.Logger) {
	s := &cfg.Spool

	if v := os.Getenv("RTECFIX_INPUT_DIR"); v != "" {
		s.InputDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("RTECFIX_OUTPUT_DIR"); v != "" {
		s.OutputDir = strings.TrimSpace(v)
	}
	if s.OutputDir == "" {
		s.OutputDir = s.InputDir
	}

	if v := os.Getenv("RTECFIX_SPOOL_DEBOUNCE_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Warn("invalid RTECFIX_SPOOL_DEBOUNCE_MS value, using default", "value", v, "default", s.Debounce.Milliseconds())
		} else {
			s.Debounce = time.Duration(n) * time.Millisecond
		}
	}

	logger.Info("spool config",
		"input_dir", s.InputDir,
		"output_dir", s.OutputDir,
		"debounce_ms", s.Debounce.Milliseconds(),
	)
}

func loadStreamConfig(logger *slog.Logger) stream.Config {
	cfg := stream.DefaultConfig()

	if v := os.Getenv("RTECFIX_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", cfg.MaxConcurrentPerIP)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("RTECFIX_STREAM_MAX_TOTAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_STREAM_MAX_TOTAL value, using default", "value", v, "default", cfg.MaxConcurrent)
		} else {
			cfg.MaxConcurrent = n
		}
	}

	if v := os.Getenv("RTECFIX_STREAM_POLL_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_STREAM_POLL_INTERVAL_MS value, using default", "value", v, "default", cfg.PollInterval.Milliseconds())
		} else {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("RTECFIX_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid RTECFIX_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", cfg.KeepaliveInterval.Seconds())
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("RTECFIX_TRUST_PROXY"); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid RTECFIX_TRUST_PROXY value, using default", "value", v, "default", false)
		} else {
			cfg.TrustProxy = trust
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"max_concurrent", cfg.MaxConcurrent,
		"poll_interval_ms", cfg.PollInterval.Milliseconds(),
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
		"trust_proxy", cfg.TrustProxy,
	)

	return cfg
}
