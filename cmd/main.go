package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tern-dl/tern/internal/config"
	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
	"github.com/tern-dl/tern/internal/engine/fileeng"
	"github.com/tern-dl/tern/internal/engine/httpeng"
	"github.com/tern-dl/tern/internal/engine/s3eng"
	"github.com/tern-dl/tern/internal/events"
	"github.com/tern-dl/tern/internal/metrics"
	"github.com/tern-dl/tern/internal/planner"
	"github.com/tern-dl/tern/internal/reconciler"
	"github.com/tern-dl/tern/internal/repo"
	"github.com/tern-dl/tern/internal/router"
	"github.com/tern-dl/tern/internal/scheduler"
	"github.com/tern-dl/tern/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("TERN_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	metrics.Register()

	downloadRepo, err := newRepo(cfg)
	if err != nil {
		logger.Error("init repository", "err", err)
		os.Exit(1)
	}

	reg := engine.NewRegistry()
	registerEngines(logger, reg, cfg)

	sel := engine.NewSelector(reg)
	tp := engine.NewThroughput()
	eventCh := make(chan events.Event, 64)
	reporter := events.NewChanReporter(eventCh)
	hub := events.NewHub()

	sched := scheduler.New(logger, reg, sel, scheduler.NewSemaphore(cfg.Downloads.GlobalMaxSegments), tp, reporter, scheduler.Config{
		MaxPerDownload: cfg.Downloads.MaxSegments,
		MaxRetries:     cfg.Downloads.MaxRetries,
		BackoffBase:    cfg.Downloads.RetryBackoff,
	})

	svc := service.NewDownload(logger, downloadRepo, reg, sel, sched, tp, reporter, hub, service.Config{
		MaxConcurrent:     cfg.Downloads.MaxConcurrent,
		KeepPartials:      cfg.Downloads.KeepPartials,
		RepairFullRefetch: cfg.Repair.FullRefetch,
		Planner: planner.Config{
			Strategy:     parseStrategy(cfg.Downloads.Strategy),
			MaxSegments:  cfg.Downloads.MaxSegments,
			MinSplitSize: cfg.Downloads.MinSplitSize,
			ChunkSize:    cfg.Downloads.ChunkSize,
			TempDir:      cfg.Downloads.TempDir,
		},
	})

	rec := reconciler.New(logger, downloadRepo, eventCh, hub, events.NewLogNotifier(logger))
	rec.Run()
	defer rec.Stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router.New(logger, svc, reg),
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
	}

	go func() {
		logger.Info("starting tern API", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received terminate, graceful shutdown", "signal", sig.String())

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRepo(cfg config.Config) (repo.DownloadRepo, error) {
	if cfg.Repo.Driver == "postgres" {
		return repo.NewPostgresRepoFromEnv()
	}
	return repo.NewInMemoryDownloadRepo(), nil
}

func registerEngines(logger *slog.Logger, reg *engine.Registry, cfg config.Config) {
	if cfg.Engines.HTTP.Enabled {
		e := httpeng.New("http", httpeng.Options{
			UserAgent:           cfg.Engines.HTTP.UserAgent,
			ThrottleBytesPerSec: cfg.Engines.HTTP.ThrottleBytesPerSec,
		})
		reg.Register(e, e.Capability())
		logger.Info("registered engine", "id", "http")
	}
	if cfg.Engines.File.Enabled {
		e := fileeng.New("file")
		reg.Register(e, e.Capability())
		logger.Info("registered engine", "id", "file")
	}
	if cfg.Engines.S3.Enabled {
		e := s3eng.New("s3", s3eng.Options{Profile: cfg.Engines.S3.Profile, Region: cfg.Engines.S3.Region})
		reg.Register(e, e.Capability())
		logger.Info("registered engine", "id", "s3")
	}
}

func parseStrategy(s string) data.SplitStrategy {
	switch data.SplitStrategy(s) {
	case data.SplitEqualSize, data.SplitAdaptiveSizing, data.SplitEngineOptimized, data.SplitRoundRobin, data.SplitNone:
		return data.SplitStrategy(s)
	default:
		return data.SplitEqualSize
	}
}
