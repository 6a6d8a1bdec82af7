// Package main is the entry point for the S2 analyzer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/s2flex/s2mitm/internal/api"
	"github.com/s2flex/s2mitm/internal/buildinfo"
	"github.com/s2flex/s2mitm/internal/cem"
	"github.com/s2flex/s2mitm/internal/config"
	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/session"
	"github.com/s2flex/s2mitm/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting s2mitm", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
	}

	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "database_url", cfg.DatabaseURL)

	driver, dbPath := parseDatabaseURL(cfg.DatabaseURL)
	db, err := store.Open(driver, dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1) // per spec §7, database unavailability at startup is the only fatal error
	}
	defer db.Close()
	logger.Info("database opened", "driver", driver, "path", dbPath)

	observer := pipeline.NewObserverFanout(db, logger)
	sessionState := pipeline.NewSessionStateProcessor()
	chain := pipeline.NewStandardChain(logger, db, observer, sessionState)
	pl := pipeline.New(logger, chain...)
	pl.Start()

	rtr := session.NewRouter(pl, cfg.RouterConfig.MaxBufferedEnvelopes, logger)

	var simpleCEM *cem.SimpleCEM
	if cfg.SimpleCEM.Enabled {
		simpleCEM = cem.New("simple-cem", rtr, time.Duration(cfg.SimpleCEM.TickIntervalSeconds)*time.Second, logger)
		rtr.OnHalfClosed(simpleCEM.HandleHalfClosed)
		logger.Info("simple cem enabled", "tick_interval_s", cfg.SimpleCEM.TickIntervalSeconds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if simpleCEM != nil {
		go simpleCEM.Run(ctx)
	}

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rtr, pl, db, observer, sessionState, simpleCEM, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown error", "error", err)
		}

		pl.Shutdown()
		observer.Close()
	}()

	if err := srv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("s2mitm stopped")
}

// parseDatabaseURL accepts a "sqlite:///relative/path.db" or
// "sqlite:////absolute/path.db" URL per spec §6.3 and returns the
// selected driver and filesystem path store.Open expects.
func parseDatabaseURL(raw string) (store.Driver, string) {
	const prefix = "sqlite:///"
	path := raw
	if strings.HasPrefix(raw, prefix) {
		path = strings.TrimPrefix(raw, prefix)
	}
	if path == "" {
		path = "./database.db"
	}
	return store.DriverMattn, path
}
