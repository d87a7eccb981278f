package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chosenoffset/seriesmath/internal/cli"
	"github.com/chosenoffset/seriesmath/internal/config"
	"github.com/chosenoffset/seriesmath/internal/logger"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/events"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := cli.ParseServer(filepath.Base(os.Args[0]), os.Args[1:])
	if err != nil {
		if cli.IsHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Level.SetByName(cfg.Logging.Level)
	if opts.Debug {
		logger.Level.Set(slog.LevelDebug)
	}
	log := logger.New(cfg.Logging.Format)

	registry := events.NewRegistry()
	logEvents := events.NewLogHandler(log)
	registry.RegisterHandler(events.SeriesFailed, logEvents)
	registry.RegisterHandler(events.PanelSkipped, logEvents)

	processor := seriesmath.NewProcessor(
		seriesmath.WithLimits(cfg.ProcessorLimits()),
		seriesmath.WithLogger(log),
		seriesmath.WithEvents(registry),
	)
	srv := server.New(processor, registry, log, serverOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", slog.Any("error", err))
			stop()
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("shutdown failed", slog.Any("error", err))
	}
	if err := <-errCh; err != nil {
		log.Error("server failed", slog.Any("error", err))
	}
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig(opts *cli.ServerOption) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	return cfg, cfg.Validate()
}

func serverOptions(cfg *config.Config) server.Options {
	return server.Options{
		Addr:         cfg.Addr(),
		MaxClients:   cfg.Server.MaxClients,
		MaxBody:      cfg.Server.MaxBody,
		ReadTimeout:  cfg.Server.Timeouts.Read,
		WriteTimeout: cfg.Server.Timeouts.Write,
		IdleTimeout:  cfg.Server.Timeouts.Idle,
	}
}
