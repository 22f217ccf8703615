package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/raterudder/dersched/pkg/controller"
	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/scenario"
	"github.com/raterudder/dersched/pkg/server"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/storage"
	"github.com/raterudder/dersched/pkg/tariff"
	"github.com/raterudder/dersched/pkg/types"
)

func main() {
	// init packages
	sc := solver.Configured()
	s := storage.Configured()

	// init server
	srv := server.Configured(s, sc)

	serve := lflag.Bool("serve", false, "Serve the HTTP API instead of running a single simulation")
	tariffPath := lflag.String("tariff", "", "Tariff file (yaml or json) to simulate")
	scenarioPath := lflag.String("scenario", "", "Scenario yaml file to simulate")
	granularity := lflag.String("granularity", "", "Override the scenario granularity (day, month or year)")
	logFormat := lflag.String("log-format", "json", "Log format (json or text)")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	handler, err := log.NewHandler(os.Stderr, *logFormat)
	if err != nil {
		panic(err)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if *serve {
		// Run will block until context is canceled or error happens
		if err := srv.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
		return
	}

	if err := simulate(ctx, controller.NewController(s, sc), *tariffPath, *scenarioPath, *granularity); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "simulation failed", "error", err)
		os.Exit(1)
	}
}

// simulate runs one simulation and writes the stored run to stdout.
func simulate(ctx context.Context, c *controller.Controller, tariffPath, scenarioPath, granularity string) error {
	if tariffPath == "" || scenarioPath == "" {
		return errors.New("-tariff and -scenario are required unless -serve is set")
	}
	t, err := tariff.Load(tariffPath)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(ctx, scenarioPath)
	if err != nil {
		return err
	}
	if granularity != "" {
		if sc.Granularity, err = types.ParseGranularity(granularity); err != nil {
			return err
		}
	}

	out, err := c.Simulate(ctx, controller.Request{Tariff: t, Scenario: sc})
	if out.Run.ID != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out.Run); encErr != nil {
			return errors.Join(err, encErr)
		}
	}
	return err
}
