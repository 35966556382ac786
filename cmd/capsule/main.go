// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the entry point for the Capsule companion.
//
// Capsule supervises OBS Studio as a recording engine for Star Citizen:
// it launches and watches the OBS process, drives it over obs-websocket v5,
// detects the running game instance, tails the game log for domain events,
// and correlates everything into per-recording metadata sidecars. A
// localhost HTTP API plus WebSocket feed serves the desktop GUI.
//
// Components start under a suture supervisor tree in three layers (engine,
// pipeline, api) so a crash in one layer restarts only its own services.
//
// Configuration is loaded via koanf with layered sources, highest priority
// wins: environment variables (CAPSULE_*), an optional YAML config file,
// built-in defaults.
//
// Shutdown on SIGINT or SIGTERM is graceful: the open session is sealed and
// written, the engine disconnects, and in-flight GUI requests drain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/capsulerec/capsule/internal/api"
	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/correlator"
	"github.com/capsulerec/capsule/internal/engineproc"
	"github.com/capsulerec/capsule/internal/gamewatch"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/logmon"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/capsulerec/capsule/internal/obsrpc"
	"github.com/capsulerec/capsule/internal/scheduler"
	"github.com/capsulerec/capsule/internal/supervisor"
	"github.com/capsulerec/capsule/internal/websocket"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("capsule %s (%s)\n", version, runtime.Version())
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error().Err(err).Msg("capsule exited with error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Component("main")
	log.Info().Str("version", version).Msg("capsule starting")

	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New(bus.NewZerologAdapter(logging.Component("bus")))
	sched := scheduler.New(nil)

	engine := engineproc.New(cfg.OBS, b, sched, nil, nil)
	rpc := obsrpc.New(cfg.OBS, b, sched, nil)
	game := gamewatch.New(cfg.Game, b, sched, nil)
	logs := logmon.New(cfg.Game, cfg.Patterns, b, sched, nil)
	corr := correlator.New(*cfg, b, sched, engine, rpc)

	hub := websocket.NewHub()
	if err := hub.AttachBus(ctx, b); err != nil {
		return fmt.Errorf("attach bus to hub: %w", err)
	}

	router := api.NewRouter(cfg.API, corr, rpc, logs, hub)
	server := api.NewServer(cfg.API, router.Setup())

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("build supervisor tree: %w", err)
	}

	tree.AddEngineService(manager.AsService(engine))
	tree.AddEngineService(manager.AsService(rpc))
	tree.AddPipelineService(manager.AsService(game))
	tree.AddPipelineService(manager.AsService(logs))
	tree.AddPipelineService(&correlatorService{corr: corr})
	tree.AddPipelineService(hub)
	tree.AddAPIService(server)

	start := sched.Now()
	uptime := sched.Every(15*time.Second, func() {
		metrics.AppUptime.Set(sched.Now().Sub(start).Seconds())
	})
	defer uptime.Cancel()

	log.Info().
		Str("api", server.Addr()).
		Str("game_dir", cfg.Game.InstallPath).
		Msg("supervisor tree starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			log.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// correlatorService adapts the correlator to suture.Service. Unlike the
// managers, the correlator has no command surface; it only needs lifecycle.
type correlatorService struct {
	corr *correlator.Correlator
}

func (s *correlatorService) Serve(ctx context.Context) error {
	if err := s.corr.Initialize(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.corr.Shutdown()
	return ctx.Err()
}

func (s *correlatorService) String() string {
	return "correlator"
}
