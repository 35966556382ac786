// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/correlator"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logmon"
	"github.com/capsulerec/capsule/internal/middleware"
	"github.com/capsulerec/capsule/internal/obsrpc"
	"github.com/capsulerec/capsule/internal/websocket"
)

// Controller is the correlator surface the GUI drives.
type Controller interface {
	Snapshot() correlator.State
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	SplitRecording(ctx context.Context) error
	StartEngine(ctx context.Context) error
	StopEngine(ctx context.Context) error
	RestartEngine(ctx context.Context) error
	SetAutoStart(enabled bool)
	ManualEvent(ev events.DomainEvent) error
	ResaveLast() error
}

// EngineInventory answers read-only queries against the capture engine.
type EngineInventory interface {
	RecordingStats(ctx context.Context) (events.RecordingStats, error)
	AudioDevices(ctx context.Context) ([]obsrpc.AudioDevice, error)
	Applications(ctx context.Context) ([]string, error)
}

// PatternSource exposes the log-pattern engine and its refresher to the
// GUI. *logmon.Monitor satisfies it.
type PatternSource interface {
	Engine() *logmon.Engine
	Refresher() *logmon.Refresher
}

// Router wires the GUI endpoints to the correlator, the engine RPC, and the
// WebSocket hub.
type Router struct {
	cfg        config.APIConfig
	controller Controller
	inventory  EngineInventory
	patterns   PatternSource
	hub        *websocket.Hub
}

// NewRouter creates the GUI router.
func NewRouter(cfg config.APIConfig, controller Controller, inventory EngineInventory, patterns PatternSource, hub *websocket.Hub) *Router {
	return &Router{
		cfg:        cfg,
		controller: controller,
		inventory:  inventory,
		patterns:   patterns,
		hub:        hub,
	}
}

// Setup builds the chi handler tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.cfg.RateLimitReqs, time.Minute))
		r.Use(middleware.PrometheusMetrics)

		r.Get("/health/live", router.HealthLive)
		r.Get("/health/ready", router.HealthReady)

		r.Get("/status", router.Status)
		r.Get("/events/recent", router.RecentEvents)
		r.Post("/events", router.ManualEvent)

		r.Route("/recording", func(r chi.Router) {
			r.Post("/start", router.StartRecording)
			r.Post("/stop", router.StopRecording)
			r.Post("/split", router.SplitRecording)
			r.Get("/stats", router.RecordingStats)
			r.Put("/autostart", router.SetAutoStart)
			r.Post("/resave", router.Resave)
		})

		r.Route("/engine", func(r chi.Router) {
			r.Post("/start", router.StartEngine)
			r.Post("/stop", router.StopEngine)
			r.Post("/restart", router.RestartEngine)
			r.Get("/audio-devices", router.AudioDevices)
			r.Get("/applications", router.Applications)
		})

		r.Route("/patterns", func(r chi.Router) {
			r.Get("/", router.Patterns)
			r.Post("/refresh", router.RefreshPatterns)
		})

		r.Get("/ws", router.WebSocket)
	})

	return r
}
