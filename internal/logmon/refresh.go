// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package logmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrNoRemoteSource means pattern refresh is not configured.
var ErrNoRemoteSource = errors.New("no remote pattern source configured")

// maxPatternSetBytes bounds the remote response body.
const maxPatternSetBytes = 4 << 20

// Refresher fetches updated pattern definitions from the remote source. The
// fetch runs behind a circuit breaker so a flapping endpoint cannot be
// hammered on every refresh request.
type Refresher struct {
	cfg     config.PatternsConfig
	engine  *Engine
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[PatternSet]
	log     zerolog.Logger
}

// NewRefresher creates a refresher for the engine. A nil client selects a
// default with the configured timeout.
func NewRefresher(cfg config.PatternsConfig, engine *Engine, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: cfg.RefreshTimeout}
	}
	return &Refresher{
		cfg:    cfg,
		engine: engine,
		client: client,
		breaker: gobreaker.NewCircuitBreaker[PatternSet](gobreaker.Settings{
			Name:        "pattern-refresh",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		log: logging.Component("patterns"),
	}
}

// Refresh fetches, validates, and applies the remote pattern set, then
// persists it so the next start loads the fresh copy. A version-gate refusal
// or fetch failure leaves the active set untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	if r.cfg.RemoteURL == "" {
		return ErrNoRemoteSource
	}

	set, err := r.breaker.Execute(func() (PatternSet, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		metrics.PatternRefreshes.WithLabelValues("fetch_failed").Inc()
		return fmt.Errorf("fetch pattern set: %w", err)
	}

	if err := r.engine.Apply(set, r.cfg.SupportedMajor); err != nil {
		metrics.PatternRefreshes.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.PatternRefreshes.WithLabelValues("applied").Inc()

	if r.cfg.Path != "" {
		if err := r.persist(set); err != nil {
			// The set is already live; persistence failure only costs the
			// next startup a refresh.
			r.log.Warn().Err(err).Str("path", r.cfg.Path).Msg("persist pattern set failed")
		}
	}
	return nil
}

func (r *Refresher) fetch(ctx context.Context) (PatternSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.RemoteURL, nil)
	if err != nil {
		return PatternSet{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return PatternSet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PatternSet{}, fmt.Errorf("remote returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPatternSetBytes))
	if err != nil {
		return PatternSet{}, err
	}
	var set PatternSet
	if err := json.Unmarshal(data, &set); err != nil {
		return PatternSet{}, fmt.Errorf("parse remote pattern set: %w", err)
	}
	return set, nil
}

func (r *Refresher) persist(set PatternSet) error {
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".patterns-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.cfg.Path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
