// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package manager defines the lifecycle contract every subordinate component
// implements: initialize with a periodic heartbeat, accept a closed set of
// typed commands, and shut down with a terminal status. The correlator treats
// all managers uniformly through this contract.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/scheduler"
	"github.com/rs/zerolog"
)

// HeartbeatInterval is the fixed cadence of manager heartbeats.
const HeartbeatInterval = time.Second

// Command is a control message accepted by a manager. Each manager handles
// its own closed set of concrete command types and returns
// ErrUnhandledCommand for anything else.
type Command interface {
	CommandName() string
}

// ErrUnhandledCommand is returned when a manager receives a command kind it
// does not handle.
var ErrUnhandledCommand = errors.New("unhandled command")

// Unhandled builds the error a manager returns for a foreign command.
func Unhandled(managerName string, cmd Command) error {
	return fmt.Errorf("%w: %s does not handle %q", ErrUnhandledCommand, managerName, cmd.CommandName())
}

// Manager is the uniform contract the correlator drives.
type Manager interface {
	Name() string
	// Initialize starts the heartbeat and the manager's work. It must be
	// idempotent-safe against double starts.
	Initialize(ctx context.Context) error
	// HandleCommand is the single control entry point. It may return errors
	// to the caller; managers never push errors across the bus from here.
	HandleCommand(ctx context.Context, cmd Command) error
	// Shutdown stops the heartbeat and emits a terminal status.
	Shutdown() error
}

// Base carries the shared lifecycle mechanics; concrete managers embed it.
type Base struct {
	name  string
	bus   *bus.Bus
	sched *scheduler.Scheduler
	log   zerolog.Logger

	mu        sync.Mutex
	status    events.ManagerStatus
	heartbeat *scheduler.Task
}

// Heartbeat is the periodic liveness signal each manager emits.
type Heartbeat struct {
	Manager string               `json:"manager"`
	Status  events.ManagerStatus `json:"status"`
	At      time.Time            `json:"at"`
}

// NewBase creates the shared lifecycle state for a named manager.
func NewBase(name string, b *bus.Bus, sched *scheduler.Scheduler) Base {
	return Base{
		name:   name,
		bus:    b,
		sched:  sched,
		log:    logging.Component(name),
		status: events.ManagerStopped,
	}
}

// Name returns the manager name.
func (b *Base) Name() string { return b.name }

// Log returns the manager's component logger.
func (b *Base) Log() *zerolog.Logger { return &b.log }

// Bus returns the shared event bus.
func (b *Base) Bus() *bus.Bus { return b.bus }

// Scheduler returns the shared scheduler.
func (b *Base) Scheduler() *scheduler.Scheduler { return b.sched }

// Status returns the current lifecycle status.
func (b *Base) Status() events.ManagerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus records and publishes a lifecycle transition.
func (b *Base) SetStatus(status events.ManagerStatus, detail string) {
	b.mu.Lock()
	if b.status == status {
		b.mu.Unlock()
		return
	}
	b.status = status
	b.mu.Unlock()

	b.log.Debug().Str("status", string(status)).Str("detail", detail).Msg("status transition")
	if err := b.bus.Publish(bus.TopicStatus, events.StatusUpdate{
		Manager: b.name,
		Status:  status,
		Detail:  detail,
	}); err != nil {
		b.log.Error().Err(err).Msg("publish status update")
	}
}

// StartHeartbeat begins periodic heartbeat emission. Idempotent.
func (b *Base) StartHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.heartbeat != nil {
		return
	}
	b.heartbeat = b.sched.Every(HeartbeatInterval, func() {
		if err := b.bus.Publish(bus.TopicHeartbeat, Heartbeat{
			Manager: b.name,
			Status:  b.Status(),
			At:      b.sched.Now(),
		}); err != nil {
			b.log.Error().Err(err).Msg("publish heartbeat")
		}
	})
}

// StopHeartbeat cancels the heartbeat. Idempotent.
func (b *Base) StopHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.heartbeat != nil {
		b.heartbeat.Cancel()
		b.heartbeat = nil
	}
}

// Terminate stops the heartbeat and publishes the terminal stopped status.
// Concrete managers call this at the end of Shutdown.
func (b *Base) Terminate() {
	b.StopHeartbeat()
	b.SetStatus(events.ManagerStopped, "shutdown")
}
