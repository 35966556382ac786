// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package manager

import (
	"context"
)

// Service adapts a Manager to suture.Service: Initialize on start, block on
// the context, Shutdown on cancellation. Suture restarts the service if
// Initialize fails or Serve returns early.
type Service struct {
	m Manager
}

// AsService wraps a manager for a supervisor tree.
func AsService(m Manager) *Service {
	return &Service{m: m}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.m.Initialize(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.m.Shutdown(); err != nil {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *Service) String() string {
	return s.m.Name()
}
