// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engineproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/scheduler"
)

type fakeTable struct {
	mu      sync.Mutex
	present bool
	killed  int
}

func (t *fakeTable) FindByName(string) ([]ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.present {
		return nil, nil
	}
	return []ProcessInfo{{PID: 4242, Name: "obs64.exe"}}, nil
}

func (t *fakeTable) PIDExists(int32) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.present, nil
}

func (t *fakeTable) KillByName(string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed++
	return 0, nil
}

func (t *fakeTable) setPresent(present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.present = present
}

type fakeProc struct {
	pid        int32
	exitCode   int
	exitCh     chan struct{}
	exitOnce   sync.Once
	ignoreTerm bool

	mu         sync.Mutex
	termCalled bool
	killCalled bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{pid: 4242, exitCh: make(chan struct{})}
}

func (p *fakeProc) PID() int32 { return p.pid }

func (p *fakeProc) Wait() (int, error) {
	<-p.exitCh
	return p.exitCode, nil
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.termCalled = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(0)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killCalled = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exitCh)
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	table *fakeTable
	err   error
}

func (l *fakeLauncher) Launch(LaunchSpec) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProc()
	l.procs = append(l.procs, p)
	l.table.setPresent(true)
	return p, nil
}

func testConfig(t *testing.T) config.OBSConfig {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "obs64.exe")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return config.OBSConfig{
		ExecutablePath:   exe,
		ProcessName:      "obs64.exe",
		Profile:          "capsule",
		Collection:       "capsule",
		Host:             "127.0.0.1",
		Port:             4455,
		StartSettleDelay: 10 * time.Millisecond,
		StopGracePeriod:  50 * time.Millisecond,
	}
}

func newSupervisor(t *testing.T, cfg config.OBSConfig) (*Supervisor, *fakeTable, *fakeLauncher, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(func() { b.Close() })
	table := &fakeTable{}
	launcher := &fakeLauncher{table: table}
	s := New(cfg, b, scheduler.New(nil), table, launcher)
	return s, table, launcher, b
}

func TestSupervisor_StartStop(t *testing.T) {
	s, table, launcher, _ := newSupervisor(t, testConfig(t))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running state")
	}
	if table.killed == 0 {
		t.Error("stray-instance sweep not performed before launch")
	}

	// Start while running is a no-op, not an error.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if len(launcher.procs) != 1 {
		t.Fatalf("launched %d procs, want 1", len(launcher.procs))
	}

	table.setPresent(false)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("still running after stop")
	}
	if !launcher.procs[0].termCalled {
		t.Error("graceful terminate not attempted")
	}
	if launcher.procs[0].killCalled {
		t.Error("kill escalation despite graceful exit")
	}
}

func TestSupervisor_StartMissingExecutable(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExecutablePath = filepath.Join(t.TempDir(), "nope.exe")
	s, _, _, b := newSupervisor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh, err := b.Subscribe(ctx, bus.TopicError)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("Start err = %v, want ErrExecutableNotFound", err)
	}

	select {
	case msg := <-errCh:
		var ev events.ErrorEvent
		if err := bus.Decode(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Code != events.ErrCodeExecutableNotFound {
			t.Errorf("error code = %q", ev.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event published")
	}
}

func TestSupervisor_StartSettleFailure(t *testing.T) {
	s, table, launcher, _ := newSupervisor(t, testConfig(t))

	// Launch succeeds but the process dies during settle: the launcher flips
	// a throwaway table while the supervisor keeps polling the real one.
	launcher.table = &fakeTable{}
	table.setPresent(false)

	if err := s.Start(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Start err = %v, want ErrStartFailed", err)
	}
	if s.Running() {
		t.Error("running after failed settle")
	}
}

func TestSupervisor_UnexpectedExitPublished(t *testing.T) {
	s, _, launcher, b := newSupervisor(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exitCh, err := b.Subscribe(ctx, bus.TopicUnexpectedExit)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Simulate a crash with exit code 1.
	launcher.procs[0].exitCode = 1
	launcher.procs[0].exit(1)

	select {
	case msg := <-exitCh:
		var ev events.UnexpectedExit
		if err := bus.Decode(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.ExitCode != 1 {
			t.Errorf("exit code = %d, want 1", ev.ExitCode)
		}
		if ev.PID != 4242 {
			t.Errorf("pid = %d", ev.PID)
		}
	case <-time.After(time.Second):
		t.Fatal("no unexpected-exit event")
	}
}

func TestSupervisor_RequestedStopIsSilent(t *testing.T) {
	s, _, _, b := newSupervisor(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exitCh, err := b.Subscribe(ctx, bus.TopicUnexpectedExit)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-exitCh:
		t.Error("requested shutdown produced an unexpected-exit event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	s, _, launcher, _ := newSupervisor(t, testConfig(t))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	launcher.procs[0].ignoreTerm = true

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !launcher.procs[0].killCalled {
		t.Error("kill not escalated after grace period")
	}
}

func TestSupervisor_CheckStatusDetectsVanishedProcess(t *testing.T) {
	s, table, _, _ := newSupervisor(t, testConfig(t))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	table.setPresent(false)
	state, err := s.CheckStatus()
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if state != events.ProcessStopped {
		t.Errorf("state = %v, want stopped", state)
	}
}

func TestSupervisor_UnhandledCommand(t *testing.T) {
	s, _, _, _ := newSupervisor(t, testConfig(t))

	err := s.HandleCommand(context.Background(), foreignCommand{})
	if !errors.Is(err, manager.ErrUnhandledCommand) {
		t.Errorf("err = %v, want ErrUnhandledCommand", err)
	}
}

type foreignCommand struct{}

func (foreignCommand) CommandName() string { return "connect" }
