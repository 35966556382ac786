// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package gamewatch

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
	"github.com/capsulerec/capsule/internal/engineproc"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/scheduler"
)

type fakeTable struct {
	mu   sync.Mutex
	pids []int32
}

func (t *fakeTable) FindByName(string) ([]engineproc.ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]engineproc.ProcessInfo, 0, len(t.pids))
	for _, pid := range t.pids {
		out = append(out, engineproc.ProcessInfo{PID: pid, Name: "StarCitizen.exe"})
	}
	return out, nil
}

func (t *fakeTable) PIDExists(pid int32) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pids {
		if p == pid {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTable) KillByName(string) (int, error) { return 0, nil }

func (t *fakeTable) setPIDs(pids ...int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids = pids
}

// writeVariantLog creates <install>/<variant>/Game.log.
func writeVariantLog(t *testing.T, install string, variant events.BuildVariant) string {
	t.Helper()
	dir := filepath.Join(install, string(variant))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "Game.log")
	if err := os.WriteFile(path, []byte("<boot>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newMonitor(t *testing.T, install string, table *fakeTable) (*Monitor, *bus.Bus, *scheduler.FakeClock) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(func() { b.Close() })
	clk := scheduler.NewFakeClock(time.Unix(1_700_000_000, 0))
	cfg := config.GameConfig{
		InstallPath:  install,
		ProcessName:  "StarCitizen.exe",
		LogFilename:  "Game.log",
		PollInterval: 5 * time.Second,
	}
	m := New(cfg, b, scheduler.New(clk), table)
	return m, b, clk
}

func initMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown() })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMonitor_DetectsGameWithCandidates(t *testing.T) {
	install := t.TempDir()
	livePath := writeVariantLog(t, install, events.VariantLive)
	writeVariantLog(t, install, events.VariantPTU)

	table := &fakeTable{}
	table.setPIDs(7777)
	m, b, _ := newMonitor(t, install, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statusCh, err := b.Subscribe(ctx, bus.TopicGameStatus)
	if err != nil {
		t.Fatal(err)
	}

	initMonitor(t, m)

	inst := m.Instance()
	if inst == nil {
		t.Fatal("no instance after immediate poll")
	}
	if inst.Variant != events.VariantWaiting {
		t.Errorf("variant = %v, want WAITING", inst.Variant)
	}
	if inst.PID != 7777 {
		t.Errorf("pid = %d", inst.PID)
	}

	select {
	case msg := <-statusCh:
		var status events.GameStatus
		if err := bus.Decode(msg, &status); err != nil {
			t.Fatal(err)
		}
		if !status.Running {
			t.Error("status not running")
		}
		if len(status.Candidates) != 2 {
			t.Fatalf("candidates = %d, want 2", len(status.Candidates))
		}
		// Scan order puts LIVE first.
		if status.Candidates[0].Variant != events.VariantLive ||
			status.Candidates[0].Path != livePath {
			t.Errorf("first candidate = %+v", status.Candidates[0])
		}
	case <-time.After(time.Second):
		t.Fatal("no game status published")
	}
}

func TestMonitor_NoCandidatesMeansUnknown(t *testing.T) {
	table := &fakeTable{}
	table.setPIDs(7777)
	m, _, _ := newMonitor(t, t.TempDir(), table)
	initMonitor(t, m)

	inst := m.Instance()
	if inst == nil || inst.Variant != events.VariantUnknown {
		t.Fatalf("instance = %+v, want UNKNOWN", inst)
	}
}

func TestMonitor_ClearsOnProcessExit(t *testing.T) {
	install := t.TempDir()
	writeVariantLog(t, install, events.VariantLive)
	table := &fakeTable{}
	table.setPIDs(7777)
	m, b, clk := newMonitor(t, install, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statusCh, err := b.Subscribe(ctx, bus.TopicGameStatus)
	if err != nil {
		t.Fatal(err)
	}

	initMonitor(t, m)
	<-statusCh // detection

	table.setPIDs()
	clk.Advance(5 * time.Second)

	if m.Running() {
		t.Error("still running after process exit")
	}
	select {
	case msg := <-statusCh:
		var status events.GameStatus
		if err := bus.Decode(msg, &status); err != nil {
			t.Fatal(err)
		}
		if status.Running || status.Instance != nil {
			t.Errorf("status = %+v, want not running", status)
		}
	case <-time.After(time.Second):
		t.Fatal("no cleared status published")
	}
}

func TestMonitor_RaceWinnerResolvesWaiting(t *testing.T) {
	install := t.TempDir()
	ptuPath := writeVariantLog(t, install, events.VariantPTU)
	table := &fakeTable{}
	table.setPIDs(7777)
	m, b, _ := newMonitor(t, install, table)
	initMonitor(t, m)

	if err := b.Publish(bus.TopicInstanceDetected, events.InstanceDetected{
		Variant: events.VariantPTU,
		LogPath: ptuPath,
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "instance resolution", func() bool {
		inst := m.Instance()
		return inst != nil && inst.Variant == events.VariantPTU
	})
	if got := m.Instance().LogPath; got != ptuPath {
		t.Errorf("log path = %q, want %q", got, ptuPath)
	}
}

func TestMonitor_ResolutionIgnoredWhenNotWaiting(t *testing.T) {
	table := &fakeTable{} // game not running
	m, b, _ := newMonitor(t, t.TempDir(), table)
	initMonitor(t, m)

	if err := b.Publish(bus.TopicInstanceDetected, events.InstanceDetected{
		Variant: events.VariantPTU,
		LogPath: "stale",
	}); err != nil {
		t.Fatal(err)
	}

	// Give the subscription a moment; the instance must stay nil.
	time.Sleep(50 * time.Millisecond)
	if m.Instance() != nil {
		t.Error("stale race winner created an instance")
	}
}

func TestMonitor_RestartRescans(t *testing.T) {
	install := t.TempDir()
	writeVariantLog(t, install, events.VariantLive)
	table := &fakeTable{}
	table.setPIDs(7777)
	m, _, clk := newMonitor(t, install, table)
	initMonitor(t, m)

	table.setPIDs(8888)
	clk.Advance(5 * time.Second)

	inst := m.Instance()
	if inst == nil || inst.PID != 8888 {
		t.Fatalf("instance = %+v, want pid 8888", inst)
	}
	if inst.Variant != events.VariantWaiting {
		t.Errorf("variant = %v, want WAITING after rescan", inst.Variant)
	}
}

func TestMonitor_InstanceDetectedCommand(t *testing.T) {
	install := t.TempDir()
	livePath := writeVariantLog(t, install, events.VariantLive)
	table := &fakeTable{}
	table.setPIDs(7777)
	m, _, _ := newMonitor(t, install, table)
	initMonitor(t, m)

	err := m.HandleCommand(context.Background(), InstanceDetectedCommand{
		Variant: events.VariantLive,
		LogPath: livePath,
	})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	inst := m.Instance()
	if inst == nil || inst.Variant != events.VariantLive || inst.LogPath != livePath {
		t.Errorf("instance = %+v", inst)
	}
}

func TestMonitor_UnhandledCommand(t *testing.T) {
	m, _, _ := newMonitor(t, t.TempDir(), &fakeTable{})

	err := m.HandleCommand(context.Background(), badCommand{})
	if !errors.Is(err, manager.ErrUnhandledCommand) {
		t.Errorf("err = %v, want ErrUnhandledCommand", err)
	}
}

type badCommand struct{}

func (badCommand) CommandName() string { return "start" }
