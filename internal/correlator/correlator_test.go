// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlator

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
	"github.com/capsulerec/capsule/internal/scheduler"
	"github.com/goccy/go-json"
)

type fakeEngine struct {
	mu           sync.Mutex
	running      bool
	startCalls   int
	stopCalls    int
	restartCalls int
	checkState   events.ProcessState
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCalls++
	e.running = true
	e.checkState = events.ProcessRunning
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopCalls++
	e.running = false
	e.checkState = events.ProcessStopped
	return nil
}

func (e *fakeEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	e.restartCalls++
	e.mu.Unlock()
	return e.Start(ctx)
}

func (e *fakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) CheckStatus() (events.ProcessState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkState == "" {
		return events.ProcessStopped, nil
	}
	return e.checkState, nil
}

func (e *fakeEngine) starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalls
}

func (e *fakeEngine) setCheckState(s events.ProcessState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkState = s
	e.running = s == events.ProcessRunning
}

type fakeRPC struct {
	mu         sync.Mutex
	connected  bool
	recStarts  int
	recStops   int
	recSplits  int
	reconnects int
	statsPolls int
}

func (r *fakeRPC) Connect(context.Context) error { return nil }
func (r *fakeRPC) Disconnect() error             { return nil }

func (r *fakeRPC) ForceReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
}

func (r *fakeRPC) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRPC) StartRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recStarts++
	return nil
}

func (r *fakeRPC) StopRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recStops++
	return nil
}

func (r *fakeRPC) SplitRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recSplits++
	return nil
}

func (r *fakeRPC) RecordingStats(context.Context) (events.RecordingStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsPolls++
	return events.RecordingStats{}, nil
}

func (r *fakeRPC) statsCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsPolls
}

func (r *fakeRPC) recordingStarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recStarts
}

func (r *fakeRPC) splits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recSplits
}

func testCorrelatorConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{}
	cfg.OBS.AutoRestart = true
	cfg.Recording.OutputDir = t.TempDir()
	return cfg
}

func newCorrelator(t *testing.T, cfg config.Config) (*Correlator, *bus.Bus, *scheduler.FakeClock, *fakeEngine, *fakeRPC) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(func() { b.Close() })
	clk := scheduler.NewFakeClock(time.Unix(1_700_000_000, 0))
	engine := &fakeEngine{}
	rpc := &fakeRPC{}
	c := New(cfg, b, scheduler.New(clk), engine, rpc)
	return c, b, clk, engine, rpc
}

func domainEvent(name string) events.DomainEvent {
	return events.DomainEvent{
		Category: "combat",
		Type:     "game",
		Subtype:  "actor_kill",
		Name:     name,
		Severity: events.SeverityHigh,
	}
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

func readDocument(t *testing.T, path string) events.SessionDocument {
	t.Helper()
	var doc events.SessionDocument
	waitFor(t, "metadata file "+path, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

// Full session timeline: start, three events at +2/+5/+9, stop at +12.
func TestCorrelator_SessionTimeline(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "a.mkv")
	c, _, clk, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	c.openSession(video)
	clk.Advance(2 * time.Second)
	c.captureEvent(domainEvent("kill one"))
	clk.Advance(3 * time.Second)
	c.captureEvent(domainEvent("kill two"))
	clk.Advance(4 * time.Second)
	c.captureEvent(domainEvent("kill three"))
	clk.Advance(3 * time.Second)
	c.closeSession()

	doc := readDocument(t, filepath.Join(dir, "a.json"))
	if doc.Metadata.EventCount != 5 {
		t.Fatalf("eventCount = %d, want 5", doc.Metadata.EventCount)
	}
	if doc.Metadata.RecordingDuration != 12 {
		t.Errorf("duration = %v, want 12", doc.Metadata.RecordingDuration)
	}

	wantOffsets := []float64{0, 2, 5, 9, 12}
	wantTypes := []string{events.TypeRecordingStart, "game", "game", "game", events.TypeRecordingStop}
	for i, ev := range doc.Events {
		if ev.VideoOffset != wantOffsets[i] {
			t.Errorf("event %d offset = %v, want %v", i, ev.VideoOffset, wantOffsets[i])
		}
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, wantTypes[i])
		}
	}
	if doc.Events[1].VideoTimecode != "00:00:02.000" {
		t.Errorf("timecode = %q", doc.Events[1].VideoTimecode)
	}
	if got := doc.Metadata.Categories["combat"].Count; got != 3 {
		t.Errorf("combat count = %d, want 3", got)
	}
}

// Split seals the old session with a trailing split marker and seeds the new
// one with a split marker referencing the previous file.
func TestCorrelator_SplitMarkerAsymmetry(t *testing.T) {
	dir := t.TempDir()
	c, _, clk, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	c.openSession(filepath.Join(dir, "b.mkv"))
	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		c.captureEvent(domainEvent("evt"))
	}
	clk.Advance(time.Second)
	c.splitSession(filepath.Join(dir, "c.mkv"))

	oldDoc := readDocument(t, filepath.Join(dir, "b.json"))
	// start + 4 events + split marker
	if oldDoc.Metadata.EventCount != 6 {
		t.Fatalf("old eventCount = %d, want 6", oldDoc.Metadata.EventCount)
	}
	last := oldDoc.Events[len(oldDoc.Events)-1]
	if last.Type != events.TypeRecordingSplit {
		t.Errorf("old session last event = %q, want split marker", last.Type)
	}
	if last.VideoOffset != 5 {
		t.Errorf("split marker offset = %v, want 5", last.VideoOffset)
	}

	// New session carries the back-reference and a fresh timeline.
	c.mu.Lock()
	next := c.session
	c.mu.Unlock()
	if next == nil || len(next.Events) != 1 {
		t.Fatalf("new session events = %+v", next)
	}
	if next.Events[0].Type != events.TypeRecordingSplit {
		t.Errorf("new session first event = %q", next.Events[0].Type)
	}
	if got := next.Events[0].Data["previousPath"]; got != filepath.Join(dir, "b.mkv") {
		t.Errorf("previousPath = %v", got)
	}
	if next.Events[0].VideoOffset != 0 {
		t.Errorf("new session marker offset = %v, want 0", next.Events[0].VideoOffset)
	}
}

func TestCorrelator_DuplicateNotificationsAreNoOps(t *testing.T) {
	dir := t.TempDir()
	c, _, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	video := filepath.Join(dir, "a.mkv")
	c.openSession(video)
	c.mu.Lock()
	first := c.session
	c.mu.Unlock()

	c.openSession(video) // duplicate active notification
	c.mu.Lock()
	second := c.session
	c.mu.Unlock()
	if first != second {
		t.Error("duplicate open replaced the session")
	}

	c.closeSession()
	c.closeSession() // duplicate stop notification
	waitFor(t, "metadata file", func() bool {
		_, err := os.Stat(filepath.Join(dir, "a.json"))
		return err == nil
	})
}

func TestCorrelator_EventsWithoutSessionNotPersisted(t *testing.T) {
	c, b, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	capturedCh, err := b.Subscribe(ctx, bus.TopicCaptured)
	if err != nil {
		t.Fatal(err)
	}

	c.captureEvent(domainEvent("outside session"))

	// Forwarded for live display.
	select {
	case msg := <-capturedCh:
		var ev events.CapturedEvent
		if err := bus.Decode(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.VideoOffset != 0 {
			t.Errorf("offset = %v, want 0 without session", ev.VideoOffset)
		}
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}

	if got := len(c.Snapshot().RecentEvents); got != 1 {
		t.Errorf("recent events = %d, want 1", got)
	}
}

func TestCorrelator_ManualEventRequiresSession(t *testing.T) {
	dir := t.TempDir()
	c, _, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	if err := c.ManualEvent(domainEvent("manual")); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("err = %v, want ErrNoOpenSession", err)
	}

	c.openSession(filepath.Join(dir, "a.mkv"))
	if err := c.ManualEvent(domainEvent("manual")); err != nil {
		t.Fatalf("ManualEvent: %v", err)
	}
	c.mu.Lock()
	n := len(c.session.Events)
	c.mu.Unlock()
	if n != 2 { // start marker + manual event
		t.Errorf("session events = %d, want 2", n)
	}
}

func TestCorrelator_RecentEventsWindowBounded(t *testing.T) {
	c, _, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	for i := 0; i < recentEventLimit+20; i++ {
		c.captureEvent(domainEvent("evt"))
	}
	if got := len(c.Snapshot().RecentEvents); got != recentEventLimit {
		t.Errorf("recent events = %d, want %d", got, recentEventLimit)
	}
}

func TestCorrelator_AutoStartOncePerEnablement(t *testing.T) {
	cfg := testCorrelatorConfig(t)
	cfg.Recording.AutoStart = true
	c, _, _, _, rpc := newCorrelator(t, cfg)

	ready := func(s *State) {
		s.Engine.Process = events.ProcessRunning
		s.Engine.Connection = events.ConnConnected
		s.Game.Running = true
	}
	c.store.update(c.sched.Now(), ready)

	c.maybeAutoStart()
	waitFor(t, "auto-start", func() bool { return rpc.recordingStarts() == 1 })

	// The trigger is spent; further condition checks do nothing.
	c.maybeAutoStart()
	time.Sleep(20 * time.Millisecond)
	if rpc.recordingStarts() != 1 {
		t.Fatalf("recording starts = %d, want 1", rpc.recordingStarts())
	}

	// Disable and re-enable re-arms exactly one trigger.
	c.SetAutoStart(false)
	c.SetAutoStart(true)
	waitFor(t, "re-armed auto-start", func() bool { return rpc.recordingStarts() == 2 })
}

func TestCorrelator_CrashRecoveryRestartsEngine(t *testing.T) {
	c, b, clk, engine, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := b.Publish(bus.TopicUnexpectedExit, events.UnexpectedExit{PID: 4242, ExitCode: 1}); err != nil {
		t.Fatal(err)
	}

	// First attempt is scheduled within 2s.
	waitFor(t, "restart scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.restartTask != nil
	})
	clk.Advance(2 * time.Second)
	waitFor(t, "engine restarted", func() bool { return engine.starts() == 1 })
	if got := c.Snapshot().RestartAttempts; got != 1 {
		t.Errorf("restart attempts = %d, want 1", got)
	}
}

func TestCorrelator_RestartBudgetEscalates(t *testing.T) {
	c, b, clk, engine, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh, err := b.Subscribe(ctx, bus.TopicError)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxRestartAttempts; i++ {
		c.requestRestart("test crash")
		clk.Advance(maxRestartDelay)
	}
	if engine.starts() != maxRestartAttempts {
		t.Fatalf("engine starts = %d, want %d", engine.starts(), maxRestartAttempts)
	}

	// Budget exhausted inside the window.
	c.requestRestart("test crash")
	waitFor(t, "manual intervention", func() bool { return c.Snapshot().ManualIntervention })

	select {
	case msg := <-errCh:
		var ev events.ErrorEvent
		if err := bus.Decode(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Code != events.ErrCodeManualIntervention {
			t.Errorf("error code = %q", ev.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("no manual-intervention error event")
	}
}

func TestCorrelator_RecoveryClearsOnRunning(t *testing.T) {
	c, b, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	c.store.update(c.sched.Now(), func(s *State) {
		s.ManualIntervention = true
		s.RestartAttempts = 3
	})
	for i := 0; i < maxRestartAttempts; i++ {
		c.limiter.Allow(c.sched.Now())
	}

	if err := b.Publish(bus.TopicEngineProcess, events.ProcessStateChange{
		State: events.ProcessRunning, PID: 4242,
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "state cleared", func() bool {
		snap := c.Snapshot()
		return !snap.ManualIntervention && snap.RestartAttempts == 0
	})
	if c.limiter.Attempts(c.sched.Now()) != 0 {
		t.Error("limiter not reset on recovery")
	}
}

func TestCorrelator_HealthCheckDetectsSilentTermination(t *testing.T) {
	c, _, clk, engine, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// The correlator believes the engine is running; the table disagrees.
	c.store.update(c.sched.Now(), func(s *State) { s.Engine.Process = events.ProcessRunning })
	engine.setCheckState(events.ProcessStopped)

	clk.Advance(healthCheckInterval)
	waitFor(t, "restart scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.restartTask != nil
	})
}

func TestCorrelator_HealthCheckForcesWedgedReconnect(t *testing.T) {
	c, _, clk, engine, rpc := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	engine.setCheckState(events.ProcessRunning)
	c.store.update(c.sched.Now(), func(s *State) { s.Engine.Process = events.ProcessRunning })
	c.mu.Lock()
	c.disconnectedSince = c.sched.Now()
	c.mu.Unlock()

	// First check at 30s: only 30s disconnected, no action yet.
	clk.Advance(healthCheckInterval)
	if rpc.reconnects != 0 {
		t.Fatal("forced reconnect too early")
	}
	// Second check at 60s+: past the threshold.
	clk.Advance(healthCheckInterval + time.Second)
	waitFor(t, "forced reconnect", func() bool {
		rpc.mu.Lock()
		defer rpc.mu.Unlock()
		return rpc.reconnects == 1
	})
}

func TestCorrelator_SaveFailureRetriesThenSurfaces(t *testing.T) {
	cfg := testCorrelatorConfig(t)
	c, b, clk, _, _ := newCorrelator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	savedCh, err := b.Subscribe(ctx, bus.TopicEventsSaved)
	if err != nil {
		t.Fatal(err)
	}

	// A video path in a directory that does not exist makes every write fail.
	c.openSession(filepath.Join(t.TempDir(), "missing", "a.mkv"))
	c.closeSession()

	// First attempt fails and schedules the bounded retry.
	waitFor(t, "retry scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.saveTask != nil
	})
	clk.Advance(saveRetryDelay)

	select {
	case msg := <-savedCh:
		var saved events.EventsSaved
		if err := bus.Decode(msg, &saved); err != nil {
			t.Fatal(err)
		}
		if saved.OK {
			t.Error("save reported ok despite unwritable path")
		}
		if saved.EventCount != 2 {
			t.Errorf("eventCount = %d, want 2", saved.EventCount)
		}
	case <-time.After(time.Second):
		t.Fatal("no events-saved failure emitted")
	}

	// The session is retained for a manual re-save.
	c.mu.Lock()
	kept := c.lastFailed
	c.mu.Unlock()
	if kept == nil {
		t.Fatal("failed session not retained")
	}
}

// A split arriving while a failed save waits for its retry must not drop the
// just-sealed session: it queues behind the in-flight write and is written
// once the writer slot frees up.
func TestCorrelator_SplitDuringRetryWindowQueuesSeal(t *testing.T) {
	cfg := testCorrelatorConfig(t)
	c, b, clk, _, _ := newCorrelator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	savedCh, err := b.Subscribe(ctx, bus.TopicEventsSaved)
	if err != nil {
		t.Fatal(err)
	}

	// The first file sits in a directory that does not exist, so its seal
	// fails and holds the writer slot through the retry window.
	bad := filepath.Join(cfg.Recording.OutputDir, "missing", "a.mkv")
	second := filepath.Join(cfg.Recording.OutputDir, "b.mkv")
	third := filepath.Join(cfg.Recording.OutputDir, "c.mkv")

	c.openSession(bad)
	c.splitSession(second)
	waitFor(t, "retry scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.saveTask != nil
	})

	// Rotating again inside the retry window seals the second session.
	c.splitSession(third)

	clk.Advance(saveRetryDelay)

	// Two terminal outcomes: the unwritable session fails, the queued one
	// is written. Completion order is not deterministic.
	outcomes := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-savedCh:
			var saved events.EventsSaved
			if err := bus.Decode(msg, &saved); err != nil {
				t.Fatal(err)
			}
			outcomes[saved.Path] = saved.OK
		case <-time.After(time.Second):
			t.Fatal("missing events-saved outcome")
		}
	}
	if ok, seen := outcomes[filepath.Join(cfg.Recording.OutputDir, "missing", "a.json")]; !seen || ok {
		t.Errorf("unwritable session outcome = (%v, %v), want reported failure", ok, seen)
	}
	if ok := outcomes[filepath.Join(cfg.Recording.OutputDir, "b.json")]; !ok {
		t.Error("queued session not reported saved")
	}

	doc := readDocument(t, filepath.Join(cfg.Recording.OutputDir, "b.json"))
	if doc.Metadata.EventCount != 2 {
		t.Fatalf("queued session eventCount = %d, want 2", doc.Metadata.EventCount)
	}
	for i, ev := range doc.Events {
		if ev.Type != events.TypeRecordingSplit {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, events.TypeRecordingSplit)
		}
	}

	// The unwritable session stays retained for a manual re-save; the later
	// success must not clear someone else's failure.
	c.mu.Lock()
	kept := c.lastFailed
	c.mu.Unlock()
	if kept == nil || kept.OutputPath != bad {
		t.Error("failed session not retained after a later successful save")
	}
}

// Shutdown seals the open session through the same writer guard, so it
// cannot displace a save that is mid-retry.
func TestCorrelator_ShutdownQueuesSealBehindInflightSave(t *testing.T) {
	cfg := testCorrelatorConfig(t)
	c, _, _, _, _ := newCorrelator(t, cfg)

	bad := filepath.Join(cfg.Recording.OutputDir, "missing", "a.mkv")
	c.openSession(bad)
	c.closeSession()
	waitFor(t, "retry scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.saveTask != nil
	})

	second := filepath.Join(cfg.Recording.OutputDir, "b.mkv")
	c.openSession(second)
	c.Shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil || c.inflight.OutputPath != bad {
		t.Error("in-flight save displaced by the shutdown seal")
	}
	if len(c.pending) != 1 || c.pending[0].OutputPath != second {
		t.Fatalf("shutdown seal not queued behind the in-flight save")
	}
}

func TestCorrelator_SplitTimerRotatesShadowPlay(t *testing.T) {
	cfg := testCorrelatorConfig(t)
	cfg.Recording.ShadowPlay = true
	cfg.Recording.SplitDuration = 5 * time.Minute
	c, _, clk, _, rpc := newCorrelator(t, cfg)

	c.openSession(filepath.Join(cfg.Recording.OutputDir, "a.mkv"))
	clk.Advance(5 * time.Minute)
	waitFor(t, "scheduled split", func() bool { return rpc.splits() == 1 })

	// Closing the session disarms the timer.
	c.closeSession()
	clk.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if rpc.splits() != 1 {
		t.Errorf("splits = %d after close, want 1", rpc.splits())
	}
}

func TestCorrelator_BusDrivenSessionLifecycle(t *testing.T) {
	dir := t.TempDir()
	c, b, _, _, _ := newCorrelator(t, testCorrelatorConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	video := filepath.Join(dir, "bus.mkv")
	if err := b.Publish(bus.TopicRecordingStatus, events.RecordingStatus{
		Active: true, OutputPath: video,
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session open", func() bool { return c.Snapshot().SessionOpen })

	if err := b.Publish(bus.TopicRecordingStatus, events.RecordingStatus{Active: false}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session closed", func() bool { return !c.Snapshot().SessionOpen })

	doc := readDocument(t, filepath.Join(dir, "bus.json"))
	if doc.Metadata.EventCount != 2 {
		t.Errorf("eventCount = %d, want start+stop", doc.Metadata.EventCount)
	}
}

func TestCorrelator_StatsPolledWhileSessionOpen(t *testing.T) {
	dir := t.TempDir()
	c, _, clk, _, rpc := newCorrelator(t, testCorrelatorConfig(t))

	c.openSession(filepath.Join(dir, "stats.mkv"))
	clk.Advance(15 * time.Second)
	if got := rpc.statsCalls(); got != 3 {
		t.Errorf("stats polls while open = %d, want 3", got)
	}

	c.closeSession()
	before := rpc.statsCalls()
	clk.Advance(30 * time.Second)
	if got := rpc.statsCalls(); got != before {
		t.Errorf("stats polled after close: %d -> %d", before, got)
	}
}
