package controller

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/health"
	"NodeController/internal/journal"
	"NodeController/internal/registry"
	"NodeController/internal/relay"
	"NodeController/internal/supervisor"
)

type fakeProcess struct {
	pid    int
	exitCh chan supervisor.ExitStatus
	once   sync.Once

	mu       sync.Mutex
	termExit *supervisor.ExitStatus
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exitCh: make(chan supervisor.ExitStatus, 1)}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() supervisor.ExitStatus { return <-p.exitCh }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	term := p.termExit
	p.mu.Unlock()
	if sig == syscall.SIGTERM && term != nil {
		p.exit(*term)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(supervisor.ExitStatus{Code: -1, Signal: "killed", Signaled: true})
	return nil
}

func (p *fakeProcess) exitOnTerm() {
	p.mu.Lock()
	p.termExit = &supervisor.ExitStatus{Code: -1, Signal: "terminated", Signaled: true}
	p.mu.Unlock()
}

func (p *fakeProcess) exit(status supervisor.ExitStatus) {
	p.once.Do(func() { p.exitCh <- status })
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	count int
}

func (l *fakeLauncher) Launch(ctx context.Context, spec registry.PluginSpec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	proc := newFakeProcess(2000 + l.count)
	l.procs = append(l.procs, proc)
	return proc, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *fakeLauncher) proc(n int) *fakeProcess {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.procs) > n {
			proc := l.procs[n]
			l.mu.Unlock()
			return proc
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

const testCatalog = `
plugins:
  env-sensor:
    version: "1.0.0"
    enabled: true
    command: ["/opt/plugins/env-sensor"]
  cam-snap:
    version: "2.0.0"
    enabled: true
    command: ["/opt/plugins/cam-snap"]
  parked:
    enabled: false
    command: ["/opt/plugins/parked"]
`

type harness struct {
	ctrl     *Controller
	sup      *supervisor.Supervisor
	mon      *health.Monitor
	rel      *relay.Relay
	store    *journal.MemoryStore
	launcher *fakeLauncher
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	launcher := &fakeLauncher{}
	sup := supervisor.New(supervisor.Config{
		MaxRestarts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		StopGrace:   50 * time.Millisecond,
	}, supervisor.WithLauncher(launcher))

	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	mon := health.New(10*time.Second, 3, health.WithClock(clock.Now))
	rel := relay.New(10)
	store, err := journal.NewMemoryStore("", 100)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}

	ctrl := New(reg, sup, mon, rel, store)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = sup.Shutdown(shutdownCtx)
	})

	return &harness{ctrl: ctrl, sup: sup, mon: mon, rel: rel, store: store, launcher: launcher, clock: clock}
}

func (h *harness) apply(t *testing.T, cmd Command) Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := h.ctrl.Apply(ctx, cmd)
	if err != nil {
		t.Fatalf("Apply(%s %s): %v", cmd.Action, cmd.Plugin, err)
	}
	return ack
}

func (h *harness) pluginStatus(t *testing.T, name string) PluginStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, p := range state.Plugins {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("plugin %s missing from snapshot", name)
	return PluginStatus{}
}

func (h *harness) waitState(t *testing.T, name string, want supervisor.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last PluginStatus
	for time.Now().Before(deadline) {
		last = h.pluginStatus(t, name)
		if last.Instance != nil && last.Instance.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("plugin %s never reached %s (last: %+v)", name, want, last.Instance)
}

// waitReplacement blocks until the plugin is running under an instance other
// than oldID. A restart stops the old instance off-loop, so waiting for
// StateRunning alone can observe the pre-restart instance.
func (h *harness) waitReplacement(t *testing.T, name string, oldID supervisor.InstanceID) PluginStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last PluginStatus
	for time.Now().Before(deadline) {
		last = h.pluginStatus(t, name)
		if last.Instance != nil && last.Instance.ID != oldID && last.Instance.State == supervisor.StateRunning {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("plugin %s never replaced instance %s (last: %+v)", name, oldID, last.Instance)
	return PluginStatus{}
}

func TestStartCommand(t *testing.T) {
	h := newHarness(t)

	ack := h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	if ack.State != supervisor.StateRunning {
		t.Fatalf("ack state = %s, want running", ack.State)
	}
	h.waitState(t, "env-sensor", supervisor.StateRunning)

	status := h.pluginStatus(t, "env-sensor")
	if status.Health == nil || status.Health.Status != health.StatusHealthy {
		t.Fatalf("health = %+v, want healthy record", status.Health)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.ctrl.Apply(ctx, Command{Plugin: "env-sensor", Action: ActionStart})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidStateTransition {
		t.Fatalf("err = %v, want INVALID_STATE_TRANSITION", err)
	}
}

func TestUnknownPluginRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.ctrl.Apply(ctx, Command{Plugin: "ghost", Action: ActionStart})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// Stopping a plugin that is not running acknowledges success instead of
// erroring, so coordinator retries are harmless.
func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)

	ack := h.apply(t, Command{Plugin: "env-sensor", Action: ActionStop})
	if ack.State != supervisor.StateStopped || ack.Reason != "already stopped" {
		t.Fatalf("ack = %+v", ack)
	}

	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.launcher.proc(0).exitOnTerm()
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStop})
	h.waitState(t, "env-sensor", supervisor.StateStopped)

	// And again, now that it is already down.
	ack = h.apply(t, Command{Plugin: "env-sensor", Action: ActionStop})
	if ack.Reason != "already stopped" {
		t.Fatalf("second stop ack = %+v", ack)
	}
}

func TestRestartReplacesInstance(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)
	firstID := h.pluginStatus(t, "env-sensor").Instance.ID
	h.launcher.proc(0).exitOnTerm()

	ack := h.apply(t, Command{Plugin: "env-sensor", Action: ActionRestart})
	if ack.Reason != "restart initiated" {
		t.Fatalf("ack = %+v", ack)
	}

	status := h.waitReplacement(t, "env-sensor", firstID)
	if h.launcher.launches() != 2 {
		t.Fatalf("launches = %d, want 2", h.launcher.launches())
	}
	if status.Health == nil || status.Health.Status != health.StatusHealthy {
		t.Fatalf("health after restart = %+v", status.Health)
	}
}

// When commands pile up behind an in-flight action, only the newest one
// runs once the action completes.
func TestLastCommandWins(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)
	// The process ignores SIGTERM, so the restart's stop phase holds the
	// plugin busy until the 50ms grace escalation.

	ack := h.apply(t, Command{Plugin: "env-sensor", Action: ActionRestart})
	if ack.Reason != "restart initiated" {
		t.Fatalf("restart ack = %+v", ack)
	}
	ack = h.apply(t, Command{Plugin: "env-sensor", Action: ActionStop})
	if ack.Reason != "queued behind in-flight action" {
		t.Fatalf("stop ack = %+v", ack)
	}

	// The queued stop supersedes the restart's relaunch.
	h.waitState(t, "env-sensor", supervisor.StateStopped)
	time.Sleep(50 * time.Millisecond)
	if h.launcher.launches() != 1 {
		t.Fatalf("launches = %d, want 1 (restart must not fire)", h.launcher.launches())
	}
}

func TestInboundCommandFromCoordinator(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)
	h.launcher.proc(0).exitOnTerm()

	h.rel.DeliverInbound(relay.InboundCommand{Plugin: "env-sensor", Action: "stop"})
	h.waitState(t, "env-sensor", supervisor.StateStopped)
}

func TestHeartbeatRoutesToCurrentInstance(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)

	if err := h.ctrl.Heartbeat("env-sensor", time.Now()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := h.ctrl.Heartbeat("ghost", time.Now()); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("ghost heartbeat = %v, want NOT_FOUND", err)
	}
}

func TestConditionCriticalOnFailedPlugin(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)

	// Burn through the restart budget with back-to-back crashes.
	for i := 0; i < 4; i++ {
		if proc := h.launcher.proc(i); proc != nil {
			proc.exit(supervisor.ExitStatus{Code: 1})
		}
	}
	h.waitState(t, "env-sensor", supervisor.StateFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if state.Condition != ConditionCritical {
		t.Fatalf("condition = %s, want critical", state.Condition)
	}
}

func TestConditionDegradedOnDeadHealth(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)

	// Three silent intervals kill the health record while the process
	// itself keeps running.
	for i := 0; i < 3; i++ {
		h.clock.advance(11 * time.Second)
		h.mon.Evaluate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if state.Condition != ConditionDegraded {
		t.Fatalf("condition = %s, want degraded", state.Condition)
	}

	// A commanded restart replaces the instance and clears the record.
	firstID := h.pluginStatus(t, "env-sensor").Instance.ID
	h.launcher.proc(0).exitOnTerm()
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionRestart})
	status := h.waitReplacement(t, "env-sensor", firstID)
	if status.Health == nil || status.Health.Status != health.StatusHealthy {
		t.Fatalf("health after restart = %+v", status.Health)
	}
}

// A deliberate stop must also retire the plugin's health record; otherwise
// the silent record walks to dead and drags the node condition down.
func TestStopRetiresHealthRecord(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)
	h.launcher.proc(0).exitOnTerm()
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStop})
	h.waitState(t, "env-sensor", supervisor.StateStopped)

	// The record goes when the controller consumes the terminal event.
	deadline := time.Now().Add(2 * time.Second)
	for h.pluginStatus(t, "env-sensor").Health != nil {
		if time.Now().After(deadline) {
			t.Fatal("health record survived the stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Silence far past the miss limit must not touch a stopped plugin.
	for i := 0; i < 3; i++ {
		h.clock.advance(11 * time.Second)
		h.mon.Evaluate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if state.Condition != ConditionHealthy {
		t.Fatalf("condition = %s, want healthy", state.Condition)
	}
}

func TestBootstrapStartsEnabledPlugins(t *testing.T) {
	reg, err := registry.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	launcher := &fakeLauncher{}
	sup := supervisor.New(supervisor.Config{
		BackoffBase: time.Millisecond,
		StopGrace:   50 * time.Millisecond,
	}, supervisor.WithLauncher(launcher))
	mon := health.New(10*time.Second, 3)
	rel := relay.New(10)
	store, _ := journal.NewMemoryStore("", 100)
	ctrl := New(reg, sup, mon, rel, store)

	ctrl.Bootstrap(context.Background())
	if launcher.launches() != 2 {
		t.Fatalf("launches = %d, want 2 (parked is disabled)", launcher.launches())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = sup.Shutdown(shutdownCtx)
	})

	snapCtx, snapCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer snapCancel()
	state, err := ctrl.Snapshot(snapCtx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	running := 0
	for _, p := range state.Plugins {
		if p.Instance != nil && p.Instance.State == supervisor.StateRunning {
			running++
		}
		if p.Name == "parked" && p.Instance != nil {
			t.Error("disabled plugin was started")
		}
	}
	if running != 2 {
		t.Fatalf("running = %d, want 2", running)
	}
	if state.Condition != ConditionHealthy {
		t.Fatalf("condition = %s, want healthy", state.Condition)
	}
}

func TestCommandsAreJournaled(t *testing.T) {
	h := newHarness(t)
	h.apply(t, Command{Plugin: "env-sensor", Action: ActionStart})
	h.waitState(t, "env-sensor", supervisor.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := h.ctrl.RecentEvents(ctx, 10)
		if err != nil {
			t.Fatalf("RecentEvents: %v", err)
		}
		var sawCommand, sawLifecycle bool
		for _, e := range entries {
			if e.Kind == journal.KindCommand && e.Plugin == "env-sensor" {
				sawCommand = true
			}
			if e.Kind == journal.KindLifecycle && e.Plugin == "env-sensor" {
				sawLifecycle = true
			}
		}
		if sawCommand && sawLifecycle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("journal missing command or lifecycle entries")
}

func TestParseAction(t *testing.T) {
	for _, raw := range []string{"start", "stop", "restart", "reconfigure"} {
		if _, err := ParseAction(raw); err != nil {
			t.Errorf("ParseAction(%q): %v", raw, err)
		}
	}
	if _, err := ParseAction("reboot"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("ParseAction(reboot) = %v, want INVALID_ARGUMENT", err)
	}
}
