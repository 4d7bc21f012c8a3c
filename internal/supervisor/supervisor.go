// Package supervisor owns the OS-level lifecycle of plugin processes: it
// launches them, watches for exits, applies restart policies with backoff,
// and emits ordered lifecycle events for the controller.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/observability/metrics"
	"NodeController/internal/registry"
	"NodeController/pkg/logger"
)

// Config carries node-wide supervision defaults. Per-plugin spec values
// take precedence where set.
type Config struct {
	MaxRestarts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	HealthyReset time.Duration
	StopGrace    time.Duration
	DevicePoll   time.Duration
	EventBuffer  int
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.HealthyReset <= 0 {
		c.HealthyReset = 5 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.DevicePoll <= 0 {
		c.DevicePoll = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Supervisor tracks all plugin instances. The instance table is the only
// shared mutable structure; every mutation happens under the supervisor
// mutex and observers only ever see snapshots.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      *slog.Logger

	mu        sync.RWMutex
	instances map[InstanceID]*instance
	closed    bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher substitutes the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// New constructs a supervisor with the given defaults.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		launcher:  NewExecLauncher(nil),
		instances: make(map[InstanceID]*instance),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.events = make(chan Event, s.cfg.EventBuffer)
	if s.log == nil {
		s.log = logger.Named("supervisor")
	}
	return s
}

// SetLauncher replaces the process launcher. Call before the first Start;
// instances already running keep the launcher they were created with.
func (s *Supervisor) SetLauncher(l Launcher) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.launcher = l
	s.mu.Unlock()
}

// Events returns the lifecycle event stream. Events for one instance are
// strictly ordered; the stream is never closed while the supervisor runs.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start launches a new instance for spec. A spawn failure is reported as a
// LaunchError and leaves no instance behind; it never counts toward the
// restart budget. When the spec names a device that is not present, the
// instance is held in Pending and the launch retried on the poll interval.
func (s *Supervisor) Start(ctx context.Context, spec registry.PluginSpec) (InstanceID, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin %s has no command", spec.Name))
	}

	id := InstanceID(uuid.NewString())
	inst := newInstance(id, spec)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", xerrors.New(xerrors.CodeInitializationFailure, "supervisor is shut down")
	}
	s.instances[id] = inst
	s.mu.Unlock()

	if spec.Device != "" && !pathExists(spec.Device) {
		s.log.Info("device absent, holding plugin in pending",
			slog.String("plugin", spec.Name), slog.String("device", spec.Device))
		s.wg.Add(1)
		go s.waitForDevice(inst)
		return id, nil
	}

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		s.mu.Lock()
		delete(s.instances, id)
		s.mu.Unlock()
		return "", xerrors.Wrap(xerrors.CodeLaunchFailure, err, fmt.Sprintf("launch plugin %s", spec.Name))
	}
	s.begin(inst, proc)
	return id, nil
}

// begin records a fresh process on the instance, announces it, and hands
// the instance to a monitor goroutine.
func (s *Supervisor) begin(inst *instance, proc Process) {
	s.mu.Lock()
	inst.proc = proc
	inst.pid = proc.PID()
	inst.startedAt = time.Now()
	inst.state = StateRunning
	inst.lastReason = ""
	ev := inst.event(EventStarted)
	s.mu.Unlock()
	s.emit(ev)
	s.wg.Add(1)
	go s.monitor(inst)
}

// monitor blocks on process exit and drives the per-instance state machine
// until a terminal state. It is the only writer of the instance's state
// after launch, which keeps event order strict.
func (s *Supervisor) monitor(inst *instance) {
	defer s.wg.Done()
	defer close(inst.doneCh)

	for {
		s.mu.RLock()
		proc := inst.proc
		s.mu.RUnlock()

		status := proc.Wait()
		now := time.Now()

		s.mu.Lock()
		uptime := now.Sub(inst.startedAt)
		inst.proc = nil
		inst.pid = 0
		inst.lastExitCode = status.Code
		inst.lastSignal = status.Signal

		if inst.stopRequested {
			inst.state = StateStopped
			inst.lastReason = "stopped on request"
			ev := inst.event(EventKilled)
			s.mu.Unlock()
			s.emit(ev)
			return
		}

		if uptime >= s.resetAfter(inst.spec) {
			// Sustained healthy run clears accumulated restart credit.
			inst.restarts = 0
		}

		kind := EventExited
		exitState := StateExited
		if !status.Clean() {
			kind = EventCrashed
			exitState = StateCrashed
			metrics.IncPluginCrash(inst.spec.Name)
		}

		restart := false
		switch inst.spec.Restart {
		case registry.PolicyAlways:
			restart = true
		case registry.PolicyOnFailure:
			restart = !status.Clean()
		}

		if !restart {
			// Clean completion or a never policy parks the instance.
			inst.state = StateStopped
			inst.lastReason = "restart policy declined restart"
			ev := inst.event(kind)
			s.mu.Unlock()
			s.emit(ev)
			return
		}

		if inst.restarts >= s.maxRestartsFor(inst.spec) {
			inst.state = exitState
			exitEv := inst.event(kind)
			inst.state = StateFailed
			inst.lastReason = fmt.Sprintf("restart budget exhausted after %d attempts", inst.restarts)
			failEv := inst.event(EventFailed)
			s.mu.Unlock()
			s.emit(exitEv)
			s.emit(failEv)
			return
		}

		inst.restarts++
		attempt := inst.restarts
		inst.state = exitState
		exitEv := inst.event(kind)
		inst.state = StateRestarting
		restartEv := inst.event(EventRestarting)
		base, ceil := s.backoffFor(inst.spec)
		delay := backoffDelay(base, ceil, attempt)
		s.mu.Unlock()
		s.emit(exitEv)
		s.emit(restartEv)
		metrics.IncPluginRestart(inst.spec.Name)
		s.log.Warn("plugin restarting",
			slog.String("plugin", inst.spec.Name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Int("exit_code", status.Code),
			slog.String("signal", status.Signal))

		select {
		case <-inst.stopCh:
			s.finishStopped(inst)
			return
		case <-s.done:
			return
		case <-time.After(delay):
		}

		proc, err := s.launcher.Launch(context.Background(), inst.spec)
		if err != nil {
			s.mu.Lock()
			inst.state = StateFailed
			inst.lastReason = fmt.Sprintf("relaunch failed: %v", err)
			ev := inst.event(EventFailed)
			s.mu.Unlock()
			s.emit(ev)
			return
		}

		s.mu.Lock()
		if inst.stopRequested {
			// A stop raced the relaunch; tear the fresh process down so
			// exactly one final state remains.
			inst.state = StateStopped
			inst.lastReason = "stopped on request"
			ev := inst.event(EventKilled)
			s.mu.Unlock()
			_ = proc.Kill()
			s.emit(ev)
			return
		}
		inst.proc = proc
		inst.pid = proc.PID()
		inst.startedAt = time.Now()
		inst.state = StateRunning
		inst.lastReason = ""
		ev := inst.event(EventStarted)
		s.mu.Unlock()
		s.emit(ev)
	}
}

// waitForDevice polls for the spec's device path, then launches and hands
// off to the regular monitor.
func (s *Supervisor) waitForDevice(inst *instance) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DevicePoll)
	defer ticker.Stop()

	for {
		select {
		case <-inst.stopCh:
			s.finishStopped(inst)
			close(inst.doneCh)
			return
		case <-s.done:
			close(inst.doneCh)
			return
		case <-ticker.C:
		}
		if !pathExists(inst.spec.Device) {
			continue
		}

		proc, err := s.launcher.Launch(context.Background(), inst.spec)
		if err != nil {
			s.mu.Lock()
			inst.state = StateFailed
			inst.lastReason = fmt.Sprintf("launch after device wait failed: %v", err)
			ev := inst.event(EventFailed)
			s.mu.Unlock()
			s.emit(ev)
			close(inst.doneCh)
			return
		}
		s.mu.Lock()
		if inst.stopRequested {
			inst.state = StateStopped
			inst.lastReason = "stopped on request"
			ev := inst.event(EventKilled)
			s.mu.Unlock()
			_ = proc.Kill()
			s.emit(ev)
			close(inst.doneCh)
			return
		}
		inst.proc = proc
		inst.pid = proc.PID()
		inst.startedAt = time.Now()
		inst.state = StateRunning
		inst.lastReason = ""
		ev := inst.event(EventStarted)
		s.mu.Unlock()
		s.emit(ev)
		s.wg.Add(1)
		go s.monitor(inst)
		return
	}
}

func (s *Supervisor) finishStopped(inst *instance) {
	s.mu.Lock()
	inst.state = StateStopped
	inst.lastReason = "stopped on request"
	ev := inst.event(EventKilled)
	s.mu.Unlock()
	s.emit(ev)
}

// Stop requests termination of an instance: SIGTERM first, SIGKILL after
// the grace period. Stopping an already terminal instance is a no-op.
// Stop returns once the instance has reached a terminal state.
func (s *Supervisor) Stop(ctx context.Context, id InstanceID, grace time.Duration) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("instance %s not found", id))
	}
	if inst.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if grace <= 0 {
		grace = s.cfg.StopGrace
	}
	inst.requestStop(grace)
	proc := inst.proc
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-inst.doneCh:
			case <-time.After(grace):
				_ = proc.Kill()
			}
		}()
	}

	select {
	case <-inst.doneCh:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("stopping instance %s", id))
	}
}

// Signal delivers an OS signal to a running instance.
func (s *Supervisor) Signal(id InstanceID, sig os.Signal) error {
	s.mu.RLock()
	inst, ok := s.instances[id]
	var proc Process
	if ok {
		proc = inst.proc
	}
	s.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("instance %s not found", id))
	}
	if proc == nil {
		return xerrors.New(xerrors.CodeInvalidStateTransition, fmt.Sprintf("instance %s has no running process", id))
	}
	return proc.Signal(sig)
}

// Remove drops a terminal instance from the table. The caller prunes the
// matching health record at the same moment.
func (s *Supervisor) Remove(id InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("instance %s not found", id))
	}
	if !inst.state.Terminal() {
		return xerrors.New(xerrors.CodeInvalidStateTransition, fmt.Sprintf("instance %s is still %s", id, inst.state))
	}
	delete(s.instances, id)
	return nil
}

// Instance returns a point-in-time snapshot of one instance.
func (s *Supervisor) Instance(id InstanceID) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return Snapshot{}, false
	}
	return inst.snapshot(), true
}

// Instances returns snapshots of all tracked instances in stable order.
func (s *Supervisor) Instances() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Plugin != out[b].Plugin {
			return out[a].Plugin < out[b].Plugin
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Shutdown stops all instances and waits for the monitors to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if !inst.state.Terminal() {
			active = append(active, inst)
		}
	}
	s.mu.Unlock()

	for _, inst := range active {
		inst.requestStop(s.cfg.StopGrace)
		s.mu.RLock()
		proc := inst.proc
		s.mu.RUnlock()
		if proc != nil {
			_ = proc.Signal(syscall.SIGTERM)
			go func(inst *instance, proc Process) {
				select {
				case <-inst.doneCh:
				case <-time.After(s.cfg.StopGrace):
					_ = proc.Kill()
				}
			}(inst, proc)
		}
	}
	close(s.done)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// The controller has stalled; dropping here is preferable to
		// wedging a monitor, but it must be visible.
		metrics.IncEventDrop(ev.Plugin)
		s.log.Error("lifecycle event dropped",
			slog.String("plugin", ev.Plugin),
			slog.String("kind", string(ev.Kind)))
	}
}

func (s *Supervisor) maxRestartsFor(spec registry.PluginSpec) int {
	if spec.MaxRestarts > 0 {
		return spec.MaxRestarts
	}
	return s.cfg.MaxRestarts
}

func (s *Supervisor) backoffFor(spec registry.PluginSpec) (time.Duration, time.Duration) {
	if spec.Backoff != nil && spec.Backoff.BaseSeconds > 0 {
		return spec.Backoff.Base(), spec.Backoff.Cap()
	}
	return s.cfg.BackoffBase, s.cfg.BackoffCap
}

func (s *Supervisor) resetAfter(spec registry.PluginSpec) time.Duration {
	if spec.Backoff != nil && spec.Backoff.ResetSeconds > 0 {
		return spec.Backoff.Reset()
	}
	return s.cfg.HealthyReset
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
