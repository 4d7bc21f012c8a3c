package supervisor

import (
	"sync"
	"time"

	"NodeController/internal/registry"
)

// InstanceID uniquely identifies one supervised execution of a plugin.
type InstanceID string

// State is the lifecycle position of an instance.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateCrashed    State = "crashed"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// instance is the runtime record for one plugin execution. All fields are
// guarded by the supervisor mutex; the monitor goroutine is the only writer
// of state transitions after launch.
type instance struct {
	id   InstanceID
	spec registry.PluginSpec

	state        State
	proc         Process
	pid          int
	startedAt    time.Time
	restarts     int
	lastExitCode int
	lastSignal   string
	lastReason   string

	stopRequested bool
	stopGrace     time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func newInstance(id InstanceID, spec registry.PluginSpec) *instance {
	return &instance{
		id:     id,
		spec:   spec,
		state:  StatePending,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (i *instance) requestStop(grace time.Duration) {
	i.stopOnce.Do(func() {
		i.stopRequested = true
		i.stopGrace = grace
		close(i.stopCh)
	})
}

// event builds a lifecycle event from the current instance fields. Callers
// must hold the supervisor mutex.
func (i *instance) event(kind EventKind) Event {
	return Event{
		Instance: i.id,
		Plugin:   i.spec.Name,
		Kind:     kind,
		State:    i.state,
		PID:      i.pid,
		ExitCode: i.lastExitCode,
		Signal:   i.lastSignal,
		Restarts: i.restarts,
		Reason:   i.lastReason,
		At:       time.Now(),
	}
}

// Snapshot is a read-only copy of an instance handed to observers. The
// health monitor and the controller never touch the live record.
type Snapshot struct {
	ID           InstanceID `json:"id"`
	Plugin       string     `json:"plugin"`
	Version      string     `json:"version,omitempty"`
	State        State      `json:"state"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	Restarts     int        `json:"restarts"`
	LastExitCode int        `json:"last_exit_code"`
	LastSignal   string     `json:"last_signal,omitempty"`
	LastReason   string     `json:"last_reason,omitempty"`
}

func (i *instance) snapshot() Snapshot {
	return Snapshot{
		ID:           i.id,
		Plugin:       i.spec.Name,
		Version:      i.spec.Version,
		State:        i.state,
		PID:          i.pid,
		StartedAt:    i.startedAt,
		Restarts:     i.restarts,
		LastExitCode: i.lastExitCode,
		LastSignal:   i.lastSignal,
		LastReason:   i.lastReason,
	}
}
