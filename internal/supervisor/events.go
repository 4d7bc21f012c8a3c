package supervisor

import "time"

// EventKind labels a lifecycle event emitted for an instance.
type EventKind string

const (
	// EventStarted fires after a successful launch or relaunch.
	EventStarted EventKind = "started"
	// EventExited fires after a clean exit.
	EventExited EventKind = "exited"
	// EventCrashed fires after a non-zero exit or a fatal signal.
	EventCrashed EventKind = "crashed"
	// EventRestarting fires when the restart policy schedules a relaunch.
	EventRestarting EventKind = "restarting"
	// EventKilled fires when an instance went down due to an explicit stop.
	EventKilled EventKind = "killed"
	// EventFailed fires when the restart budget is exhausted or a relaunch
	// could not spawn; the instance is terminal afterwards.
	EventFailed EventKind = "failed"
)

// Event describes one lifecycle transition. Events for a given instance are
// delivered in the order they occurred; the monitor goroutine owning the
// instance is the only emitter.
type Event struct {
	Instance InstanceID
	Plugin   string
	Kind     EventKind
	State    State
	PID      int
	ExitCode int
	Signal   string
	Restarts int
	Reason   string
	At       time.Time
}
