// Package controller is the single authority for canonical plugin state.
// External commands, supervisor lifecycle events, inbound coordinator
// commands, and health reports are all serialized through one loop, so the
// per-plugin state machine never sees concurrent writers.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/health"
	"NodeController/internal/journal"
	"NodeController/internal/observability/alerting"
	"NodeController/internal/observability/metrics"
	"NodeController/internal/registry"
	"NodeController/internal/relay"
	"NodeController/internal/supervisor"
	"NodeController/pkg/logger"
)

// Controller orchestrates the supervisor, health monitor and relay.
type Controller struct {
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	mon    *health.Monitor
	rel    *relay.Relay
	store  journal.Store
	alerts alerting.Dispatcher
	log    *slog.Logger

	cmds     chan request
	dones    chan actionDone
	healthCh chan map[supervisor.InstanceID]health.Record
	snapReqs chan chan NodeState

	// plugins and lastHealth are owned by the Run loop.
	plugins    map[string]*pluginState
	lastHealth map[supervisor.InstanceID]health.Status

	idxMu sync.RWMutex
	idx   map[string]supervisor.InstanceID
}

type pluginState struct {
	spec    registry.PluginSpec
	id      supervisor.InstanceID
	busy    bool
	pending *Command
}

type request struct {
	cmd  Command
	resp chan response
}

type response struct {
	ack Ack
	err error
}

type actionDone struct {
	plugin string
	follow Action
	err    error
}

// Option configures the controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithAlerts sets the alert dispatcher.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Controller) { c.alerts = d }
}

// New wires the controller over its collaborators.
func New(reg *registry.Registry, sup *supervisor.Supervisor, mon *health.Monitor, rel *relay.Relay, store journal.Store, opts ...Option) *Controller {
	c := &Controller{
		reg:        reg,
		sup:        sup,
		mon:        mon,
		rel:        rel,
		store:      store,
		cmds:       make(chan request),
		dones:      make(chan actionDone, 16),
		healthCh:   make(chan map[supervisor.InstanceID]health.Record, 4),
		snapReqs:   make(chan chan NodeState),
		plugins:    make(map[string]*pluginState),
		lastHealth: make(map[supervisor.InstanceID]health.Status),
		idx:        make(map[string]supervisor.InstanceID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("controller")
	}
	return c
}

// Bootstrap starts every enabled catalog plugin. A launch failure is
// reported and journaled but never aborts the rest of the boot. Call before
// Run; nothing else may touch the controller concurrently yet.
func (c *Controller) Bootstrap(ctx context.Context) {
	for _, spec := range c.reg.Enabled() {
		state := &pluginState{spec: spec}
		c.plugins[spec.Name] = state
		ack, err := c.doStart(ctx, state)
		c.recordCommand(ctx, Command{Plugin: spec.Name, Action: ActionStart}, ack, err, "bootstrap")
		if err != nil {
			c.emitAlert(alerting.Event{
				Code:     xerrors.CodeOf(err),
				Severity: xerrors.SeverityOf(err),
				Message:  err.Error(),
				Plugin:   spec.Name,
			})
		}
	}
}

// Run processes commands and events until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.cmds:
			ack, err := c.dispatch(ctx, req.cmd)
			metrics.ObserveCommand(string(req.cmd.Action), err)
			c.recordCommand(ctx, req.cmd, ack, err, "api")
			req.resp <- response{ack: ack, err: err}
		case ev := <-c.sup.Events():
			c.handleEvent(ctx, ev)
		case done := <-c.dones:
			c.handleActionDone(ctx, done)
		case inbound := <-c.rel.Inbound():
			c.handleInbound(ctx, inbound)
		case report := <-c.healthCh:
			c.handleHealth(report)
		case resp := <-c.snapReqs:
			resp <- c.buildSnapshot()
		}
	}
}

// Apply submits one external command and waits for its acknowledgement.
func (c *Controller) Apply(ctx context.Context, cmd Command) (Ack, error) {
	req := request{cmd: cmd, resp: make(chan response, 1)}
	select {
	case <-ctx.Done():
		return Ack{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "submit command")
	case c.cmds <- req:
	}
	select {
	case <-ctx.Done():
		return Ack{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "await command ack")
	case resp := <-req.resp:
		return resp.ack, resp.err
	}
}

// Snapshot returns a point-in-time view of the node.
func (c *Controller) Snapshot(ctx context.Context) (NodeState, error) {
	resp := make(chan NodeState, 1)
	select {
	case <-ctx.Done():
		return NodeState{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "request snapshot")
	case c.snapReqs <- resp:
	}
	select {
	case <-ctx.Done():
		return NodeState{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "await snapshot")
	case state := <-resp:
		return state, nil
	}
}

// Heartbeat records a liveness signal for a plugin's current instance. The
// output-capture layer calls this for every line a plugin emits.
func (c *Controller) Heartbeat(plugin string, ts time.Time) error {
	c.idxMu.RLock()
	id, ok := c.idx[plugin]
	c.idxMu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no instance for plugin %s", plugin))
	}
	return c.mon.RecordHeartbeat(id, ts)
}

// HealthSink is handed to the health monitor's Run loop.
func (c *Controller) HealthSink(report map[supervisor.InstanceID]health.Record) {
	select {
	case c.healthCh <- report:
	default:
		// A stale report is worthless; the next tick brings a fresh one.
	}
}

// RecentEvents exposes the journal for the status API.
func (c *Controller) RecentEvents(ctx context.Context, limit int) ([]journal.Entry, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.Recent(ctx, limit)
}

func (c *Controller) dispatch(ctx context.Context, cmd Command) (Ack, error) {
	state, err := c.stateFor(cmd.Plugin)
	if err != nil {
		return Ack{}, err
	}
	if state.busy {
		// Last command wins: overwrite whatever was queued before.
		queued := cmd
		state.pending = &queued
		return Ack{Plugin: cmd.Plugin, Action: cmd.Action, Reason: "queued behind in-flight action"}, nil
	}

	switch cmd.Action {
	case ActionStart:
		return c.doStart(ctx, state)
	case ActionStop:
		return c.doStop(state, cmd)
	case ActionRestart:
		return c.doRestart(ctx, state, cmd)
	case ActionReconfigure:
		return c.doReconfigure(ctx, state, cmd)
	default:
		return Ack{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Controller) stateFor(name string) (*pluginState, error) {
	if state, ok := c.plugins[name]; ok {
		return state, nil
	}
	spec, ok := c.reg.Lookup(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown plugin %s", name))
	}
	state := &pluginState{spec: spec}
	c.plugins[name] = state
	return state, nil
}

func (c *Controller) doStart(ctx context.Context, state *pluginState) (Ack, error) {
	name := state.spec.Name
	if state.id != "" {
		if snap, ok := c.sup.Instance(state.id); ok && !snap.State.Terminal() {
			return Ack{}, xerrors.New(xerrors.CodeInvalidStateTransition,
				fmt.Sprintf("plugin %s is %s", name, snap.State))
		}
		c.dropInstance(state)
	}
	id, err := c.sup.Start(ctx, state.spec)
	if err != nil {
		return Ack{}, err
	}
	state.id = id
	c.mon.Track(id, name)
	c.setIndex(name, id)
	snap, _ := c.sup.Instance(id)
	return Ack{Plugin: name, Action: ActionStart, State: snap.State, Reason: "started"}, nil
}

func (c *Controller) doStop(state *pluginState, cmd Command) (Ack, error) {
	name := state.spec.Name
	if state.id == "" {
		return Ack{Plugin: name, Action: ActionStop, State: supervisor.StateStopped, Reason: "already stopped"}, nil
	}
	snap, ok := c.sup.Instance(state.id)
	if !ok || snap.State == supervisor.StateStopped {
		return Ack{Plugin: name, Action: ActionStop, State: supervisor.StateStopped, Reason: "already stopped"}, nil
	}
	if snap.State == supervisor.StateFailed {
		return Ack{Plugin: name, Action: ActionStop, State: supervisor.StateFailed, Reason: "instance already terminal"}, nil
	}
	c.beginStop(state, cmd.Grace, "")
	return Ack{Plugin: name, Action: ActionStop, State: snap.State, Reason: "stop initiated"}, nil
}

func (c *Controller) doRestart(ctx context.Context, state *pluginState, cmd Command) (Ack, error) {
	name := state.spec.Name
	if state.id != "" {
		if snap, ok := c.sup.Instance(state.id); ok && !snap.State.Terminal() {
			c.beginStop(state, cmd.Grace, ActionStart)
			return Ack{Plugin: name, Action: ActionRestart, State: snap.State, Reason: "restart initiated"}, nil
		}
	}
	ack, err := c.doStart(ctx, state)
	if err != nil {
		return ack, err
	}
	ack.Action = ActionRestart
	return ack, nil
}

func (c *Controller) doReconfigure(ctx context.Context, state *pluginState, cmd Command) (Ack, error) {
	name := state.spec.Name
	if cmd.Spec != nil {
		spec := *cmd.Spec
		spec.Name = name
		if err := spec.Validate(); err != nil {
			return Ack{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin spec")
		}
		state.spec = spec
	} else if spec, ok := c.reg.Lookup(name); ok {
		state.spec = spec
	}
	if state.id != "" {
		if snap, ok := c.sup.Instance(state.id); ok && !snap.State.Terminal() {
			c.beginStop(state, cmd.Grace, ActionStart)
			return Ack{Plugin: name, Action: ActionReconfigure, State: snap.State, Reason: "reconfigure initiated, restarting"}, nil
		}
	}
	return Ack{Plugin: name, Action: ActionReconfigure, Reason: "configuration updated"}, nil
}

// beginStop marks the plugin busy and stops its instance off-loop so the
// event/command loop never blocks on a grace period.
func (c *Controller) beginStop(state *pluginState, grace time.Duration, follow Action) {
	state.busy = true
	id := state.id
	plugin := state.spec.Name
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), grace+time.Minute)
		defer cancel()
		err := c.sup.Stop(stopCtx, id, grace)
		c.dones <- actionDone{plugin: plugin, follow: follow, err: err}
	}()
}

func (c *Controller) handleActionDone(ctx context.Context, done actionDone) {
	state, ok := c.plugins[done.plugin]
	if !ok {
		return
	}
	state.busy = false
	if done.err != nil {
		c.log.Error("deferred action failed",
			slog.String("plugin", done.plugin),
			slog.Any("error", done.err))
	}

	if state.pending != nil {
		// The queued command supersedes any follow-up action.
		cmd := *state.pending
		state.pending = nil
		ack, err := c.dispatch(ctx, cmd)
		metrics.ObserveCommand(string(cmd.Action), err)
		c.recordCommand(ctx, cmd, ack, err, "deferred")
		return
	}

	if done.follow == ActionStart {
		cmd := Command{Plugin: done.plugin, Action: ActionRestart}
		ack, err := c.doStart(ctx, state)
		ack.Action = ActionRestart
		c.recordCommand(ctx, cmd, ack, err, "restart")
		if err != nil {
			c.emitAlert(alerting.Event{
				Code:     xerrors.CodeOf(err),
				Severity: xerrors.SeverityOf(err),
				Message:  err.Error(),
				Plugin:   done.plugin,
			})
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev supervisor.Event) {
	entry := journal.Entry{
		Kind:     journal.KindLifecycle,
		Plugin:   ev.Plugin,
		Instance: string(ev.Instance),
		Event:    string(ev.Kind),
		Detail:   ev.Reason,
		ExitCode: ev.ExitCode,
		Restarts: ev.Restarts,
		At:       ev.At,
	}
	if c.store != nil {
		if err := c.store.Append(ctx, entry); err != nil {
			c.log.Error("journal append failed", slog.Any("error", err))
		}
	}

	if ev.State.Terminal() {
		// A terminal instance emits no more heartbeats; dropping the record
		// now keeps a deliberate stop from walking to dead and degrading
		// the node.
		c.mon.Forget(ev.Instance)
		delete(c.lastHealth, ev.Instance)
	}

	switch ev.Kind {
	case supervisor.EventFailed:
		logger.Audit().Error("plugin failed terminally",
			slog.String("plugin", ev.Plugin),
			slog.String("instance", string(ev.Instance)),
			slog.String("reason", ev.Reason),
			slog.Int("restarts", ev.Restarts))
		c.emitAlert(alerting.Event{
			Code:     xerrors.CodeRetriesExhausted,
			Severity: xerrors.SeverityCritical,
			Message:  ev.Reason,
			Plugin:   ev.Plugin,
			Instance: string(ev.Instance),
			Restarts: ev.Restarts,
		})
	case supervisor.EventCrashed:
		c.log.Warn("plugin crashed",
			slog.String("plugin", ev.Plugin),
			slog.Int("exit_code", ev.ExitCode),
			slog.String("signal", ev.Signal))
	}
}

func (c *Controller) handleInbound(ctx context.Context, inbound relay.InboundCommand) {
	action, err := ParseAction(inbound.Action)
	if err != nil {
		c.log.Warn("rejecting inbound command",
			slog.String("plugin", inbound.Plugin),
			slog.String("action", inbound.Action),
			slog.Any("error", err))
		return
	}
	cmd := Command{
		Plugin: inbound.Plugin,
		Action: action,
		Grace:  time.Duration(inbound.GraceSeconds) * time.Second,
	}
	ack, err := c.dispatch(ctx, cmd)
	metrics.ObserveCommand(string(cmd.Action), err)
	c.recordCommand(ctx, cmd, ack, err, "upstream")
}

func (c *Controller) handleHealth(report map[supervisor.InstanceID]health.Record) {
	for id, record := range report {
		previous := c.lastHealth[id]
		c.lastHealth[id] = record.Status
		if record.Status == health.StatusDead && previous != health.StatusDead {
			logger.Audit().Warn("plugin heartbeat lost",
				slog.String("plugin", record.Plugin),
				slog.String("instance", string(id)))
			c.emitAlert(alerting.Event{
				Code:     xerrors.CodeTimeout,
				Severity: xerrors.SeverityWarning,
				Message:  "heartbeat missing beyond threshold",
				Plugin:   record.Plugin,
				Instance: string(id),
			})
		}
	}
	for id := range c.lastHealth {
		if _, ok := report[id]; !ok {
			delete(c.lastHealth, id)
		}
	}
}

func (c *Controller) buildSnapshot() NodeState {
	names := make([]string, 0, len(c.plugins))
	seen := make(map[string]bool, len(c.plugins))
	for name := range c.plugins {
		names = append(names, name)
		seen[name] = true
	}
	for _, name := range c.reg.Names() {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	healthRecords := c.mon.Snapshot()
	condition := ConditionHealthy
	degrade := func() {
		if condition == ConditionHealthy {
			condition = ConditionDegraded
		}
	}

	plugins := make([]PluginStatus, 0, len(names))
	for _, name := range names {
		status := PluginStatus{Name: name}
		if spec, ok := c.reg.Lookup(name); ok {
			status.Enabled = spec.Enabled
		}
		if state, ok := c.plugins[name]; ok && state.id != "" {
			if snap, ok := c.sup.Instance(state.id); ok {
				status.Instance = &snap
				switch snap.State {
				case supervisor.StateFailed:
					condition = ConditionCritical
				case supervisor.StateRestarting:
					degrade()
				}
			}
			if record, ok := healthRecords[state.id]; ok {
				status.Health = &record
				if record.Status != health.StatusHealthy {
					degrade()
				}
			}
		}
		plugins = append(plugins, status)
	}

	if c.rel.Degraded() {
		degrade()
	}

	return NodeState{
		Condition:     condition,
		Plugins:       plugins,
		RelayPending:  c.rel.Pending(),
		RelayDegraded: c.rel.Degraded(),
		RelayDrops:    c.rel.DropCounts(),
		GeneratedAt:   time.Now(),
	}
}

func (c *Controller) dropInstance(state *pluginState) {
	if state.id == "" {
		return
	}
	_ = c.sup.Remove(state.id)
	c.mon.Forget(state.id)
	delete(c.lastHealth, state.id)
	c.idxMu.Lock()
	if c.idx[state.spec.Name] == state.id {
		delete(c.idx, state.spec.Name)
	}
	c.idxMu.Unlock()
	state.id = ""
}

func (c *Controller) setIndex(plugin string, id supervisor.InstanceID) {
	c.idxMu.Lock()
	c.idx[plugin] = id
	c.idxMu.Unlock()
}

func (c *Controller) recordCommand(ctx context.Context, cmd Command, ack Ack, err error, origin string) {
	detail := ack.Reason
	if err != nil {
		detail = err.Error()
	}
	if c.store != nil {
		entry := journal.Entry{
			Kind:   journal.KindCommand,
			Plugin: cmd.Plugin,
			Event:  string(cmd.Action),
			Detail: fmt.Sprintf("%s (%s)", detail, origin),
			At:     time.Now(),
		}
		if appendErr := c.store.Append(ctx, entry); appendErr != nil {
			c.log.Error("journal append failed", slog.Any("error", appendErr))
		}
	}
	if err != nil {
		logger.Audit().Warn("command rejected",
			slog.String("plugin", cmd.Plugin),
			slog.String("action", string(cmd.Action)),
			slog.String("origin", origin),
			slog.String("error", err.Error()))
		return
	}
	logger.Audit().Info("command acknowledged",
		slog.String("plugin", cmd.Plugin),
		slog.String("action", string(cmd.Action)),
		slog.String("origin", origin),
		slog.String("reason", ack.Reason))
}

// emitAlert dispatches off-loop; a slow notifier must not stall the
// controller.
func (c *Controller) emitAlert(event alerting.Event) {
	if c.alerts == nil {
		return
	}
	event.OccurredAt = time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.alerts.Notify(ctx, event); err != nil {
			c.log.Error("alert dispatch failed", slog.Any("error", err))
		}
	}()
}

// RelayDegradedHook returns a callback for the relay drain loop that
// surfaces persistent transport degradation as an alert.
func (c *Controller) RelayDegradedHook() func(err error) {
	return func(err error) {
		if err == nil {
			c.log.Info("upstream delivery recovered")
			return
		}
		c.emitAlert(alerting.Event{
			Code:     xerrors.CodeTransportFailure,
			Severity: xerrors.SeverityCritical,
			Message:  err.Error(),
		})
	}
}
