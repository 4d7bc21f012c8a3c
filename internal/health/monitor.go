// Package health aggregates heartbeat signals from supervised plugins into
// per-instance liveness records.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/supervisor"
)

// Status is the liveness classification of an instance.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDead     Status = "dead"
)

// Record is the liveness view of one instance. A record always references
// a currently tracked instance; Forget prunes it when the instance goes away.
type Record struct {
	Instance      supervisor.InstanceID `json:"instance"`
	Plugin        string                `json:"plugin"`
	Status        Status                `json:"status"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	Misses        int                   `json:"misses"`
}

// Monitor evaluates heartbeats on a fixed interval. An instance missing
// heartbeats walks healthy, degraded, dead; a fresh heartbeat heals
// degraded but dead clears only through Reset after a restart.
type Monitor struct {
	mu        sync.Mutex
	records   map[supervisor.InstanceID]*Record
	interval  time.Duration
	missLimit int
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a monitor with the given evaluation interval and miss limit.
func New(interval time.Duration, missLimit int, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if missLimit <= 0 {
		missLimit = 3
	}
	m := &Monitor{
		records:   make(map[supervisor.InstanceID]*Record),
		interval:  interval,
		missLimit: missLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Track registers a fresh healthy record for an instance.
func (m *Monitor) Track(id supervisor.InstanceID, plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &Record{
		Instance:      id,
		Plugin:        plugin,
		Status:        StatusHealthy,
		LastHeartbeat: m.now(),
	}
}

// Forget prunes the record for a removed instance.
func (m *Monitor) Forget(id supervisor.InstanceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// RecordHeartbeat notes a liveness signal from an instance. A heartbeat
// heals a degraded record but never a dead one.
func (m *Monitor) RecordHeartbeat(id supervisor.InstanceID, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no health record for instance %s", id))
	}
	if ts.After(record.LastHeartbeat) {
		record.LastHeartbeat = ts
	}
	if record.Status == StatusDead {
		return nil
	}
	record.Misses = 0
	record.Status = StatusHealthy
	return nil
}

// Reset returns an instance to healthy after a controller-driven restart.
func (m *Monitor) Reset(id supervisor.InstanceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[id]; ok {
		record.Status = StatusHealthy
		record.Misses = 0
		record.LastHeartbeat = m.now()
	}
}

// Evaluate advances miss counters and statuses, returning a snapshot of
// every record.
func (m *Monitor) Evaluate() map[supervisor.InstanceID]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[supervisor.InstanceID]Record, len(m.records))
	degradeAt := m.missLimit - 1
	if degradeAt < 1 {
		degradeAt = 1
	}
	for id, record := range m.records {
		if record.Status != StatusDead {
			if now.Sub(record.LastHeartbeat) > m.interval {
				record.Misses++
			} else {
				record.Misses = 0
			}
			switch {
			case record.Misses >= m.missLimit:
				record.Status = StatusDead
			case record.Misses >= degradeAt:
				record.Status = StatusDegraded
			default:
				record.Status = StatusHealthy
			}
		}
		out[id] = *record
	}
	return out
}

// Snapshot returns the current records without advancing miss counters.
func (m *Monitor) Snapshot() map[supervisor.InstanceID]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[supervisor.InstanceID]Record, len(m.records))
	for id, record := range m.records {
		out[id] = *record
	}
	return out
}

// Run evaluates on the configured interval and hands each result to sink
// until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, sink func(map[supervisor.InstanceID]Record)) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result := m.Evaluate()
			if sink != nil {
				sink(result)
			}
		}
	}
}
