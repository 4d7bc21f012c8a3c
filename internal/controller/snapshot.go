package controller

import (
	"time"

	"NodeController/internal/health"
	"NodeController/internal/supervisor"
)

// Condition is the aggregate state of the node.
type Condition string

const (
	// ConditionHealthy means every plugin is running or intentionally
	// stopped.
	ConditionHealthy Condition = "healthy"
	// ConditionDegraded means at least one plugin is restarting, one
	// health record is degraded or dead, or upstream delivery is
	// persistently failing.
	ConditionDegraded Condition = "degraded"
	// ConditionCritical means at least one plugin is terminally failed.
	ConditionCritical Condition = "critical"
)

// PluginStatus pairs a plugin with its instance and health views.
type PluginStatus struct {
	Name     string               `json:"name"`
	Enabled  bool                 `json:"enabled"`
	Instance *supervisor.Snapshot `json:"instance,omitempty"`
	Health   *health.Record       `json:"health,omitempty"`
}

// NodeState is the point-in-time export of the whole node.
type NodeState struct {
	Condition     Condition         `json:"condition"`
	Plugins       []PluginStatus    `json:"plugins"`
	RelayPending  int               `json:"relay_pending"`
	RelayDegraded bool              `json:"relay_degraded"`
	RelayDrops    map[string]uint64 `json:"relay_drops,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}
