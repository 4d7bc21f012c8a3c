package controller

import (
	"fmt"
	"time"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/registry"
	"NodeController/internal/supervisor"
)

// Action is an external command verb keyed by plugin name.
type Action string

const (
	ActionStart       Action = "start"
	ActionStop        Action = "stop"
	ActionRestart     Action = "restart"
	ActionReconfigure Action = "reconfigure"
)

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionStart, ActionStop, ActionRestart, ActionReconfigure:
		return Action(raw), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown action %q", raw))
	}
}

// Command is one external operation against a plugin.
type Command struct {
	Plugin string
	Action Action
	Grace  time.Duration
	// Spec replaces the plugin's spec on reconfigure; nil keeps the
	// catalog spec.
	Spec *registry.PluginSpec
}

// Ack is the synchronous acknowledgement for a command.
type Ack struct {
	Plugin string           `json:"plugin"`
	Action Action           `json:"action"`
	State  supervisor.State `json:"state,omitempty"`
	Reason string           `json:"reason"`
}
