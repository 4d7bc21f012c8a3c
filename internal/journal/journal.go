// Package journal persists lifecycle events and command acknowledgements
// so a node's recent history survives controller restarts and can be pulled
// by operators.
package journal

import (
	"context"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindLifecycle marks supervisor-originated transitions.
	KindLifecycle Kind = "lifecycle"
	// KindCommand marks externally issued commands and their outcome.
	KindCommand Kind = "command"
	// KindAlert marks dispatched alert events.
	KindAlert Kind = "alert"
)

// Entry is one journal record.
type Entry struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Plugin   string    `json:"plugin,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Restarts int       `json:"restarts,omitempty"`
	At       time.Time `json:"at"`
}

// Store is the journal persistence interface.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
