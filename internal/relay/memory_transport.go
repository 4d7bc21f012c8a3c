package relay

import (
	"context"
	"errors"
	"sync"
)

// MemoryTransport is a channel-backed transport used when no broker is
// configured, and by tests.
type MemoryTransport struct {
	mu       sync.Mutex
	closed   bool
	data     chan Message
	commands chan InboundCommand
}

// NewMemoryTransport builds an in-process transport with the given buffer.
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 256
	}
	return &MemoryTransport{
		data:     make(chan Message, size),
		commands: make(chan InboundCommand, size),
	}
}

// Publish delivers the message into the in-process buffer.
func (t *MemoryTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("memory transport closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.data <- msg:
		return nil
	}
}

// Messages exposes delivered messages, for tests and local inspection.
func (t *MemoryTransport) Messages() <-chan Message {
	return t.data
}

// Submit injects an inbound command, standing in for the coordinator.
func (t *MemoryTransport) Submit(cmd InboundCommand) {
	t.commands <- cmd
}

// Consume feeds injected commands to the handler until the context is
// cancelled.
func (t *MemoryTransport) Consume(ctx context.Context, handler func(ctx context.Context, cmd InboundCommand) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-t.commands:
			if !ok {
				return nil
			}
			_ = handler(ctx, cmd)
		}
	}
}

// Close marks the transport closed.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
