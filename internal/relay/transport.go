package relay

import "context"

// Transport delivers relay messages to the upstream coordinator. Publish
// returning nil acknowledges the message; any error keeps it queued.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// InboundSource yields commands sent down by the coordinator.
type InboundSource interface {
	Consume(ctx context.Context, handler func(ctx context.Context, cmd InboundCommand) error) error
	Close() error
}
