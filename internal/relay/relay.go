// Package relay buffers plugin output for at-least-once upstream delivery
// and feeds inbound coordinator commands to the controller.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "NodeController/internal/errors"
	"NodeController/internal/observability/metrics"
	"NodeController/pkg/logger"
)

// Relay keeps one bounded FIFO queue per plugin. Producers never block: on
// overflow the oldest message is dropped and counted.
type Relay struct {
	mu       sync.Mutex
	queues   map[string]*pluginQueue
	capacity int
	degraded bool

	inbound chan InboundCommand
	log     *slog.Logger
}

type pluginQueue struct {
	seq     uint64
	msgs    []Message
	dropped uint64
}

// New builds a relay with the given per-plugin queue capacity.
func New(capacity int) *Relay {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Relay{
		queues:   make(map[string]*pluginQueue),
		capacity: capacity,
		inbound:  make(chan InboundCommand, 64),
		log:      logger.Named("relay"),
	}
}

// Enqueue buffers one payload for a plugin, assigning the next sequence
// number. When the queue is full the oldest message is evicted, the drop
// counter bumped, and a QueueFull error returned; the new message is still
// accepted so the producer never stalls.
func (r *Relay) Enqueue(plugin string, payload []byte) (Message, error) {
	r.mu.Lock()
	q := r.queues[plugin]
	if q == nil {
		q = &pluginQueue{}
		r.queues[plugin] = q
	}
	q.seq++
	msg := Message{
		ID:      uuid.NewString(),
		Plugin:  plugin,
		Seq:     q.seq,
		At:      time.Now(),
		Payload: payload,
	}
	q.msgs = append(q.msgs, msg)
	metrics.IncRelayEnqueued(plugin)

	var err error
	if len(q.msgs) > r.capacity {
		q.msgs = q.msgs[1:]
		q.dropped++
		metrics.IncRelayDrop(plugin)
		err = xerrors.New(xerrors.CodeQueueFull,
			fmt.Sprintf("queue for plugin %s is full, dropped oldest message", plugin))
	}
	r.mu.Unlock()
	return msg, err
}

// Drain returns up to max pending messages in per-plugin FIFO order without
// removing them; delivery is acknowledged via Ack, which is what makes the
// upstream path at-least-once.
func (r *Relay) Drain(max int) []Message {
	if max <= 0 {
		max = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	plugins := make([]string, 0, len(r.queues))
	for name := range r.queues {
		plugins = append(plugins, name)
	}
	sort.Strings(plugins)

	out := make([]Message, 0, max)
	for _, name := range plugins {
		for _, msg := range r.queues[name].msgs {
			if len(out) == max {
				return out
			}
			out = append(out, msg)
		}
	}
	return out
}

// Ack removes all messages for plugin with sequence numbers up to seq.
func (r *Relay) Ack(plugin string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[plugin]
	if q == nil {
		return
	}
	idx := 0
	for idx < len(q.msgs) && q.msgs[idx].Seq <= seq {
		idx++
	}
	q.msgs = q.msgs[idx:]
}

// Pending returns the number of buffered messages across all plugins.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, q := range r.queues {
		total += len(q.msgs)
	}
	return total
}

// DropCounts returns the per-plugin count of messages evicted by
// backpressure.
func (r *Relay) DropCounts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.queues))
	for name, q := range r.queues {
		out[name] = q.dropped
	}
	return out
}

// Degraded reports whether upstream delivery has exhausted its retry
// ceiling and is persistently failing.
func (r *Relay) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Relay) setDegraded(v bool) {
	r.mu.Lock()
	r.degraded = v
	r.mu.Unlock()
}

// DeliverInbound hands a coordinator command to the controller feed. The
// feed is bounded; an overflowing command is dropped and logged rather than
// blocking the transport consumer.
func (r *Relay) DeliverInbound(cmd InboundCommand) {
	select {
	case r.inbound <- cmd:
	default:
		r.log.Error("inbound command dropped, controller feed full",
			slog.String("plugin", cmd.Plugin),
			slog.String("action", cmd.Action))
	}
}

// Inbound is the stream of coordinator commands for the controller.
func (r *Relay) Inbound() <-chan InboundCommand {
	return r.inbound
}

// RunConfig tunes the upstream drain loop.
type RunConfig struct {
	Batch        int
	Wait         time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryCeiling int
	// OnDegraded is invoked once when the retry ceiling is crossed and
	// once more (with nil) when delivery recovers.
	OnDegraded func(err error)
}

func (c RunConfig) withDefaults() RunConfig {
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Wait <= 0 {
		c.Wait = time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 8
	}
	return c
}

// Run drains buffered messages into the transport until the context is
// cancelled. Publish failures keep the affected messages queued and back
// off with increasing delay; crossing the retry ceiling marks the relay
// persistently degraded until a publish succeeds again.
func (r *Relay) Run(ctx context.Context, transport Transport, cfg RunConfig) error {
	cfg = cfg.withDefaults()
	failures := 0

	for {
		if err := sleepCtx(ctx, 0); err != nil {
			return err
		}
		batch := r.Drain(cfg.Batch)
		if len(batch) == 0 {
			if err := sleepCtx(ctx, cfg.Wait); err != nil {
				return err
			}
			continue
		}

		for _, msg := range batch {
			err := transport.Publish(ctx, msg)
			if err != nil {
				failures++
				metrics.IncTransportRetry()
				wrapped := xerrors.Wrap(xerrors.CodeTransportFailure, err,
					fmt.Sprintf("publish message %d for plugin %s", msg.Seq, msg.Plugin))
				r.log.Warn("upstream publish failed",
					slog.String("plugin", msg.Plugin),
					slog.Uint64("seq", msg.Seq),
					slog.Int("consecutive_failures", failures),
					slog.Any("error", wrapped))
				if failures >= cfg.RetryCeiling && !r.Degraded() {
					r.setDegraded(true)
					metrics.IncTransportFailure()
					if cfg.OnDegraded != nil {
						cfg.OnDegraded(wrapped)
					}
				}
				delay := retryDelay(cfg.RetryBase, cfg.RetryCap, failures)
				if err := sleepCtx(ctx, delay); err != nil {
					return err
				}
				break
			}
			r.Ack(msg.Plugin, msg.Seq)
			metrics.IncTransportSent()
			if failures != 0 {
				failures = 0
				if r.Degraded() {
					r.setDegraded(false)
					if cfg.OnDegraded != nil {
						cfg.OnDegraded(nil)
					}
				}
			}
		}
	}
}

// ConsumeInbound pumps coordinator commands from the source into the
// controller feed until the context is cancelled.
func (r *Relay) ConsumeInbound(ctx context.Context, source InboundSource) error {
	return source.Consume(ctx, func(_ context.Context, cmd InboundCommand) error {
		r.DeliverInbound(cmd)
		return nil
	})
}

func retryDelay(base, ceil time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceil {
			return ceil
		}
	}
	if delay > ceil {
		return ceil
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
