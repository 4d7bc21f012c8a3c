package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"NodeController/pkg/logger"
)

// AMQPConfig describes the RabbitMQ endpoint used for upstream delivery
// and inbound commands.
type AMQPConfig struct {
	URL          string
	DataQueue    string
	CommandQueue string
	Prefetch     int
	Durable      bool
	AutoDelete   bool
}

// AMQPTransport publishes relay messages to a RabbitMQ queue and consumes
// coordinator commands from another.
type AMQPTransport struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	dataQueue    string
	commandQueue string
}

// NewAMQPTransport dials the broker and declares both queues.
func NewAMQPTransport(cfg AMQPConfig) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url cannot be empty")
	}
	dataQueue := cfg.DataQueue
	if dataQueue == "" {
		dataQueue = "nodectl.data"
	}
	commandQueue := cfg.CommandQueue
	if commandQueue == "" {
		commandQueue = "nodectl.commands"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set rabbitmq qos: %w", err)
		}
	}
	for _, queue := range []string{dataQueue, commandQueue} {
		if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare rabbitmq queue %s: %w", queue, err)
		}
	}
	return &AMQPTransport{conn: conn, ch: ch, dataQueue: dataQueue, commandQueue: commandQueue}, nil
}

// Publish sends one message to the data queue.
func (t *AMQPTransport) Publish(ctx context.Context, msg Message) error {
	if t == nil || t.ch == nil {
		return errors.New("rabbitmq transport not initialised")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	return t.ch.PublishWithContext(ctx, "", t.dataQueue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Body:        body,
	})
}

// Consume reads coordinator commands from the command queue with manual
// acknowledgement until the context is cancelled.
func (t *AMQPTransport) Consume(ctx context.Context, handler func(ctx context.Context, cmd InboundCommand) error) error {
	if t == nil || t.ch == nil {
		return errors.New("rabbitmq transport not initialised")
	}
	deliveries, err := t.ch.Consume(t.commandQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume rabbitmq queue: %w", err)
	}
	log := logger.Named("relay.amqp")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			var cmd InboundCommand
			if err := json.Unmarshal(delivery.Body, &cmd); err != nil {
				log.Warn("discarding malformed inbound command", slog.Any("error", err))
				_ = delivery.Ack(false)
				continue
			}
			if err := handler(ctx, cmd); err != nil {
				log.Warn("inbound command handler failed",
					slog.String("plugin", cmd.Plugin),
					slog.String("action", cmd.Action),
					slog.Any("error", err))
			}
			_ = delivery.Ack(false)
		}
	}
}

// Close tears down the channel and connection.
func (t *AMQPTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
