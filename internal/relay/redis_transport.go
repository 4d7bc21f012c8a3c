package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"NodeController/pkg/logger"
)

// RedisConfig describes the Redis endpoint used for upstream delivery and
// inbound commands.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	DataList    string
	CommandList string
	BlockWait   time.Duration
}

// RedisTransport pushes relay messages onto a Redis list and pops
// coordinator commands off another.
type RedisTransport struct {
	client      *redis.Client
	dataList    string
	commandList string
	wait        time.Duration
}

// NewRedisTransport connects and pings the Redis endpoint.
func NewRedisTransport(cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	dataList := cfg.DataList
	if dataList == "" {
		dataList = "nodectl:data"
	}
	commandList := cfg.CommandList
	if commandList == "" {
		commandList = "nodectl:commands"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisTransport{client: client, dataList: dataList, commandList: commandList, wait: wait}, nil
}

// Publish appends one message to the data list.
func (t *RedisTransport) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := t.client.LPush(ctx, t.dataList, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume blocks on the command list and feeds decoded commands to the
// handler until the context is cancelled.
func (t *RedisTransport) Consume(ctx context.Context, handler func(ctx context.Context, cmd InboundCommand) error) error {
	log := logger.Named("relay.redis")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := t.client.BRPop(ctx, t.wait, t.commandList).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			log.Warn("redis command pop failed", slog.Any("error", err))
			continue
		}
		if len(values) != 2 {
			continue
		}
		var cmd InboundCommand
		if err := json.Unmarshal([]byte(values[1]), &cmd); err != nil {
			log.Warn("discarding malformed inbound command", slog.Any("error", err))
			continue
		}
		if err := handler(ctx, cmd); err != nil {
			log.Warn("inbound command handler failed",
				slog.String("plugin", cmd.Plugin),
				slog.String("action", cmd.Action),
				slog.Any("error", err))
		}
	}
}

// Close releases the client connection.
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
