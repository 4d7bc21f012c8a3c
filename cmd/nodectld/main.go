package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"NodeController/internal/api"
	"NodeController/internal/config"
	"NodeController/internal/controller"
	"NodeController/internal/health"
	"NodeController/internal/journal"
	"NodeController/internal/observability/alerting"
	"NodeController/internal/registry"
	"NodeController/internal/relay"
	"NodeController/internal/storage/mysql"
	"NodeController/internal/supervisor"
	"NodeController/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("nodectld exited with error: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("NODECTL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "nodectl.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Named("main")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return err
	}
	mainLog.Info("plugin catalog loaded",
		slog.String("path", cfg.Registry.Path),
		slog.Int("plugins", reg.Len()))

	store, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rel := relay.New(cfg.Relay.QueueCapacity)

	mon := health.New(
		time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		cfg.Health.MissLimit,
	)

	sup := supervisor.New(supervisor.Config{
		MaxRestarts:  cfg.Supervisor.MaxRestarts,
		BackoffBase:  time.Duration(cfg.Supervisor.BackoffBaseSeconds) * time.Second,
		BackoffCap:   time.Duration(cfg.Supervisor.BackoffCapSeconds) * time.Second,
		HealthyReset: time.Duration(cfg.Supervisor.HealthyResetSeconds) * time.Second,
		StopGrace:    cfg.StopGrace(),
		DevicePoll:   time.Duration(cfg.Supervisor.DevicePollSeconds) * time.Second,
	})

	alerts, err := buildAlerts(cfg)
	if err != nil {
		return err
	}

	ctrl := controller.New(reg, sup, mon, rel, store, controller.WithAlerts(alerts))

	// Every line a plugin writes is relayed upstream and doubles as a
	// heartbeat for the health monitor.
	sink := func(plugin string, line []byte) {
		if _, err := rel.Enqueue(plugin, line); err != nil {
			mainLog.Warn("relay enqueue dropped history",
				slog.String("plugin", plugin),
				slog.Any("error", err))
		}
		// A line from an instance the controller no longer tracks is
		// harmless; ignore the lookup miss.
		_ = ctrl.Heartbeat(plugin, time.Now())
	}
	sup.SetLauncher(supervisor.NewExecLauncher(sink))

	transport, source, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := rel.Run(runCtx, transport, relay.RunConfig{
			Batch:        cfg.Relay.DrainBatch,
			Wait:         time.Duration(cfg.Relay.DrainWaitSeconds) * time.Second,
			RetryBase:    time.Duration(cfg.Relay.RetryBaseSeconds) * time.Second,
			RetryCap:     time.Duration(cfg.Relay.RetryCapSeconds) * time.Second,
			RetryCeiling: cfg.Relay.RetryCeiling,
			OnDegraded:   ctrl.RelayDegradedHook(),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("relay drain loop exited", slog.Any("error", err))
		}
	}()

	go func() {
		if err := rel.ConsumeInbound(runCtx, source); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("inbound command consumer exited", slog.Any("error", err))
		}
	}()

	go func() {
		if err := mon.Run(runCtx, ctrl.HealthSink); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("health monitor exited", slog.Any("error", err))
		}
	}()

	ctrl.Bootstrap(runCtx)

	go func() {
		if err := ctrl.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("controller loop exited", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, ctrl)
	mainLog.Info("serving control api", slog.String("address", cfg.Server.Address))
	serveErr := server.Start(ctx)

	// Stop every plugin before the process exits so nothing is orphaned.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StopGrace()+30*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		mainLog.Error("supervisor shutdown incomplete", slog.Any("error", err))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Store, error) {
	switch cfg.Journal.Driver {
	case "", "memory":
		return journal.NewMemoryStore(cfg.Runtime.DataDir, cfg.Journal.MemoryLimit)
	case "mysql":
		return mysql.NewJournal(ctx, mysql.Config{
			DSN:             cfg.Journal.DSN,
			MaxOpenConns:    cfg.Journal.MaxOpenConns,
			MaxIdleConns:    cfg.Journal.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Journal.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Journal.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown journal driver: %s", cfg.Journal.Driver)
	}
}

// openTransport builds the upstream transport. Every driver serves both
// directions, data out and commands in.
func openTransport(cfg *config.Config) (relay.Transport, relay.InboundSource, error) {
	switch cfg.Relay.Transport {
	case "", "memory":
		t := relay.NewMemoryTransport(cfg.Relay.QueueCapacity)
		return t, t, nil
	case "rabbitmq":
		t, err := relay.NewAMQPTransport(relay.AMQPConfig{
			URL:          cfg.Relay.RabbitMQ.URL,
			DataQueue:    cfg.Relay.RabbitMQ.DataQueue,
			CommandQueue: cfg.Relay.RabbitMQ.CommandQueue,
			Prefetch:     cfg.Relay.RabbitMQ.Prefetch,
			Durable:      cfg.Relay.RabbitMQ.Durable,
			AutoDelete:   cfg.Relay.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	case "redis":
		t, err := relay.NewRedisTransport(relay.RedisConfig{
			Address:     cfg.Relay.Redis.Address,
			Password:    cfg.Relay.Redis.Password,
			DB:          cfg.Relay.Redis.DB,
			DataList:    cfg.Relay.Redis.DataList,
			CommandList: cfg.Relay.Redis.CommandList,
			BlockWait:   time.Duration(cfg.Relay.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay transport: %s", cfg.Relay.Transport)
	}
}

func buildAlerts(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.NewLogNotifier()}
	if cfg.Alerting.WebhookURL != "" {
		webhook, err := alerting.NewWebhookNotifier(
			cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.WebhookTimeoutSeconds)*time.Second,
		)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...), nil
}
