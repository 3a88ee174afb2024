// Package app builds the settlement services from the environment. Every binary under
// cmd starts from New and closes the App on exit.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/goorm-sudo/raillo/settlement/internal/config"
	"github.com/goorm-sudo/raillo/settlement/internal/db"
	"github.com/goorm-sudo/raillo/settlement/internal/external/gateway"
	"github.com/goorm-sudo/raillo/settlement/internal/external/kafka"
	interf "github.com/goorm-sudo/raillo/settlement/internal/interfaces"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/goorm-sudo/raillo/settlement/internal/policy"
	"github.com/goorm-sudo/raillo/settlement/internal/services"
	"go.uber.org/zap"
)

// Options select the optional parts of an App.
type Options struct {
	// Refunds wires the payment gateway and the fee policies. GATEWAY_URL is then required.
	Refunds bool
	// Publish relays outbox events to Kafka when KAFKA_BROKERS is set.
	Publish bool
}

type App struct {
	Logger   *zap.Logger
	Settings config.Settings
	Metrics  *metrics.Registry
	DB       *db.DB

	Ledger  *services.LedgerService
	Outbox  *services.OutboxService
	Earning *services.EarningService
	Refund  *services.RefundService

	closers []func()
}

// NewLogger returns a production logger when env is "production".
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func New(ctx context.Context, logger *zap.Logger, settings config.Settings, opts Options) (_ *App, err error) {
	a := &App{Logger: logger, Settings: settings}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// database
	dsn, err := config.PostgresDSN()
	if err != nil {
		return nil, err
	}
	if a.DB, err = db.NewDB(ctx, dsn, logger); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)

	// cache and locks
	var cache interf.CacheStorage
	var locker interf.Locker = lock.NewLocal()
	if rcfg, ok := config.RedisFromEnv(); ok {
		client, err := db.NewRedisClient(ctx, rcfg.Addr, rcfg.User, rcfg.Password)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		cache = db.NewCacheService(client)
		locker = lock.NewRedis(client, settings.LockExpiry, logger)
	} else {
		logger.Warn("Redis is not configured, balance cache is off and locks are process-local")
	}

	// outbox publisher
	var publisher interf.EventPublisher
	if opts.Publish {
		kcfg, err := config.KafkaFromEnv("KAFKA_OUTBOX_TOPIC", "settlement-events", "")
		if err == nil {
			p := kafka.NewPublisher(kcfg.Brokers, kcfg.Topic)
			a.closers = append(a.closers, func() { p.Close() })
			publisher = p
		} else {
			logger.Warn("Outbox events are not relayed", zap.Error(err))
		}
	}

	a.Metrics = metrics.New(logger, int64(settings.AlertThreshold))
	a.Ledger = services.NewLedgerService(logger, a.DB, a.DB.Ledger(), cache, locker, settings.MileageExpiry)
	a.Outbox = services.NewOutboxService(logger, a.DB.Outbox(), publisher, a.Metrics, services.OutboxConfig{
		BatchSize:         settings.OutboxBatchSize,
		MaxRetry:          settings.OutboxMaxRetry,
		ProcessingTimeout: settings.OutboxProcessingTimeout,
		Retention:         settings.OutboxRetention,
	})
	a.Earning = services.NewEarningService(logger, a.DB, a.DB.Schedules(), a.Ledger, a.Outbox, locker, a.Metrics, services.EarningConfig{
		BatchSize:         settings.EarningBatchSize,
		Concurrency:       settings.EarningConcurrency,
		MaxRetry:          settings.EarningMaxRetry,
		Retention:         settings.ScheduleRetention,
		ProcessingTimeout: settings.EarningProcessingTimeout,
	})
	a.Outbox.Register(model.EventTrainArrived, a.Earning.ApplyTrainArrival)
	a.Outbox.Register(model.EventEarningReady, a.Earning.HandleEarningReady)

	if opts.Refunds {
		gcfg, err := config.GatewayFromEnv()
		if err != nil {
			return nil, err
		}
		resolver, err := a.policies(ctx, config.FeePolicyFromEnv())
		if err != nil {
			return nil, err
		}
		a.Refund = services.NewRefundService(logger, a.DB, a.DB.Refunds(), a.Ledger, a.Earning, a.Outbox,
			gateway.NewClient(gcfg), resolver, locker, a.Metrics, services.RefundConfig{
				UnknownTimeout:    settings.RefundUnknownTimeout,
				ProcessingTimeout: settings.RefundProcessingTimeout,
				BatchSize:         settings.RefundBatchSize,
			})
	}
	return a, nil
}

// policies resolves fee policies from Mongo, then the policy file, then the default.
func (a *App) policies(ctx context.Context, cfg config.FeePolicy) (*policy.Resolver, error) {
	var static map[string]*policy.TieredPolicy
	fallback := policy.Default()
	if cfg.File != "" {
		var err error
		var def *policy.TieredPolicy
		if static, def, err = policy.LoadFile(cfg.File); err != nil {
			return nil, fmt.Errorf("fee policy file: %w", err)
		}
		if def != nil {
			fallback = def
		}
	}
	var store policy.Store
	if cfg.MongoURI != "" {
		m, err := policy.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("fee policy store: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := m.Close(context.Background()); err != nil {
				a.Logger.Warn("Fee policy store close failed", zap.Error(err))
			}
		})
		store = m
	}
	return policy.NewResolver(a.Logger, store, static, fallback), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Logged reports a job error unless it is a lost lock race.
func (a *App) Logged(job string, err error) {
	if err == nil || errors.Is(err, lock.ErrLockBusy) || errors.Is(err, context.Canceled) {
		return
	}
	a.Logger.Error("Job failed", zap.String("job", job), zap.Error(err))
}
