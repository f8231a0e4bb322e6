package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stepflow-io/stepflow/engine/advisor"
	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/events"
	"github.com/stepflow-io/stepflow/engine/infra/postgres"
	"github.com/stepflow-io/stepflow/engine/infra/queue"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stepflow-io/stepflow/engine/orchestrator"
	"github.com/stepflow-io/stepflow/engine/retry"
	"github.com/stepflow-io/stepflow/pkg/config"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// ServeCmd runs the delivery loop: consume task IDs from the queue and
// process each with the orchestrator until interrupted.
func ServeCmd(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow processing loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts Options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.NewLogger(loggerConfig(cfg))
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)

	store, err := postgres.NewStore(ctx, databaseConfig(cfg))
	if err != nil {
		return err
	}
	defer store.Close(context.WithoutCancel(ctx))
	if cfg.Database.AutoMigrate {
		if err := postgres.ApplyMigrationsWithLock(ctx, databaseConfig(cfg).DSN()); err != nil {
			return err
		}
	}
	client, err := queue.NewClient(ctx, queueConfig(cfg))
	if err != nil {
		return err
	}
	defer client.Close()
	q := queue.New(client, queueConfig(cfg))

	bus := events.NewBus()
	defer bus.Close()
	orch, err := orchestrator.New(orchestrator.Options{
		Repo:     postgres.NewRepo(store.Pool()),
		Registry: opts.Registry,
		Advisor:  advisor.New(postgres.NewProbe(store.Pool()), advisorConfig(cfg)),
		Policy:   retryPolicy(cfg),
		Bus:      bus,
		Enqueuer: q,
		Config: orchestrator.Config{
			MaxPassIterations:  cfg.Orchestrator.MaxPassIterations,
			DefaultRetryLimit:  cfg.Orchestrator.DefaultRetryLimit,
			InPassRetryHorizon: cfg.Orchestrator.InPassRetryHorizon,
		},
	})
	if err != nil {
		return err
	}

	consumer := queue.NewConsumer(q, func(ctx context.Context, taskID core.ID) error {
		err := orch.Process(ctx, taskID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, orchestrator.ErrTaskAlreadyComplete),
			errors.Is(err, orchestrator.ErrTaskNotPending),
			errors.Is(err, ledger.ErrStaleTransition):
			// duplicate or stale delivery, or another instance won the
			// start transition; drop it
			logger.FromContext(ctx).Debug("dropping stale delivery", "task_id", taskID, "reason", err)
			return nil
		default:
			return err
		}
	})
	log.Info("stepflow serving", "executors", len(opts.Registry.Names()))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stepflow stopped")
	return nil
}

// MigrateCmd applies the database schema and exits.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := logger.ContextWithLogger(cmd.Context(), logger.NewLogger(loggerConfig(cfg)))
			if err := postgres.ApplyMigrationsWithLock(ctx, databaseConfig(cfg).DSN()); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			return nil
		},
	}
}

func loggerConfig(cfg *config.Config) *logger.Config {
	return &logger.Config{
		Level:      logger.LogLevel(cfg.Logger.Level),
		JSON:       cfg.Logger.JSON,
		AddSource:  cfg.Logger.AddSource,
		TimeFormat: cfg.Logger.TimeFormat,
	}
}

func databaseConfig(cfg *config.Config) *postgres.Config {
	return &postgres.Config{
		ConnString:      cfg.Database.ConnString,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MinIdleConns:    cfg.Database.MinIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		PingTimeout:     cfg.Database.PingTimeout,
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PingTimeout:     cfg.Redis.PingTimeout,
		PromoteInterval: cfg.Redis.PromoteInterval,
		PromoteBatch:    cfg.Redis.PromoteBatch,
		DequeueTimeout:  cfg.Redis.DequeueTimeout,
		RetryDelay:      cfg.Redis.RetryDelay,
	}
}

func advisorConfig(cfg *config.Config) advisor.Config {
	out := advisor.DefaultConfig()
	if cfg.Advisor.MinConcurrentSteps > 0 {
		out.MinConcurrentSteps = cfg.Advisor.MinConcurrentSteps
	}
	if cfg.Advisor.MaxConcurrentStepsLimit > 0 {
		out.MaxConcurrentStepsLimit = cfg.Advisor.MaxConcurrentStepsLimit
	}
	if cfg.Advisor.EmergencyFallback > 0 {
		out.EmergencyFallback = cfg.Advisor.EmergencyFallback
	}
	if cfg.Advisor.HardAvailabilityCap > 0 {
		out.HardAvailabilityCap = cfg.Advisor.HardAvailabilityCap
	}
	return out
}

func retryPolicy(cfg *config.Config) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.Retry.BaseDelay > 0 {
		policy.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		policy.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.JitterFraction > 0 {
		policy.JitterFraction = cfg.Retry.JitterFraction
	}
	return policy
}
