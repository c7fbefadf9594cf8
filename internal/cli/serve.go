package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/worldstate/internal/bus"
	"github.com/roach88/worldstate/internal/notify"
	"github.com/roach88/worldstate/internal/outbox"
	"github.com/roach88/worldstate/internal/store"
	"github.com/roach88/worldstate/internal/telemetry"
	"github.com/roach88/worldstate/internal/trigger"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, trigger consumer and notification dispatcher",
		Long: `Run every background worker until SIGINT or SIGTERM:

  - the outbox relay, moving committed events to the bus
  - the trigger consumer (group "triggers")
  - the notification dispatcher (group "notifications"), when notify.kinds is set
  - the metrics endpoint, when telemetry.metrics_addr is set
  - periodic maintenance: bus trim, dedupe and outbox purges, lag gauges`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg := opts.Config
	logger := opts.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := opts.loadCatalog()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeCatalog, "load catalogue", err)
	}
	st, err := opts.openStore(cat)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()
	b, err := opts.openBus()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open bus", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("error closing bus", "error", err)
		}
	}()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "setup tracing", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	relay, err := outbox.New(st, b, outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		LeaseTTL:     cfg.Outbox.LeaseTTL,
		BatchSize:    cfg.Outbox.BatchSize,
		RetryBackoff: cfg.Outbox.RetryBackoff,
		MaxBackoff:   cfg.Outbox.MaxBackoff,
	}, outbox.WithLogger(logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "configure relay", err)
	}
	st.OnCommit(relay.Wake)

	engine := trigger.New(st, cat,
		trigger.WithMaxAttempts(cfg.Triggers.MaxAttempts),
		trigger.WithEmitLimit(cfg.Triggers.EmitLimit),
		trigger.WithLogger(logger),
	)
	consumer := trigger.NewConsumer(b, engine, trigger.ConsumerConfig{
		Consumer:  cfg.Triggers.Consumer,
		Lanes:     cfg.Triggers.Lanes,
		Subscribe: opts.subscribeOptions(),
	}, trigger.WithConsumerLogger(logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })

	if len(cfg.Notify.Kinds) > 0 {
		dispatcher, err := notify.New(b, notify.NewLogSink(logger), notify.Config{
			Consumer:  cfg.Notify.Consumer,
			Kinds:     cfg.Notify.Kinds,
			Subscribe: opts.subscribeOptions(),
		}, notify.WithLogger(logger))
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "configure notifications", err)
		}
		g.Go(func() error { return dispatcher.Run(ctx) })
	}
	if cfg.Telemetry.MetricsAddr != "" {
		g.Go(func() error { return telemetry.ServeMetrics(ctx, cfg.Telemetry.MetricsAddr, logger) })
	}
	g.Go(func() error {
		m := &maintainer{
			store:              st,
			bus:                b,
			outboxRetention:    cfg.Outbox.Retention,
			processedRetention: cfg.Maintenance.ProcessedRetention,
			logger:             logger,
		}
		return m.Run(ctx, cfg.Maintenance.Interval)
	})

	logger.Info("worldstate serving",
		"store", cfg.Data.Store,
		"bus", cfg.Data.Bus,
		"catalog", cfg.Catalog,
		"relay", relay.Owner(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "worldstate serving. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("worldstate stopped")
	return nil
}

// maintainer runs the periodic cleanup of the bus and the outbox.
type maintainer struct {
	store              *store.Store
	bus                *bus.Bus
	outboxRetention    time.Duration
	processedRetention time.Duration
	logger             *slog.Logger
}

func (m *maintainer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Once(ctx)
		}
	}
}

// Once runs one maintenance pass. Failures are logged; the next pass
// retries.
func (m *maintainer) Once(ctx context.Context) {
	now := time.Now()

	if n, err := m.bus.Trim(ctx); err != nil {
		m.logger.Warn("trim bus", "error", err)
	} else if n > 0 {
		m.logger.Debug("trimmed bus", "entries", n)
	}

	if m.processedRetention > 0 {
		if _, err := m.bus.PurgeProcessed(ctx, now.Add(-m.processedRetention)); err != nil {
			m.logger.Warn("purge processed ids", "error", err)
		}
	}
	if m.outboxRetention > 0 {
		if _, err := m.store.PurgeOutbox(ctx, now.Add(-m.outboxRetention)); err != nil {
			m.logger.Warn("purge outbox", "error", err)
		}
	}

	groups, err := m.bus.Groups(ctx)
	if err != nil {
		m.logger.Warn("refresh group lag", "error", err)
		return
	}
	for _, g := range groups {
		m.logger.Debug("group lag", "group", g.Name, "lag", g.Lag, "pending", g.Pending)
	}

	if stats, err := m.store.OutboxStats(ctx); err == nil && stats.Dead > 0 {
		m.logger.Warn("outbox has dead entries",
			"dead", stats.Dead, "pending", stats.Pending, "hint", "worldstate outbox requeue")
	}
}
