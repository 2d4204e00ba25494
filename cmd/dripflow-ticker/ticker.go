// Package main provides the dripflow ticker: the worker that advances due
// runs on a schedule and on bus hand-offs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/dripflow/dripflow/pkg/cmd"
	"github.com/dripflow/dripflow/pkg/engine"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/otelhelper"
	"github.com/dripflow/dripflow/pkg/persistence"
)

// Ticker runs the tick processor two ways: a cron schedule sweeps every due
// run, and TickRequested events from the bus process a single flow promptly
// after an enrollment.
type Ticker struct {
	workerID    string
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	interval    string
	maxBatch    int
	logger      *slog.Logger
}

func NewTicker(
	workerID string,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	interval string,
	maxBatch int,
	logger *slog.Logger,
) *Ticker {
	return &Ticker{
		workerID:    workerID,
		persistence: p,
		eventBus:    eventBus,
		interval:    interval,
		maxBatch:    maxBatch,
		logger:      logger,
	}
}

func (t *Ticker) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := otelhelper.NewTracer(ctx, "dripflow-ticker")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	flows := flow.NewRepository(t.persistence)

	processor := engine.NewProcessor(
		t.workerID,
		t.persistence,
		flows,
		cmd.NewDispatchRegistry(t.logger),
		t.eventBus,
		tracer,
		t.logger,
	)

	err = t.eventBus.Handle(events.TickRequestedEvent, func(ctx context.Context, event any) error {
		request, ok := event.(*events.TickRequested)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		_, err := processor.ProcessDue(ctx, engine.TickRequest{
			FlowID:   request.FlowID,
			MaxBatch: request.MaxBatch,
		})

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register tick handler: %w", err)
	}

	err = t.eventBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc("@every "+t.interval, func() {
		_, tickErr := processor.ProcessDue(ctx, engine.TickRequest{MaxBatch: t.maxBatch})
		if tickErr != nil {
			t.logger.ErrorContext(ctx, "Scheduled tick failed", "error", tickErr)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid tick interval %q: %w", t.interval, err)
	}

	scheduler.Start()

	t.logger.InfoContext(ctx, "Ticker started", "interval", t.interval)

	<-ctx.Done()

	t.logger.Info("Shutting down ticker")

	<-scheduler.Stop().Done()

	return nil
}
