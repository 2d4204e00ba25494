package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dripflow/dripflow/pkg/cmd"
	"github.com/dripflow/dripflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "dripflow-ticker",
		Usage:                 "Advance due runs on a schedule and on demand",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum due runs processed per scheduled tick",
				Value:   0,
				Sources: cli.EnvVars("TICK_BATCH_SIZE"),
			},
			&cli.StringFlag{
				Name:    "tick-interval",
				Usage:   "Scheduled tick interval (cron @every syntax)",
				Value:   "30s",
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "ticker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("dripflow-ticker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing dripflow ticker")

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			ticker := NewTicker(
				workerID,
				persistence,
				eventBus,
				command.String("tick-interval"),
				command.Int("batch-size"),
				logger,
			)

			err := ticker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start ticker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
