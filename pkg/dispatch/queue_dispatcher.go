package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dripflow/dripflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// QueueDispatcher pushes the dispatch envelope onto a Redis list consumed by
// a delivery worker fleet.
type QueueDispatcher struct {
	client redis.UniversalClient
	queue  string
	logger *slog.Logger
}

func NewQueueDispatcher(client redis.UniversalClient, queue string, logger *slog.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		client: client,
		queue:  queue,
		logger: logger.With("module", "queue_dispatcher", "queue", queue),
	}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, run *models.Run, action *models.ActionSpec) error {
	envelope := NewEnvelope(run, action)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch envelope: %w", err)
	}

	err = d.client.LPush(ctx, d.queue, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to push envelope to delivery queue: %w", err)
	}

	d.logger.InfoContext(ctx, "Queued action for delivery",
		"run_id", envelope.RunID,
		"kind", envelope.Kind)

	return nil
}
