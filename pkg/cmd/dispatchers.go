package cmd

import (
	"log/slog"
	"os"

	redis "github.com/redis/go-redis/v9"

	"github.com/dripflow/dripflow/pkg/dispatch"
)

// NewDispatchRegistry wires the delivery transports from the environment.
// The log dispatcher is always registered so a flow with no configured
// transport still advances.
func NewDispatchRegistry(logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry()
	registry.Register("log", dispatch.NewLogDispatcher(logger))

	if url := os.Getenv("DISPATCH_HTTP_URL"); url != "" {
		registry.Register("http", dispatch.NewHTTPDispatcher(url, nil, logger))
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Warn("Invalid REDIS_URL, queue dispatcher disabled", "error", err)

			return registry
		}

		queue := os.Getenv("DISPATCH_QUEUE")
		if queue == "" {
			queue = "dripflow:deliveries"
		}

		registry.Register("queue", dispatch.NewQueueDispatcher(redis.NewClient(opts), queue, logger))
	}

	return registry
}
