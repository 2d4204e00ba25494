// Package main provides the dripflow API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/dripflow/dripflow/pkg/cmd"
	"github.com/dripflow/dripflow/pkg/engine"
	"github.com/dripflow/dripflow/pkg/enrollment"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/persistence"
	"github.com/dripflow/dripflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate
	handlers    *web.APIHandlers
}

func NewAPI(
	ctx context.Context,
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
) *API {
	validate := validator.New(validator.WithRequiredStructEnabled())

	flows := flow.NewRepository(p)
	matcher := flow.NewTriggerMatcher(logger)
	coordinator := enrollment.NewCoordinator(p, flows, matcher, eventBus, logger)

	// The API carries its own processor so operators can force a tick
	// without a running ticker process.
	processor := engine.NewProcessor(
		"api-"+uuid.New().String()[:8],
		p,
		flows,
		cmd.NewDispatchRegistry(logger),
		eventBus,
		otel.Tracer("dripflow-api"),
		logger,
	)

	return &API{
		logger:      logger,
		persistence: p,
		eventBus:    eventBus,
		validate:    validate,
		handlers:    web.NewAPIHandlers(coordinator, processor, flows, p, validate),
	}
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("dripflow API")
	})

	a.handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
