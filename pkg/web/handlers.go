// Package web provides HTTP handlers and REST API endpoints for the flow
// engine.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dripflow/dripflow/pkg/engine"
	"github.com/dripflow/dripflow/pkg/enrollment"
	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
)

type APIHandlers struct {
	coordinator *enrollment.Coordinator
	processor   *engine.Processor
	flows       *flow.Repository
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	coordinator *enrollment.Coordinator,
	processor *engine.Processor,
	flows *flow.Repository,
	p persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		coordinator: coordinator,
		processor:   processor,
		flows:       flows,
		persistence: p,
		validator:   validator,
	}
}

// RegisterRoutes wires every endpoint onto the fiber app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/events", h.IngestEvent)
	app.Post("/enrollments", h.Enroll)
	app.Post("/ticks", h.Tick)

	app.Get("/flows", h.GetFlows)
	app.Post("/flows", h.CreateFlow)
	app.Get("/flows/:id", h.GetFlow)
	app.Patch("/flows/:id", h.UpdateFlow)
	app.Delete("/flows/:id", h.DeleteFlow)

	app.Get("/runs", h.GetRuns)
	app.Get("/runs/:id", h.GetRun)
	app.Post("/runs/:id/cancel", h.CancelRun)
}

// IngestEvent accepts a lead event and performs event-driven enrollment.
// Matching zero flows is still a 200: the caller learns via the note.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req IngestEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.coordinator.Enroll(c.Context(), enrollment.Request{
		ContactID: req.ContactID,
		Event: &events.LeadEvent{
			Type:      req.Type,
			ContactID: req.ContactID,
			ListID:    req.ListID,
			Payload:   req.Payload,
		},
		Source: models.MembershipSourceEvent,
	})
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(result)
}

// Enroll forces a contact into a specific flow.
func (h *APIHandlers) Enroll(c fiber.Ctx) error {
	var req EnrollRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	enrollReq := enrollment.Request{
		ContactID: req.ContactID,
		FlowID:    req.FlowID,
		Source:    models.MembershipSource(req.Source),
	}

	if len(req.Payload) > 0 {
		enrollReq.Event = &events.LeadEvent{
			ContactID: req.ContactID,
			Payload:   req.Payload,
		}
	}

	result, err := h.coordinator.Enroll(c.Context(), enrollReq)
	if err != nil {
		return handleDomainError(c, err)
	}

	status := fiber.StatusCreated
	if result.RunsCreated == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(result)
}

// Tick runs one synchronous processing pass. The scheduled ticker and the
// bus hand-off cover normal operation; this endpoint exists for operators.
func (h *APIHandlers) Tick(c fiber.Ctx) error {
	var req TickRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	result, err := h.processor.ProcessDue(c.Context(), engine.TickRequest{
		FlowID:   req.FlowID,
		MaxBatch: req.MaxBatch,
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	var (
		flows []*models.Flow
		err   error
	)

	if c.Query("status") == string(models.FlowStatusActive) {
		flows, err = h.flows.FetchActive(c.Context())
	} else {
		flows, err = h.flows.FetchAll(c.Context())
	}

	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	definition, err := h.flows.FetchByID(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	definition := &models.Flow{
		Name:       req.Name,
		Status:     models.FlowStatus(req.Status),
		IsStandard: req.IsStandard,
		OwnerID:    req.OwnerID,
		Nodes:      req.Nodes,
	}

	if definition.Nodes == nil {
		definition.Nodes = []*models.Node{}
	}

	created, err := h.flows.Create(c.Context(), definition)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.flows.FetchByID(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Status != nil {
		existing.Status = models.FlowStatus(*req.Status)
	}

	if req.Nodes != nil {
		existing.Nodes = req.Nodes
	}

	updated, err := h.flows.Update(c.Context(), id, existing)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	err := h.flows.Delete(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetRuns lists a contact's runs across flows.
func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	contactID := c.Query("contact_id")
	if contactID == "" {
		return badRequest(c, "contact_id query parameter is required")
	}

	runs, err := h.persistence.Runs().ForContact(c.Context(), contactID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":        runs,
		"total_count": len(runs),
	})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.persistence.Runs().ByID(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(run)
}

// CancelRun marks a run cancelled. Cancelling a terminal run is a conflict,
// not an internal error.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	err := h.persistence.Runs().Cancel(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	run, err := h.persistence.Runs().ByID(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.flows.HealthCheck(c.Context())

	status := "unhealthy"
	message := "dripflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "dripflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
