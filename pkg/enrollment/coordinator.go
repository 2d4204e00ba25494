package enrollment

import (
	"context"
	"log/slog"
	"time"

	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
)

// NoMatchNote is returned when an event matched zero flows. Zero matches is
// a successful, informative outcome, not an error.
const NoMatchNote = "no flows matched this trigger configuration"

// SignalKey is the run-context key under which a resumed signal's payload is
// recorded, consulted by condition nodes waiting on that event type.
func SignalKey(eventType string) string {
	return "signal:" + models.NormalizeEventType(eventType)
}

// Request describes one enrollment call. FlowID selects forced mode and
// bypasses the trigger matcher; otherwise Event drives matching.
type Request struct {
	ContactID string
	FlowID    string
	Event     *events.LeadEvent
	Source    models.MembershipSource
}

// FlowEnrollment is the outcome for a single flow.
type FlowEnrollment struct {
	FlowID            string           `json:"flow_id"`
	RunID             string           `json:"run_id"`
	RunStatus         models.RunStatus `json:"run_status"`
	MembershipCreated bool             `json:"membership_created"`
	RunCreated        bool             `json:"run_created"`
}

// Result aggregates an enrollment call across all affected flows.
type Result struct {
	MatchedFlowCount int              `json:"matched_flow_count"`
	RunsCreated      int              `json:"runs_created"`
	RunsExisting     int              `json:"runs_existing"`
	Note             string           `json:"note,omitempty"`
	Enrollments      []FlowEnrollment `json:"enrollments"`
}

// Coordinator composes the membership ledger and the run tracker. Both
// writes are idempotent on their own; the coordinator never partially
// applies a validation failure.
type Coordinator struct {
	persistence persistence.Persistence
	flows       *flow.Repository
	matcher     *flow.TriggerMatcher
	bus         eventbus.EventBus
	logger      *slog.Logger
}

func NewCoordinator(
	p persistence.Persistence,
	flows *flow.Repository,
	matcher *flow.TriggerMatcher,
	bus eventbus.EventBus,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		persistence: p,
		flows:       flows,
		matcher:     matcher,
		bus:         bus,
		logger:      logger.With("module", "enrollment_coordinator"),
	}
}

// Enroll validates the request and performs forced or event-driven
// enrollment.
func (c *Coordinator) Enroll(ctx context.Context, req Request) (*Result, error) {
	if req.ContactID == "" {
		return nil, &CoordinatorError{Op: "Enroll", Err: ErrContactRequired}
	}

	if req.FlowID != "" {
		return c.enrollForced(ctx, req)
	}

	if req.Event == nil {
		return nil, &CoordinatorError{Op: "Enroll", ContactID: req.ContactID, Err: ErrFlowOrEventRequired}
	}

	return c.enrollByEvent(ctx, req)
}

func (c *Coordinator) enrollForced(ctx context.Context, req Request) (*Result, error) {
	definition, err := c.flows.FetchByID(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.MembershipSourceManual
		if req.Event != nil {
			source = models.MembershipSourceEvent
		}
	}

	outcome, err := c.enrollOne(ctx, definition, req.ContactID, source, req.Event)
	if err != nil {
		return nil, err
	}

	result := &Result{
		MatchedFlowCount: 1,
		Enrollments:      []FlowEnrollment{*outcome},
	}

	if outcome.RunCreated {
		result.RunsCreated = 1
		c.requestTick(ctx, definition.ID)
	} else {
		result.RunsExisting = 1
	}

	return result, nil
}

func (c *Coordinator) enrollByEvent(ctx context.Context, req Request) (*Result, error) {
	event := req.Event.Normalized()
	if event.Type == "" {
		return nil, &CoordinatorError{Op: "Enroll", ContactID: req.ContactID, Err: ErrEventEmpty}
	}

	event.ContactID = req.ContactID

	c.resumeWaitingRuns(ctx, event)

	candidates, err := c.flows.FetchActive(ctx)
	if err != nil {
		return nil, err
	}

	matches := c.matcher.Match(event, candidates)

	result := &Result{
		MatchedFlowCount: len(matches),
		Enrollments:      make([]FlowEnrollment, 0, len(matches)),
	}

	matchedIDs := make([]string, 0, len(matches))

	for _, match := range matches {
		matchedIDs = append(matchedIDs, match.Flow.ID)

		outcome, err := c.enrollOne(ctx, match.Flow, req.ContactID, models.MembershipSourceEvent, &event)
		if err != nil {
			return nil, err
		}

		result.Enrollments = append(result.Enrollments, *outcome)

		if outcome.RunCreated {
			result.RunsCreated++

			c.requestTick(ctx, match.Flow.ID)
		} else {
			result.RunsExisting++
		}
	}

	if len(matches) == 0 {
		result.Note = NoMatchNote
	}

	c.audit(ctx, event, matchedIDs)

	return result, nil
}

// enrollOne performs the idempotent membership + run pair for one flow.
func (c *Coordinator) enrollOne(
	ctx context.Context,
	definition *models.Flow,
	contactID string,
	source models.MembershipSource,
	event *events.LeadEvent,
) (*FlowEnrollment, error) {
	membershipCreated, err := c.persistence.Memberships().Ensure(ctx, definition.ID, contactID, source)
	if err != nil {
		return nil, err
	}

	run, runCreated, err := c.persistence.Runs().EnsureActive(ctx, definition.ID, contactID, runContext(event))
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Enrollment ensured",
		"flow_id", definition.ID,
		"contact_id", contactID,
		"run_id", run.ID,
		"run_created", runCreated,
		"membership_created", membershipCreated)

	if c.bus != nil && runCreated {
		enrolled := events.ContactEnrolled{
			BaseEvent:  events.NewBaseEvent(events.ContactEnrolledEvent, definition.ID),
			ContactID:  contactID,
			RunID:      run.ID,
			Source:     string(source),
			RunCreated: runCreated,
		}

		err := c.bus.Publish(ctx, definition.ID, enrolled)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to publish enrollment event", "error", err)
		}
	}

	return &FlowEnrollment{
		FlowID:            definition.ID,
		RunID:             run.ID,
		RunStatus:         run.Status,
		MembershipCreated: membershipCreated,
		RunCreated:        runCreated,
	}, nil
}

// resumeWaitingRuns wakes runs parked on a condition node waiting for this
// event type, merging the payload into the run context.
func (c *Coordinator) resumeWaitingRuns(ctx context.Context, event events.LeadEvent) {
	waiting, err := c.persistence.Runs().Waiting(ctx, event.ContactID)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to load waiting runs", "error", err)

		return
	}

	for _, run := range waiting {
		if run.CurrentNodeID == nil {
			continue
		}

		definition, err := c.flows.FetchByID(ctx, run.FlowID)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to load flow for waiting run",
				"run_id", run.ID, "flow_id", run.FlowID, "error", err)

			continue
		}

		node := definition.NodeByID(*run.CurrentNodeID)
		if node == nil || node.Type != models.NodeTypeCondition {
			continue
		}

		condition, err := node.Condition()
		if err != nil || condition.WaitFor != event.Type {
			continue
		}

		if run.Context == nil {
			run.Context = make(map[string]any)
		}

		run.Context[SignalKey(event.Type)] = signalPayload(event)
		run.Status = models.RunStatusActive
		run.AvailableAt = time.Now().UTC()

		err = c.persistence.Runs().Update(ctx, run)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to resume waiting run",
				"run_id", run.ID, "error", err)

			continue
		}

		c.logger.InfoContext(ctx, "Resumed waiting run",
			"run_id", run.ID,
			"flow_id", run.FlowID,
			"event_type", event.Type)

		c.requestTick(ctx, run.FlowID)
	}
}

// audit publishes the trigger-log record of the event and its matches.
// Fire-and-forget: audit failures never fail the enrollment.
func (c *Coordinator) audit(ctx context.Context, event events.LeadEvent, matchedIDs []string) {
	if c.bus == nil {
		return
	}

	record := events.LeadEventReceived{
		BaseEvent:      events.NewBaseEvent(events.LeadEventReceivedEvent, ""),
		EventType:      event.Type,
		ContactID:      event.ContactID,
		ListID:         event.ListID,
		Payload:        event.Payload,
		MatchedFlowIDs: matchedIDs,
	}

	err := c.bus.Publish(ctx, event.ContactID, record)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to publish audit record", "error", err)
	}
}

func (c *Coordinator) requestTick(ctx context.Context, flowID string) {
	if c.bus == nil {
		return
	}

	request := events.TickRequested{
		BaseEvent: events.NewBaseEvent(events.TickRequestedEvent, flowID),
	}

	err := c.bus.Publish(ctx, flowID, request)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to publish tick request", "flow_id", flowID, "error", err)
	}
}

// signalPayload is the value stored under the signal key when a waiting run
// resumes. Condition expressions read it from the run context.
func signalPayload(event events.LeadEvent) map[string]any {
	payload := map[string]any{
		"received_at": time.Now().UTC().Format(time.RFC3339),
	}

	if event.ListID != "" {
		payload["list_id"] = event.ListID
	}

	for key, value := range event.Payload {
		payload[key] = value
	}

	return payload
}

func runContext(event *events.LeadEvent) map[string]any {
	if event == nil {
		return map[string]any{}
	}

	runCtx := map[string]any{
		"event_type": event.Type,
	}

	if event.ListID != "" {
		runCtx["list_id"] = event.ListID
	}

	for key, value := range event.Payload {
		runCtx[key] = value
	}

	return runCtx
}
