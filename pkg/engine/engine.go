// Package engine advances due runs through their flow's node list. A tick is
// the unit of work: claim a batch of due runs, step each one as far as it can
// go, persist the result and release the claim.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dripflow/dripflow/pkg/dispatch"
	"github.com/dripflow/dripflow/pkg/enrollment"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/otelhelper"
	"github.com/dripflow/dripflow/pkg/persistence"
)

const (
	// DefaultMaxBatch caps how many due runs one tick claims.
	DefaultMaxBatch = 100

	// DefaultStaleAfter is how long a claim stays valid before another
	// worker may reclaim the run.
	DefaultStaleAfter = 5 * time.Minute

	// dispatchAttempts bounds retries of one action dispatch within a tick.
	// A run that still fails after these attempts is marked failed.
	dispatchAttempts = 3
)

// TickRequest scopes one tick. A zero value processes every due run up to
// the default batch size.
type TickRequest struct {
	FlowID   string
	MaxBatch int
}

// TickResult summarizes one tick.
type TickResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Processor claims and advances due runs. Multiple processors may run
// concurrently against the same store; the claim protocol keeps each run on
// a single worker at a time.
type Processor struct {
	workerID    string
	persistence persistence.Persistence
	flows       *flow.Repository
	registry    *dispatch.Registry
	bus         eventbus.EventBus
	tracer      trace.Tracer
	logger      *slog.Logger
	staleAfter  time.Duration
}

func NewProcessor(
	workerID string,
	p persistence.Persistence,
	flows *flow.Repository,
	registry *dispatch.Registry,
	bus eventbus.EventBus,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		workerID:    workerID,
		persistence: p,
		flows:       flows,
		registry:    registry,
		bus:         bus,
		tracer:      tracer,
		logger:      logger.With("module", "tick_processor", "worker_id", workerID),
		staleAfter:  DefaultStaleAfter,
	}
}

// ProcessDue runs one tick: select due runs, claim each one and step it.
// Runs whose claim is lost to another worker are skipped, not failed.
func (p *Processor) ProcessDue(ctx context.Context, req TickRequest) (*TickResult, error) {
	limit := req.MaxBatch
	if limit <= 0 {
		limit = DefaultMaxBatch
	}

	now := time.Now().UTC()
	staleBefore := now.Add(-p.staleAfter)

	due, err := p.persistence.Runs().Due(ctx, req.FlowID, limit, now, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to select due runs: %w", err)
	}

	result := &TickResult{}

	if len(due) == 0 {
		return result, nil
	}

	p.logger.InfoContext(ctx, "Processing due runs",
		"due_count", len(due),
		"flow_id", req.FlowID)

	for _, run := range due {
		claimed, err := p.persistence.Runs().Claim(ctx, run.ID, p.workerID, now, staleBefore)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to claim run", "run_id", run.ID, "error", err)

			result.Failed++

			continue
		}

		if !claimed {
			// Another worker got there first. Its tick will cover the run.
			continue
		}

		result.Processed++

		err = p.processRun(ctx, run.ID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Run processing failed",
				"run_id", run.ID, "error", err)

			result.Failed++
		} else {
			result.Succeeded++
		}
	}

	p.logger.InfoContext(ctx, "Tick complete",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed)

	return result, nil
}

// processRun steps a single claimed run until it parks, completes or fails.
// The claim is released on every path.
func (p *Processor) processRun(ctx context.Context, runID string) error {
	defer func() {
		releaseErr := p.persistence.Runs().Release(ctx, runID, p.workerID)
		if releaseErr != nil {
			p.logger.WarnContext(ctx, "Failed to release run claim",
				"run_id", runID, "error", releaseErr)
		}
	}()

	// Re-read under the claim: the due snapshot may predate a cancel or a
	// concurrent update.
	run, err := p.persistence.Runs().ByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load claimed run: %w", err)
	}

	if run.Status != models.RunStatusActive {
		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "engine.process_run",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.FlowIDKey, run.FlowID),
		attribute.String(otelhelper.ContactIDKey, run.ContactID),
		attribute.String(otelhelper.WorkerIDKey, p.workerID),
	)
	defer span.End()

	definition, err := p.flows.FetchByID(ctx, run.FlowID)
	if err != nil {
		if persistence.IsFlowNotFound(err) {
			return p.failRun(ctx, run, "", "flow definition no longer exists")
		}

		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to load flow for run: %w", err)
	}

	err = p.step(ctx, run, definition)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// step advances the run node by node until it hits a delay, parks on a
// condition, finishes the list or fails. The node pointer names the next
// node to evaluate; nil means the node after the trigger.
func (p *Processor) step(ctx context.Context, run *models.Run, definition *models.Flow) error {
	// One pass over the list is the most a single tick can do.
	for steps := 0; steps <= len(definition.Nodes); steps++ {
		node := p.currentNode(run, definition)
		if node == nil {
			return p.completeRun(ctx, run)
		}

		switch node.Type {
		case models.NodeTypeTrigger:
			// Triggers are enrollment-time constructs. One mid-list is
			// skipped over.
			p.advance(run, definition, node)

		case models.NodeTypeDelay:
			spec, err := node.Delay()
			if err != nil {
				return p.failRun(ctx, run, node.ID, err.Error())
			}

			p.advance(run, definition, node)
			run.AvailableAt = time.Now().UTC().Add(spec.Duration)

			p.logger.InfoContext(ctx, "Run parked on delay",
				"run_id", run.ID,
				"node_id", node.ID,
				"available_at", run.AvailableAt)

			_, err = p.commit(ctx, run)

			return err

		case models.NodeTypeAction:
			spec, err := node.Action()
			if err != nil {
				return p.failRun(ctx, run, node.ID, err.Error())
			}

			err = p.dispatchWithRetry(ctx, run, spec)
			if err != nil {
				return p.failRun(ctx, run, node.ID, err.Error())
			}

			p.advance(run, definition, node)

			// Persist the advance before evaluating the next node so a crash
			// here cannot replay this send once the claim goes stale.
			committed, err := p.commit(ctx, run)
			if err != nil {
				return err
			}

			if !committed {
				return nil
			}

		case models.NodeTypeCondition:
			spec, err := node.Condition()
			if err != nil {
				return p.failRun(ctx, run, node.ID, err.Error())
			}

			if spec.WaitFor != "" && !p.signalPresent(run, spec.WaitFor) {
				run.Status = models.RunStatusWaitingEvent

				p.logger.InfoContext(ctx, "Run waiting for event",
					"run_id", run.ID,
					"node_id", node.ID,
					"wait_for", spec.WaitFor)

				_, err = p.commit(ctx, run)

				return err
			}

			passed, err := evaluateCondition(spec.Expression, run.Context)
			if err != nil {
				return p.failRun(ctx, run, node.ID, err.Error())
			}

			if !passed {
				// The node list is linear; a false condition ends the run.
				return p.completeRun(ctx, run)
			}

			p.advance(run, definition, node)

		default:
			return p.failRun(ctx, run, node.ID, fmt.Sprintf("unknown node type %q", node.Type))
		}
	}

	return p.failRun(ctx, run, "", "node pointer did not progress")
}

// currentNode resolves the run's pointer to the next node to evaluate.
func (p *Processor) currentNode(run *models.Run, definition *models.Flow) *models.Node {
	if run.CurrentNodeID == nil {
		return definition.EntryNode()
	}

	return definition.NodeByID(*run.CurrentNodeID)
}

// advance moves the pointer past node. A nil successor parks the pointer on
// a sentinel past the end, resolved to completion on the next evaluation.
func (p *Processor) advance(run *models.Run, definition *models.Flow, node *models.Node) {
	next := definition.NodeAfter(node.ID)
	if next == nil {
		end := ""
		run.CurrentNodeID = &end

		return
	}

	run.CurrentNodeID = &next.ID
}

func (p *Processor) signalPresent(run *models.Run, eventType string) bool {
	if run.Context == nil {
		return false
	}

	_, ok := run.Context[enrollment.SignalKey(eventType)]

	return ok
}

// dispatchWithRetry retries transient dispatch failures with exponential
// backoff before giving up on the run.
func (p *Processor) dispatchWithRetry(ctx context.Context, run *models.Run, spec *models.ActionSpec) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dispatchAttempts-1),
		ctx,
	)

	attempt := 0

	return backoff.Retry(func() error {
		attempt++

		err := p.registry.Dispatch(ctx, run, spec)
		if err != nil {
			p.logger.WarnContext(ctx, "Action dispatch failed",
				"run_id", run.ID,
				"channel", spec.Channel,
				"attempt", attempt,
				"error", err)
		}

		return err
	}, policy)
}

func (p *Processor) completeRun(ctx context.Context, run *models.Run) error {
	run.Status = models.RunStatusCompleted

	committed, err := p.commit(ctx, run)
	if err != nil {
		return err
	}

	if !committed {
		return nil
	}

	p.logger.InfoContext(ctx, "Run completed",
		"run_id", run.ID,
		"flow_id", run.FlowID,
		"contact_id", run.ContactID)

	p.publish(ctx, run.FlowID, events.RunCompleted{
		BaseEvent: events.NewBaseEvent(events.RunCompletedEvent, run.FlowID),
		RunID:     run.ID,
		ContactID: run.ContactID,
	})

	return nil
}

func (p *Processor) failRun(ctx context.Context, run *models.Run, nodeID, reason string) error {
	run.Status = models.RunStatusFailed
	run.FailureReason = reason

	committed, err := p.commit(ctx, run)
	if err != nil {
		return err
	}

	if !committed {
		return nil
	}

	p.logger.ErrorContext(ctx, "Run failed",
		"run_id", run.ID,
		"flow_id", run.FlowID,
		"node_id", nodeID,
		"reason", reason)

	p.publish(ctx, run.FlowID, events.RunFailed{
		BaseEvent: events.NewBaseEvent(events.RunFailedEvent, run.FlowID),
		RunID:     run.ID,
		ContactID: run.ContactID,
		NodeID:    nodeID,
		Reason:    reason,
	})

	return fmt.Errorf("run %s failed at node %s: %s", run.ID, nodeID, reason)
}

// commit persists the stepped run. It reports false without writing when the
// run was cancelled while this worker held the claim: cancellation wins over
// whatever the step produced.
func (p *Processor) commit(ctx context.Context, run *models.Run) (bool, error) {
	stored, err := p.persistence.Runs().ByID(ctx, run.ID)
	if err != nil && !errors.Is(err, persistence.ErrRunNotFound) {
		return false, fmt.Errorf("failed to re-read run before commit: %w", err)
	}

	if stored != nil && stored.Status == models.RunStatusCancelled {
		p.logger.InfoContext(ctx, "Run cancelled mid-tick, discarding step result",
			"run_id", run.ID)

		return false, nil
	}

	run.UpdatedAt = time.Now().UTC()

	err = p.persistence.Runs().Update(ctx, run)
	if err != nil {
		return false, fmt.Errorf("failed to persist run: %w", err)
	}

	return true, nil
}

func (p *Processor) publish(ctx context.Context, key string, event eventbus.Event) {
	if p.bus == nil {
		return
	}

	err := p.bus.Publish(ctx, key, event)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to publish run lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}
