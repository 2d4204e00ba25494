package flow

import (
	"errors"
	"log/slog"

	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/models"
)

// TriggerMatcher decides which flow definitions respond to an inbound lead
// event. Matching is deterministic and unranked; every match fires.
type TriggerMatcher struct {
	logger *slog.Logger
}

// MatchResult pairs a matched flow with its parsed trigger.
type MatchResult struct {
	Flow    *models.Flow
	Trigger *models.TriggerSpec
}

// NewTriggerMatcher creates a new trigger matcher.
func NewTriggerMatcher(logger *slog.Logger) *TriggerMatcher {
	return &TriggerMatcher{
		logger: logger.With("module", "trigger_matcher"),
	}
}

// Match scans the candidate flows and returns those whose trigger node
// matches the event. Flows with malformed or missing trigger nodes are
// skipped without aborting the scan.
func (tm *TriggerMatcher) Match(event events.LeadEvent, flows []*models.Flow) []MatchResult {
	event = event.Normalized()

	var results []MatchResult

	tm.logger.Debug("Matching lead event against flows",
		"event_type", event.Type,
		"contact_id", event.ContactID,
		"flows_count", len(flows))

	if event.Type == "" {
		tm.logger.Warn("Lead event has no type, nothing can match")

		return results
	}

	for _, candidate := range flows {
		if candidate.Status != models.FlowStatusActive {
			continue
		}

		triggerNode := candidate.TriggerNode()
		if triggerNode == nil {
			// A flow without a trigger node never matches anything.
			continue
		}

		trigger, err := triggerNode.Trigger()
		if err != nil {
			if errors.Is(err, models.ErrMalformedNode) {
				tm.logger.Warn("Skipping flow with malformed trigger node",
					"flow_id", candidate.ID,
					"node_id", triggerNode.ID,
					"error", err)

				continue
			}

			tm.logger.Warn("Failed to parse trigger node",
				"flow_id", candidate.ID,
				"error", err)

			continue
		}

		if tm.matches(event, trigger) {
			results = append(results, MatchResult{
				Flow:    candidate,
				Trigger: trigger,
			})
			tm.logger.Debug("Found matching flow",
				"flow_id", candidate.ID,
				"flow_name", candidate.Name,
				"trigger_type", trigger.TriggerType)
		}
	}

	tm.logger.Info("Completed trigger matching",
		"event_type", event.Type,
		"contact_id", event.ContactID,
		"matches_found", len(results))

	return results
}

// matches applies the per-trigger-type comparison rules.
func (tm *TriggerMatcher) matches(event events.LeadEvent, trigger *models.TriggerSpec) bool {
	if trigger.TriggerType != event.Type {
		return false
	}

	switch event.Type {
	case models.TriggerListSubscribed:
		// An unconfigured list trigger must never fire on every
		// subscription event, so an empty ListID matches nothing.
		return trigger.ListID != "" && trigger.ListID == event.ListID
	default:
		// lead_created, crm_sent and any other single-field trigger types
		// match on type equality alone.
		return true
	}
}
