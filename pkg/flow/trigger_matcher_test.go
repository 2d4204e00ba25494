package flow

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/models"
)

func newTestMatcher() *TriggerMatcher {
	return NewTriggerMatcher(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func listFlow(id, listID string) *models.Flow {
	return &models.Flow{
		ID:     id,
		Name:   "List flow " + id,
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{
				"trigger_type": "list_subscribed",
				"list_id":      listID,
			}},
			{ID: "a", Type: models.NodeTypeAction, Data: map[string]any{"kind": "send_email"}},
		},
	}
}

func typeFlow(id, triggerType string) *models.Flow {
	return &models.Flow{
		ID:     id,
		Name:   "Type flow " + id,
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{"trigger_type": triggerType}},
		},
	}
}

func TestTriggerMatcher_ListSubscribed_ExactListMatch(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{
		listFlow("f1", "list-a"),
		listFlow("f2", "list-b"),
	}

	event := events.LeadEvent{Type: "list_subscribed", ContactID: "c1", ListID: "list-a"}

	results := matcher.Match(event, flows)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].Flow.ID)
}

func TestTriggerMatcher_ListSubscribed_ListIDsAreCaseSensitive(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{listFlow("f1", "Newsletter-A")}

	// "newsletter-a" is a different list than "Newsletter-A".
	event := events.LeadEvent{Type: "list_subscribed", ContactID: "c1", ListID: "newsletter-a"}
	assert.Empty(t, matcher.Match(event, flows))

	// The exact ID matches, surrounding whitespace does not matter.
	event.ListID = " Newsletter-A "
	results := matcher.Match(event, flows)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].Flow.ID)
}

func TestTriggerMatcher_ListSubscribed_EmptyConfiguredListNeverMatches(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{listFlow("f1", "")}

	event := events.LeadEvent{Type: "list_subscribed", ContactID: "c1", ListID: "list-a"}

	assert.Empty(t, matcher.Match(event, flows))
}

func TestTriggerMatcher_TypeOnlyTriggers(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{
		typeFlow("f1", "lead_created"),
		typeFlow("f2", "crm_sent"),
	}

	results := matcher.Match(events.LeadEvent{Type: "lead_created", ContactID: "c1"}, flows)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].Flow.ID)
}

func TestTriggerMatcher_NormalizesEventType(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{typeFlow("f1", "lead_created")}

	results := matcher.Match(events.LeadEvent{Type: "  Lead_Created ", ContactID: "c1"}, flows)
	assert.Len(t, results, 1)
}

func TestTriggerMatcher_EmptyTypeMatchesNothing(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{typeFlow("f1", "lead_created")}

	assert.Empty(t, matcher.Match(events.LeadEvent{Type: "   ", ContactID: "c1"}, flows))
}

func TestTriggerMatcher_SkipsInactiveFlows(t *testing.T) {
	matcher := newTestMatcher()
	inactive := typeFlow("f1", "lead_created")
	inactive.Status = models.FlowStatusInactive

	assert.Empty(t, matcher.Match(events.LeadEvent{Type: "lead_created", ContactID: "c1"}, []*models.Flow{inactive}))
}

func TestTriggerMatcher_SkipsMalformedTriggerWithoutAborting(t *testing.T) {
	matcher := newTestMatcher()
	malformed := &models.Flow{
		ID:     "bad",
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{}},
		},
	}
	good := typeFlow("good", "lead_created")

	results := matcher.Match(events.LeadEvent{Type: "lead_created", ContactID: "c1"}, []*models.Flow{malformed, good})
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Flow.ID)
}

func TestTriggerMatcher_MultipleMatchesAllFire(t *testing.T) {
	matcher := newTestMatcher()
	flows := []*models.Flow{
		listFlow("f1", "list-a"),
		listFlow("f2", "list-a"),
		typeFlow("f3", "lead_created"),
	}

	results := matcher.Match(events.LeadEvent{Type: "list_subscribed", ContactID: "c1", ListID: "list-a"}, flows)
	assert.Len(t, results, 2)
}
