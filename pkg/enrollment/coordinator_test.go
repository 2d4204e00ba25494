package enrollment

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripflow/dripflow/pkg/events"
	"github.com/dripflow/dripflow/pkg/flow"
	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence/memory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	flows := flow.NewRepository(store)
	matcher := flow.NewTriggerMatcher(logger)

	return NewCoordinator(store, flows, matcher, nil, logger), store
}

func saveListFlow(t *testing.T, store *memory.Persistence, id, listID string) {
	t.Helper()

	err := store.Flows().Save(context.Background(), &models.Flow{
		ID:     id,
		Name:   "List flow",
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{
				"trigger_type": "list_subscribed",
				"list_id":      listID,
			}},
			{ID: "a", Type: models.NodeTypeAction, Data: map[string]any{"kind": "send_email"}},
		},
	})
	require.NoError(t, err)
}

func TestEnroll_RequiresContact(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	_, err := coordinator.Enroll(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrContactRequired)
	assert.True(t, IsValidationError(err))
}

func TestEnroll_RequiresFlowOrEvent(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	_, err := coordinator.Enroll(context.Background(), Request{ContactID: "c1"})
	assert.ErrorIs(t, err, ErrFlowOrEventRequired)
}

func TestEnroll_RejectsUntypedEvent(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	_, err := coordinator.Enroll(context.Background(), Request{
		ContactID: "c1",
		Event:     &events.LeadEvent{Type: "   "},
	})
	assert.ErrorIs(t, err, ErrEventEmpty)
}

func TestEnroll_Forced(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	saveListFlow(t, store, "f1", "list-a")

	result, err := coordinator.Enroll(context.Background(), Request{
		ContactID: "c1",
		FlowID:    "f1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.MatchedFlowCount)
	assert.Equal(t, 1, result.RunsCreated)
	assert.Equal(t, 0, result.RunsExisting)
	require.Len(t, result.Enrollments, 1)
	assert.True(t, result.Enrollments[0].MembershipCreated)
	assert.True(t, result.Enrollments[0].RunCreated)

	membership, err := store.Memberships().ByFlowAndContact(context.Background(), "f1", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipSourceManual, membership.Source)
}

func TestEnroll_Forced_UnknownFlow(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	_, err := coordinator.Enroll(context.Background(), Request{
		ContactID: "c1",
		FlowID:    "missing",
	})
	assert.Error(t, err)
}

func TestEnroll_Forced_Idempotent(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	saveListFlow(t, store, "f1", "list-a")

	first, err := coordinator.Enroll(context.Background(), Request{ContactID: "c1", FlowID: "f1"})
	require.NoError(t, err)

	second, err := coordinator.Enroll(context.Background(), Request{ContactID: "c1", FlowID: "f1"})
	require.NoError(t, err)

	assert.Equal(t, 1, first.RunsCreated)
	assert.Equal(t, 0, second.RunsCreated)
	assert.Equal(t, 1, second.RunsExisting)
	assert.Equal(t, first.Enrollments[0].RunID, second.Enrollments[0].RunID)
}

func TestEnroll_EventDriven(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	saveListFlow(t, store, "f1", "list-a")
	saveListFlow(t, store, "f2", "list-b")

	result, err := coordinator.Enroll(context.Background(), Request{
		ContactID: "c1",
		Event: &events.LeadEvent{
			Type:    "list_subscribed",
			ListID:  "list-a",
			Payload: map[string]any{"utm_source": "newsletter"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.MatchedFlowCount)
	assert.Equal(t, 1, result.RunsCreated)
	assert.Empty(t, result.Note)

	run, err := store.Runs().ByID(context.Background(), result.Enrollments[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "list_subscribed", run.Context["event_type"])
	assert.Equal(t, "newsletter", run.Context["utm_source"])

	membership, err := store.Memberships().ByFlowAndContact(context.Background(), "f1", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipSourceEvent, membership.Source)
}

func TestEnroll_EventDriven_NoMatchNote(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	saveListFlow(t, store, "f1", "list-a")

	result, err := coordinator.Enroll(context.Background(), Request{
		ContactID: "c1",
		Event:     &events.LeadEvent{Type: "list_subscribed", ListID: "list-zzz"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.MatchedFlowCount)
	assert.Equal(t, NoMatchNote, result.Note)
	assert.Empty(t, result.Enrollments)
}

func TestEnroll_ResumesWaitingRun(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	ctx := context.Background()

	err := store.Flows().Save(ctx, &models.Flow{
		ID:     "f1",
		Name:   "Wait flow",
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{"trigger_type": "lead_created"}},
			{ID: "c", Type: models.NodeTypeCondition, Data: map[string]any{"wait_for": "email_opened"}},
			{ID: "a", Type: models.NodeTypeAction, Data: map[string]any{"kind": "send_email"}},
		},
	})
	require.NoError(t, err)

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", map[string]any{})
	require.NoError(t, err)

	nodeID := "c"
	run.CurrentNodeID = &nodeID
	run.Status = models.RunStatusWaitingEvent
	require.NoError(t, store.Runs().Update(ctx, run))

	before := time.Now().UTC()

	_, err = coordinator.Enroll(ctx, Request{
		ContactID: "c1",
		Event: &events.LeadEvent{
			Type:    "email_opened",
			Payload: map[string]any{"campaign": "welcome"},
		},
	})
	require.NoError(t, err)

	resumed, err := store.Runs().ByID(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusActive, resumed.Status)
	assert.False(t, resumed.AvailableAt.Before(before.Add(-time.Second)))

	signal, ok := resumed.Context[SignalKey("email_opened")].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "welcome", signal["campaign"])

	// The pointer stays on the condition node so the next tick re-evaluates it.
	require.NotNil(t, resumed.CurrentNodeID)
	assert.Equal(t, "c", *resumed.CurrentNodeID)
}

func TestEnroll_EventDoesNotResumeUnrelatedWait(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	ctx := context.Background()

	err := store.Flows().Save(ctx, &models.Flow{
		ID:     "f1",
		Name:   "Wait flow",
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{"trigger_type": "lead_created"}},
			{ID: "c", Type: models.NodeTypeCondition, Data: map[string]any{"wait_for": "email_opened"}},
		},
	})
	require.NoError(t, err)

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	nodeID := "c"
	run.CurrentNodeID = &nodeID
	run.Status = models.RunStatusWaitingEvent
	require.NoError(t, store.Runs().Update(ctx, run))

	_, err = coordinator.Enroll(ctx, Request{
		ContactID: "c1",
		Event:     &events.LeadEvent{Type: "link_clicked"},
	})
	require.NoError(t, err)

	still, err := store.Runs().ByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingEvent, still.Status)
}
