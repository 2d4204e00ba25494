package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
)

func TestMembershipEnsure_Idempotent(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	created, err := store.Memberships().Ensure(ctx, "f1", "c1", models.MembershipSourceEvent)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Memberships().Ensure(ctx, "f1", "c1", models.MembershipSourceManual)
	require.NoError(t, err)
	assert.False(t, created)

	membership, err := store.Memberships().ByFlowAndContact(ctx, "f1", "c1")
	require.NoError(t, err)
	// The first writer's source wins.
	assert.Equal(t, models.MembershipSourceEvent, membership.Source)
}

func TestRunEnsureActive_SecondCallReturnsWinner(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	first, created, err := store.Runs().EnsureActive(ctx, "f1", "c1", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestRunEnsureActive_TerminalRunAllowsReEnrollment(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	first, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	first.Status = models.RunStatusCompleted
	require.NoError(t, store.Runs().Update(ctx, first))

	second, created, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunEnsureActive_ConcurrentCallersConverge(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	const callers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		creates int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			run, created, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			ids[run.ID] = struct{}{}
			if created {
				creates++
			}
		}()
	}

	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)
}

func TestRunClaim_SecondOwnerRejected(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()
	staleBefore := now.Add(-5 * time.Minute)

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	claimed, err := store.Runs().Claim(ctx, run.ID, "w1", now, staleBefore)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.Runs().Claim(ctx, run.ID, "w2", now, staleBefore)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Re-claiming with the same owner is allowed.
	claimed, err = store.Runs().Claim(ctx, run.ID, "w1", now, staleBefore)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRunClaim_StaleClaimReclaimable(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	claimed, err := store.Runs().Claim(ctx, run.ID, "crashed", old, old.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	now := time.Now().UTC()
	claimed, err = store.Runs().Claim(ctx, run.ID, "fresh", now, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRunRelease_OnlyOwnerReleases(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()
	staleBefore := now.Add(-5 * time.Minute)

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	claimed, err := store.Runs().Claim(ctx, run.ID, "w1", now, staleBefore)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.Runs().Release(ctx, run.ID, "w2"))

	// w1's claim survives w2's release, so w2 still cannot claim.
	claimed, err = store.Runs().Claim(ctx, run.ID, "w2", now, staleBefore)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Runs().Release(ctx, run.ID, "w1"))

	claimed, err = store.Runs().Claim(ctx, run.ID, "w2", now, staleBefore)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRunDue_Filters(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()
	staleBefore := now.Add(-5 * time.Minute)

	ready, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	future, _, err := store.Runs().EnsureActive(ctx, "f1", "c2", nil)
	require.NoError(t, err)
	future.AvailableAt = now.Add(time.Hour)
	require.NoError(t, store.Runs().Update(ctx, future))

	waiting, _, err := store.Runs().EnsureActive(ctx, "f1", "c3", nil)
	require.NoError(t, err)
	waiting.Status = models.RunStatusWaitingEvent
	require.NoError(t, store.Runs().Update(ctx, waiting))

	otherFlow, _, err := store.Runs().EnsureActive(ctx, "f2", "c1", nil)
	require.NoError(t, err)

	claimed, _, err := store.Runs().EnsureActive(ctx, "f1", "c4", nil)
	require.NoError(t, err)
	ok, err := store.Runs().Claim(ctx, claimed.ID, "other", now, staleBefore)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := store.Runs().Due(ctx, "f1", 10, now, staleBefore)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ready.ID, due[0].ID)

	all, err := store.Runs().Due(ctx, "", 10, now, staleBefore)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids := []string{all[0].ID, all[1].ID}
	assert.Contains(t, ids, otherFlow.ID)
}

func TestRunDue_RespectsLimit(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, contact := range []string{"c1", "c2", "c3"} {
		_, _, err := store.Runs().EnsureActive(ctx, "f1", contact, nil)
		require.NoError(t, err)
	}

	due, err := store.Runs().Due(ctx, "f1", 2, now, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestRunCancel(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, store.Runs().Cancel(ctx, run.ID))

	stored, err := store.Runs().ByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)

	err = store.Runs().Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, persistence.ErrRunTerminal)
}

func TestRunUpdate_PreservesStoredClaim(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()

	run, _, err := store.Runs().EnsureActive(ctx, "f1", "c1", nil)
	require.NoError(t, err)

	ok, err := store.Runs().Claim(ctx, run.ID, "w1", now, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	// The caller's snapshot has no claim fields; updating must not clear
	// the claim held in the store.
	run.Status = models.RunStatusWaitingEvent
	require.NoError(t, store.Runs().Update(ctx, run))

	stored, err := store.Runs().ByID(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClaimedBy)
	assert.Equal(t, "w1", *stored.ClaimedBy)
}

func TestFlowRepository_SoftDelete(t *testing.T) {
	store := NewPersistence()
	ctx := context.Background()

	flow := &models.Flow{ID: "f1", Name: "Test flow", Status: models.FlowStatusActive}
	require.NoError(t, store.Flows().Save(ctx, flow))

	require.NoError(t, store.Flows().Delete(ctx, "f1"))

	_, err := store.Flows().ByID(ctx, "f1")
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)

	all, err := store.Flows().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
