// Package memory provides an in-memory persistence implementation used by
// tests and local development. It implements the same claim and uniqueness
// semantics as the SQL store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence implements persistence.Persistence with process-local maps.
type Persistence struct {
	mu          sync.Mutex
	flows       map[string]*models.Flow
	memberships map[string]*models.Membership // keyed flowID + "\x00" + contactID
	runs        map[string]*models.Run

	flowRepo       *flowRepository
	membershipRepo *membershipRepository
	runRepo        *runRepository
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	p := &Persistence{
		flows:       make(map[string]*models.Flow),
		memberships: make(map[string]*models.Membership),
		runs:        make(map[string]*models.Run),
	}

	p.flowRepo = &flowRepository{p: p}
	p.membershipRepo = &membershipRepository{p: p}
	p.runRepo = &runRepository{p: p}

	return p
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flowRepo
}

func (p *Persistence) Memberships() persistence.MembershipRepository {
	return p.membershipRepo
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func membershipKey(flowID, contactID string) string {
	return flowID + "\x00" + contactID
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}

func cloneRun(run *models.Run) *models.Run {
	clone := *run

	if run.Context != nil {
		clone.Context = make(map[string]any, len(run.Context))
		for k, v := range run.Context {
			clone.Context[k] = v
		}
	}

	if run.CurrentNodeID != nil {
		nodeID := *run.CurrentNodeID
		clone.CurrentNodeID = &nodeID
	}

	if run.ClaimedBy != nil {
		owner := *run.ClaimedBy
		clone.ClaimedBy = &owner
	}

	if run.ClaimedAt != nil {
		at := *run.ClaimedAt
		clone.ClaimedAt = &at
	}

	return &clone
}

type flowRepository struct {
	p *Persistence
}

func (r *flowRepository) All(_ context.Context) ([]*models.Flow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flows := make([]*models.Flow, 0, len(r.p.flows))
	for _, flow := range r.p.flows {
		if flow.DeletedAt == nil {
			flows = append(flows, flow)
		}
	}

	return flows, nil
}

func (r *flowRepository) Active(ctx context.Context) ([]*models.Flow, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Flow, 0, len(all))
	for _, flow := range all {
		if flow.Status == models.FlowStatusActive {
			active = append(active, flow)
		}
	}

	return active, nil
}

func (r *flowRepository) ByID(_ context.Context, id string) (*models.Flow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok || flow.DeletedAt != nil {
		return nil, persistence.ErrFlowNotFound
	}

	return flow, nil
}

func (r *flowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if flow.ID == "" {
		flow.ID = newID()
	}

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	r.p.flows[flow.ID] = flow

	return nil
}

func (r *flowRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok || flow.DeletedAt != nil {
		return persistence.ErrFlowNotFound
	}

	now := time.Now().UTC()
	flow.DeletedAt = &now

	return nil
}

type membershipRepository struct {
	p *Persistence
}

func (r *membershipRepository) Ensure(_ context.Context, flowID, contactID string, source models.MembershipSource) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := membershipKey(flowID, contactID)
	if _, exists := r.p.memberships[key]; exists {
		return false, nil
	}

	r.p.memberships[key] = &models.Membership{
		ID:        newID(),
		FlowID:    flowID,
		ContactID: contactID,
		Source:    source,
		Status:    models.MembershipStatusActive,
		CreatedAt: time.Now().UTC(),
	}

	return true, nil
}

func (r *membershipRepository) ByFlowAndContact(_ context.Context, flowID, contactID string) (*models.Membership, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	membership, ok := r.p.memberships[membershipKey(flowID, contactID)]
	if !ok {
		return nil, persistence.ErrMembershipNotFound
	}

	return membership, nil
}

type runRepository struct {
	p *Persistence
}

func (r *runRepository) EnsureActive(_ context.Context, flowID, contactID string, runContext map[string]any) (*models.Run, bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, run := range r.p.runs {
		if run.FlowID == flowID && run.ContactID == contactID && !run.Status.Terminal() {
			return cloneRun(run), false, nil
		}
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:          newID(),
		FlowID:      flowID,
		ContactID:   contactID,
		Status:      models.RunStatusActive,
		AvailableAt: now,
		Context:     runContext,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.p.runs[run.ID] = run

	return cloneRun(run), true, nil
}

func (r *runRepository) ByID(_ context.Context, id string) (*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	return cloneRun(run), nil
}

func (r *runRepository) ForContact(_ context.Context, contactID string) ([]*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	runs := make([]*models.Run, 0)
	for _, run := range r.p.runs {
		if run.ContactID == contactID {
			runs = append(runs, cloneRun(run))
		}
	}

	return runs, nil
}

func (r *runRepository) Due(_ context.Context, flowID string, limit int, now, staleBefore time.Time) ([]*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]*models.Run, 0)

	for _, run := range r.p.runs {
		if run.Status != models.RunStatusActive {
			continue
		}

		if run.AvailableAt.After(now) {
			continue
		}

		if flowID != "" && run.FlowID != flowID {
			continue
		}

		if run.Claimed(staleBefore) {
			continue
		}

		due = append(due, cloneRun(run))
	}

	for i := range due {
		for j := i + 1; j < len(due); j++ {
			if due[j].AvailableAt.Before(due[i].AvailableAt) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *runRepository) Claim(_ context.Context, runID, owner string, now, staleBefore time.Time) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[runID]
	if !ok {
		return false, persistence.ErrRunNotFound
	}

	if run.Claimed(staleBefore) && *run.ClaimedBy != owner {
		return false, nil
	}

	run.ClaimedBy = &owner
	run.ClaimedAt = &now

	return true, nil
}

func (r *runRepository) Release(_ context.Context, runID, owner string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[runID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	if run.ClaimedBy != nil && *run.ClaimedBy == owner {
		run.ClaimedBy = nil
		run.ClaimedAt = nil
	}

	return nil
}

func (r *runRepository) Update(_ context.Context, run *models.Run) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.runs[run.ID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	updated := cloneRun(run)
	updated.ClaimedBy = stored.ClaimedBy
	updated.ClaimedAt = stored.ClaimedAt
	updated.UpdatedAt = time.Now().UTC()
	r.p.runs[run.ID] = updated

	return nil
}

func (r *runRepository) Waiting(_ context.Context, contactID string) ([]*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	waiting := make([]*models.Run, 0)
	for _, run := range r.p.runs {
		if run.ContactID == contactID && run.Status == models.RunStatusWaitingEvent {
			waiting = append(waiting, cloneRun(run))
		}
	}

	return waiting, nil
}

func (r *runRepository) Cancel(_ context.Context, runID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.runs[runID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	if run.Status.Terminal() {
		return persistence.NewRunError("Cancel", runID, persistence.ErrRunTerminal)
	}

	run.Status = models.RunStatusCancelled
	run.UpdatedAt = time.Now().UTC()

	return nil
}
