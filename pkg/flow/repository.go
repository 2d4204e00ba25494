// Package flow provides flow-definition access and trigger matching.
package flow

import (
	"context"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
	"github.com/google/uuid"
)

// Repository mediates flow-definition access for the API and the engine.
type Repository struct {
	persistence persistence.Persistence
}

func NewRepository(persistence persistence.Persistence) *Repository {
	return &Repository{
		persistence: persistence,
	}
}

func (r *Repository) HealthCheck(ctx context.Context) (string, bool) {
	if r.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := r.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (r *Repository) FetchAll(ctx context.Context) ([]*models.Flow, error) {
	flows, err := r.persistence.Flows().All(ctx)
	if err != nil {
		return make([]*models.Flow, 0), err
	}

	return flows, nil
}

// FetchActive returns the candidate set for trigger matching.
func (r *Repository) FetchActive(ctx context.Context) ([]*models.Flow, error) {
	flows, err := r.persistence.Flows().Active(ctx)
	if err != nil {
		return make([]*models.Flow, 0), err
	}

	return flows, nil
}

func (r *Repository) FetchByID(ctx context.Context, id string) (*models.Flow, error) {
	return r.persistence.Flows().ByID(ctx, id)
}

func (r *Repository) Create(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	if flow.Status == "" {
		flow.Status = models.FlowStatusInactive
	}

	err := r.persistence.Flows().Save(ctx, flow)
	if err != nil {
		return nil, err
	}

	return flow, nil
}

func (r *Repository) Update(ctx context.Context, id string, flow *models.Flow) (*models.Flow, error) {
	existing, err := r.persistence.Flows().ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	flow.ID = id
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now().UTC()

	err = r.persistence.Flows().Save(ctx, flow)
	if err != nil {
		return nil, err
	}

	return flow, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.persistence.Flows().Delete(ctx, id)
}
