package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
	"github.com/google/uuid"
)

// FlowRepository handles flow-definition database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

const flowColumns = `
	id
  , name
  , status
  , is_standard
  , owner_id
  , nodes
  , created_at
  , updated_at
  , deleted_at
`

// All returns all non-deleted flows.
func (r *FlowRepository) All(ctx context.Context) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + `
		FROM flows
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`

	return r.queryFlows(ctx, query)
}

// Active returns flows eligible for trigger matching.
func (r *FlowRepository) Active(ctx context.Context) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + `
		FROM flows
		WHERE deleted_at IS NULL AND status = $1
		ORDER BY created_at DESC
	`

	return r.queryFlows(ctx, query, models.FlowStatusActive)
}

func (r *FlowRepository) queryFlows(ctx context.Context, query string, args ...any) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// ByID returns a flow by its ID.
func (r *FlowRepository) ByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `SELECT ` + flowColumns + `
		FROM flows
		WHERE id = $1 AND deleted_at IS NULL
	`

	flow, err := r.scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("ByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

// Save upserts a flow definition, serializing the node graph as JSON.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate flow ID: %w", err)
		}

		flow.ID = id.String()
	}

	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	query := `
		INSERT INTO flows (id, name, status, is_standard, owner_id, nodes, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			is_standard = EXCLUDED.is_standard,
			owner_id = EXCLUDED.owner_id,
			nodes = EXCLUDED.nodes,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID,
		flow.Name,
		flow.Status,
		flow.IsStandard,
		flow.OwnerID,
		nodesJSON,
		flow.CreatedAt,
		flow.UpdatedAt,
		flow.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

// Delete soft deletes a flow by setting the deleted_at timestamp.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE flows SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewFlowError("Delete", id, persistence.ErrFlowNotFound)
	}

	return nil
}

func (r *FlowRepository) scanFlow(scanner interface {
	Scan(dest ...any) error
}) (*models.Flow, error) {
	var (
		flow      models.Flow
		nodesJSON []byte
	)

	err := scanner.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Status,
		&flow.IsStandard,
		&flow.OwnerID,
		&nodesJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&flow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if nodesJSON != nil {
		err := json.Unmarshal(nodesJSON, &flow.Nodes)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
		}
	}

	return &flow, nil
}
