package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence"
	"github.com/google/uuid"
)

// MembershipRepository handles membership-ledger database operations.
type MembershipRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMembershipRepository creates a new membership repository.
func NewMembershipRepository(db *sql.DB, logger *slog.Logger) *MembershipRepository {
	return &MembershipRepository{db: db, logger: logger}
}

// Ensure inserts a membership row for (flowID, contactID). A duplicate pair
// hits ON CONFLICT DO NOTHING and is reported as created=false, never as an
// error.
func (r *MembershipRepository) Ensure(ctx context.Context, flowID, contactID string, source models.MembershipSource) (bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("failed to generate membership ID: %w", err)
	}

	query := `
		INSERT INTO memberships (id, flow_id, contact_id, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flow_id, contact_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		id.String(),
		flowID,
		contactID,
		source,
		models.MembershipStatusActive,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert membership: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ByFlowAndContact returns the membership for the pair, if any.
func (r *MembershipRepository) ByFlowAndContact(ctx context.Context, flowID, contactID string) (*models.Membership, error) {
	query := `
		SELECT id, flow_id, contact_id, source, status, created_at
		FROM memberships
		WHERE flow_id = $1 AND contact_id = $2
	`

	var membership models.Membership

	err := r.db.QueryRowContext(ctx, query, flowID, contactID).Scan(
		&membership.ID,
		&membership.FlowID,
		&membership.ContactID,
		&membership.Source,
		&membership.Status,
		&membership.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrMembershipNotFound
		}

		return nil, fmt.Errorf("failed to query membership: %w", err)
	}

	return &membership, nil
}
