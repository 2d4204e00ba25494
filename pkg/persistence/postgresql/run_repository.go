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
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// RunRepository handles run-tracker database operations. A partial unique
// index on (flow_id, contact_id) over non-terminal statuses enforces the
// at-most-one-open-run invariant even under racing inserts.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , flow_id
  , contact_id
  , status
  , current_node_id
  , available_at
  , context
  , claimed_by
  , claimed_at
  , failure_reason
  , created_at
  , updated_at
`

// EnsureActive returns the open run for the pair or inserts a fresh one.
// When the insert loses a race on the partial unique index, the winner's row
// is selected and returned with created=false.
func (r *RunRepository) EnsureActive(ctx context.Context, flowID, contactID string, runContext map[string]any) (*models.Run, bool, error) {
	existing, err := r.openRun(ctx, flowID, contactID)
	if err != nil && !errors.Is(err, persistence.ErrRunNotFound) {
		return nil, false, err
	}

	if existing != nil {
		return existing, false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate run ID: %w", err)
	}

	contextJSON, err := json.Marshal(runContext)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal run context: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO runs (id, flow_id, contact_id, status, current_node_id, available_at, context, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, '', $7, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		id.String(),
		flowID,
		contactID,
		models.RunStatusActive,
		now,
		contextJSON,
		now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Another enrollment won the insert; observe its row.
			winner, selectErr := r.openRun(ctx, flowID, contactID)
			if selectErr != nil {
				return nil, false, fmt.Errorf("failed to load run after conflict: %w", selectErr)
			}

			return winner, false, nil
		}

		return nil, false, fmt.Errorf("failed to insert run: %w", err)
	}

	run, err := r.ByID(ctx, id.String())
	if err != nil {
		return nil, false, err
	}

	return run, true, nil
}

func (r *RunRepository) openRun(ctx context.Context, flowID, contactID string) (*models.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE flow_id = $1 AND contact_id = $2 AND status IN ($3, $4)
	`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, flowID, contactID,
		models.RunStatusActive, models.RunStatusWaitingEvent))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// ByID returns a run by its ID.
func (r *RunRepository) ByID(ctx context.Context, id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("ByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// ForContact returns all runs for a contact, newest first.
func (r *RunRepository) ForContact(ctx context.Context, contactID string) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE contact_id = $1
		ORDER BY created_at DESC
	`

	return r.queryRuns(ctx, query, contactID)
}

// Due selects a bounded batch of advancement-eligible runs.
func (r *RunRepository) Due(ctx context.Context, flowID string, limit int, now, staleBefore time.Time) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE status = $1
		  AND available_at <= $2
		  AND (claimed_by IS NULL OR claimed_at < $3)
		  AND ($4 = '' OR flow_id = $4)
		ORDER BY available_at
		LIMIT $5
	`

	return r.queryRuns(ctx, query, models.RunStatusActive, now, staleBefore, flowID, limit)
}

// Claim atomically takes the processing claim. The conditional update makes
// the claim safe under concurrent tick invocations; a fresh claim held by
// another owner loses.
func (r *RunRepository) Claim(ctx context.Context, runID, owner string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET claimed_by = $2, claimed_at = $3
		WHERE id = $1
		  AND (claimed_by IS NULL OR claimed_by = $2 OR claimed_at < $4)
	`

	result, err := r.db.ExecContext(ctx, query, runID, owner, now, staleBefore)
	if err != nil {
		return false, persistence.NewRunError("Claim", runID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewRunError("Claim", runID, err)
	}

	return rowsAffected == 1, nil
}

// Release drops the claim when owner still holds it.
func (r *RunRepository) Release(ctx context.Context, runID, owner string) error {
	query := `
		UPDATE runs
		SET claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND claimed_by = $2
	`

	_, err := r.db.ExecContext(ctx, query, runID, owner)
	if err != nil {
		return persistence.NewRunError("Release", runID, err)
	}

	return nil
}

// Update persists status, node pointer, availability and context.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	query := `
		UPDATE runs
		SET status = $2,
		    current_node_id = $3,
		    available_at = $4,
		    context = $5,
		    failure_reason = $6,
		    updated_at = $7
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.CurrentNodeID,
		run.AvailableAt,
		contextJSON,
		run.FailureReason,
		time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	if rowsAffected == 0 {
		return persistence.NewRunError("Update", run.ID, persistence.ErrRunNotFound)
	}

	return nil
}

// Waiting returns the contact's runs parked in waiting_event.
func (r *RunRepository) Waiting(ctx context.Context, contactID string) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE contact_id = $1 AND status = $2
	`

	return r.queryRuns(ctx, query, contactID, models.RunStatusWaitingEvent)
}

// Cancel marks a non-terminal run cancelled.
func (r *RunRepository) Cancel(ctx context.Context, runID string) error {
	query := `
		UPDATE runs
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	result, err := r.db.ExecContext(ctx, query,
		runID,
		models.RunStatusCancelled,
		time.Now().UTC(),
		models.RunStatusActive,
		models.RunStatusWaitingEvent,
	)
	if err != nil {
		return persistence.NewRunError("Cancel", runID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Cancel", runID, err)
	}

	if rowsAffected == 0 {
		_, err := r.ByID(ctx, runID)
		if err != nil {
			return err
		}

		return persistence.NewRunError("Cancel", runID, persistence.ErrRunTerminal)
	}

	return nil
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) scanRun(scanner interface {
	Scan(dest ...any) error
}) (*models.Run, error) {
	var (
		run         models.Run
		contextJSON []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.FlowID,
		&run.ContactID,
		&run.Status,
		&run.CurrentNodeID,
		&run.AvailableAt,
		&contextJSON,
		&run.ClaimedBy,
		&run.ClaimedAt,
		&run.FailureReason,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if contextJSON != nil {
		err := json.Unmarshal(contextJSON, &run.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
		}
	}

	return &run, nil
}
