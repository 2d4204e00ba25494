// Package persistence provides the data storage abstraction for flows,
// memberships and runs.
package persistence

import (
	"context"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
)

type Persistence interface {
	Flows() FlowRepository
	Memberships() MembershipRepository
	Runs() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores flow definitions. The engine only reads from it;
// writes happen through the management API.
type FlowRepository interface {
	All(ctx context.Context) ([]*models.Flow, error)
	Active(ctx context.Context) ([]*models.Flow, error)
	ByID(ctx context.Context, id string) (*models.Flow, error)
	Save(ctx context.Context, flow *models.Flow) error
	Delete(ctx context.Context, id string) error
}

// MembershipRepository enforces the at-most-one-membership-per-(flow,contact)
// invariant at the storage layer.
type MembershipRepository interface {
	// Ensure inserts a membership row if none exists for (flowID, contactID).
	// A uniqueness conflict is absorbed and reported as created=false.
	Ensure(ctx context.Context, flowID, contactID string, source models.MembershipSource) (created bool, err error)
	ByFlowAndContact(ctx context.Context, flowID, contactID string) (*models.Membership, error)
}

// RunRepository stores run state. The run row is the unit of mutual
// exclusion: workers must Claim before mutating and Release when done.
type RunRepository interface {
	// EnsureActive returns the existing non-terminal run for (flowID,
	// contactID) or inserts a fresh active one seeded with runContext. An
	// insert racing another caller absorbs the uniqueness conflict and
	// returns the winner's row with created=false.
	EnsureActive(ctx context.Context, flowID, contactID string, runContext map[string]any) (run *models.Run, created bool, err error)

	ByID(ctx context.Context, id string) (*models.Run, error)
	ForContact(ctx context.Context, contactID string) ([]*models.Run, error)

	// Due selects up to limit active runs whose AvailableAt has passed and
	// whose claim is absent or stale. flowID narrows the scan when non-empty.
	Due(ctx context.Context, flowID string, limit int, now, staleBefore time.Time) ([]*models.Run, error)

	// Claim atomically takes the processing claim for owner. It returns
	// false when another owner holds a claim fresher than staleBefore.
	Claim(ctx context.Context, runID, owner string, now, staleBefore time.Time) (bool, error)

	// Release drops the claim if owner still holds it. Safe to call after a
	// lost claim; releasing someone else's claim is a no-op.
	Release(ctx context.Context, runID, owner string) error

	Update(ctx context.Context, run *models.Run) error

	// Waiting returns the contact's runs parked in waiting_event, for signal
	// resumption.
	Waiting(ctx context.Context, contactID string) ([]*models.Run, error)

	// Cancel marks a non-terminal run cancelled. Cancelling a terminal run
	// returns ErrRunTerminal.
	Cancel(ctx context.Context, runID string) error
}
