package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DisputeGuard answers "does this task have an open dispute" for release
// paths. It is read-only; the authoritative enforcement is the dispute
// subquery inside Repository.ClaimReleaseTx, which runs in the same locking
// scope as the release claim.
type DisputeGuard struct {
	repo *Repository
}

func NewDisputeGuard(repo *Repository) *DisputeGuard {
	return &DisputeGuard{repo: repo}
}

// HasOpenDispute reports whether any milestone under the task is DISPUTED.
func (g *DisputeGuard) HasOpenDispute(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return g.repo.HasOpenDispute(ctx, taskID)
}

// HasOpenDisputeTx is the in-transaction variant used when classifying why a
// release claim lost its conditional update.
func (g *DisputeGuard) HasOpenDisputeTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error) {
	return g.repo.HasOpenDisputeTx(ctx, tx, taskID)
}
