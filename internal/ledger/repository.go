package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvine/backend/internal/models"
)

// ErrActiveEscrowExists is returned when a task already has a non-refunded
// escrow account.
var ErrActiveEscrowExists = errors.New("task already has an active escrow account")

// ErrReferenceUsed is returned when a gateway payment reference has already
// been consumed by an earlier funding.
var ErrReferenceUsed = errors.New("payment reference already used")

// ErrBadTransition is returned for a milestone status change not present in
// the transition table. It indicates a caller bug, not a lost race.
var ErrBadTransition = errors.New("milestone status transition not allowed")

// ErrReleaseInFlight is returned when a refund hits a milestone stuck in
// RELEASE_PENDING: money may be moving, so the escrow cannot be refunded
// until an operator reconciles the release.
var ErrReleaseInFlight = errors.New("milestone release awaiting reconciliation")

// Repository is the single write path for escrow_accounts, escrow_milestones,
// fee_ledger and disputes. Status transitions are conditional updates keyed
// on the expected from-status; callers read the returned bool as "won the
// race", never as an error.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin opens a write transaction. The escrow engine is the only caller.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// MilestoneDetail is a milestone joined with its owning account's task and
// party references, used by the engine for authorization and payout lookups.
type MilestoneDetail struct {
	models.Milestone
	TaskID       uuid.UUID
	ClientID     uuid.UUID
	FreelancerID *uuid.UUID
	Currency     string
}

// CreateAccountTx inserts the escrow account unless the task already has a
// non-refunded one. Re-funding after a refund is allowed.
func (r *Repository) CreateAccountTx(ctx context.Context, tx pgx.Tx, a *models.EscrowAccount) error {
	result, err := tx.Exec(ctx, `
		INSERT INTO escrow_accounts (id, task_id, client_id, freelancer_id, total_amount, currency, status)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM escrow_accounts WHERE task_id = $2 AND status <> 'refunded'
		)
	`, a.ID, a.TaskID, a.ClientID, a.FreelancerID, a.TotalAmount, a.Currency, a.Status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrActiveEscrowExists
	}
	return nil
}

// CreateMilestoneTx inserts a milestone under its escrow account.
func (r *Repository) CreateMilestoneTx(ctx context.Context, tx pgx.Tx, m *models.Milestone) error {
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_milestones (id, escrow_account_id, title, description, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, m.ID, m.EscrowAccountID, m.Title, m.Description, m.Amount, m.Status).Scan(&m.CreatedAt, &m.UpdatedAt)
}

// GetMilestoneDetail loads a milestone with its task and party references.
func (r *Repository) GetMilestoneDetail(ctx context.Context, id uuid.UUID) (*MilestoneDetail, error) {
	var d MilestoneDetail
	err := r.pool.QueryRow(ctx, `
		SELECT m.id, m.escrow_account_id, m.title, m.description, m.amount, m.status,
		       m.payment_reference, m.transfer_code, m.created_at, m.updated_at, m.released_at,
		       a.task_id, a.client_id, a.freelancer_id, a.currency
		FROM escrow_milestones m
		INNER JOIN escrow_accounts a ON a.id = m.escrow_account_id
		WHERE m.id = $1
	`, id).Scan(
		&d.ID, &d.EscrowAccountID, &d.Title, &d.Description, &d.Amount, &d.Status,
		&d.PaymentReference, &d.TransferCode, &d.CreatedAt, &d.UpdatedAt, &d.ReleasedAt,
		&d.TaskID, &d.ClientID, &d.FreelancerID, &d.Currency,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MarkMilestoneFundedTx transitions PENDING -> FUNDED and records the
// consumed gateway reference. Returns false when the milestone was not
// PENDING (a concurrent funding already won). A reference replayed from a
// different funding attempt trips the unique index and maps to
// ErrReferenceUsed.
func (r *Repository) MarkMilestoneFundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reference string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_milestones
		SET status = 'FUNDED', payment_reference = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, reference)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, ErrReferenceUsed
		}
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ClaimReleaseTx transitions FUNDED -> RELEASE_PENDING iff no milestone under
// the same task is DISPUTED. The dispute check runs inside the UPDATE so the
// guard and the claim share one locking scope.
func (r *Repository) ClaimReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_milestones m
		SET status = 'RELEASE_PENDING', updated_at = now()
		FROM escrow_accounts a
		WHERE m.id = $1 AND m.status = 'FUNDED' AND a.id = m.escrow_account_id
		  AND NOT EXISTS (
			SELECT 1 FROM escrow_milestones m2
			INNER JOIN escrow_accounts a2 ON a2.id = m2.escrow_account_id
			WHERE a2.task_id = a.task_id AND m2.status = 'DISPUTED'
		  )
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// RevertReleaseClaim returns a claimed milestone to FUNDED after a hard
// gateway failure. Runs outside any transaction; the claim row is ours.
func (r *Repository) RevertReleaseClaim(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE escrow_milestones
		SET status = 'FUNDED', updated_at = now()
		WHERE id = $1 AND status = 'RELEASE_PENDING'
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FinalizeReleaseTx transitions RELEASE_PENDING -> RELEASED and stamps the
// gateway transfer code.
func (r *Repository) FinalizeReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferCode *string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_milestones
		SET status = 'RELEASED', transfer_code = $2, released_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'RELEASE_PENDING'
	`, id, transferCode)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// TransitionMilestoneTx applies a generic guarded status change. The
// transition table is consulted first; the conditional UPDATE then settles
// any race on the from-status.
func (r *Repository) TransitionMilestoneTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	result, err := tx.Exec(ctx, `
		UPDATE escrow_milestones SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// UpdateAccountStatusTx moves the owning account's status, conditionally.
func (r *Repository) UpdateAccountStatusTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, accountID, from, to)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SettleAccountStatusTx recomputes the account's coarse status from its
// milestones: disputed while any dispute is open, funded while money is held
// or in flight, released/refunded once every milestone is terminal. Releasing
// one of several milestones therefore never marks the whole account released.
func (r *Repository) SettleAccountStatusTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts a SET status = CASE
			WHEN EXISTS (SELECT 1 FROM escrow_milestones m WHERE m.escrow_account_id = a.id AND m.status = 'DISPUTED')
				THEN 'disputed'
			WHEN EXISTS (SELECT 1 FROM escrow_milestones m WHERE m.escrow_account_id = a.id AND m.status IN ('FUNDED', 'RELEASE_PENDING'))
				THEN 'funded'
			WHEN NOT EXISTS (SELECT 1 FROM escrow_milestones m WHERE m.escrow_account_id = a.id AND m.status NOT IN ('RELEASED', 'REFUNDED'))
				THEN CASE
					WHEN EXISTS (SELECT 1 FROM escrow_milestones m WHERE m.escrow_account_id = a.id AND m.status = 'RELEASED')
						THEN 'released'
					ELSE 'refunded'
				END
			ELSE 'pending'
		END, updated_at = now()
		WHERE a.id = $1
	`, accountID)
	return err
}

// CreateFeeEntryTx inserts the append-only fee ledger row for a release.
func (r *Repository) CreateFeeEntryTx(ctx context.Context, tx pgx.Tx, e *models.FeeLedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO fee_ledger (id, milestone_id, total_amount, platform_fee, net_payout, transaction_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, e.ID, e.MilestoneID, e.TotalAmount, e.PlatformFee, e.NetPayout, e.TransactionType).Scan(&e.CreatedAt)
}

// CreditEarningsTx adds net payout kobo to the freelancer's running total, in
// the same transaction as the release finalize.
func (r *Repository) CreditEarningsTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, kobo int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET total_earned_kobo = total_earned_kobo + $2, updated_at = now()
		WHERE id = $1
	`, accountID, kobo)
	return err
}

// CreateDisputeTx records the dispute row alongside the DISPUTED transition.
func (r *Repository) CreateDisputeTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return tx.QueryRow(ctx, `
		INSERT INTO disputes (id, milestone_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.MilestoneID, d.RaisedBy, d.Reason, d.Status).Scan(&d.CreatedAt)
}

// CloseDisputeTx marks all open disputes on the milestone resolved.
func (r *Repository) CloseDisputeTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID, resolution string) error {
	_, err := tx.Exec(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = $2, resolved_at = now()
		WHERE milestone_id = $1 AND status = 'open'
	`, milestoneID, resolution)
	return err
}

// HasOpenDisputeTx reports whether any milestone under the task is DISPUTED,
// inside the caller's transaction.
func (r *Repository) HasOpenDisputeTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error) {
	var open bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_milestones m
			INNER JOIN escrow_accounts a ON a.id = m.escrow_account_id
			WHERE a.task_id = $1 AND m.status = 'DISPUTED'
		)
	`, taskID).Scan(&open)
	return open, err
}

// HasOpenDispute is the pool-level variant for read-only callers.
func (r *Repository) HasOpenDispute(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_milestones m
			INNER JOIN escrow_accounts a ON a.id = m.escrow_account_id
			WHERE a.task_id = $1 AND m.status = 'DISPUTED'
		)
	`, taskID).Scan(&open)
	return open, err
}

// GetAccountByTaskID returns the task's current (most recent) escrow account.
func (r *Repository) GetAccountByTaskID(ctx context.Context, taskID uuid.UUID) (*models.EscrowAccount, error) {
	var a models.EscrowAccount
	err := r.pool.QueryRow(ctx, `
		SELECT id, task_id, client_id, freelancer_id, total_amount, currency, status,
		       payment_reference, created_at, updated_at
		FROM escrow_accounts WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, taskID).Scan(
		&a.ID, &a.TaskID, &a.ClientID, &a.FreelancerID, &a.TotalAmount, &a.Currency, &a.Status,
		&a.PaymentReference, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListMilestonesByAccountID returns the account's milestones, oldest first.
func (r *Repository) ListMilestonesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_account_id, title, description, amount, status,
		       payment_reference, transfer_code, created_at, updated_at, released_at
		FROM escrow_milestones WHERE escrow_account_id = $1 ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Milestone
	for rows.Next() {
		var m models.Milestone
		if err := rows.Scan(&m.ID, &m.EscrowAccountID, &m.Title, &m.Description, &m.Amount, &m.Status,
			&m.PaymentReference, &m.TransferCode, &m.CreatedAt, &m.UpdatedAt, &m.ReleasedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

// ListFeeEntriesByTaskID returns fee ledger rows for the task's milestones.
func (r *Repository) ListFeeEntriesByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.FeeLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.id, f.milestone_id, f.total_amount, f.platform_fee, f.net_payout, f.transaction_type, f.created_at
		FROM fee_ledger f
		INNER JOIN escrow_milestones m ON m.id = f.milestone_id
		INNER JOIN escrow_accounts a ON a.id = m.escrow_account_id
		WHERE a.task_id = $1 ORDER BY f.created_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.FeeLedgerEntry
	for rows.Next() {
		var e models.FeeLedgerEntry
		if err := rows.Scan(&e.ID, &e.MilestoneID, &e.TotalAmount, &e.PlatformFee, &e.NetPayout, &e.TransactionType, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// ListReleasePending returns milestones stuck in RELEASE_PENDING for the
// operator reconciliation queue, oldest first.
func (r *Repository) ListReleasePending(ctx context.Context) ([]*MilestoneDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.escrow_account_id, m.title, m.description, m.amount, m.status,
		       m.payment_reference, m.transfer_code, m.created_at, m.updated_at, m.released_at,
		       a.task_id, a.client_id, a.freelancer_id, a.currency
		FROM escrow_milestones m
		INNER JOIN escrow_accounts a ON a.id = m.escrow_account_id
		WHERE m.status = 'RELEASE_PENDING'
		ORDER BY m.updated_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*MilestoneDetail
	for rows.Next() {
		var d MilestoneDetail
		if err := rows.Scan(&d.ID, &d.EscrowAccountID, &d.Title, &d.Description, &d.Amount, &d.Status,
			&d.PaymentReference, &d.TransferCode, &d.CreatedAt, &d.UpdatedAt, &d.ReleasedAt,
			&d.TaskID, &d.ClientID, &d.FreelancerID, &d.Currency); err != nil {
			return nil, err
		}
		list = append(list, &d)
	}
	return list, rows.Err()
}

// FeeRevenueTotal sums platform fees across the ledger (kobo).
func (r *Repository) FeeRevenueTotal(ctx context.Context) (entries int64, totalFeesKobo int64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(platform_fee), 0) FROM fee_ledger
	`).Scan(&entries, &totalFeesKobo)
	return entries, totalFeesKobo, err
}

// RefundAccountTx marks every refundable milestone REFUNDED and the account
// refunded. Keyed on the milestones, not the account status, so an escrow
// with a mix of released and still-funded milestones remains refundable.
// Returns pgx.ErrNoRows when nothing refundable remains, and
// ErrReleaseInFlight when a RELEASE_PENDING milestone blocks the refund.
func (r *Repository) RefundAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	var inFlight bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_milestones
			WHERE escrow_account_id = $1 AND status = 'RELEASE_PENDING'
		)
	`, accountID).Scan(&inFlight); err != nil {
		return err
	}
	if inFlight {
		return ErrReleaseInFlight
	}

	result, err := tx.Exec(ctx, `
		UPDATE escrow_milestones SET status = 'REFUNDED', updated_at = now()
		WHERE escrow_account_id = $1 AND status IN ('PENDING', 'FUNDED', 'DISPUTED')
	`, accountID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	_, err = tx.Exec(ctx, `
		UPDATE escrow_accounts SET status = 'refunded', updated_at = now()
		WHERE id = $1
	`, accountID)
	return err
}
