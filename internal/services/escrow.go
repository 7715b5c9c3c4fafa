package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskvine/backend/internal/ledger"
	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/notify"
	"github.com/taskvine/backend/internal/paystack"
)

// LedgerStore is the ledger repository surface the engine writes through.
// The engine is the only component that opens write transactions against the
// escrow tables.
type LedgerStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateAccountTx(ctx context.Context, tx pgx.Tx, a *models.EscrowAccount) error
	CreateMilestoneTx(ctx context.Context, tx pgx.Tx, m *models.Milestone) error
	GetMilestoneDetail(ctx context.Context, id uuid.UUID) (*ledger.MilestoneDetail, error)
	MarkMilestoneFundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reference string) (bool, error)
	ClaimReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	RevertReleaseClaim(ctx context.Context, id uuid.UUID) (bool, error)
	FinalizeReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferCode *string) (bool, error)
	TransitionMilestoneTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	UpdateAccountStatusTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, from, to string) (bool, error)
	CreateFeeEntryTx(ctx context.Context, tx pgx.Tx, e *models.FeeLedgerEntry) error
	CreditEarningsTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, kobo int64) error
	CreateDisputeTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	CloseDisputeTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID, resolution string) error
	SettleAccountStatusTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error
	GetAccountByTaskID(ctx context.Context, taskID uuid.UUID) (*models.EscrowAccount, error)
	ListMilestonesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Milestone, error)
	ListFeeEntriesByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.FeeLedgerEntry, error)
	RefundAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error
}

// PaymentGateway is the adapter surface for the external payment processor.
// All amounts are kobo; the engine owns the major/minor conversion.
type PaymentGateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*paystack.Transaction, error)
	CreateTransferRecipient(ctx context.Context, bank paystack.BankDetails) (string, error)
	InitiateTransfer(ctx context.Context, recipientCode string, amountKobo int64, reference, reason string) (*paystack.Transfer, error)
}

// PayoutLookup resolves a freelancer's stored gateway recipient code.
type PayoutLookup interface {
	GetRecipientCode(ctx context.Context, accountID uuid.UUID) (string, error)
}

// DisputeChecker answers "does this task have an open dispute". Implemented
// by ledger.DisputeGuard; the engine consults it to classify a lost release
// claim and for the status read model.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, taskID uuid.UUID) (bool, error)
	HasOpenDisputeTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error)
}

// InsertNotifyTxFunc enqueues a milestone event within the given transaction.
// Provided by main as a closure over river.Client.InsertTx.
type InsertNotifyTxFunc func(ctx context.Context, tx pgx.Tx, args notify.MilestoneEventArgs) error

// EscrowEngine owns the escrow/milestone state machine. It is the sole
// writer of EscrowAccount.status, Milestone.status, fee ledger rows and
// earnings credits.
type EscrowEngine struct {
	Store          LedgerStore
	Gateway        PaymentGateway
	Payouts        PayoutLookup
	Disputes       DisputeChecker
	FeeBasisPoints int
	InsertNotify   InsertNotifyTxFunc
	Logger         *slog.Logger
}

// NewEscrowEngine returns an engine with the default 10% platform fee.
func NewEscrowEngine(store LedgerStore, gateway PaymentGateway, payouts PayoutLookup, disputes DisputeChecker, insertNotify InsertNotifyTxFunc, logger *slog.Logger) *EscrowEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowEngine{
		Store:          store,
		Gateway:        gateway,
		Payouts:        payouts,
		Disputes:       disputes,
		FeeBasisPoints: DefaultFeeBasisPoints,
		InsertNotify:   insertNotify,
		Logger:         logger,
	}
}

// MilestoneInput describes one milestone on escrow creation.
type MilestoneInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// CreateEscrowParams are the inputs to CreateEscrow.
type CreateEscrowParams struct {
	TaskID       uuid.UUID
	ClientID     uuid.UUID
	FreelancerID *uuid.UUID
	Amount       int64
	Currency     string
	Milestones   []MilestoneInput
}

// CreateEscrow opens a pending escrow account for a task. When no milestones
// are given, a single milestone covering the full amount is created so the
// fund/release lifecycle is uniform. At most one non-refunded account may
// exist per task.
func (e *EscrowEngine) CreateEscrow(ctx context.Context, p CreateEscrowParams) (*models.EscrowAccount, []*models.Milestone, error) {
	if p.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	for i, m := range p.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return nil, nil, fmt.Errorf("%w: milestone %d title is required", ErrValidation, i)
		}
		if m.Amount <= 0 {
			return nil, nil, fmt.Errorf("%w: milestone %d amount must be > 0", ErrValidation, i)
		}
	}
	currency := p.Currency
	if currency == "" {
		currency = "NGN"
	}

	account := &models.EscrowAccount{
		ID:           uuid.New(),
		TaskID:       p.TaskID,
		ClientID:     p.ClientID,
		FreelancerID: p.FreelancerID,
		TotalAmount:  p.Amount,
		Currency:     currency,
		Status:       models.EscrowStatusPending,
	}
	inputs := p.Milestones
	if len(inputs) == 0 {
		inputs = []MilestoneInput{{Title: "Full payment", Amount: p.Amount}}
	}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := e.Store.CreateAccountTx(ctx, tx, account); err != nil {
		if errors.Is(err, ledger.ErrActiveEscrowExists) {
			return nil, nil, ErrEscrowExists
		}
		return nil, nil, err
	}

	milestones := make([]*models.Milestone, 0, len(inputs))
	for _, in := range inputs {
		m := &models.Milestone{
			ID:              uuid.New(),
			EscrowAccountID: account.ID,
			Title:           in.Title,
			Description:     in.Description,
			Amount:          in.Amount,
			Status:          models.MilestonePending,
		}
		if err := e.Store.CreateMilestoneTx(ctx, tx, m); err != nil {
			return nil, nil, err
		}
		milestones = append(milestones, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return account, milestones, nil
}

// FundMilestone verifies the gateway charge server-side and marks the
// milestone FUNDED. The PENDING -> FUNDED step is a conditional update, so a
// duplicate or concurrent funding call fails cleanly instead of re-funding.
func (e *EscrowEngine) FundMilestone(ctx context.Context, milestoneID, clientID uuid.UUID, reference string) (*models.Milestone, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrValidation)
	}

	d, err := e.Store.GetMilestoneDetail(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if d.ClientID != clientID {
		return nil, ErrForbidden
	}
	if d.Status != models.MilestonePending {
		return nil, ErrMilestoneNotPending
	}

	// Never trust the caller's claim that payment happened; ask the gateway.
	verified, err := e.Gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		e.Logger.Warn("payment verification failed", "milestone_id", milestoneID, "reference", reference, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotVerified, reference)
	}
	wantKobo := ToKobo(d.Amount)
	if verified.AmountKobo != wantKobo {
		e.Logger.Warn("funding amount mismatch",
			"milestone_id", milestoneID, "expected_kobo", wantKobo, "paid_kobo", verified.AmountKobo)
		return nil, fmt.Errorf("%w: expected %d kobo, gateway reports %d", ErrAmountMismatch, wantKobo, verified.AmountKobo)
	}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ok, err := e.Store.MarkMilestoneFundedTx(ctx, tx, milestoneID, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrReferenceUsed) {
			return nil, fmt.Errorf("%w: reference already consumed", ErrConflict)
		}
		return nil, err
	}
	if !ok {
		return nil, ErrMilestoneNotPending
	}

	// First funded milestone moves the account out of pending.
	if _, err := e.Store.UpdateAccountStatusTx(ctx, tx, d.EscrowAccountID, models.EscrowStatusPending, models.EscrowStatusFunded); err != nil {
		return nil, err
	}

	if err := e.notifyTx(ctx, tx, notify.EventFunded, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	d.Status = models.MilestoneFunded
	d.PaymentReference = &reference
	m := d.Milestone
	return &m, nil
}

// ReleaseParams are the inputs to ReleaseMilestone.
type ReleaseParams struct {
	MilestoneID uuid.UUID
	ActorID     uuid.UUID
	ActorRole   string
	// BankDetails, when set, registers a fresh transfer recipient instead
	// of using the freelancer's stored payout profile.
	BankDetails *paystack.BankDetails
	// SkipTransfer finalizes the release without calling the gateway.
	// Admin-only; used when the payout is settled out of band.
	SkipTransfer bool
}

// ReleaseMilestone pays a funded milestone out to the freelancer.
//
// The operation is two-phase. Phase one claims the milestone
// (FUNDED -> RELEASE_PENDING) with a conditional update whose WHERE clause
// also checks for open disputes, so "release" and "dispute" cannot both win
// from the same FUNDED state. Phase two calls the gateway with no ledger
// lock held, then finalizes atomically: RELEASED + one fee ledger entry +
// earnings credit + notification, in one transaction.
//
// A definitive gateway rejection reverts the claim. An unknown outcome
// leaves the claim in place and returns ErrReleaseAmbiguous: the milestone
// sits in RELEASE_PENDING until an operator reconciles it, because retrying
// a transfer that may have executed would pay twice.
func (e *EscrowEngine) ReleaseMilestone(ctx context.Context, p ReleaseParams) (*models.Milestone, *models.FeeLedgerEntry, error) {
	d, err := e.Store.GetMilestoneDetail(ctx, p.MilestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if p.ActorRole != models.RoleAdmin && d.ClientID != p.ActorID {
		return nil, nil, ErrForbidden
	}
	if p.SkipTransfer && p.ActorRole != models.RoleAdmin {
		return nil, nil, ErrForbidden
	}

	if err := e.claimRelease(ctx, d); err != nil {
		return nil, nil, err
	}

	var transferCode *string
	if !p.SkipTransfer {
		code, err := e.executeTransfer(ctx, d, p.BankDetails)
		if err != nil {
			return nil, nil, err
		}
		transferCode = code
	}

	entry, err := e.finalizeRelease(ctx, d, transferCode)
	if err != nil {
		return nil, nil, err
	}

	d.Status = models.MilestoneReleased
	d.TransferCode = transferCode
	m := d.Milestone
	return &m, entry, nil
}

// claimRelease takes the RELEASE_PENDING claim and classifies a lost race as
// either a dispute block or a plain conflict.
func (e *EscrowEngine) claimRelease(ctx context.Context, d *ledger.MilestoneDetail) error {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ok, err := e.Store.ClaimReleaseTx(ctx, tx, d.ID)
	if err != nil {
		return err
	}
	if !ok {
		disputed, derr := e.Disputes.HasOpenDisputeTx(ctx, tx, d.TaskID)
		if derr != nil {
			return derr
		}
		if disputed {
			return ErrDisputeOpen
		}
		return fmt.Errorf("%w: milestone is not funded", ErrConflict)
	}
	return tx.Commit(ctx)
}

// executeTransfer performs the gateway payout for the milestone's net amount.
// Returns the transfer code, or nil after reverting the claim on a hard
// failure. An ambiguous outcome leaves the claim and escalates.
func (e *EscrowEngine) executeTransfer(ctx context.Context, d *ledger.MilestoneDetail, bank *paystack.BankDetails) (*string, error) {
	recipientCode, err := e.resolveRecipient(ctx, d, bank)
	if err != nil {
		e.revertClaim(ctx, d.ID)
		return nil, err
	}

	_, netKobo := ComputeFee(ToKobo(d.Amount), e.FeeBasisPoints)
	// One deterministic reference per milestone: the gateway deduplicates
	// on it, which keeps operator reconciliation of an ambiguous outcome
	// from double-paying.
	transferRef := "tvn-release-" + d.ID.String()

	transfer, err := e.Gateway.InitiateTransfer(ctx, recipientCode, netKobo, transferRef, "Milestone release: "+d.Title)
	if err != nil {
		if errors.Is(err, paystack.ErrAmbiguousOutcome) {
			e.Logger.Error("transfer outcome unknown, milestone left in RELEASE_PENDING for reconciliation",
				"milestone_id", d.ID, "task_id", d.TaskID, "reference", transferRef, "error", err)
			return nil, ErrReleaseAmbiguous
		}
		e.Logger.Warn("transfer rejected, reverting release claim", "milestone_id", d.ID, "error", err)
		e.revertClaim(ctx, d.ID)
		return nil, fmt.Errorf("%w: gateway rejected transfer", ErrTransferFailed)
	}
	return &transfer.TransferCode, nil
}

func (e *EscrowEngine) resolveRecipient(ctx context.Context, d *ledger.MilestoneDetail, bank *paystack.BankDetails) (string, error) {
	if bank != nil {
		code, err := e.Gateway.CreateTransferRecipient(ctx, *bank)
		if err != nil {
			return "", fmt.Errorf("%w: could not register transfer recipient", ErrTransferFailed)
		}
		return code, nil
	}
	if d.FreelancerID == nil {
		return "", fmt.Errorf("%w: no freelancer assigned to task", ErrValidation)
	}
	code, err := e.Payouts.GetRecipientCode(ctx, *d.FreelancerID)
	if err != nil || code == "" {
		return "", ErrNoPayoutProfile
	}
	return code, nil
}

func (e *EscrowEngine) revertClaim(ctx context.Context, milestoneID uuid.UUID) {
	if _, err := e.Store.RevertReleaseClaim(ctx, milestoneID); err != nil {
		e.Logger.Error("failed to revert release claim", "milestone_id", milestoneID, "error", err)
	}
}

// finalizeRelease commits the RELEASED state, the fee ledger entry and the
// freelancer earnings credit as one transaction. If this fails after a
// successful transfer the milestone stays RELEASE_PENDING and the error is
// ErrReleaseAmbiguous: money moved but the ledger doesn't say so yet, which
// is exactly the state an operator must reconcile.
func (e *EscrowEngine) finalizeRelease(ctx context.Context, d *ledger.MilestoneDetail, transferCode *string) (*models.FeeLedgerEntry, error) {
	feeKobo, netKobo := ComputeFee(ToKobo(d.Amount), e.FeeBasisPoints)
	entry := &models.FeeLedgerEntry{
		ID:              uuid.New(),
		MilestoneID:     d.ID,
		TotalAmount:     ToKobo(d.Amount),
		PlatformFee:     feeKobo,
		NetPayout:       netKobo,
		TransactionType: models.FeeTxMilestoneRelease,
	}

	commit := func() error {
		tx, err := e.Store.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		ok, err := e.Store.FinalizeReleaseTx(ctx, tx, d.ID, transferCode)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: milestone is not awaiting release", ErrConflict)
		}
		if err := e.Store.CreateFeeEntryTx(ctx, tx, entry); err != nil {
			return err
		}
		if d.FreelancerID != nil {
			if err := e.Store.CreditEarningsTx(ctx, tx, *d.FreelancerID, netKobo); err != nil {
				return err
			}
		}
		// Account stays funded while sibling milestones still hold money;
		// only the last terminal milestone settles it to released.
		if err := e.Store.SettleAccountStatusTx(ctx, tx, d.EscrowAccountID); err != nil {
			return err
		}
		if err := e.notifyTx(ctx, tx, notify.EventReleased, d); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := commit(); err != nil {
		if errors.Is(err, ErrConflict) || transferCode == nil {
			return nil, err
		}
		e.Logger.Error("release finalize failed after successful transfer, manual reconciliation required",
			"milestone_id", d.ID, "task_id", d.TaskID, "transfer_code", *transferCode, "error", err)
		return nil, ErrReleaseAmbiguous
	}
	return entry, nil
}

// RaiseDispute moves a FUNDED milestone to DISPUTED and records the reason.
// The conditional update means a dispute cannot land on a milestone whose
// release is already in flight, and vice versa.
func (e *EscrowEngine) RaiseDispute(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, reason string) (*models.Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}
	d, err := e.Store.GetMilestoneDetail(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	isParty := d.ClientID == actorID || (d.FreelancerID != nil && *d.FreelancerID == actorID)
	if actorRole != models.RoleAdmin && !isParty {
		return nil, ErrForbidden
	}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ok, err := e.Store.TransitionMilestoneTx(ctx, tx, milestoneID, models.MilestoneFunded, models.MilestoneDisputed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: only funded milestones can be disputed", ErrConflict)
	}

	dispute := &models.Dispute{
		ID:          uuid.New(),
		MilestoneID: milestoneID,
		RaisedBy:    actorID,
		Reason:      reason,
		Status:      models.DisputeOpen,
	}
	if err := e.Store.CreateDisputeTx(ctx, tx, dispute); err != nil {
		return nil, err
	}
	if _, err := e.Store.UpdateAccountStatusTx(ctx, tx, d.EscrowAccountID, models.EscrowStatusFunded, models.EscrowStatusDisputed); err != nil {
		return nil, err
	}
	if err := e.notifyTx(ctx, tx, notify.EventDisputed, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return dispute, nil
}

// Dispute resolution outcomes.
const (
	ResolutionReinstate = "reinstate" // back to FUNDED, release may proceed
	ResolutionRefund    = "refund"    // terminal, funds go back to the client
)

// ResolveDispute is the administrative end of a dispute: reinstate the
// milestone for release, or close it out as refunded.
func (e *EscrowEngine) ResolveDispute(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, outcome string) error {
	if actorRole != models.RoleAdmin {
		return ErrForbidden
	}
	var target string
	switch outcome {
	case ResolutionReinstate:
		target = models.MilestoneFunded
	case ResolutionRefund:
		target = models.MilestoneRefunded
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrValidation, outcome)
	}

	d, err := e.Store.GetMilestoneDetail(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ok, err := e.Store.TransitionMilestoneTx(ctx, tx, milestoneID, models.MilestoneDisputed, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: milestone is not disputed", ErrConflict)
	}
	if err := e.Store.CloseDisputeTx(ctx, tx, milestoneID, outcome); err != nil {
		return err
	}
	// Reinstate settles the account back to funded; a refund outcome on the
	// last live milestone settles it to refunded instead.
	if err := e.Store.SettleAccountStatusTx(ctx, tx, d.EscrowAccountID); err != nil {
		return err
	}
	if err := e.notifyTx(ctx, tx, notify.EventDisputeResolved, d); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RefundEscrow is the administrative full refund: every non-terminal
// milestone goes to REFUNDED and the account to refunded. A later
// CreateEscrow for the same task is then allowed.
func (e *EscrowEngine) RefundEscrow(ctx context.Context, taskID, actorID uuid.UUID, actorRole string) (*models.EscrowAccount, error) {
	if actorRole != models.RoleAdmin {
		return nil, ErrForbidden
	}
	account, err := e.Store.GetAccountByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := e.Store.RefundAccountTx(ctx, tx, account.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no refundable milestones remain", ErrConflict)
		}
		if errors.Is(err, ledger.ErrReleaseInFlight) {
			return nil, fmt.Errorf("%w: a release is awaiting reconciliation", ErrConflict)
		}
		return nil, err
	}
	if e.InsertNotify != nil {
		if err := e.InsertNotify(ctx, tx, notify.MilestoneEventArgs{
			EventType:    notify.EventRefunded,
			TaskID:       taskID,
			Amount:       account.TotalAmount,
			ClientID:     account.ClientID,
			FreelancerID: account.FreelancerID,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	account.Status = models.EscrowStatusRefunded
	return account, nil
}

// EscrowStatus is the read model returned to the surrounding system.
type EscrowStatus struct {
	Account     *models.EscrowAccount    `json:"account"`
	Milestones  []*models.Milestone      `json:"milestones"`
	FeeEntries  []*models.FeeLedgerEntry `json:"fee_entries"`
	OpenDispute bool                     `json:"open_dispute"`
}

// GetEscrowStatus returns the full money state for a task.
func (e *EscrowEngine) GetEscrowStatus(ctx context.Context, taskID uuid.UUID) (*EscrowStatus, error) {
	account, err := e.Store.GetAccountByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	milestones, err := e.Store.ListMilestonesByAccountID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	entries, err := e.Store.ListFeeEntriesByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	open, err := e.Disputes.HasOpenDispute(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &EscrowStatus{Account: account, Milestones: milestones, FeeEntries: entries, OpenDispute: open}, nil
}

// Reconciliation outcomes for RELEASE_PENDING milestones.
const (
	ReconcileConfirm = "confirm" // transfer did execute: finalize as released
	ReconcileAbandon = "abandon" // transfer did not execute: back to FUNDED
)

// ResolveAmbiguousRelease is the operator's answer to an ambiguous transfer,
// after checking the gateway dashboard. Confirm finalizes the release
// without another transfer; abandon returns the milestone to FUNDED.
func (e *EscrowEngine) ResolveAmbiguousRelease(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, outcome string) error {
	if actorRole != models.RoleAdmin {
		return ErrForbidden
	}
	d, err := e.Store.GetMilestoneDetail(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if d.Status != models.MilestoneReleasePending {
		return fmt.Errorf("%w: milestone is not awaiting reconciliation", ErrConflict)
	}

	switch outcome {
	case ReconcileConfirm:
		_, err := e.finalizeRelease(ctx, d, d.TransferCode)
		return err
	case ReconcileAbandon:
		ok, err := e.Store.RevertReleaseClaim(ctx, milestoneID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: milestone is not awaiting reconciliation", ErrConflict)
		}
		e.Logger.Info("ambiguous release abandoned, milestone back to funded", "milestone_id", milestoneID)
		return nil
	default:
		return fmt.Errorf("%w: unknown reconciliation outcome %q", ErrValidation, outcome)
	}
}

func (e *EscrowEngine) notifyTx(ctx context.Context, tx pgx.Tx, eventType string, d *ledger.MilestoneDetail) error {
	if e.InsertNotify == nil {
		return nil
	}
	return e.InsertNotify(ctx, tx, notify.MilestoneEventArgs{
		EventType:    eventType,
		TaskID:       d.TaskID,
		MilestoneID:  d.ID,
		Amount:       d.Amount,
		ClientID:     d.ClientID,
		FreelancerID: d.FreelancerID,
	})
}
