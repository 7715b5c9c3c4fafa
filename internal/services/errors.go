package services

import "errors"

// Typed failures surfaced by the escrow engine. Handlers match these with
// errors.Is; gateway error codes never travel past this package.
var (
	// ErrValidation covers caller mistakes: bad amounts, missing fields.
	ErrValidation = errors.New("validation failed")

	// ErrPaymentNotVerified means the gateway did not report the funding
	// reference as successful.
	ErrPaymentNotVerified = errors.New("could not verify payment")

	// ErrAmountMismatch means the verified paid amount differs from the
	// milestone amount in minor units.
	ErrAmountMismatch = errors.New("paid amount does not match milestone amount")

	// ErrDisputeOpen blocks release while any dispute is open on the task.
	ErrDisputeOpen = errors.New("dispute open - release blocked")

	// ErrTransferFailed means the gateway definitively rejected the payout
	// transfer. The release claim is reverted; no ledger state changed.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrReleaseAmbiguous means the transfer outcome is unknown. The
	// milestone stays in RELEASE_PENDING for operator reconciliation and
	// must never be retried automatically.
	ErrReleaseAmbiguous = errors.New("transfer outcome unknown - manual reconciliation required")

	// ErrConflict means the caller lost a conditional-update race. No
	// partial state was committed; retrying the whole operation is safe.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrMilestoneNotPending means funding was attempted on a milestone
	// that is no longer PENDING (typically already funded).
	ErrMilestoneNotPending = errors.New("milestone is not pending")

	// ErrEscrowExists means the task already has a non-refunded escrow.
	ErrEscrowExists = errors.New("task already has an active escrow")

	// ErrForbidden means the actor's role does not permit the action on
	// this task.
	ErrForbidden = errors.New("actor not permitted for this action")

	// ErrNotFound is returned for unknown escrow/milestone/task ids.
	ErrNotFound = errors.New("not found")

	// ErrNoPayoutProfile means a real transfer was requested but the
	// freelancer has no registered bank destination.
	ErrNoPayoutProfile = errors.New("freelancer has no payout profile")
)
