package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowAccount status enums. An account tracks the overall money state for
// one task; individual milestones carry their own lifecycle below.
const (
	EscrowStatusPending    = "pending"
	EscrowStatusFunded     = "funded"
	EscrowStatusInProgress = "in_progress"
	EscrowStatusDisputed   = "disputed"
	EscrowStatusReleased   = "released"
	EscrowStatusRefunded   = "refunded"
)

// Milestone status enums. RELEASE_PENDING is the claim a release operation
// takes before calling the payment gateway; it doubles as the
// needs-manual-reconciliation state when the transfer outcome is unknown.
const (
	MilestonePending        = "PENDING"
	MilestoneFunded         = "FUNDED"
	MilestoneDisputed       = "DISPUTED"
	MilestoneReleasePending = "RELEASE_PENDING"
	MilestoneReleased       = "RELEASED"
	MilestoneRefunded       = "REFUNDED"
)

// milestoneTransitions is the closed transition table for milestone statuses.
// Anything not listed here is rejected; the repository additionally enforces
// each transition with a conditional UPDATE keyed on the from-status.
var milestoneTransitions = map[string][]string{
	MilestonePending:        {MilestoneFunded, MilestoneRefunded},
	MilestoneFunded:         {MilestoneDisputed, MilestoneReleasePending, MilestoneRefunded},
	MilestoneDisputed:       {MilestoneFunded, MilestoneRefunded},
	MilestoneReleasePending: {MilestoneReleased, MilestoneFunded},
	MilestoneReleased:       nil,
	MilestoneRefunded:       nil,
}

// CanTransition reports whether a milestone may move from one status to
// another according to the transition table.
func CanTransition(from, to string) bool {
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EscrowAccount is the platform-held record of committed client funds for a
// task. Amounts are whole major currency units (naira).
type EscrowAccount struct {
	ID               uuid.UUID  `json:"id"`
	TaskID           uuid.UUID  `json:"task_id"`
	ClientID         uuid.UUID  `json:"client_id"`
	FreelancerID     *uuid.UUID `json:"freelancer_id,omitempty"`
	TotalAmount      int64      `json:"total_amount"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	PaymentReference *string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Milestone is a sub-portion of a task's budget with its own fund/release
// lifecycle. Amount is immutable after creation.
type Milestone struct {
	ID               uuid.UUID  `json:"id"`
	EscrowAccountID  uuid.UUID  `json:"escrow_account_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Amount           int64      `json:"amount"`
	Status           string     `json:"status"`
	PaymentReference *string    `json:"payment_reference,omitempty"`
	TransferCode     *string    `json:"transfer_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
}

// Dispute status enums.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Dispute is a hold raised by either party against a funded milestone.
type Dispute struct {
	ID          uuid.UUID  `json:"id"`
	MilestoneID uuid.UUID  `json:"milestone_id"`
	RaisedBy    uuid.UUID  `json:"raised_by"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Resolution  *string    `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
