package models

import (
	"time"

	"github.com/google/uuid"
)

// Fee ledger transaction_type enums.
const (
	FeeTxMilestoneRelease = "MILESTONE_RELEASE"
)

// FeeLedgerEntry is the append-only audit record written atomically with a
// milestone release. Amounts are kobo so the rounding guarantee
// platform_fee + net_payout == total_amount holds exactly. Entries are never
// mutated or deleted.
type FeeLedgerEntry struct {
	ID              uuid.UUID `json:"id"`
	MilestoneID     uuid.UUID `json:"milestone_id"`
	TotalAmount     int64     `json:"total_amount"`
	PlatformFee     int64     `json:"platform_fee"`
	NetPayout       int64     `json:"net_payout"`
	TransactionType string    `json:"transaction_type"`
	CreatedAt       time.Time `json:"created_at"`
}
