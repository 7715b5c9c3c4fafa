package models

import (
	"time"

	"github.com/google/uuid"
)

// PayoutProfile is a freelancer's registered bank destination. The gateway
// recipient code is created server-side when the profile is registered and
// reused for every transfer to this freelancer.
type PayoutProfile struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	BankCode      string    `json:"bank_code"`
	AccountNumber string    `json:"account_number"`
	AccountName   string    `json:"account_name"`
	RecipientCode string    `json:"recipient_code"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
