package models

import (
	"time"

	"github.com/google/uuid"
)

// Account role enums.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// SeedAPIKey is the bootstrap admin API key value (hash this before comparing to api_keys.key_hash).
const SeedAPIKey = "tvn_seed_bootstrap_key_do_not_share"

type Account struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	PasswordHash    string    `json:"-"`
	TotalEarnedKobo int64     `json:"total_earned_kobo"`
	MaxEscrowAmount *int64    `json:"max_escrow_amount,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
