package payouts

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvine/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert stores the payout profile for an account, replacing any previous
// bank details. One profile per account.
func (r *Repository) Upsert(ctx context.Context, p *models.PayoutProfile) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payout_profiles (id, account_id, bank_code, account_number, account_name, recipient_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			bank_code = EXCLUDED.bank_code,
			account_number = EXCLUDED.account_number,
			account_name = EXCLUDED.account_name,
			recipient_code = EXCLUDED.recipient_code,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`, p.ID, p.AccountID, p.BankCode, p.AccountNumber, p.AccountName, p.RecipientCode).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *Repository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.PayoutProfile, error) {
	var p models.PayoutProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, bank_code, account_number, account_name, recipient_code, created_at, updated_at
		FROM payout_profiles WHERE account_id = $1
	`, accountID).Scan(&p.ID, &p.AccountID, &p.BankCode, &p.AccountNumber, &p.AccountName, &p.RecipientCode, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
