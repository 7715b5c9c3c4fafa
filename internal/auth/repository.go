package auth

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvine/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account and returns it.
func (r *Repository) Create(ctx context.Context, email, passwordHash, name, role string) (*models.Account, error) {
	a := &models.Account{
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: passwordHash,
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, email, passwordHash, name, role)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByEmail returns the account with its password hash for login.
// Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, name, role, password_hash, total_earned_kobo, max_escrow_amount, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email)
	if err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.PasswordHash, &a.TotalEarnedKobo, &a.MaxEscrowAmount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
