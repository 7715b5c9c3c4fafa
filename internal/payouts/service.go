package payouts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/paystack"
)

// RecipientRegistrar is the gateway surface this service needs.
type RecipientRegistrar interface {
	CreateTransferRecipient(ctx context.Context, bank paystack.BankDetails) (string, error)
}

type Service interface {
	RegisterBankDetails(ctx context.Context, accountID uuid.UUID, bank paystack.BankDetails) (*models.PayoutProfile, error)
	GetProfile(ctx context.Context, accountID uuid.UUID) (*models.PayoutProfile, error)
	GetRecipientCode(ctx context.Context, accountID uuid.UUID) (string, error)
}

type service struct {
	repo    *Repository
	gateway RecipientRegistrar
}

func NewService(repo *Repository, gateway RecipientRegistrar) *service {
	return &service{repo: repo, gateway: gateway}
}

var _ Service = (*service)(nil)

// ErrNoProfile means the account has no stored payout profile.
var ErrNoProfile = errors.New("no payout profile for account")

// ErrBankRejected means the gateway refused to register the bank account.
var ErrBankRejected = errors.New("bank details rejected by gateway")

// RegisterBankDetails validates the bank account with the gateway by
// registering a transfer recipient, then stores the profile. Re-registering
// replaces the previous details.
func (s *service) RegisterBankDetails(ctx context.Context, accountID uuid.UUID, bank paystack.BankDetails) (*models.PayoutProfile, error) {
	recipientCode, err := s.gateway.CreateTransferRecipient(ctx, bank)
	if err != nil {
		if errors.Is(err, paystack.ErrAmbiguousOutcome) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBankRejected, err)
	}
	profile := &models.PayoutProfile{
		ID:            uuid.New(),
		AccountID:     accountID,
		BankCode:      bank.BankCode,
		AccountNumber: bank.AccountNumber,
		AccountName:   bank.AccountName,
		RecipientCode: recipientCode,
	}
	if err := s.repo.Upsert(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *service) GetProfile(ctx context.Context, accountID uuid.UUID) (*models.PayoutProfile, error) {
	p, err := s.repo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoProfile
		}
		return nil, err
	}
	return p, nil
}

// GetRecipientCode resolves the stored gateway recipient code for an
// account. The escrow engine calls this before initiating a transfer.
func (s *service) GetRecipientCode(ctx context.Context, accountID uuid.UUID) (string, error) {
	p, err := s.GetProfile(ctx, accountID)
	if err != nil {
		return "", err
	}
	return p.RecipientCode, nil
}
