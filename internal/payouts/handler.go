package payouts

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskvine/backend/internal/auth"
	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/paystack"
	"github.com/taskvine/backend/internal/services"
)

// Request/response structs use snake_case JSON.

type RegisterBankRequest struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
}

type ProfileResponse struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

type Handler struct {
	svc       Service
	authSvc   auth.Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, authSvc auth.Service, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, authSvc: authSvc, validator: validator, log: log}
}

// RegisterBank handles POST /api/v1/payouts/bank. Freelancers store the
// bank account milestone payouts go to.
func (h *Handler) RegisterBank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accountID, role, err := h.identityFromRequest(r)
	if err != nil || accountID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if role != models.RoleFreelancer && role != models.RoleAdmin {
		http.Error(w, "only freelancers can register payout details", http.StatusForbidden)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.validator.Validate(r.Context(), "bank_details", raw); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	var req RegisterBankRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	profile, err := h.svc.RegisterBankDetails(r.Context(), accountID, paystack.BankDetails{
		AccountName:   req.AccountName,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
	})
	if err != nil {
		if errors.Is(err, ErrBankRejected) {
			http.Error(w, "bank details rejected by payment gateway", http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, paystack.ErrAmbiguousOutcome) {
			http.Error(w, "payment gateway unavailable", http.StatusBadGateway)
			return
		}
		h.log.Error("register bank details failed", "error", err)
		http.Error(w, "register bank details failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(profileToResponse(profile))
}

// GetProfile handles GET /api/v1/payouts/bank.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accountID, _, err := h.identityFromRequest(r)
	if err != nil || accountID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	profile, err := h.svc.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNoProfile) {
			http.Error(w, "no payout profile", http.StatusNotFound)
			return
		}
		h.log.Error("get payout profile failed", "error", err)
		http.Error(w, "get payout profile failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(profileToResponse(profile))
}

func (h *Handler) identityFromRequest(r *http.Request) (uuid.UUID, string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return uuid.Nil, "", nil
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, "", nil
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, "", nil
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}

func profileToResponse(p *models.PayoutProfile) ProfileResponse {
	return ProfileResponse{
		ID:            p.ID.String(),
		AccountID:     p.AccountID.String(),
		BankCode:      p.BankCode,
		AccountNumber: maskAccountNumber(p.AccountNumber),
		AccountName:   p.AccountName,
	}
}

// maskAccountNumber keeps only the last four digits.
func maskAccountNumber(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
