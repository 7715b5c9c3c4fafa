package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskvine/backend/internal/middleware"
	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/paystack"
	"github.com/taskvine/backend/internal/services"
)

// EscrowService abstracts the escrow engine operations needed by the handler.
type EscrowService interface {
	CreateEscrow(ctx context.Context, p services.CreateEscrowParams) (*models.EscrowAccount, []*models.Milestone, error)
	FundMilestone(ctx context.Context, milestoneID, clientID uuid.UUID, reference string) (*models.Milestone, error)
	ReleaseMilestone(ctx context.Context, p services.ReleaseParams) (*models.Milestone, *models.FeeLedgerEntry, error)
	RaiseDispute(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, reason string) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, outcome string) error
	RefundEscrow(ctx context.Context, taskID, actorID uuid.UUID, actorRole string) (*models.EscrowAccount, error)
	GetEscrowStatus(ctx context.Context, taskID uuid.UUID) (*services.EscrowStatus, error)
}

// EscrowHandler serves /api/v1/escrows and /api/v1/milestones endpoints.
type EscrowHandler struct {
	Engine    EscrowService
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /api/v1/escrows ---

type createEscrowRequest struct {
	TaskID       string                    `json:"task_id"`
	FreelancerID string                    `json:"freelancer_id"`
	Amount       int64                     `json:"amount"`
	Currency     string                    `json:"currency"`
	Milestones   []services.MilestoneInput `json:"milestones"`
}

type createEscrowResponse struct {
	Account    *models.EscrowAccount `json:"account"`
	Milestones []*models.Milestone   `json:"milestones"`
}

// CreateEscrow handles POST /api/v1/escrows.
// Auth -> EscrowGuard (via middleware) -> Validate -> Create -> 201.
func (h *EscrowHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(r.Context(), "create_escrow", raw); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	var req createEscrowRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		http.Error(w, `{"error":"invalid task_id"}`, http.StatusBadRequest)
		return
	}
	var freelancerID *uuid.UUID
	if req.FreelancerID != "" {
		id, err := uuid.Parse(req.FreelancerID)
		if err != nil {
			http.Error(w, `{"error":"invalid freelancer_id"}`, http.StatusBadRequest)
			return
		}
		freelancerID = &id
	}

	account, milestones, err := h.Engine.CreateEscrow(r.Context(), services.CreateEscrowParams{
		TaskID:       taskID,
		ClientID:     acc.ID,
		FreelancerID: freelancerID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Milestones:   req.Milestones,
	})
	if err != nil {
		h.writeEngineError(w, "create escrow", err)
		return
	}

	writeJSON(w, http.StatusCreated, createEscrowResponse{Account: account, Milestones: milestones})
}

// --- POST /api/v1/milestones/{id}/fund ---

type fundMilestoneRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// FundMilestone handles POST /api/v1/milestones/{id}/fund. The reference is
// verified against the gateway before any state changes.
func (h *EscrowHandler) FundMilestone(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	milestoneID, ok := extractMilestoneID(r)
	if !ok {
		http.Error(w, `{"error":"invalid milestone id"}`, http.StatusBadRequest)
		return
	}

	var req fundMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	milestone, err := h.Engine.FundMilestone(r.Context(), milestoneID, acc.ID, req.PaymentReference)
	if err != nil {
		h.writeEngineError(w, "fund milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, milestone)
}

// --- POST /api/v1/milestones/{id}/release ---

type releaseMilestoneRequest struct {
	BankDetails *paystack.BankDetails `json:"bank_details,omitempty"`
	// SkipTransfer finalizes without a gateway payout (settled out of band).
	// The engine rejects it for non-admin actors.
	SkipTransfer bool `json:"skip_transfer,omitempty"`
}

type releaseMilestoneResponse struct {
	Milestone *models.Milestone      `json:"milestone"`
	Fee       *models.FeeLedgerEntry `json:"fee"`
}

// ReleaseMilestone handles POST /api/v1/milestones/{id}/release.
func (h *EscrowHandler) ReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	milestoneID, ok := extractMilestoneID(r)
	if !ok {
		http.Error(w, `{"error":"invalid milestone id"}`, http.StatusBadRequest)
		return
	}

	var req releaseMilestoneRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if req.BankDetails != nil {
			bankJSON, _ := json.Marshal(req.BankDetails)
			if err := h.Validator.Validate(r.Context(), "bank_details", bankJSON); err != nil {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
				return
			}
		}
	}

	milestone, fee, err := h.Engine.ReleaseMilestone(r.Context(), services.ReleaseParams{
		MilestoneID:  milestoneID,
		ActorID:      acc.ID,
		ActorRole:    acc.Role,
		BankDetails:  req.BankDetails,
		SkipTransfer: req.SkipTransfer,
	})
	if err != nil {
		h.writeEngineError(w, "release milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, releaseMilestoneResponse{Milestone: milestone, Fee: fee})
}

// --- POST /api/v1/milestones/{id}/dispute ---

type disputeRequest struct {
	Reason string `json:"reason"`
}

// RaiseDispute handles POST /api/v1/milestones/{id}/dispute.
func (h *EscrowHandler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	milestoneID, ok := extractMilestoneID(r)
	if !ok {
		http.Error(w, `{"error":"invalid milestone id"}`, http.StatusBadRequest)
		return
	}

	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	dispute, err := h.Engine.RaiseDispute(r.Context(), milestoneID, acc.ID, acc.Role, req.Reason)
	if err != nil {
		h.writeEngineError(w, "raise dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

// --- POST /api/v1/milestones/{id}/resolve ---

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

// ResolveDispute handles POST /api/v1/milestones/{id}/resolve (admin only).
func (h *EscrowHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	milestoneID, ok := extractMilestoneID(r)
	if !ok {
		http.Error(w, `{"error":"invalid milestone id"}`, http.StatusBadRequest)
		return
	}

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if err := h.Engine.ResolveDispute(r.Context(), milestoneID, acc.ID, acc.Role, req.Outcome); err != nil {
		h.writeEngineError(w, "resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"milestone_id": milestoneID.String(), "outcome": req.Outcome})
}

// --- GET /api/v1/tasks/{id}/escrow ---

// GetEscrowStatus handles GET /api/v1/tasks/{id}/escrow.
func (h *EscrowHandler) GetEscrowStatus(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := extractPathID(r, "/api/v1/tasks/")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	status, err := h.Engine.GetEscrowStatus(r.Context(), taskID)
	if err != nil {
		h.writeEngineError(w, "get escrow status", err)
		return
	}
	if acc.Role != models.RoleAdmin &&
		status.Account.ClientID != acc.ID &&
		(status.Account.FreelancerID == nil || *status.Account.FreelancerID != acc.ID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- POST /api/v1/tasks/{id}/refund ---

// RefundEscrow handles POST /api/v1/tasks/{id}/refund (admin only).
func (h *EscrowHandler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, ok := extractPathID(r, "/api/v1/tasks/")
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	account, err := h.Engine.RefundEscrow(r.Context(), taskID, acc.ID, acc.Role)
	if err != nil {
		h.writeEngineError(w, "refund escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// --- helpers ---

// writeEngineError maps engine sentinels onto HTTP status codes.
func (h *EscrowHandler) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrPaymentNotVerified):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrAmountMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrDisputeOpen),
		errors.Is(err, services.ErrConflict),
		errors.Is(err, services.ErrEscrowExists),
		errors.Is(err, services.ErrMilestoneNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrNoPayoutProfile):
		writeJSON(w, http.StatusPreconditionFailed, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrTransferFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrReleaseAmbiguous):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, services.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		h.Logger.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// extractMilestoneID parses the milestone UUID from paths like
// /api/v1/milestones/{id}/fund.
func extractMilestoneID(r *http.Request) (uuid.UUID, bool) {
	return extractPathID(r, "/api/v1/milestones/")
}

// extractPathID parses the UUID segment immediately after prefix. Supports
// paths like {prefix}{id} and {prefix}{id}/action.
func extractPathID(r *http.Request, prefix string) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
