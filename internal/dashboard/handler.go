package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskvine/backend/internal/auth"
	"github.com/taskvine/backend/internal/ledger"
	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/repository"
	"github.com/taskvine/backend/internal/services"
)

// Reconciler is the engine surface for resolving ambiguous releases.
type Reconciler interface {
	ResolveAmbiguousRelease(ctx context.Context, milestoneID, actorID uuid.UUID, actorRole, outcome string) error
}

type Handler struct {
	authSvc    auth.Service
	accountR   *repository.AccountRepo
	apiKeyR    *repository.APIKeyRepo
	taskR      *repository.TaskRepo
	ledgerR    *ledger.Repository
	reconciler Reconciler
	log        *slog.Logger
}

func NewHandler(
	authSvc auth.Service,
	accountR *repository.AccountRepo,
	apiKeyR *repository.APIKeyRepo,
	taskR *repository.TaskRepo,
	ledgerR *ledger.Repository,
	reconciler Reconciler,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		authSvc:    authSvc,
		accountR:   accountR,
		apiKeyR:    apiKeyR,
		taskR:      taskR,
		ledgerR:    ledgerR,
		reconciler: reconciler,
		log:        log,
	}
}

func (h *Handler) identityFromRequest(r *http.Request) (uuid.UUID, string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return uuid.Nil, "", fmt.Errorf("missing authorization")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, "", fmt.Errorf("bad authorization format")
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, "", fmt.Errorf("empty token")
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	acc, err := h.accountR.GetByID(r.Context(), accountID)
	if err != nil {
		h.log.Error("get account failed", "error", err)
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                acc.ID,
		"email":             acc.Email,
		"name":              acc.Name,
		"role":              acc.Role,
		"total_earned_kobo": acc.TotalEarnedKobo,
		"max_escrow_amount": acc.MaxEscrowAmount,
		"created_at":        acc.CreatedAt,
	})
}

// PATCH /api/v1/account/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	acc, err := h.accountR.GetByID(r.Context(), accountID)
	if err != nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	var body struct {
		Name            *string `json:"name"`
		Email           *string `json:"email"`
		MaxEscrowAmount *int64  `json:"max_escrow_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Name != nil {
		acc.Name = *body.Name
	}
	if body.Email != nil {
		acc.Email = *body.Email
	}
	if body.MaxEscrowAmount != nil {
		acc.MaxEscrowAmount = body.MaxEscrowAmount
	}
	if err := h.accountR.Update(r.Context(), acc); err != nil {
		h.log.Error("update settings failed", "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/api-keys
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	keys, err := h.apiKeyR.ListByAccountID(r.Context(), accountID)
	if err != nil {
		h.log.Error("list api keys failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// POST /api/v1/api-keys
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	rawKey := "tvn_" + hex.EncodeToString(rawBytes)
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])
	keyPrefix := rawKey[:12]

	k := &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		IsActive:  true,
	}
	if err := h.apiKeyR.Create(r.Context(), k); err != nil {
		h.log.Error("create api key failed", "error", err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         k.ID,
		"key_prefix": k.KeyPrefix,
		"is_active":  k.IsActive,
		"raw_key":    rawKey,
	})
}

// DELETE /api/v1/api-keys/{id}
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := r.URL.Path
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	idStr := parts[len(parts)-1]
	keyID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid key ID", http.StatusBadRequest)
		return
	}
	ok, err := h.apiKeyR.Deactivate(r.Context(), keyID, accountID)
	if err != nil {
		h.log.Error("deactivate api key failed", "error", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	accountID, role, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var tasks []*models.Task
	switch role {
	case models.RoleAdmin:
		tasks, err = h.taskR.List(r.Context())
	case models.RoleFreelancer:
		tasks, err = h.taskR.ListByFreelancerID(r.Context(), accountID)
	default:
		tasks, err = h.taskR.ListByClientID(r.Context(), accountID)
	}
	if err != nil {
		h.log.Error("list tasks failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GET /api/v1/admin/releases/pending
// Lists milestones stuck awaiting release, the reconciliation work queue.
func (h *Handler) ListReleasePending(w http.ResponseWriter, r *http.Request) {
	_, role, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if role != models.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	milestones, err := h.ledgerR.ListReleasePending(r.Context())
	if err != nil {
		h.log.Error("list release pending failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if milestones == nil {
		milestones = []*ledger.MilestoneDetail{}
	}
	writeJSON(w, http.StatusOK, milestones)
}

// POST /api/v1/admin/releases/{id}/resolve
func (h *Handler) ResolveRelease(w http.ResponseWriter, r *http.Request) {
	accountID, role, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/releases/")
	idStr := strings.SplitN(path, "/", 2)[0]
	milestoneID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid milestone ID", http.StatusBadRequest)
		return
	}
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.reconciler.ResolveAmbiguousRelease(r.Context(), milestoneID, accountID, role, body.Outcome); err != nil {
		switch {
		case errors.Is(err, services.ErrForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, services.ErrNotFound):
			http.Error(w, "milestone not found", http.StatusNotFound)
		case errors.Is(err, services.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.log.Error("resolve release failed", "milestone_id", milestoneID, "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"milestone_id": milestoneID.String(), "outcome": body.Outcome})
}

// GET /api/v1/admin/fees/summary
func (h *Handler) FeeRevenueSummary(w http.ResponseWriter, r *http.Request) {
	_, role, err := h.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if role != models.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	entries, totalKobo, err := h.ledgerR.FeeRevenueTotal(r.Context())
	if err != nil {
		h.log.Error("fee revenue total failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"entries":                 entries,
		"total_platform_fee_kobo": totalKobo,
	})
}
