package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvine/backend/internal/handlers"
	"github.com/taskvine/backend/internal/middleware"
	"github.com/taskvine/backend/internal/repository"
	"github.com/taskvine/backend/internal/services"
)

// RegisterEscrowRoutes adds the escrow API endpoints to the given mux.
// Middleware chain: APIKeyAuth -> (EscrowGuard on POST /escrows only) -> handler.
func RegisterEscrowRoutes(
	mux *http.ServeMux,
	pool *pgxpool.Pool,
	apiKeyRepo *repository.APIKeyRepo,
	engine *services.EscrowEngine,
	validator *services.Validator,
	logger *slog.Logger,
) {
	eh := &handlers.EscrowHandler{
		Engine:    engine,
		Validator: validator,
		Logger:    logger,
	}

	auth := middleware.APIKeyAuth(apiKeyRepo)
	guard := middleware.EscrowGuard(pool)

	// POST /api/v1/escrows — Auth -> EscrowGuard -> CreateEscrow
	mux.Handle("POST /api/v1/escrows", auth(guard(http.HandlerFunc(eh.CreateEscrow))))

	mux.Handle("POST /api/v1/milestones/{id}/fund", auth(http.HandlerFunc(eh.FundMilestone)))
	mux.Handle("POST /api/v1/milestones/{id}/release", auth(http.HandlerFunc(eh.ReleaseMilestone)))
	mux.Handle("POST /api/v1/milestones/{id}/dispute", auth(http.HandlerFunc(eh.RaiseDispute)))
	mux.Handle("POST /api/v1/milestones/{id}/resolve", auth(http.HandlerFunc(eh.ResolveDispute)))

	mux.Handle("GET /api/v1/tasks/{id}/escrow", auth(http.HandlerFunc(eh.GetEscrowStatus)))
	mux.Handle("POST /api/v1/tasks/{id}/refund", auth(http.HandlerFunc(eh.RefundEscrow)))
}
