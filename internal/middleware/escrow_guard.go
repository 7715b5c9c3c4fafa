package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvine/backend/internal/models"
)

const ctxAmountKey contextKey = "parsed_amount"

// parsedEscrow is stored in context so the handler can read the amount
// without re-parsing the body.
type parsedEscrow struct {
	Amount int64 `json:"amount"`
}

// AmountFromCtx returns the amount parsed by EscrowGuard, or 0 if not set.
func AmountFromCtx(ctx context.Context) int64 {
	if p, ok := ctx.Value(ctxAmountKey).(*parsedEscrow); ok {
		return p.Amount
	}
	return 0
}

// EscrowGuard gates escrow creation on the account set by APIKeyAuth: only
// clients may open escrows, the amount must be positive, and accounts with
// a configured cap cannot exceed it counting funds already committed to
// open escrows. Reads the body to extract "amount", then replaces r.Body
// so downstream handlers can re-read it.
func EscrowGuard(pool *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if acc.Role != models.RoleClient && acc.Role != models.RoleAdmin {
				http.Error(w, `{"error":"only clients can open escrows"}`, http.StatusForbidden)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedEscrow
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.Amount <= 0 {
				http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
				return
			}

			if acc.MaxEscrowAmount != nil {
				committed, err := committedSpendFn(r.Context(), pool, acc.ID)
				if err != nil {
					http.Error(w, `{"error":"failed to check committed spend"}`, http.StatusInternalServerError)
					return
				}
				if committed+peek.Amount > *acc.MaxEscrowAmount {
					http.Error(w, fmt.Sprintf(`{"error":"committed %d + amount %d exceeds escrow limit %d"}`, committed, peek.Amount, *acc.MaxEscrowAmount), http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxAmountKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// committedSpendFn is the function used to compute the client's funds still
// committed to open escrows. Tests can replace this to avoid hitting a real
// database.
var committedSpendFn = defaultCommittedSpend

// defaultCommittedSpend sums escrow totals for the client's accounts that
// are neither released nor refunded.
func defaultCommittedSpend(ctx context.Context, pool *pgxpool.Pool, clientID uuid.UUID) (int64, error) {
	var total int64
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0)
		FROM escrow_accounts
		WHERE client_id = $1 AND status NOT IN ('released', 'refunded')
	`, clientID).Scan(&total)
	return total, err
}
