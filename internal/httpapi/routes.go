package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kmassidik/walletd/internal/common/db"
)

const readinessTimeout = 2 * time.Second

// Cache is the subset of cache.Cache the readiness probe needs.
type Cache interface {
	Health(ctx context.Context) error
}

// Broker is the subset of broker.Broker the readiness probe needs.
type Broker interface {
	Health(ctx context.Context) error
}

// RegisterRoutes wires every handler onto mux using Go 1.22+ method
// patterns. No auth middleware is applied: this service has no user
// identity model of its own, callers are trusted internal services.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, database *db.DB, cache Cache, broker Broker) {
	mux.HandleFunc("POST /v1/wallet/{id}/deposit", h.Deposit)
	mux.HandleFunc("POST /v1/wallet/{id}/withdraw", h.Withdraw)
	mux.HandleFunc("POST /v1/wallet/{id}/freeze", h.Freeze)
	mux.HandleFunc("POST /v1/wallet/{id}/unfreeze", h.Unfreeze)
	mux.HandleFunc("POST /v1/wallet/{id}/close", h.Close)
	mux.HandleFunc("POST /v1/wallet/{id}/daily-limit", h.SetDailyLimit)
	mux.HandleFunc("GET /v1/wallet/{id}", h.GetBalance)
	mux.HandleFunc("GET /v1/wallet/{id}/history", h.GetHistory)
	mux.HandleFunc("GET /v1/wallets", h.ListWallets)

	mux.HandleFunc("POST /v1/wallet/{id}/transfer", h.Transfer)
	mux.HandleFunc("GET /v1/transfer/{id}", h.GetTransfer)

	registerHealthRoutes(mux, database, cache, broker)
}

func registerHealthRoutes(mux *http.ServeMux, database *db.DB, cache Cache, broker Broker) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := database.Health(ctx); err != nil {
			respondHealth(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		if err := cache.Health(ctx); err != nil {
			respondHealth(w, http.StatusServiceUnavailable, "cache unreachable")
			return
		}
		if err := broker.Health(ctx); err != nil {
			respondHealth(w, http.StatusServiceUnavailable, "broker unreachable")
			return
		}
		respondHealth(w, http.StatusOK, "ok")
	})
}

func respondHealth(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": message})
}
