package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Transactions
	mux.Handle("POST /api/v1/transactions", chain(http.HandlerFunc(h.CreateTransaction)))
	mux.Handle("GET /api/v1/transactions", chain(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("GET /api/v1/transactions/{id}", chain(http.HandlerFunc(h.GetTransaction)))

	// Dead letters
	mux.Handle("POST /api/v1/dlq/{stage}/replay", chain(http.HandlerFunc(h.ReplayDeadLetters)))

	// Health
	mux.HandleFunc("GET /{$}", h.Alive)
	mux.HandleFunc("GET /healthcheck", h.Alive)
	mux.HandleFunc("GET /healthz", h.Ready)
}
