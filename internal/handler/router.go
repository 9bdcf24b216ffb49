package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/segyhp/tutoring-contracts/pkg/response"
)

// NewRouter mounts every route. auth guards the API routes; the gateway
// callbacks and health checks stay public.
func NewRouter(
	contracts *ContractHandler,
	payments *PaymentHandler,
	health *HealthHandler,
	auth mux.MiddlewareFunc,
	logger *slog.Logger,
) *mux.Router {
	router := mux.NewRouter()
	router.Use(response.LoggingMiddleware(logger))

	// Health check
	router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Ready).Methods(http.MethodGet)

	// Payment provider callbacks
	router.HandleFunc("/api/v1/payments/gateway/ipn", payments.IPN).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/payments/gateway/return", payments.Return).Methods(http.MethodGet)

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	api.HandleFunc("/contracts", contracts.Create).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}", contracts.Get).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/submit", contracts.Submit).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/terms", contracts.Amend).Methods(http.MethodPut)
	api.HandleFunc("/contracts/{id}/reject", contracts.Reject).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/cancel", contracts.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/complete", contracts.Complete).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/integrity", contracts.Integrity).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/signatures/otp", contracts.RequestCode).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/signatures", contracts.Sign).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/schedule", contracts.Schedule).Methods(http.MethodGet)

	api.HandleFunc("/contracts/{id}/installments/payable", payments.Payable).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/payments", payments.Initiate).Methods(http.MethodPost)
	api.HandleFunc("/payments/{orderRef}", payments.Get).Methods(http.MethodGet)

	return router
}
