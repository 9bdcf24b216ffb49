package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/service"
	"github.com/segyhp/tutoring-contracts/pkg/response"
)

type PaymentHandler struct {
	service   *service.ReconciliationService
	validator *validator.Validate
	logger    *slog.Logger
}

func NewPaymentHandler(service *service.ReconciliationService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Payable handles GET /contracts/{id}/installments/payable
func (h *PaymentHandler) Payable(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	installments, err := h.service.PayableInstallments(r.Context(), id, a.ID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, installments)
}

// Initiate handles POST /contracts/{id}/payments
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var request domain.InitiatePaymentRequest
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	request.ContractID = id
	request.StudentID = a.ID
	request.ClientIP = clientIP(r)

	resp, err := h.service.Initiate(r.Context(), &request)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Created(w, resp)
}

// Get handles GET /payments/{orderRef}
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	payment, err := h.service.GetPayment(r.Context(), mux.Vars(r)["orderRef"], a.ID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, payment)
}

// IPN handles the server-to-server callback. The provider only reads the
// RspCode, so every outcome is answered with 200.
func (h *PaymentHandler) IPN(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Settle(r.Context(), r.URL.Query())
	ack := gateway.Acknowledge(result, err)

	if ack.RspCode == gateway.AckUnknownError {
		h.logger.Error("callback settlement failed, provider will retry", "order_ref", r.URL.Query().Get("vnp_TxnRef"), "error", err)
	} else if err != nil {
		h.logger.Warn("callback rejected", "order_ref", r.URL.Query().Get("vnp_TxnRef"), "rsp_code", ack.RspCode, "error", err)
	}

	response.Raw(w, http.StatusOK, ack)
}

// Return handles the browser redirect back from the provider. It carries
// the same signed parameters as the IPN and settles the same way, so
// whichever arrives first applies the outcome.
func (h *PaymentHandler) Return(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Settle(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, result)
}
