package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/middleware"
	"github.com/segyhp/tutoring-contracts/internal/service"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
	"github.com/segyhp/tutoring-contracts/pkg/response"
)

type ContractHandler struct {
	service   *service.ContractService
	validator *validator.Validate
	logger    *slog.Logger
}

func NewContractHandler(service *service.ContractService, logger *slog.Logger) *ContractHandler {
	return &ContractHandler{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Create handles POST /contracts
func (h *ContractHandler) Create(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var request domain.CreateContractRequest
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	contract, err := h.service.Create(r.Context(), a.ID, &request)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Created(w, contract)
}

// Get handles GET /contracts/{id}
func (h *ContractHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	details, err := h.service.GetDetails(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if _, party := details.Contract.RoleOf(a.ID); !party {
		writeError(w, h.logger, r, customError.WrapNotParticipant(id.String()))
		return
	}

	response.Success(w, details)
}

// Submit handles POST /contracts/{id}/submit
func (h *ContractHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	contract, err := h.service.Submit(r.Context(), id, a.ID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

// Amend handles PUT /contracts/{id}/terms
func (h *ContractHandler) Amend(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	var request domain.AmendTermsRequest
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	contract, err := h.service.Amend(r.Context(), id, a.ID, &request)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

// Reject handles POST /contracts/{id}/reject
func (h *ContractHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	request, ok := h.reason(w, r)
	if !ok {
		return
	}

	contract, err := h.service.Reject(r.Context(), id, a.ID, request.Reason)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

// Cancel handles POST /contracts/{id}/cancel
func (h *ContractHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	request, ok := h.reason(w, r)
	if !ok {
		return
	}

	contract, err := h.service.Cancel(r.Context(), id, a.ID, request.Reason)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

// Complete handles POST /contracts/{id}/complete
func (h *ContractHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	contract, err := h.service.Complete(r.Context(), id, a.ID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

// Integrity handles GET /contracts/{id}/integrity
func (h *ContractHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok || !h.participant(w, r, id, a.ID) {
		return
	}

	result, err := h.service.VerifySnapshot(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, result)
}

// Schedule handles GET /contracts/{id}/schedule
func (h *ContractHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok || !h.participant(w, r, id, a.ID) {
		return
	}

	schedule, err := h.service.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, schedule)
}

// RequestCode handles POST /contracts/{id}/signatures/otp
func (h *ContractHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	var request domain.IssueOTPRequest
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	issued, err := h.service.RequestSignatureCode(r.Context(), id, a.ID, &request)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.JSON(w, http.StatusAccepted, issued)
}

// Sign handles POST /contracts/{id}/signatures
func (h *ContractHandler) Sign(w http.ResponseWriter, r *http.Request) {
	id, a, ok := h.target(w, r)
	if !ok {
		return
	}

	var request domain.SignContractRequest
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	contract, err := h.service.Sign(r.Context(), id, a.ID, &request, clientIP(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	response.Success(w, contract)
}

func (h *ContractHandler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, middleware.Actor, bool) {
	a, ok := actor(w, r)
	if !ok {
		return uuid.Nil, a, false
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return uuid.Nil, a, false
	}
	return id, a, true
}

func (h *ContractHandler) participant(w http.ResponseWriter, r *http.Request, id uuid.UUID, actorID string) bool {
	contract, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return false
	}
	if _, ok := contract.RoleOf(actorID); !ok {
		writeError(w, h.logger, r, customError.WrapNotParticipant(id.String()))
		return false
	}
	return true
}

// reason reads the optional body of reject and cancel.
func (h *ContractHandler) reason(w http.ResponseWriter, r *http.Request) (domain.ActorRequest, bool) {
	var request domain.ActorRequest
	if r.ContentLength == 0 {
		return request, true
	}
	if err := decode(w, r, h.validator, &request); err != nil {
		writeError(w, h.logger, r, err)
		return request, false
	}
	return request, true
}
