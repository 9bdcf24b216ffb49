package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/repository"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

// settleAttempts bounds how often settlement re-reads a payment that a
// concurrent callback closed first.
const settleAttempts = 3

// ReconciliationService turns payment intents and gateway callbacks into
// installment state. It is the only writer of payments and installments
// after activation.
type ReconciliationService struct {
	ContractRepo repository.ContractRepository
	ScheduleRepo repository.ScheduleRepository
	PaymentRepo  repository.PaymentRepository
	Gateway      gateway.Gateway
	Publisher    SessionPaymentPublisher
	Notifier     Notifier
	Sweeper      *Sweeper
	config       *config.Config
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciliationService(
	contractRepo repository.ContractRepository,
	scheduleRepo repository.ScheduleRepository,
	paymentRepo repository.PaymentRepository,
	gw gateway.Gateway,
	publisher SessionPaymentPublisher,
	notifier Notifier,
	sweeper *Sweeper,
	config *config.Config,
	logger *slog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		ContractRepo: contractRepo,
		ScheduleRepo: scheduleRepo,
		PaymentRepo:  paymentRepo,
		Gateway:      gw,
		Publisher:    publisher,
		Notifier:     notifier,
		Sweeper:      sweeper,
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// Initiate reserves the requested installments and returns the checkout URL
func (s *ReconciliationService) Initiate(ctx context.Context, request *domain.InitiatePaymentRequest) (*domain.InitiatePaymentResponse, error) {
	now := s.now()

	// 1. Only the student of an active contract pays
	contract, err := loadContract(ctx, s.ContractRepo, request.ContractID)
	if err != nil {
		return nil, err
	}
	if request.StudentID != contract.StudentID {
		return nil, customError.WrapNotParticipant(contract.ID.String())
	}
	if contract.Status != domain.ContractStatusActive {
		return nil, customError.WrapContractNotActive(contract.ID.String(), string(contract.Status))
	}

	// 2. Release installments held by abandoned checkouts
	if _, err := s.Sweeper.SweepContract(ctx, contract.ID, now); err != nil {
		return nil, err
	}

	// 3. Every requested installment must exist and be payable
	_, installments, err := s.ScheduleRepo.GetByContractID(ctx, contract.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapScheduleNotFound(contract.ID.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	selected, err := selectInstallments(installments, request.Sequences)
	if err != nil {
		return nil, err
	}

	// 4. The amount is fixed here and never recomputed
	payment := &domain.Payment{
		ID:         uuid.New(),
		OrderRef:   orderRef(now),
		ContractID: contract.ID,
		StudentID:  request.StudentID,
		Amount:     domain.SumInstallments(selected),
		Sequences:  sequencesOf(selected),
		Status:     domain.PaymentStatusPending,
		ExpiresAt:  now.Add(s.config.Business.PaymentTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// 5. Insert and reserve in one unit, conditional on UNPAID/OVERDUE
	err = s.PaymentRepo.CreatePending(ctx, payment)
	if errors.Is(err, repository.ErrConflict) {
		return nil, customError.WrapInvalidSelection("installments are no longer payable")
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	// 6. The URL is only handed out once the reservation is durable
	paymentURL, err := s.Gateway.BuildPaymentURL(gateway.PaymentURLRequest{
		OrderRef:    payment.OrderRef,
		Amount:      payment.Amount,
		Description: fmt.Sprintf("Contract %s installments %s", contract.Code, joinInts(payment.Sequences)),
		ClientIP:    request.ClientIP,
		Locale:      request.Locale,
		CreatedAt:   now,
		ExpiresAt:   payment.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("failed to build payment url", "order_ref", payment.OrderRef, "error", err)
		if cerr := s.PaymentRepo.Cancel(ctx, payment, "payment url could not be built", s.now()); cerr != nil {
			s.logger.Error("failed to release installments", "order_ref", payment.OrderRef, "error", cerr)
		}
		return nil, customError.WrapGatewayError(err)
	}

	s.logger.Info("payment initiated",
		"contract_id", contract.ID,
		"order_ref", payment.OrderRef,
		"amount", payment.Amount.String(),
		"sequences", []int(payment.Sequences),
	)

	return &domain.InitiatePaymentResponse{
		PaymentID:  payment.ID,
		OrderRef:   payment.OrderRef,
		Amount:     payment.Amount,
		Sequences:  payment.Sequences,
		PaymentURL: paymentURL,
		ExpiresAt:  payment.ExpiresAt,
	}, nil
}

// Settle applies a gateway callback. It is safe under duplicated and
// concurrent delivery of the same callback.
func (s *ReconciliationService) Settle(ctx context.Context, params url.Values) (*domain.SettlementResult, error) {
	result, err := s.Gateway.Verify(params)
	if err != nil {
		if errors.Is(err, customError.ErrIntegrity) {
			s.logger.Warn("rejected gateway callback with invalid signature",
				"order_ref", params.Get("vnp_TxnRef"),
				"security_event", true,
			)
		}
		return nil, err
	}

	return s.settle(ctx, result)
}

// Reprocess runs settlement again from the callback stored on a payment.
// The stored payload was verified when it was first accepted.
func (s *ReconciliationService) Reprocess(ctx context.Context, orderRef string) (*domain.SettlementResult, error) {
	payment, err := s.loadPayment(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if payment.CallbackPayload == "" {
		return nil, customError.WrapNothingToReprocess(orderRef)
	}

	params, err := url.ParseQuery(payment.CallbackPayload)
	if err != nil {
		return nil, customError.WrapValidation(err)
	}
	result, err := s.Gateway.Parse(params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("reprocessing stored callback", "order_ref", orderRef)
	return s.settle(ctx, result)
}

func (s *ReconciliationService) settle(ctx context.Context, result *gateway.VerifiedResult) (*domain.SettlementResult, error) {
	for attempt := 0; attempt < settleAttempts; attempt++ {
		payment, err := s.loadPayment(ctx, result.OrderRef)
		if err != nil {
			return nil, err
		}

		settled, err := s.settlePayment(ctx, payment, result)
		if errors.Is(err, repository.ErrConflict) {
			// a concurrent callback closed the payment, decide again on its state
			continue
		}
		return settled, err
	}

	return nil, customError.WrapConcurrentModification("payment")
}

func (s *ReconciliationService) settlePayment(ctx context.Context, payment *domain.Payment, result *gateway.VerifiedResult) (*domain.SettlementResult, error) {
	log := s.logger.With("order_ref", payment.OrderRef, "contract_id", payment.ContractID)

	// 1. Payment already terminal: answer idempotently
	switch payment.Status {
	case domain.PaymentStatusCompleted:
		if result.Success() {
			// downstream receivers are idempotent by order ref
			s.publishSettlement(ctx, payment)
		} else {
			log.Warn("ignoring failure callback for a completed payment", "transaction_status", result.TransactionStatus)
		}
		return settlementResult(payment, true), nil

	case domain.PaymentStatusFailed, domain.PaymentStatusCancelled:
		if result.Success() {
			log.Error("gateway reports success for a closed payment, refund required",
				"status", payment.Status,
				"transaction_no", result.TransactionNo,
				"amount", result.Amount.String(),
			)
			return nil, customError.WrapPaymentTerminal(payment.OrderRef, string(payment.Status))
		}
		return settlementResult(payment, true), nil
	}

	now := s.now()

	// 2. Amount must match exactly
	if !result.Amount.Equal(payment.Amount) {
		log.Error("gateway amount does not match payment",
			"expected", payment.Amount.String(),
			"actual", result.Amount.String(),
			"security_event", true,
		)
		if err := s.PaymentRepo.Fail(ctx, payment, result.Outcome(now, "amount mismatch")); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, err
			}
			return nil, customError.WrapDatabaseError(err)
		}
		return nil, customError.WrapAmountMismatch(payment.OrderRef)
	}

	// 3. Failure: close and release installments
	if !result.Success() {
		err := s.PaymentRepo.Fail(ctx, payment, result.Outcome(now, "transaction status "+result.TransactionStatus))
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, err
			}
			return nil, customError.WrapDatabaseError(err)
		}
		payment.Status = domain.PaymentStatusFailed
		log.Info("payment failed", "response_code", result.ResponseCode, "transaction_status", result.TransactionStatus)
		s.notify(ctx, domain.NotificationPaymentFailed, payment)
		return settlementResult(payment, false), nil
	}

	// 4. Success: payment, installments and schedule in one unit
	if err := s.PaymentRepo.Complete(ctx, payment, result.Outcome(now, "")); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, customError.WrapDatabaseError(err)
	}
	payment.Status = domain.PaymentStatusCompleted
	payment.CompletedAt = &now

	log.Info("payment completed", "amount", payment.Amount.String(), "transaction_no", result.TransactionNo)

	// 5. Class and session records converge on redelivery if this fails
	s.publishSettlement(ctx, payment)
	s.notify(ctx, domain.NotificationPaymentCompleted, payment)

	return settlementResult(payment, false), nil
}

// PayableInstallments lists what the student can pay right now
func (s *ReconciliationService) PayableInstallments(ctx context.Context, contractID uuid.UUID, studentID string) ([]*domain.Installment, error) {
	contract, err := loadContract(ctx, s.ContractRepo, contractID)
	if err != nil {
		return nil, err
	}
	if studentID != contract.StudentID {
		return nil, customError.WrapNotParticipant(contractID.String())
	}

	if _, err := s.Sweeper.SweepContract(ctx, contractID, s.now()); err != nil {
		return nil, err
	}

	_, installments, err := s.ScheduleRepo.GetByContractID(ctx, contractID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapScheduleNotFound(contractID.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	payable := make([]*domain.Installment, 0, len(installments))
	for _, inst := range installments {
		if inst.IsPayable() {
			payable = append(payable, inst)
		}
	}

	return payable, nil
}

// GetPayment returns the status of one payment to the student who made it
func (s *ReconciliationService) GetPayment(ctx context.Context, orderRef, studentID string) (*domain.PaymentStatusResponse, error) {
	payment, err := s.loadPayment(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if payment.StudentID != studentID {
		return nil, customError.WrapPaymentNotFound(orderRef)
	}

	return &domain.PaymentStatusResponse{
		OrderRef:  payment.OrderRef,
		Status:    payment.Status,
		Amount:    payment.Amount,
		Sequences: payment.Sequences,
		ExpiresAt: payment.ExpiresAt,
	}, nil
}

func (s *ReconciliationService) loadPayment(ctx context.Context, orderRef string) (*domain.Payment, error) {
	payment, err := s.PaymentRepo.GetByOrderRef(ctx, orderRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapPaymentNotFound(orderRef)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return payment, nil
}

// publishSettlement tells the class service which sessions are paid.
func (s *ReconciliationService) publishSettlement(ctx context.Context, payment *domain.Payment) {
	if s.Publisher == nil {
		return
	}

	schedule, installments, err := s.ScheduleRepo.GetByContractID(ctx, payment.ContractID)
	if err != nil {
		s.logger.Error("failed to load schedule for session update", "order_ref", payment.OrderRef, "error", err)
		return
	}

	var sessions []int
	for _, inst := range installments {
		if payment.Sequences.Contains(inst.Sequence) {
			sessions = append(sessions, inst.Sessions()...)
		}
	}

	status := domain.SessionPaymentPartial
	if schedule.Status == domain.ScheduleStatusCompleted {
		status = domain.SessionPaymentPaid
	}

	settledAt := payment.UpdatedAt
	if payment.CompletedAt != nil {
		settledAt = *payment.CompletedAt
	}

	err = s.Publisher.PublishSessionPayment(ctx, domain.SessionPaymentEvent{
		ContractID:  payment.ContractID,
		OrderRef:    payment.OrderRef,
		Sequences:   payment.Sequences,
		Sessions:    sessions,
		ClassStatus: status,
		PaidAmount:  schedule.PaidAmount,
		TotalAmount: schedule.TotalAmount,
		SettledAt:   settledAt,
	})
	if err != nil {
		s.logger.Error("failed to publish session payment", "order_ref", payment.OrderRef, "error", err)
	}
}

func (s *ReconciliationService) notify(ctx context.Context, kind domain.NotificationType, payment *domain.Payment) {
	if s.Notifier == nil {
		return
	}
	err := s.Notifier.Notify(ctx, domain.Notification{
		Type:        kind,
		RecipientID: payment.StudentID,
		ContractID:  payment.ContractID,
		Data: map[string]string{
			"order_ref": payment.OrderRef,
			"amount":    payment.Amount.String(),
		},
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("notification failed", "order_ref", payment.OrderRef, "type", kind, "error", err)
	}
}

func selectInstallments(installments []*domain.Installment, sequences []int) ([]*domain.Installment, error) {
	if len(sequences) == 0 {
		return nil, customError.WrapInvalidSelection("select at least one installment")
	}

	bySequence := make(map[int]*domain.Installment, len(installments))
	for _, inst := range installments {
		bySequence[inst.Sequence] = inst
	}

	seen := make(map[int]bool, len(sequences))
	selected := make([]*domain.Installment, 0, len(sequences))
	for _, seq := range sequences {
		if seen[seq] {
			return nil, customError.WrapInvalidSelection(fmt.Sprintf("installment %d selected twice", seq))
		}
		seen[seq] = true

		inst, ok := bySequence[seq]
		if !ok {
			return nil, customError.WrapInvalidSelection(fmt.Sprintf("installment %d does not exist", seq))
		}
		if !inst.IsPayable() {
			return nil, customError.WrapInvalidSelection(fmt.Sprintf("installment %d is %s", seq, inst.Status))
		}
		selected = append(selected, inst)
	}

	return selected, nil
}

func sequencesOf(installments []*domain.Installment) domain.Sequences {
	out := make(domain.Sequences, len(installments))
	for i, inst := range installments {
		out[i] = inst.Sequence
	}
	return out
}

func settlementResult(payment *domain.Payment, duplicate bool) *domain.SettlementResult {
	return &domain.SettlementResult{
		OrderRef:  payment.OrderRef,
		Status:    payment.Status,
		Duplicate: duplicate,
	}
}

// orderRef is unique per attempt and readable enough to quote to support.
func orderRef(now time.Time) string {
	return now.UTC().Format("20060102150405") + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
