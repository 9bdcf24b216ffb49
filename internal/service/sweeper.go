package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/repository"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

const (
	sweepBatchSize     = 100
	expiredPaymentNote = "payment window expired"
	reminderDateLayout = "2006-01-02"
)

// Sweeper resolves state left behind by abandoned or timed-out flows.
type Sweeper struct {
	ContractRepo repository.ContractRepository
	ScheduleRepo repository.ScheduleRepository
	PaymentRepo  repository.PaymentRepository
	Notifier     Notifier
	config       *config.Config
	logger       *slog.Logger
}

func NewSweeper(
	contractRepo repository.ContractRepository,
	scheduleRepo repository.ScheduleRepository,
	paymentRepo repository.PaymentRepository,
	notifier Notifier,
	config *config.Config,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		ContractRepo: contractRepo,
		ScheduleRepo: scheduleRepo,
		PaymentRepo:  paymentRepo,
		Notifier:     notifier,
		config:       config,
		logger:       logger,
	}
}

// SweepPayments cancels every PENDING payment past its expiry and releases
// its installments.
func (s *Sweeper) SweepPayments(ctx context.Context, now time.Time) (int, error) {
	return s.sweep(ctx, now, nil)
}

// SweepContract does the same for a single contract, on demand.
func (s *Sweeper) SweepContract(ctx context.Context, contractID uuid.UUID, now time.Time) (int, error) {
	return s.sweep(ctx, now, &contractID)
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time, contractID *uuid.UUID) (int, error) {
	cancelled := 0
	for {
		payments, err := s.PaymentRepo.ListExpiredPending(ctx, now, contractID, sweepBatchSize)
		if err != nil {
			return cancelled, customError.WrapDatabaseError(err)
		}

		for _, payment := range payments {
			err := s.PaymentRepo.Cancel(ctx, payment, expiredPaymentNote, now)
			if errors.Is(err, repository.ErrConflict) {
				// settled by a callback in the meantime
				continue
			}
			if err != nil {
				return cancelled, customError.WrapDatabaseError(err)
			}
			cancelled++
			s.logger.Info("expired payment cancelled", "order_ref", payment.OrderRef, "contract_id", payment.ContractID)
		}

		if len(payments) < sweepBatchSize {
			return cancelled, nil
		}
	}
}

// ExpireContracts moves unsigned contracts past their deadline to EXPIRED
func (s *Sweeper) ExpireContracts(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	ids, err := s.ContractRepo.ExpireStale(ctx, now)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	for _, id := range ids {
		s.logger.Info("contract expired", "contract_id", id)
		if s.Notifier == nil {
			continue
		}
		contract, err := s.ContractRepo.GetByID(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load expired contract", "contract_id", id, "error", err)
			continue
		}
		for _, recipient := range []string{contract.StudentID, contract.TutorID} {
			s.send(ctx, domain.Notification{
				Type:        domain.NotificationContractExpired,
				RecipientID: recipient,
				ContractID:  id,
				Data:        map[string]string{"contract_code": contract.Code},
				CreatedAt:   now,
			})
		}
	}

	return ids, nil
}

// MarkOverdue flags unpaid installments whose due date has passed
func (s *Sweeper) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	count, err := s.ScheduleRepo.MarkOverdue(ctx, now)
	if err != nil {
		return 0, customError.WrapDatabaseError(err)
	}
	if count > 0 {
		s.logger.Info("installments marked overdue", "count", count)
	}
	return count, nil
}

// SendReminders notifies students of open installments due within horizon
func (s *Sweeper) SendReminders(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	installments, err := s.ScheduleRepo.ListOpenDueBefore(ctx, now.Add(horizon))
	if err != nil {
		return 0, customError.WrapDatabaseError(err)
	}
	if s.Notifier == nil {
		return 0, nil
	}

	loc, err := time.LoadLocation(s.config.Scheduler.Timezone)
	if err != nil {
		loc = time.UTC
	}

	contracts := make(map[uuid.UUID]*domain.Contract)
	sent := 0
	for _, inst := range installments {
		contract, ok := contracts[inst.ContractID]
		if !ok {
			contract, err = s.ContractRepo.GetByID(ctx, inst.ContractID)
			if err != nil {
				s.logger.Warn("failed to load contract for reminder", "contract_id", inst.ContractID, "error", err)
				continue
			}
			contracts[inst.ContractID] = contract
		}
		if contract.Status != domain.ContractStatusActive {
			continue
		}

		if s.send(ctx, domain.Notification{
			Type:        domain.NotificationPaymentReminder,
			RecipientID: contract.StudentID,
			ContractID:  contract.ID,
			Data: map[string]string{
				"contract_code": contract.Code,
				"sequence":      strconv.Itoa(inst.Sequence),
				"amount":        inst.Amount.String(),
				"due_date":      inst.DueDate.In(loc).Format(reminderDateLayout),
				"status":        string(inst.Status),
			},
			CreatedAt: now,
		}) {
			sent++
		}
	}

	return sent, nil
}

func (s *Sweeper) send(ctx context.Context, n domain.Notification) bool {
	if err := s.Notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed", "contract_id", n.ContractID, "type", n.Type, "error", err)
		return false
	}
	return true
}
