package service

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
	"github.com/segyhp/tutoring-contracts/pkg/utils"
)

// GenerateInstallments turns the payment terms of a contract into its
// ordered installments. It has no side effects; the caller persists the
// result. The amounts always add up to contract.TotalAmount.
func GenerateInstallments(contract *domain.Contract, scheduleID uuid.UUID, now time.Time) ([]*domain.Installment, error) {
	if !contract.TotalAmount.IsPositive() {
		return nil, customError.WrapInvalidPaymentTerms("total amount must be positive")
	}

	var (
		installments []*domain.Installment
		err          error
	)
	switch contract.PaymentMethod {
	case domain.PaymentMethodFull:
		installments, err = fullPayment(contract)
	case domain.PaymentMethodInstallment:
		installments, err = monthlyInstallments(contract)
	case domain.PaymentMethodPerSession:
		installments, err = perSessionInstallments(contract)
	default:
		return nil, customError.WrapInvalidPaymentTerms(fmt.Sprintf("unknown payment method %q", contract.PaymentMethod))
	}
	if err != nil {
		return nil, err
	}

	for _, inst := range installments {
		inst.ID = uuid.New()
		inst.ScheduleID = scheduleID
		inst.ContractID = contract.ID
		inst.Status = domain.InstallmentStatusUnpaid
		inst.CreatedAt = now
		inst.UpdatedAt = now
	}

	if sum := domain.SumInstallments(installments); !sum.Equal(contract.TotalAmount) {
		return nil, customError.WrapInvalidPaymentTerms(
			fmt.Sprintf("installments sum to %s instead of %s", sum, contract.TotalAmount))
	}

	return installments, nil
}

func fullPayment(contract *domain.Contract) ([]*domain.Installment, error) {
	if !contract.DownPayment.IsZero() {
		return nil, customError.WrapInvalidPaymentTerms("a down payment is only allowed with installments")
	}

	return []*domain.Installment{{
		Sequence:    1,
		Amount:      contract.TotalAmount,
		DueDate:     contract.StartDate,
		SessionFrom: 1,
		SessionTo:   contract.TotalSessions,
	}}, nil
}

func monthlyInstallments(contract *domain.Contract) ([]*domain.Installment, error) {
	n := contract.Installments
	if n < domain.MinInstallments || n > domain.MaxInstallments {
		return nil, customError.WrapInvalidPaymentTerms(
			fmt.Sprintf("installments must be between %d and %d", domain.MinInstallments, domain.MaxInstallments))
	}
	// every installment covers at least one session
	if n > contract.TotalSessions {
		return nil, customError.WrapInvalidPaymentTerms(
			fmt.Sprintf("installments cannot exceed the %d sessions of the contract", contract.TotalSessions))
	}

	down := contract.DownPayment
	if down.IsNegative() {
		return nil, customError.WrapInvalidPaymentTerms("down payment cannot be negative")
	}
	if !down.IsInteger() {
		return nil, customError.WrapInvalidPaymentTerms("down payment must be a whole currency unit")
	}
	if down.GreaterThanOrEqual(contract.TotalAmount) {
		return nil, customError.WrapInvalidPaymentTerms("down payment must be less than the total amount")
	}

	remaining := contract.TotalAmount.Sub(down)
	if remaining.LessThan(decimal.NewFromInt(int64(n))) {
		return nil, customError.WrapInvalidPaymentTerms("amount left after the down payment is too small to split")
	}

	installments := make([]*domain.Installment, 0, n+1)
	if down.IsPositive() {
		installments = append(installments, &domain.Installment{
			Sequence: domain.DownPaymentSequence,
			Amount:   down,
			DueDate:  contract.StartDate,
		})
	}

	amounts := utils.SplitAmount(remaining, n)
	sessions := utils.SplitCount(contract.TotalSessions, n)
	for k := 1; k <= n; k++ {
		installments = append(installments, &domain.Installment{
			Sequence:    k,
			Amount:      amounts[k-1],
			DueDate:     utils.CalculateDueDate(contract.StartDate, k-1),
			SessionFrom: sessions[k-1][0],
			SessionTo:   sessions[k-1][1],
		})
	}

	return installments, nil
}

func perSessionInstallments(contract *domain.Contract) ([]*domain.Installment, error) {
	if !contract.DownPayment.IsZero() {
		return nil, customError.WrapInvalidPaymentTerms("a down payment is only allowed with installments")
	}

	dates, err := SessionDates(contract.Schedule, contract.StartDate, contract.TotalSessions)
	if err != nil {
		return nil, customError.WrapInvalidPaymentTerms(err.Error())
	}

	installments := make([]*domain.Installment, 0, contract.TotalSessions)
	for i, date := range dates {
		session := i + 1
		installments = append(installments, &domain.Installment{
			Sequence:    session,
			Amount:      contract.PricePerSession,
			DueDate:     date,
			SessionFrom: session,
			SessionTo:   session,
		})
	}

	return installments, nil
}

// SessionDates lists the start time of the first count sessions on or after
// the start date, following the weekly days and time of the schedule.
func SessionDates(schedule domain.LearningSchedule, start time.Time, count int) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}
	if len(schedule.DaysOfWeek) == 0 {
		return nil, fmt.Errorf("schedule has no days of week")
	}
	for _, d := range schedule.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("day of week %d out of range", d)
		}
	}

	loc, err := schedule.Location()
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", schedule.Timezone)
	}
	clock, err := time.Parse("15:04", schedule.StartTime)
	if err != nil {
		return nil, fmt.Errorf("start time %q is not HH:MM", schedule.StartTime)
	}

	year, month, day := start.Date()
	dates := make([]time.Time, 0, count)
	for d := 0; len(dates) < count; d++ {
		candidate := time.Date(year, month, day+d, clock.Hour(), clock.Minute(), 0, 0, loc)
		if slices.Contains(schedule.DaysOfWeek, int(candidate.Weekday())) {
			dates = append(dates, candidate)
		}
	}

	return dates, nil
}
