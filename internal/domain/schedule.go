package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InstallmentStatus string

const (
	InstallmentStatusUnpaid    InstallmentStatus = "UNPAID"
	InstallmentStatusPending   InstallmentStatus = "PENDING"
	InstallmentStatusPaid      InstallmentStatus = "PAID"
	InstallmentStatusOverdue   InstallmentStatus = "OVERDUE"
	InstallmentStatusCancelled InstallmentStatus = "CANCELLED"
)

type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "ACTIVE"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
	ScheduleStatusCancelled ScheduleStatus = "CANCELLED"
)

// DownPaymentSequence is the sequence number reserved for the down payment.
const DownPaymentSequence = 0

// PaymentSchedule is the set of installments owned by an active contract
type PaymentSchedule struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	ContractID  uuid.UUID       `json:"contract_id" db:"contract_id"`
	Method      PaymentMethod   `json:"method" db:"method"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	Status      ScheduleStatus  `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Installment represents one payable slice of a contract
type Installment struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	ScheduleID  uuid.UUID         `json:"schedule_id" db:"schedule_id"`
	ContractID  uuid.UUID         `json:"contract_id" db:"contract_id"`
	Sequence    int               `json:"sequence" db:"sequence"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	DueDate     time.Time         `json:"due_date" db:"due_date"`
	SessionFrom int               `json:"session_from" db:"session_from"` // 0 for the down payment
	SessionTo   int               `json:"session_to" db:"session_to"`
	Status      InstallmentStatus `json:"status" db:"status"` // UNPAID, PENDING, PAID, OVERDUE, CANCELLED
	PaymentID   *uuid.UUID        `json:"payment_id,omitempty" db:"payment_id"`
	PaidAt      *time.Time        `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// IsPayable reports whether the installment can be picked for a new payment.
func (i *Installment) IsPayable() bool {
	return i.Status == InstallmentStatusUnpaid || i.Status == InstallmentStatusOverdue
}

// IsSettled reports whether the installment no longer needs paying.
func (i *Installment) IsSettled() bool {
	return i.Status == InstallmentStatusPaid || i.Status == InstallmentStatusCancelled
}

// Sessions lists the session numbers covered by the installment.
func (i *Installment) Sessions() []int {
	if i.SessionFrom == 0 {
		return nil
	}
	sessions := make([]int, 0, i.SessionTo-i.SessionFrom+1)
	for s := i.SessionFrom; s <= i.SessionTo; s++ {
		sessions = append(sessions, s)
	}
	return sessions
}

// SumInstallments adds up installment amounts.
func SumInstallments(installments []*Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range installments {
		total = total.Add(inst.Amount)
	}
	return total
}

type ScheduleResponse struct {
	ContractID   string           `json:"contract_id"`
	Schedule     *PaymentSchedule `json:"schedule"`
	Installments []*Installment   `json:"installments"`
}
