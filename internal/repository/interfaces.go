package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

// ErrConflict is returned when a conditional update matched no row because
// the stored state no longer satisfies the expected precondition.
var ErrConflict = errors.New("conditional update did not match")

// SignatureRecord describes one party's signature on a given contract version.
type SignatureRecord struct {
	ContractID      uuid.UUID
	Role            domain.SignerRole
	ContractVersion int
	SignedAt        time.Time
	Origin          string
	Token           string
	NextStatus      domain.ContractStatus
}

// Cancellation carries who cancelled a contract and why.
type Cancellation struct {
	ContractID uuid.UUID
	Actor      string
	Reason     string
	At         time.Time
}

// ContractRepository defines the interface for contract data operations
type ContractRepository interface {
	// Create creates a new contract
	Create(ctx context.Context, contract *domain.Contract) error

	// GetByID retrieves a contract, sql.ErrNoRows when absent
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Contract, error)

	// UpdateTerms rewrites commercial terms of an unlocked contract at expectedVersion
	UpdateTerms(ctx context.Context, contract *domain.Contract, expectedVersion int) error

	// TransitionStatus moves a contract to `to` if its status is one of `from`
	TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.ContractStatus, to domain.ContractStatus, at time.Time) error

	// RecordSignature stores the first of the two signatures
	RecordSignature(ctx context.Context, sig SignatureRecord) error

	// Activate stores the final signature, locks the contract and persists its schedule in one unit
	Activate(ctx context.Context, sig SignatureRecord, contract *domain.Contract, schedule *domain.PaymentSchedule, installments []*domain.Installment) error

	// Cancel cancels an unlocked contract and cascades to open installments
	Cancel(ctx context.Context, c Cancellation) error

	// ExpireStale marks pre-active contracts with expires_at < now as expired
	ExpireStale(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// ScheduleRepository defines read and maintenance operations on payment schedules
type ScheduleRepository interface {
	// GetByContractID retrieves the schedule and its installments ordered by sequence
	GetByContractID(ctx context.Context, contractID uuid.UUID) (*domain.PaymentSchedule, []*domain.Installment, error)

	// MarkOverdue flags unpaid installments whose due date is before now
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)

	// ListOpenDueBefore lists unpaid or overdue installments due before `before`
	ListOpenDueBefore(ctx context.Context, before time.Time) ([]*domain.Installment, error)
}

// PaymentRepository defines the interface for payment data operations.
// Every state change is conditional on the payment still being PENDING.
type PaymentRepository interface {
	// CreatePending inserts the payment and moves its installments to PENDING in one unit
	CreatePending(ctx context.Context, payment *domain.Payment) error

	// GetByOrderRef retrieves a payment by its gateway order reference
	GetByOrderRef(ctx context.Context, orderRef string) (*domain.Payment, error)

	// ListByContract lists all payments of a contract, newest first
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*domain.Payment, error)

	// Complete marks the payment and its installments paid and updates the schedule
	Complete(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error

	// Fail marks the payment failed and rolls its installments back to UNPAID
	Fail(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error

	// Cancel marks an expired payment cancelled and rolls its installments back
	Cancel(ctx context.Context, payment *domain.Payment, reason string, at time.Time) error

	// ListExpiredPending lists PENDING payments with expires_at < now, optionally for one contract
	ListExpiredPending(ctx context.Context, now time.Time, contractID *uuid.UUID, limit int) ([]*domain.Payment, error)
}

// OTPRepository defines the interface for one-time code persistence
type OTPRepository interface {
	// Replace invalidates active codes of the same binding and stores the new one
	Replace(ctx context.Context, code *domain.OTPCode) error

	// Consume atomically marks the matching active code as used, ErrConflict when none matched
	Consume(ctx context.Context, binding domain.OTPBinding, codeHash string, now time.Time) (*domain.OTPCode, error)

	// RegisterFailure counts a wrong guess against the active code and burns it at maxAttempts
	RegisterFailure(ctx context.Context, binding domain.OTPBinding, now time.Time, maxAttempts int) error
}

// RateLimiter is a sliding-window limiter keyed by an opaque string
type RateLimiter interface {
	// Allow records one hit and reports whether it fits in the window
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error)
}
