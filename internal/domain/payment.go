package domain

import (
	"database/sql/driver"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Sequences is the set of installment sequence numbers a payment covers.
type Sequences []int

func (s Sequences) Value() (driver.Value, error) {
	arr := make(pq.Int64Array, len(s))
	for i, v := range s {
		arr[i] = int64(v)
	}
	return arr.Value()
}

func (s *Sequences) Scan(src any) error {
	var arr pq.Int64Array
	if err := arr.Scan(src); err != nil {
		return err
	}
	out := make(Sequences, len(arr))
	for i, v := range arr {
		out[i] = int(v)
	}
	*s = out
	return nil
}

func (s Sequences) Contains(seq int) bool {
	return slices.Contains(s, seq)
}

// Payment is one attempt to settle installments through the gateway
type Payment struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	OrderRef   string          `json:"order_ref" db:"order_ref"`
	ContractID uuid.UUID       `json:"contract_id" db:"contract_id"`
	StudentID  string          `json:"student_id" db:"student_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Sequences  Sequences       `json:"sequences" db:"sequences"`
	Status     PaymentStatus   `json:"status" db:"status"`

	GatewayTransactionNo     string `json:"-" db:"gateway_transaction_no"`
	GatewayResponseCode      string `json:"-" db:"gateway_response_code"`
	GatewayTransactionStatus string `json:"-" db:"gateway_transaction_status"`
	GatewayBankCode          string `json:"-" db:"gateway_bank_code"`
	CallbackPayload          string `json:"-" db:"callback_payload"`
	FailureReason            string `json:"-" db:"failure_reason"`

	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsExpired uses the same strict boundary as contract expiry.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.Status == PaymentStatusPending && p.ExpiresAt.Before(now)
}

// GatewayOutcome is the gateway metadata recorded when a payment settles.
type GatewayOutcome struct {
	TransactionNo     string
	ResponseCode      string
	TransactionStatus string
	BankCode          string
	Payload           string
	Reason            string
	At                time.Time
}

// DTOs for requests and responses

type InitiatePaymentRequest struct {
	ContractID uuid.UUID `json:"-"`
	StudentID  string    `json:"-"`
	Sequences  []int     `json:"sequences" validate:"required,min=1,dive,min=0"`
	Locale     string    `json:"locale" validate:"omitempty,oneof=vn en"`
	ClientIP   string    `json:"-"`
}

type InitiatePaymentResponse struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	OrderRef   string          `json:"order_ref"`
	Amount     decimal.Decimal `json:"amount"`
	Sequences  []int           `json:"sequences"`
	PaymentURL string          `json:"payment_url"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// SettlementResult is what callers of a settlement learn. It never carries
// gateway internals, only the outcome and the order reference.
type SettlementResult struct {
	OrderRef  string        `json:"order_ref"`
	Status    PaymentStatus `json:"status"`
	Duplicate bool          `json:"duplicate"`
}

func (r *SettlementResult) Succeeded() bool {
	return r.Status == PaymentStatusCompleted
}

type PaymentStatusResponse struct {
	OrderRef  string          `json:"order_ref"`
	Status    PaymentStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Sequences []int           `json:"sequences"`
	ExpiresAt time.Time       `json:"expires_at"`
}
