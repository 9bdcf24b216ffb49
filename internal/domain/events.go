package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type NotificationType string

const (
	NotificationContractIssued    NotificationType = "CONTRACT_ISSUED"
	NotificationContractSigned    NotificationType = "CONTRACT_SIGNED"
	NotificationContractActivated NotificationType = "CONTRACT_ACTIVATED"
	NotificationContractRejected  NotificationType = "CONTRACT_REJECTED"
	NotificationContractCancelled NotificationType = "CONTRACT_CANCELLED"
	NotificationContractExpired   NotificationType = "CONTRACT_EXPIRED"
	NotificationPaymentCompleted  NotificationType = "PAYMENT_COMPLETED"
	NotificationPaymentFailed     NotificationType = "PAYMENT_FAILED"
	NotificationPaymentReminder   NotificationType = "PAYMENT_REMINDER"
)

// Notification is an in-app message for one user.
type Notification struct {
	Type        NotificationType  `json:"type"`
	RecipientID string            `json:"recipient_id"`
	ContractID  uuid.UUID         `json:"contract_id"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// OTPEmail is the content of a signing-code email.
type OTPEmail struct {
	To           string    `json:"to"`
	Name         string    `json:"name"`
	ContractCode string    `json:"contract_code"`
	Code         string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ContractActivatedEvent asks the class service to open the learning
// engagement for a freshly activated contract.
type ContractActivatedEvent struct {
	ContractID      uuid.UUID        `json:"contract_id"`
	ContractCode    string           `json:"contract_code"`
	StudentID       string           `json:"student_id"`
	TutorID         string           `json:"tutor_id"`
	Subject         string           `json:"subject"`
	TotalSessions   int              `json:"total_sessions"`
	SessionDuration int              `json:"session_duration"`
	LearningMode    LearningMode     `json:"learning_mode"`
	Schedule        LearningSchedule `json:"schedule"`
	StartDate       time.Time        `json:"start_date"`
	ActivatedAt     time.Time        `json:"activated_at"`
}

type SessionPaymentStatus string

const (
	SessionPaymentPaid    SessionPaymentStatus = "PAID"
	SessionPaymentPartial SessionPaymentStatus = "PARTIAL"
)

// SessionPaymentEvent tells the class service which sessions a settled
// payment covered. Receivers must treat OrderRef as an idempotency key.
type SessionPaymentEvent struct {
	ContractID  uuid.UUID            `json:"contract_id"`
	OrderRef    string               `json:"order_ref"`
	Sequences   []int                `json:"sequences"`
	Sessions    []int                `json:"sessions"`
	ClassStatus SessionPaymentStatus `json:"class_status"`
	PaidAmount  decimal.Decimal      `json:"paid_amount"`
	TotalAmount decimal.Decimal      `json:"total_amount"`
	SettledAt   time.Time            `json:"settled_at"`
}
