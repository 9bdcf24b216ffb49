package service

import (
	"context"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

// EmailSender delivers signing codes.
type EmailSender interface {
	SendOTP(ctx context.Context, email domain.OTPEmail) error
}

// ClassActivator is the downstream class service. It is called after a
// contract becomes ACTIVE and must not be able to undo the activation.
type ClassActivator interface {
	OnContractActivated(ctx context.Context, event domain.ContractActivatedEvent) error
}

// SessionPaymentPublisher propagates settled payments to class and session records.
type SessionPaymentPublisher interface {
	PublishSessionPayment(ctx context.Context, event domain.SessionPaymentEvent) error
}

// Notifier delivers in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}
