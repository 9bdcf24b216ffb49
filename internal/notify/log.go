package notify

import (
	"context"
	"log/slog"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

// LogPublisher logs events instead of delivering them. It backs the
// in-memory setup used for local runs.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) OnContractActivated(_ context.Context, event domain.ContractActivatedEvent) error {
	p.logger.Info("contract activated event", "contract_id", event.ContractID, "code", event.ContractCode)
	return nil
}

func (p *LogPublisher) PublishSessionPayment(_ context.Context, event domain.SessionPaymentEvent) error {
	p.logger.Info("session payment event",
		"contract_id", event.ContractID,
		"order_ref", event.OrderRef,
		"sessions", event.Sessions,
		"class_status", event.ClassStatus,
	)
	return nil
}

func (p *LogPublisher) Notify(_ context.Context, n domain.Notification) error {
	p.logger.Info("notification", "type", n.Type, "recipient_id", n.RecipientID, "contract_id", n.ContractID)
	return nil
}
