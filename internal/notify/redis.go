// Package notify delivers the events the contract engine emits to the rest
// of the platform.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

// Stream and channel names shared with the class and notification services.
const (
	StreamContractActivated = "contracts:activated"
	StreamSessionPayments   = "payments:sessions"
	StreamNotifications     = "notifications"

	userChannelPrefix = "notifications:user:"

	// approximate cap on each stream so idle consumers cannot grow it forever
	streamMaxLen = 100000
)

// RedisPublisher appends events to Redis streams. Notifications are also
// fanned out on a per-user pub/sub channel for connected clients.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) OnContractActivated(ctx context.Context, event domain.ContractActivatedEvent) error {
	return p.append(ctx, StreamContractActivated, event.ContractID.String(), event)
}

func (p *RedisPublisher) PublishSessionPayment(ctx context.Context, event domain.SessionPaymentEvent) error {
	return p.append(ctx, StreamSessionPayments, event.OrderRef, event)
}

func (p *RedisPublisher) Notify(ctx context.Context, n domain.Notification) error {
	if err := p.append(ctx, StreamNotifications, n.RecipientID, n); err != nil {
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	// live delivery is best effort, the stream entry is the record
	if err := p.client.Publish(ctx, userChannelPrefix+n.RecipientID, body).Err(); err != nil {
		p.logger.Warn("notification fan-out failed", "recipient_id", n.RecipientID, "error", err)
	}
	return nil
}

func (p *RedisPublisher) append(ctx context.Context, stream, key string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", stream, err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"key": key, "payload": body},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", stream, err)
	}

	p.logger.Debug("event published", "stream", stream, "key", key, "entry_id", id)
	return nil
}
