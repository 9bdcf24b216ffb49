package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) SendOTP(ctx context.Context, email domain.OTPEmail) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

type MockClassActivator struct {
	mock.Mock
}

func (m *MockClassActivator) OnContractActivated(ctx context.Context, event domain.ContractActivatedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockSessionPaymentPublisher struct {
	mock.Mock
}

func (m *MockSessionPaymentPublisher) PublishSessionPayment(ctx context.Context, event domain.SessionPaymentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n domain.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// CapturingEmailSender keeps every delivered email so tests can read the
// plaintext code back.
type CapturingEmailSender struct {
	mu   sync.Mutex
	Sent []domain.OTPEmail
}

func (c *CapturingEmailSender) SendOTP(_ context.Context, email domain.OTPEmail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, email)
	return nil
}

// LastCode returns the code of the most recent email sent to address.
func (c *CapturingEmailSender) LastCode(address string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Sent) - 1; i >= 0; i-- {
		if c.Sent[i].To == address {
			return c.Sent[i].Code
		}
	}
	return ""
}

// RecordingNotifier stores notifications instead of delivering them.
type RecordingNotifier struct {
	mu   sync.Mutex
	Sent []domain.Notification
}

func (r *RecordingNotifier) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, n)
	return nil
}

// OfType returns the recorded notifications of kind.
func (r *RecordingNotifier) OfType(kind domain.NotificationType) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.Sent {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}
