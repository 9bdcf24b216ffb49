package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/repository"
)

type MockContractRepository struct {
	mock.Mock
}

func (m *MockContractRepository) Create(ctx context.Context, contract *domain.Contract) error {
	args := m.Called(ctx, contract)
	return args.Error(0)
}

func (m *MockContractRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contract, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Contract), args.Error(1)
}

func (m *MockContractRepository) UpdateTerms(ctx context.Context, contract *domain.Contract, expectedVersion int) error {
	args := m.Called(ctx, contract, expectedVersion)
	return args.Error(0)
}

func (m *MockContractRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.ContractStatus, to domain.ContractStatus, at time.Time) error {
	args := m.Called(ctx, id, from, to, at)
	return args.Error(0)
}

func (m *MockContractRepository) RecordSignature(ctx context.Context, sig repository.SignatureRecord) error {
	args := m.Called(ctx, sig)
	return args.Error(0)
}

func (m *MockContractRepository) Activate(ctx context.Context, sig repository.SignatureRecord, contract *domain.Contract, schedule *domain.PaymentSchedule, installments []*domain.Installment) error {
	args := m.Called(ctx, sig, contract, schedule, installments)
	return args.Error(0)
}

func (m *MockContractRepository) Cancel(ctx context.Context, c repository.Cancellation) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockContractRepository) ExpireStale(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) CreatePending(ctx context.Context, payment *domain.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockPaymentRepository) GetByOrderRef(ctx context.Context, orderRef string) (*domain.Payment, error) {
	args := m.Called(ctx, orderRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*domain.Payment, error) {
	args := m.Called(ctx, contractID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) Complete(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error {
	args := m.Called(ctx, payment, outcome)
	return args.Error(0)
}

func (m *MockPaymentRepository) Fail(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error {
	args := m.Called(ctx, payment, outcome)
	return args.Error(0)
}

func (m *MockPaymentRepository) Cancel(ctx context.Context, payment *domain.Payment, reason string, at time.Time) error {
	args := m.Called(ctx, payment, reason, at)
	return args.Error(0)
}

func (m *MockPaymentRepository) ListExpiredPending(ctx context.Context, now time.Time, contractID *uuid.UUID, limit int) ([]*domain.Payment, error) {
	args := m.Called(ctx, now, contractID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

type MockRateLimiter struct {
	mock.Mock
}

func (m *MockRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	args := m.Called(ctx, key, limit, window, now)
	return args.Bool(0), args.Get(1).(time.Duration), args.Error(2)
}
