package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/mocks"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

func (h *harness) payment(t *testing.T, orderRef string) *domain.Payment {
	t.Helper()
	p, err := h.store.Payments().GetByOrderRef(context.Background(), orderRef)
	require.NoError(t, err)
	return p
}

func TestInitiate_ReservesInstallments(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)

	resp := h.initiate(t, active, 0, 1)

	assert.True(t, resp.Amount.Equal(decimal.NewFromInt(1375000)))
	assert.Equal(t, []int{0, 1}, resp.Sequences)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), resp.ExpiresAt)
	assert.Len(t, resp.OrderRef, 26)
	assert.True(t, strings.HasPrefix(resp.OrderRef, "20260120020000"))

	u, err := url.Parse(resp.PaymentURL)
	require.NoError(t, err)
	assert.Equal(t, "137500000", u.Query().Get("vnp_Amount"))
	assert.Equal(t, resp.OrderRef, u.Query().Get("vnp_TxnRef"))

	_, installments := h.installments(t, active)
	for _, seq := range []int{0, 1} {
		assert.Equal(t, domain.InstallmentStatusPending, installments[seq].Status)
		require.NotNil(t, installments[seq].PaymentID)
		assert.Equal(t, resp.PaymentID, *installments[seq].PaymentID)
	}
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[2].Status)

	payment := h.payment(t, resp.OrderRef)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	assert.Equal(t, studentID, payment.StudentID)
}

func TestInitiate_Rejections(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	pending := h.createContract(t)
	ctx := context.Background()

	h.initiate(t, active, 0)

	tests := []struct {
		name     string
		request  *domain.InitiatePaymentRequest
		expected error
	}{
		{"not the student", &domain.InitiatePaymentRequest{ContractID: active.ID, StudentID: tutorID, Sequences: []int{1}}, customError.ErrNotParticipant},
		{"contract not active", &domain.InitiatePaymentRequest{ContractID: pending.ID, StudentID: studentID, Sequences: []int{1}}, customError.ErrContractNotActive},
		{"unknown contract", &domain.InitiatePaymentRequest{ContractID: uuid.New(), StudentID: studentID, Sequences: []int{1}}, customError.ErrContractNotFound},
		{"empty selection", &domain.InitiatePaymentRequest{ContractID: active.ID, StudentID: studentID}, customError.ErrInvalidSelection},
		{"duplicate sequence", &domain.InitiatePaymentRequest{ContractID: active.ID, StudentID: studentID, Sequences: []int{1, 1}}, customError.ErrInvalidSelection},
		{"unknown sequence", &domain.InitiatePaymentRequest{ContractID: active.ID, StudentID: studentID, Sequences: []int{9}}, customError.ErrInvalidSelection},
		{"already reserved", &domain.InitiatePaymentRequest{ContractID: active.ID, StudentID: studentID, Sequences: []int{0, 1}}, customError.ErrInvalidSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.payments.Initiate(ctx, tt.request)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	_, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[1].Status)
}

func TestInitiate_ConcurrentRequestsReserveOnce(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.payments.Initiate(context.Background(), &domain.InitiatePaymentRequest{
				ContractID: active.ID,
				StudentID:  studentID,
				Sequences:  []int{1},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.ErrorIs(t, err, customError.ErrInvalidSelection)
	}

	payments, err := h.store.Payments().ListByContract(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestInitiate_ReleasesExpiredReservation(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)

	first := h.initiate(t, active, 0)
	h.clock.Advance(5*time.Minute + time.Second)

	second := h.initiate(t, active, 0)
	assert.NotEqual(t, first.OrderRef, second.OrderRef)
	assert.Equal(t, domain.PaymentStatusCancelled, h.payment(t, first.OrderRef).Status)
}

type brokenGateway struct {
	*gateway.VNPay
}

func (brokenGateway) BuildPaymentURL(gateway.PaymentURLRequest) (string, error) {
	return "", errors.New("terminal code not configured")
}

func TestInitiate_GatewayFailureReleasesInstallments(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	h.payments.Gateway = brokenGateway{h.gateway}

	_, err := h.payments.Initiate(context.Background(), &domain.InitiatePaymentRequest{
		ContractID: active.ID,
		StudentID:  studentID,
		Sequences:  []int{0},
	})
	assert.ErrorIs(t, err, customError.ErrInternal)

	_, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[0].Status)

	payments, err := h.store.Payments().ListByContract(context.Background(), active.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentStatusCancelled, payments[0].Status)
}

func TestSettle_Success(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 0, 1)

	publisher := &mocks.MockSessionPaymentPublisher{}
	publisher.On("PublishSessionPayment", mock.Anything, mock.MatchedBy(func(e domain.SessionPaymentEvent) bool {
		return e.OrderRef == resp.OrderRef &&
			e.ClassStatus == domain.SessionPaymentPartial &&
			assert.ObjectsAreEqual([]int{1, 2, 3, 4, 5}, e.Sessions) &&
			e.PaidAmount.Equal(decimal.NewFromInt(1375000)) &&
			e.TotalAmount.Equal(decimal.NewFromInt(4000000))
	})).Return(nil).Once()
	h.payments.Publisher = publisher

	result, err := h.payments.Settle(context.Background(), h.callback(resp.OrderRef, resp.Amount, "00"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, result.Status)
	assert.False(t, result.Duplicate)

	payment := h.payment(t, resp.OrderRef)
	assert.Equal(t, domain.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, "14000001", payment.GatewayTransactionNo)
	assert.NotEmpty(t, payment.CallbackPayload)
	require.NotNil(t, payment.CompletedAt)

	schedule, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusPaid, installments[0].Status)
	assert.Equal(t, domain.InstallmentStatusPaid, installments[1].Status)
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[2].Status)
	assert.True(t, schedule.PaidAmount.Equal(decimal.NewFromInt(1375000)))
	assert.Equal(t, domain.ScheduleStatusActive, schedule.Status)

	publisher.AssertExpectations(t)
	assert.Len(t, h.notifier.OfType(domain.NotificationPaymentCompleted), 1)
}

func TestSettle_FullPaymentCompletesSchedule(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 0, 1, 2, 3, 4)

	publisher := &mocks.MockSessionPaymentPublisher{}
	publisher.On("PublishSessionPayment", mock.Anything, mock.MatchedBy(func(e domain.SessionPaymentEvent) bool {
		return e.ClassStatus == domain.SessionPaymentPaid && len(e.Sessions) == 20
	})).Return(nil).Once()
	h.payments.Publisher = publisher

	_, err := h.payments.Settle(context.Background(), h.callback(resp.OrderRef, resp.Amount, "00"))
	require.NoError(t, err)

	schedule, _ := h.installments(t, active)
	assert.Equal(t, domain.ScheduleStatusCompleted, schedule.Status)
	assert.True(t, schedule.PaidAmount.Equal(active.TotalAmount))
	publisher.AssertExpectations(t)
}

func TestSettle_DuplicateCallbackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)
	callback := h.callback(resp.OrderRef, resp.Amount, "00")
	ctx := context.Background()

	_, err := h.payments.Settle(ctx, callback)
	require.NoError(t, err)

	result, err := h.payments.Settle(ctx, callback)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, domain.PaymentStatusCompleted, result.Status)

	schedule, _ := h.installments(t, active)
	assert.True(t, schedule.PaidAmount.Equal(decimal.NewFromInt(875000)))

	// downstream receivers deduplicate by order ref, so the event is sent again
	h.publisher.AssertNumberOfCalls(t, "PublishSessionPayment", 2)
	assert.Len(t, h.notifier.OfType(domain.NotificationPaymentCompleted), 1)
}

func TestSettle_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)
	callback := h.callback(resp.OrderRef, resp.Amount, "00")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.payments.Settle(context.Background(), callback)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !result.Duplicate {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, applied)

	schedule, _ := h.installments(t, active)
	assert.True(t, schedule.PaidAmount.Equal(decimal.NewFromInt(875000)))
}

func TestSettle_LateFailureDoesNotUndoSuccess(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)
	ctx := context.Background()

	_, err := h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "00"))
	require.NoError(t, err)

	result, err := h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "02"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, domain.PaymentStatusCompleted, result.Status)

	_, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusPaid, installments[1].Status)
}

func TestSettle_FailureReleasesInstallments(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 0, 1)
	ctx := context.Background()

	result, err := h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "02"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, result.Status)
	assert.False(t, result.Succeeded())

	_, installments := h.installments(t, active)
	for _, seq := range []int{0, 1} {
		assert.Equal(t, domain.InstallmentStatusUnpaid, installments[seq].Status)
		assert.Nil(t, installments[seq].PaymentID)
	}
	assert.Len(t, h.notifier.OfType(domain.NotificationPaymentFailed), 1)
	h.publisher.AssertNotCalled(t, "PublishSessionPayment", mock.Anything, mock.Anything)

	// the student can try again straight away
	retry := h.initiate(t, active, 0, 1)
	assert.NotEqual(t, resp.OrderRef, retry.OrderRef)
}

func TestSettle_ResponseCodeAloneIsNotSuccess(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)

	params := h.gateway.SignCallback(url.Values{
		"vnp_TxnRef":            {resp.OrderRef},
		"vnp_Amount":            {"87500000"},
		"vnp_ResponseCode":      {"00"},
		"vnp_TransactionStatus": {"01"},
		"vnp_TmnCode":           {"TUTOR01"},
	})

	result, err := h.payments.Settle(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, result.Status)
}

func TestSettle_AmountMismatch(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)

	_, err := h.payments.Settle(context.Background(), h.callback(resp.OrderRef, decimal.NewFromInt(1000), "00"))
	assert.ErrorIs(t, err, customError.ErrAmountMismatch)
	assert.Equal(t, gateway.AckInvalidAmount, gateway.Acknowledge(nil, err).RspCode)

	// payers see the order reference, never the amounts
	var businessErr *customError.BusinessError
	require.True(t, errors.As(err, &businessErr))
	assert.Contains(t, businessErr.Message, resp.OrderRef)
	assert.NotContains(t, businessErr.Message, "1000")
	assert.NotContains(t, businessErr.Message, resp.Amount.String())

	assert.Equal(t, domain.PaymentStatusFailed, h.payment(t, resp.OrderRef).Status)
	_, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[1].Status)
}

func TestSettle_InvalidSignature(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)

	params := h.callback(resp.OrderRef, resp.Amount, "00")
	params.Set("vnp_TransactionNo", "99999999")

	_, err := h.payments.Settle(context.Background(), params)
	assert.ErrorIs(t, err, customError.ErrInvalidSignature)
	assert.Equal(t, domain.PaymentStatusPending, h.payment(t, resp.OrderRef).Status)
}

func TestSettle_UnknownOrder(t *testing.T) {
	h := newHarness(t)

	_, err := h.payments.Settle(context.Background(), h.callback("20260120020000abcdefabcdef", decimal.NewFromInt(1000), "00"))
	assert.ErrorIs(t, err, customError.ErrPaymentNotFound)
}

func TestSettle_LateCallbacksAfterExpiry(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)
	ctx := context.Background()

	h.clock.Advance(6 * time.Minute)
	cancelled, err := h.sweeper.SweepPayments(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, cancelled)

	_, err = h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "00"))
	assert.ErrorIs(t, err, customError.ErrPaymentTerminal)
	assert.Equal(t, gateway.AckAlreadyConfirmed, gateway.Acknowledge(nil, err).RspCode)

	result, err := h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "02"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, domain.PaymentStatusCancelled, result.Status)

	assert.Equal(t, domain.PaymentStatusCancelled, h.payment(t, resp.OrderRef).Status)
	_, installments := h.installments(t, active)
	assert.Equal(t, domain.InstallmentStatusUnpaid, installments[1].Status)
}

func TestReprocess(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	ctx := context.Background()

	pending := h.initiate(t, active, 2)
	_, err := h.payments.Reprocess(ctx, pending.OrderRef)
	assert.ErrorIs(t, err, customError.ErrNothingToReprocess)

	_, err = h.payments.Reprocess(ctx, "missing")
	assert.ErrorIs(t, err, customError.ErrPaymentNotFound)

	resp := h.initiate(t, active, 1)
	_, err = h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "00"))
	require.NoError(t, err)

	result, err := h.payments.Reprocess(ctx, resp.OrderRef)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, domain.PaymentStatusCompleted, result.Status)
	h.publisher.AssertNumberOfCalls(t, "PublishSessionPayment", 2)
}

func TestPayableInstallments(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	ctx := context.Background()

	h.initiate(t, active, 0)

	payable, err := h.payments.PayableInstallments(ctx, active.ID, studentID)
	require.NoError(t, err)
	require.Len(t, payable, 4)
	assert.Equal(t, 1, payable[0].Sequence)

	_, err = h.payments.PayableInstallments(ctx, active.ID, tutorID)
	assert.ErrorIs(t, err, customError.ErrNotParticipant)

	pending := h.createContract(t)
	_, err = h.payments.PayableInstallments(ctx, pending.ID, studentID)
	assert.ErrorIs(t, err, customError.ErrScheduleNotFound)
}

func TestGetPayment(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	resp := h.initiate(t, active, 1)
	ctx := context.Background()

	status, err := h.payments.GetPayment(ctx, resp.OrderRef, studentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, status.Status)
	assert.True(t, status.Amount.Equal(decimal.NewFromInt(875000)))

	_, err = h.payments.GetPayment(ctx, resp.OrderRef, "student-2")
	assert.ErrorIs(t, err, customError.ErrPaymentNotFound)
}

func TestSettle_DatabaseErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	repo := &mocks.MockPaymentRepository{}
	repo.On("GetByOrderRef", mock.Anything, "ORDER-1").Return(nil, errors.New("connection reset"))
	h.payments.PaymentRepo = repo

	_, err := h.payments.Settle(context.Background(), h.callback("ORDER-1", decimal.NewFromInt(1000), "00"))
	assert.ErrorIs(t, err, customError.ErrInternal)
	assert.Equal(t, gateway.AckUnknownError, gateway.Acknowledge(nil, err).RspCode)
	repo.AssertExpectations(t)
}
