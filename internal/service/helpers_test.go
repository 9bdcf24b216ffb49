package service

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/mocks"
	"github.com/segyhp/tutoring-contracts/internal/repository/memory"
	"github.com/segyhp/tutoring-contracts/pkg/utils"
)

const (
	studentID    = "student-1"
	tutorID      = "tutor-1"
	studentEmail = "student@example.com"
	tutorEmail   = "tutor@example.com"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "8080", Env: "test"},
		Scheduler: config.SchedulerConfig{
			ReminderDays: 3,
			Timezone:     "Asia/Ho_Chi_Minh",
		},
		Business: config.BusinessConfig{
			MinPricePerSession: "50000",
			MaxPricePerSession: "10000000",
			ContractTTL:        72 * time.Hour,
			PaymentTTL:         5 * time.Minute,
			OTPTTL:             5 * time.Minute,
			OTPRateLimit:       3,
			OTPRateWindow:      15 * time.Minute,
			OTPMaxAttempts:     5,
		},
		Gateway: config.GatewayConfig{
			TmnCode:          "TUTOR01",
			HashSecret:       "test-secret",
			PayURL:           "https://sandbox.example/pay",
			ReturnURL:        "https://app.example/return",
			Timezone:         "Asia/Ho_Chi_Minh",
			AmountMultiplier: 100,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires every service to one in-memory store and a shared clock.
type harness struct {
	clock      *testClock
	store      *memory.Store
	gateway    *gateway.VNPay
	mailer     *mocks.CapturingEmailSender
	notifier   *mocks.RecordingNotifier
	activator  *mocks.MockClassActivator
	publisher  *mocks.MockSessionPaymentPublisher
	signatures *SignatureService
	contracts  *ContractService
	sweeper    *Sweeper
	payments   *ReconciliationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	logger := discardLogger()

	gw, err := gateway.NewVNPay(cfg.Gateway)
	require.NoError(t, err)

	h := &harness{
		clock:     &testClock{t: time.Date(2026, 1, 20, 2, 0, 0, 0, time.UTC)},
		store:     memory.NewStore(),
		gateway:   gw,
		mailer:    &mocks.CapturingEmailSender{},
		notifier:  &mocks.RecordingNotifier{},
		activator: &mocks.MockClassActivator{},
		publisher: &mocks.MockSessionPaymentPublisher{},
	}
	h.activator.On("OnContractActivated", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.publisher.On("PublishSessionPayment", mock.Anything, mock.Anything).Return(nil).Maybe()

	h.signatures = NewSignatureService(h.store.Contracts(), h.store.OTPs(), h.store.RateLimiter(), h.mailer, cfg, logger)
	h.signatures.now = h.clock.Now

	h.contracts = NewContractService(h.store.Contracts(), h.store.Schedules(), h.signatures, h.activator, h.notifier, cfg, logger)
	h.contracts.now = h.clock.Now

	h.sweeper = NewSweeper(h.store.Contracts(), h.store.Schedules(), h.store.Payments(), h.notifier, cfg, logger)

	h.payments = NewReconciliationService(h.store.Contracts(), h.store.Schedules(), h.store.Payments(),
		gw, h.publisher, h.notifier, h.sweeper, cfg, logger)
	h.payments.now = h.clock.Now

	return h
}

// contractRequest describes 20 sessions at 200000 paid as a 500000 down
// payment plus four monthly installments.
func contractRequest() *domain.CreateContractRequest {
	return &domain.CreateContractRequest{
		ContactRequestID: "contact-1",
		StudentID:        studentID,
		TutorID:          tutorID,
		StudentName:      "An Nguyen",
		TutorName:        "Binh Tran",
		StudentEmail:     studentEmail,
		TutorEmail:       tutorEmail,
		ContractTermsRequest: domain.ContractTermsRequest{
			Subject:         "Mathematics",
			TotalSessions:   20,
			PricePerSession: decimal.NewFromInt(200000),
			SessionDuration: 90,
			LearningMode:    domain.LearningModeOnline,
			Schedule: domain.LearningSchedule{
				DaysOfWeek: []int{1, 3},
				StartTime:  "18:00",
				EndTime:    "19:30",
				Timezone:   "Asia/Ho_Chi_Minh",
			},
			StartDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
			PaymentTerms: domain.PaymentTermsRequest{
				Method:       domain.PaymentMethodInstallment,
				Installments: 4,
				DownPayment:  decimal.NewFromInt(500000),
			},
		},
	}
}

func (h *harness) createContract(t *testing.T) *domain.Contract {
	t.Helper()
	contract, err := h.contracts.Create(context.Background(), tutorID, contractRequest())
	require.NoError(t, err)
	return contract
}

func emailOf(actorID string) string {
	if actorID == studentID {
		return studentEmail
	}
	return tutorEmail
}

// sign requests a code for actorID and signs with it.
func (h *harness) sign(t *testing.T, contract *domain.Contract, actorID string) (*domain.Contract, error) {
	t.Helper()
	ctx := context.Background()
	email := emailOf(actorID)

	_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, actorID, &domain.IssueOTPRequest{Email: email})
	if err != nil {
		return nil, err
	}
	return h.contracts.Sign(ctx, contract.ID, actorID,
		&domain.SignContractRequest{Email: email, Code: h.mailer.LastCode(email)}, "203.0.113.7")
}

func (h *harness) activeContract(t *testing.T) *domain.Contract {
	t.Helper()
	contract := h.createContract(t)
	_, err := h.sign(t, contract, studentID)
	require.NoError(t, err)
	active, err := h.sign(t, contract, tutorID)
	require.NoError(t, err)
	require.Equal(t, domain.ContractStatusActive, active.Status)
	return active
}

func (h *harness) initiate(t *testing.T, contract *domain.Contract, sequences ...int) *domain.InitiatePaymentResponse {
	t.Helper()
	resp, err := h.payments.Initiate(context.Background(), &domain.InitiatePaymentRequest{
		ContractID: contract.ID,
		StudentID:  studentID,
		Sequences:  sequences,
		ClientIP:   "203.0.113.7",
	})
	require.NoError(t, err)
	return resp
}

// callback builds a signed provider callback for orderRef.
func (h *harness) callback(orderRef string, amount decimal.Decimal, transactionStatus string) url.Values {
	responseCode := "00"
	if transactionStatus != "00" {
		responseCode = "24"
	}
	return h.gateway.SignCallback(url.Values{
		"vnp_TxnRef":            {orderRef},
		"vnp_Amount":            {strconv.FormatInt(utils.ToSmallestUnit(amount, 100), 10)},
		"vnp_ResponseCode":      {responseCode},
		"vnp_TransactionStatus": {transactionStatus},
		"vnp_TransactionNo":     {"14000001"},
		"vnp_BankCode":          {"NCB"},
		"vnp_PayDate":           {"20260120093000"},
		"vnp_TmnCode":           {"TUTOR01"},
	})
}

func (h *harness) installments(t *testing.T, contract *domain.Contract) (*domain.PaymentSchedule, map[int]*domain.Installment) {
	t.Helper()
	schedule, rows, err := h.store.Schedules().GetByContractID(context.Background(), contract.ID)
	require.NoError(t, err)
	bySequence := make(map[int]*domain.Installment, len(rows))
	for _, inst := range rows {
		bySequence[inst.Sequence] = inst
	}
	return schedule, bySequence
}
