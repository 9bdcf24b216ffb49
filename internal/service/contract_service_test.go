package service

import (
	"context"
	"errors"
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
	"github.com/segyhp/tutoring-contracts/internal/mocks"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

func TestCreateContract_Success(t *testing.T) {
	h := newHarness(t)

	contract := h.createContract(t)

	assert.True(t, contract.TotalAmount.Equal(decimal.NewFromInt(4000000)))
	assert.Equal(t, domain.ContractStatusPendingStudentApproval, contract.Status)
	assert.Equal(t, 1, contract.ContractVersion)
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), contract.ExpiresAt)
	assert.True(t, strings.HasPrefix(contract.Code, "CT-20260120-"))
	assert.False(t, contract.IsLocked)

	stored, err := h.contracts.Get(context.Background(), contract.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.Code, stored.Code)

	issued := h.notifier.OfType(domain.NotificationContractIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, studentID, issued[0].RecipientID)
}

func TestCreateContract_InvalidTerms(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CreateContractRequest)
	}{
		{"no sessions", func(r *domain.CreateContractRequest) { r.TotalSessions = 0 }},
		{"too many sessions", func(r *domain.CreateContractRequest) { r.TotalSessions = 101 }},
		{"fractional price", func(r *domain.CreateContractRequest) { r.PricePerSession = decimal.RequireFromString("200000.5") }},
		{"price below minimum", func(r *domain.CreateContractRequest) { r.PricePerSession = decimal.NewFromInt(10000) }},
		{"unsupported duration", func(r *domain.CreateContractRequest) { r.SessionDuration = 50 }},
		{"unknown learning mode", func(r *domain.CreateContractRequest) { r.LearningMode = "HYBRID" }},
		{"unknown timezone", func(r *domain.CreateContractRequest) { r.Schedule.Timezone = "Mars/Olympus" }},
		{"end before start", func(r *domain.CreateContractRequest) { r.Schedule.EndTime = "17:00" }},
		{"same student and tutor", func(r *domain.CreateContractRequest) { r.StudentID = tutorID }},
		{"too many installments", func(r *domain.CreateContractRequest) { r.PaymentTerms.Installments = 13 }},
		{"down payment covers total", func(r *domain.CreateContractRequest) { r.PaymentTerms.DownPayment = decimal.NewFromInt(4000000) }},
		{"down payment with full method", func(r *domain.CreateContractRequest) { r.PaymentTerms.Method = domain.PaymentMethodFull }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			request := contractRequest()
			tt.mutate(request)

			contract, err := h.contracts.Create(context.Background(), tutorID, request)
			assert.Nil(t, contract)
			assert.ErrorIs(t, err, customError.ErrValidation)
			assert.Empty(t, h.notifier.Sent)
		})
	}
}

func TestCreateContract_OnlyTutorIssues(t *testing.T) {
	h := newHarness(t)

	_, err := h.contracts.Create(context.Background(), studentID, contractRequest())
	assert.ErrorIs(t, err, customError.ErrNotParticipant)
}

func TestSign_StudentThenTutorActivates(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)

	signed, err := h.sign(t, contract, studentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusPendingTutorApproval, signed.Status)
	assert.NotNil(t, signed.StudentSignedAt)
	assert.False(t, signed.IsLocked)

	h.clock.Advance(time.Hour)
	active, err := h.sign(t, contract, tutorID)
	require.NoError(t, err)

	assert.Equal(t, domain.ContractStatusActive, active.Status)
	assert.True(t, active.IsSigned)
	assert.True(t, active.IsLocked)
	require.NotNil(t, active.LockedAt)
	assert.Equal(t, h.clock.Now(), *active.LockedAt)
	assert.Equal(t, domain.ContentHash([]byte(active.Snapshot)), active.ContentHash)
	assert.Len(t, active.ContentHash, 64)

	schedule, installments := h.installments(t, contract)
	assert.Equal(t, domain.ScheduleStatusActive, schedule.Status)
	assert.True(t, schedule.PaidAmount.IsZero())
	assert.Len(t, installments, 5)
	assert.True(t, installments[0].Amount.Equal(decimal.NewFromInt(500000)))
	assert.True(t, installments[4].Amount.Equal(decimal.NewFromInt(875000)))

	h.activator.AssertNumberOfCalls(t, "OnContractActivated", 1)
	assert.Len(t, h.notifier.OfType(domain.NotificationContractActivated), 2)

	signedNotes := h.notifier.OfType(domain.NotificationContractSigned)
	require.Len(t, signedNotes, 1)
	assert.Equal(t, tutorID, signedNotes[0].RecipientID)
}

func TestSign_TutorThenStudentActivates(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)

	signed, err := h.sign(t, contract, tutorID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusPendingStudentApproval, signed.Status)

	active, err := h.sign(t, contract, studentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusActive, active.Status)
	assert.True(t, active.VerifySnapshot())
}

func TestSign_SameRoleTwice(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)

	_, err := h.sign(t, contract, studentID)
	require.NoError(t, err)

	_, err = h.sign(t, contract, studentID)
	assert.ErrorIs(t, err, customError.ErrAlreadySigned)
	assert.ErrorIs(t, err, customError.ErrStateConflict)
}

func TestSign_NonParticipant(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)

	_, err := h.contracts.RequestSignatureCode(context.Background(), contract.ID, "stranger",
		&domain.IssueOTPRequest{Email: studentEmail})
	assert.ErrorIs(t, err, customError.ErrNotParticipant)
}

func TestSign_ExpiryBoundary(t *testing.T) {
	t.Run("deadline itself is still open", func(t *testing.T) {
		h := newHarness(t)
		contract := h.createContract(t)

		h.clock.Advance(72 * time.Hour)
		signed, err := h.sign(t, contract, studentID)
		require.NoError(t, err)
		assert.Equal(t, domain.ContractStatusPendingTutorApproval, signed.Status)
	})

	t.Run("after the deadline the contract expires", func(t *testing.T) {
		h := newHarness(t)
		contract := h.createContract(t)

		h.clock.Advance(72*time.Hour + time.Second)
		_, err := h.sign(t, contract, studentID)
		assert.ErrorIs(t, err, customError.ErrContractExpired)

		stored, err := h.contracts.Get(context.Background(), contract.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ContractStatusExpired, stored.Status)
		assert.Empty(t, h.mailer.Sent)
	})
}

func TestSign_CodeExpiresWithContractBetweenIssueAndSign(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	h.clock.Advance(72*time.Hour - time.Minute)
	_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, studentID, &domain.IssueOTPRequest{Email: studentEmail})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.contracts.Sign(ctx, contract.ID, studentID,
		&domain.SignContractRequest{Email: studentEmail, Code: h.mailer.LastCode(studentEmail)}, "203.0.113.7")
	assert.ErrorIs(t, err, customError.ErrContractExpired)
}

func TestSign_DraftCannotBeSigned(t *testing.T) {
	h := newHarness(t)
	request := contractRequest()
	request.Draft = true

	contract, err := h.contracts.Create(context.Background(), tutorID, request)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusDraft, contract.Status)
	assert.Empty(t, h.notifier.Sent)

	_, err = h.sign(t, contract, studentID)
	assert.ErrorIs(t, err, customError.ErrInvalidTransition)

	_, err = h.contracts.Submit(context.Background(), contract.ID, studentID)
	assert.ErrorIs(t, err, customError.ErrNotParticipant)

	submitted, err := h.contracts.Submit(context.Background(), contract.ID, tutorID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusPendingStudentApproval, submitted.Status)

	_, err = h.contracts.Submit(context.Background(), contract.ID, tutorID)
	assert.ErrorIs(t, err, customError.ErrInvalidTransition)

	_, err = h.sign(t, contract, studentID)
	assert.NoError(t, err)
}

func TestConcurrentSignatures_ActivateOnce(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	for _, actor := range []string{studentID, tutorID} {
		_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, actor, &domain.IssueOTPRequest{Email: emailOf(actor)})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		results = make([]*domain.Contract, 2)
		errs    = make([]error, 2)
	)
	for i, actor := range []string{studentID, tutorID} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			email := emailOf(actor)
			results[i], errs[i] = h.contracts.Sign(ctx, contract.ID, actor,
				&domain.SignContractRequest{Email: email, Code: h.mailer.LastCode(email)}, "203.0.113.7")
		}(i, actor)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	activeCount := 0
	for _, c := range results {
		if c.Status == domain.ContractStatusActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	stored, err := h.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusActive, stored.Status)
	assert.NotNil(t, stored.StudentSignedAt)
	assert.NotNil(t, stored.TutorSignedAt)
	h.activator.AssertNumberOfCalls(t, "OnContractActivated", 1)
}

func TestActivation_SurvivesClassServiceFailure(t *testing.T) {
	h := newHarness(t)
	failing := &mocks.MockClassActivator{}
	failing.On("OnContractActivated", mock.Anything, mock.Anything).Return(errors.New("class service down"))
	h.contracts.Activator = failing

	active := h.activeContract(t)

	assert.Equal(t, domain.ContractStatusActive, active.Status)
	failing.AssertExpectations(t)

	stored, err := h.contracts.Get(context.Background(), active.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsLocked)
}

func amendRequest(version int, price int64) *domain.AmendTermsRequest {
	terms := contractRequest().ContractTermsRequest
	terms.PricePerSession = decimal.NewFromInt(price)
	return &domain.AmendTermsRequest{ExpectedVersion: version, ContractTermsRequest: terms}
}

func TestAmend_ClearsSignaturesAndBumpsVersion(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	_, err := h.sign(t, contract, studentID)
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	amended, err := h.contracts.Amend(ctx, contract.ID, tutorID, amendRequest(1, 250000))
	require.NoError(t, err)

	assert.Equal(t, 2, amended.ContractVersion)
	assert.Equal(t, domain.ContractStatusPendingStudentApproval, amended.Status)
	assert.Nil(t, amended.StudentSignedAt)
	assert.True(t, amended.TotalAmount.Equal(decimal.NewFromInt(5000000)))
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), amended.ExpiresAt)

	stored, err := h.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ContractVersion)
	assert.Nil(t, stored.StudentSignedAt)
	assert.Empty(t, stored.StudentSignatureToken)
	assert.True(t, stored.TotalAmount.Equal(decimal.NewFromInt(5000000)))

	_, err = h.contracts.Amend(ctx, contract.ID, tutorID, amendRequest(1, 300000))
	assert.ErrorIs(t, err, customError.ErrStateConflict)

	_, err = h.contracts.Amend(ctx, contract.ID, studentID, amendRequest(2, 300000))
	assert.ErrorIs(t, err, customError.ErrNotParticipant)
}

func TestAmend_CodeIssuedForPreviousVersionIsRejected(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, studentID, &domain.IssueOTPRequest{Email: studentEmail})
	require.NoError(t, err)
	code := h.mailer.LastCode(studentEmail)

	_, err = h.contracts.Amend(ctx, contract.ID, tutorID, amendRequest(1, 250000))
	require.NoError(t, err)

	_, err = h.contracts.Sign(ctx, contract.ID, studentID,
		&domain.SignContractRequest{Email: studentEmail, Code: code}, "203.0.113.7")
	assert.ErrorIs(t, err, customError.ErrInvalidOTP)

	stored, err := h.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.StudentSignedAt)
}

func TestApplySignature_VerifiedBeforeAmendment(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, studentID, &domain.IssueOTPRequest{Email: studentEmail})
	require.NoError(t, err)
	verified, err := h.signatures.Verify(ctx, contract.ID, 1, domain.RoleStudent, studentEmail, h.mailer.LastCode(studentEmail))
	require.NoError(t, err)
	assert.Equal(t, 1, verified.ContractVersion)

	amended, err := h.contracts.Amend(ctx, contract.ID, tutorID, amendRequest(1, 250000))
	require.NoError(t, err)
	require.Equal(t, 2, amended.ContractVersion)

	_, err = h.contracts.ApplySignature(ctx, contract.ID, domain.RoleStudent, verified, "203.0.113.7")
	assert.ErrorIs(t, err, customError.ErrStateConflict)
	assert.ErrorIs(t, err, customError.ErrConcurrentChange)

	stored, err := h.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.StudentSignedAt)
	assert.Equal(t, domain.ContractStatusPendingStudentApproval, stored.Status)
}

func TestApplySignature_CurrentVersion(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	_, err := h.contracts.RequestSignatureCode(ctx, contract.ID, studentID, &domain.IssueOTPRequest{Email: studentEmail})
	require.NoError(t, err)
	verified, err := h.signatures.Verify(ctx, contract.ID, contract.ContractVersion, domain.RoleStudent, studentEmail, h.mailer.LastCode(studentEmail))
	require.NoError(t, err)

	// bound to the contract and role it was verified for
	_, err = h.contracts.ApplySignature(ctx, contract.ID, domain.RoleTutor, verified, "203.0.113.7")
	assert.ErrorIs(t, err, customError.ErrInvalidOTP)

	signed, err := h.contracts.ApplySignature(ctx, contract.ID, domain.RoleStudent, verified, "203.0.113.7")
	require.NoError(t, err)
	assert.NotNil(t, signed.StudentSignedAt)
	assert.Equal(t, domain.ContractStatusPendingTutorApproval, signed.Status)
}

func TestLockedContract_IsImmutable(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	ctx := context.Background()

	_, err := h.contracts.Amend(ctx, active.ID, tutorID, amendRequest(1, 250000))
	assert.ErrorIs(t, err, customError.ErrContractLocked)

	_, err = h.contracts.Reject(ctx, active.ID, studentID, "changed my mind")
	assert.ErrorIs(t, err, customError.ErrContractLocked)

	_, err = h.contracts.Cancel(ctx, active.ID, tutorID, "no time")
	assert.ErrorIs(t, err, customError.ErrContractLocked)

	_, err = h.contracts.RequestSignatureCode(ctx, active.ID, studentID, &domain.IssueOTPRequest{Email: studentEmail})
	assert.ErrorIs(t, err, customError.ErrContractLocked)

	stored, err := h.contracts.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, active.ContentHash, stored.ContentHash)
	assert.Equal(t, domain.ContractStatusActive, stored.Status)
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	_, err := h.contracts.Reject(ctx, contract.ID, "stranger", "")
	assert.ErrorIs(t, err, customError.ErrNotParticipant)

	rejected, err := h.contracts.Reject(ctx, contract.ID, studentID, "schedule does not fit")
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusRejected, rejected.Status)

	notes := h.notifier.OfType(domain.NotificationContractRejected)
	require.Len(t, notes, 1)
	assert.Equal(t, tutorID, notes[0].RecipientID)
	assert.Equal(t, "schedule does not fit", notes[0].Data["reason"])

	_, err = h.sign(t, contract, studentID)
	assert.ErrorIs(t, err, customError.ErrContractClosed)

	_, err = h.contracts.Reject(ctx, contract.ID, tutorID, "")
	assert.ErrorIs(t, err, customError.ErrContractClosed)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	contract := h.createContract(t)
	ctx := context.Background()

	cancelled, err := h.contracts.Cancel(ctx, contract.ID, tutorID, "moving abroad")
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusCancelled, cancelled.Status)

	stored, err := h.contracts.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusCancelled, stored.Status)
	assert.Equal(t, tutorID, stored.CancelledBy)
	assert.Equal(t, "moving abroad", stored.CancellationReason)
	require.NotNil(t, stored.CancelledAt)

	_, err = h.contracts.Cancel(ctx, contract.ID, studentID, "")
	assert.ErrorIs(t, err, customError.ErrContractClosed)
}

func TestComplete_RequiresSettledSchedule(t *testing.T) {
	h := newHarness(t)
	active := h.activeContract(t)
	ctx := context.Background()

	_, err := h.contracts.Complete(ctx, active.ID, tutorID)
	assert.ErrorIs(t, err, customError.ErrInvalidTransition)

	resp := h.initiate(t, active, 0, 1, 2, 3, 4)
	_, err = h.payments.Settle(ctx, h.callback(resp.OrderRef, resp.Amount, "00"))
	require.NoError(t, err)

	completed, err := h.contracts.Complete(ctx, active.ID, tutorID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractStatusCompleted, completed.Status)

	_, err = h.contracts.Complete(ctx, active.ID, tutorID)
	assert.ErrorIs(t, err, customError.ErrInvalidTransition)
}

func TestVerifySnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.createContract(t)
	_, err := h.contracts.VerifySnapshot(ctx, pending.ID)
	assert.ErrorIs(t, err, customError.ErrInvalidTransition)

	active := h.activeContract(t)
	integrity, err := h.contracts.VerifySnapshot(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, integrity.Valid)
	assert.Equal(t, active.ContentHash, integrity.ContentHash)

	// a snapshot edited behind the service's back no longer matches
	tampered, err := h.store.Contracts().GetByID(ctx, active.ID)
	require.NoError(t, err)
	tampered.Snapshot = strings.Replace(tampered.Snapshot, `"total_amount":"4000000"`, `"total_amount":"1"`, 1)
	require.NotEqual(t, active.Snapshot, tampered.Snapshot)

	repo := &mocks.MockContractRepository{}
	repo.On("GetByID", mock.Anything, active.ID).Return(tampered, nil)
	svc := NewContractService(repo, h.store.Schedules(), h.signatures, nil, nil, testConfig(), discardLogger())

	integrity, err = svc.VerifySnapshot(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, integrity.Valid)
	repo.AssertExpectations(t)
}

func TestGetContract_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.contracts.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, customError.ErrContractNotFound)
	assert.ErrorIs(t, err, customError.ErrNotFound)
}

func TestGetDetails_IncludesScheduleOnceActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.createContract(t)
	details, err := h.contracts.GetDetails(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, details.Schedule)

	active := h.activeContract(t)
	details, err = h.contracts.GetDetails(ctx, active.ID)
	require.NoError(t, err)
	require.NotNil(t, details.Schedule)
	assert.Len(t, details.Installments, 5)
	assert.True(t, domain.SumInstallments(details.Installments).Equal(active.TotalAmount))
}

func TestContractService_DatabaseErrors(t *testing.T) {
	repo := &mocks.MockContractRepository{}
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	svc := NewContractService(repo, nil, nil, nil, nil, testConfig(), discardLogger())
	svc.now = func() time.Time { return time.Date(2026, 1, 20, 2, 0, 0, 0, time.UTC) }

	_, err := svc.Create(context.Background(), tutorID, contractRequest())
	assert.ErrorIs(t, err, customError.ErrInternal)
	repo.AssertExpectations(t)
}
