package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/repository"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

// signatureAttempts bounds how often a signature is retried after losing a
// race against the other party.
const signatureAttempts = 3

// ContractService owns the contract state machine.
type ContractService struct {
	ContractRepo repository.ContractRepository
	ScheduleRepo repository.ScheduleRepository
	Signatures   *SignatureService
	Activator    ClassActivator
	Notifier     Notifier
	config       *config.Config
	logger       *slog.Logger
	now          func() time.Time
}

func NewContractService(
	contractRepo repository.ContractRepository,
	scheduleRepo repository.ScheduleRepository,
	signatures *SignatureService,
	activator ClassActivator,
	notifier Notifier,
	config *config.Config,
	logger *slog.Logger,
) *ContractService {
	return &ContractService{
		ContractRepo: contractRepo,
		ScheduleRepo: scheduleRepo,
		Signatures:   signatures,
		Activator:    activator,
		Notifier:     notifier,
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// Create issues a new contract from the tutor to the student
func (s *ContractService) Create(ctx context.Context, actorID string, request *domain.CreateContractRequest) (*domain.Contract, error) {
	now := s.now()

	if actorID != request.TutorID {
		return nil, customError.WrapNotParticipant("new")
	}

	// 1. Build the contract from the request, total is always derived
	contract := &domain.Contract{
		ID:               uuid.New(),
		Code:             contractCode(now),
		ContactRequestID: request.ContactRequestID,
		StudentID:        request.StudentID,
		TutorID:          request.TutorID,
		StudentName:      strings.TrimSpace(request.StudentName),
		TutorName:        strings.TrimSpace(request.TutorName),
		StudentEmail:     domain.NormalizeEmail(request.StudentEmail),
		TutorEmail:       domain.NormalizeEmail(request.TutorEmail),
		ContractVersion:  1,
		Status:           domain.ContractStatusPendingStudentApproval,
		ExpiresAt:        now.Add(s.config.Business.ContractTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if request.Draft {
		contract.Status = domain.ContractStatusDraft
	}
	applyTerms(contract, &request.ContractTermsRequest)

	// 2. Commercial and payment terms are checked before anything is written
	if err := s.validateTerms(contract, now); err != nil {
		return nil, err
	}

	// 3. Persist
	if err := s.ContractRepo.Create(ctx, contract); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	s.logger.Info("contract created", "contract_id", contract.ID, "code", contract.Code, "status", contract.Status)
	if contract.Status == domain.ContractStatusPendingStudentApproval {
		s.notify(ctx, domain.NotificationContractIssued, contract.StudentID, contract, nil)
	}

	return contract, nil
}

// Submit sends a draft to the student for signature
func (s *ContractService) Submit(ctx context.Context, id uuid.UUID, actorID string) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != contract.TutorID {
		return nil, customError.WrapNotParticipant(id.String())
	}
	if contract.Status == domain.ContractStatusExpired {
		return nil, customError.WrapContractExpired(id.String())
	}
	if contract.Status != domain.ContractStatusDraft {
		return nil, customError.WrapInvalidTransition(string(contract.Status), string(domain.ContractStatusPendingStudentApproval))
	}

	now := s.now()
	err = s.ContractRepo.TransitionStatus(ctx, id,
		[]domain.ContractStatus{domain.ContractStatusDraft}, domain.ContractStatusPendingStudentApproval, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil, customError.WrapConcurrentModification("contract")
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	contract.Status = domain.ContractStatusPendingStudentApproval
	contract.UpdatedAt = now
	s.notify(ctx, domain.NotificationContractIssued, contract.StudentID, contract, nil)

	return contract, nil
}

// Amend replaces the commercial terms of an unlocked contract. Both
// signatures are cleared and the contract version is bumped, so nobody
// can end up bound to terms they did not see.
func (s *ContractService) Amend(ctx context.Context, id uuid.UUID, actorID string, request *domain.AmendTermsRequest) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != contract.TutorID {
		return nil, customError.WrapNotParticipant(id.String())
	}
	if err := checkMutable(contract); err != nil {
		return nil, err
	}
	if contract.ContractVersion != request.ExpectedVersion {
		return nil, customError.WrapConcurrentModification("contract")
	}

	now := s.now()
	applyTerms(contract, &request.ContractTermsRequest)
	if err := s.validateTerms(contract, now); err != nil {
		return nil, err
	}

	contract.ContractVersion++
	if contract.Status != domain.ContractStatusDraft {
		contract.Status = domain.ContractStatusPendingStudentApproval
	}
	contract.ExpiresAt = now.Add(s.config.Business.ContractTTL)
	contract.StudentSignedAt, contract.TutorSignedAt = nil, nil
	contract.StudentSignatureOrigin, contract.TutorSignatureOrigin = "", ""
	contract.StudentSignatureToken, contract.TutorSignatureToken = "", ""
	contract.UpdatedAt = now

	err = s.ContractRepo.UpdateTerms(ctx, contract, request.ExpectedVersion)
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.explainConflict(ctx, id)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	s.logger.Info("contract amended", "contract_id", id, "version", contract.ContractVersion)
	if contract.Status == domain.ContractStatusPendingStudentApproval {
		s.notify(ctx, domain.NotificationContractIssued, contract.StudentID, contract, nil)
	}

	return contract, nil
}

// Get returns the contract, expiring it first when its deadline has passed.
func (s *ContractService) Get(ctx context.Context, id uuid.UUID) (*domain.Contract, error) {
	contract, err := loadContract(ctx, s.ContractRepo, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if contract.IsExpired(now) {
		err := s.ContractRepo.TransitionStatus(ctx, id, []domain.ContractStatus{contract.Status}, domain.ContractStatusExpired, now)
		switch {
		case err == nil:
			s.logger.Info("contract expired on read", "contract_id", id)
			contract.Status = domain.ContractStatusExpired
			contract.UpdatedAt = now
		case errors.Is(err, repository.ErrConflict):
			// someone else moved it first, the stored state wins
			return loadContract(ctx, s.ContractRepo, id)
		default:
			return nil, customError.WrapDatabaseError(err)
		}
	}

	return contract, nil
}

// GetDetails returns the contract together with its schedule once active.
func (s *ContractService) GetDetails(ctx context.Context, id uuid.UUID) (*domain.ContractResponse, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &domain.ContractResponse{Contract: contract}
	if !contract.IsLocked {
		return resp, nil
	}

	schedule, installments, err := s.ScheduleRepo.GetByContractID(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapDatabaseError(err)
	}
	resp.Schedule = schedule
	resp.Installments = installments

	return resp, nil
}

// RequestSignatureCode sends the actor a code to sign the contract with.
func (s *ContractService) RequestSignatureCode(ctx context.Context, id uuid.UUID, actorID string, request *domain.IssueOTPRequest) (*domain.OTPIssuedResponse, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := contract.RoleOf(actorID)
	if !ok {
		return nil, customError.WrapNotParticipant(id.String())
	}

	return s.Signatures.Issue(ctx, id, role, request.Email)
}

// Sign verifies the actor's code and applies the resulting signature.
func (s *ContractService) Sign(ctx context.Context, id uuid.UUID, actorID string, request *domain.SignContractRequest, origin string) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := contract.RoleOf(actorID)
	if !ok {
		return nil, customError.WrapNotParticipant(id.String())
	}

	// Checked before the code is consumed so the signer keeps a usable code
	if err := checkSignable(contract, role, s.now()); err != nil {
		return nil, err
	}

	verified, err := s.Signatures.Verify(ctx, id, contract.ContractVersion, role, request.Email, request.Code)
	if err != nil {
		return nil, err
	}

	return s.applySignature(ctx, id, role, verified, origin)
}

// ApplySignature records a verified signature for role. The signature only
// counts for the contract version its code was verified against.
func (s *ContractService) ApplySignature(ctx context.Context, id uuid.UUID, role domain.SignerRole, verified *domain.VerifiedSignature, origin string) (*domain.Contract, error) {
	return s.applySignature(ctx, id, role, verified, origin)
}

// applySignature binds the signature to the verified version. When the other party
// signs at the same moment one of the conditional writes loses; it reloads
// and retries, and then takes the activation path instead.
func (s *ContractService) applySignature(
	ctx context.Context,
	id uuid.UUID,
	role domain.SignerRole,
	verified *domain.VerifiedSignature,
	origin string,
) (*domain.Contract, error) {
	if verified == nil || verified.ContractID != id || verified.Role != role {
		return nil, customError.WrapInvalidOTP()
	}
	version := verified.ContractVersion

	for attempt := 0; attempt < signatureAttempts; attempt++ {
		contract, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if err := checkSignable(contract, role, now); err != nil {
			return nil, err
		}
		if contract.ContractVersion != version {
			return nil, customError.WrapConcurrentModification("contract")
		}

		record := repository.SignatureRecord{
			ContractID:      id,
			Role:            role,
			ContractVersion: version,
			SignedAt:        now,
			Origin:          origin,
			Token:           verified.Token,
		}

		if contract.HasSigned(role.Counterpart()) {
			activated, err := s.activate(ctx, contract, record)
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return activated, err
		}

		record.NextStatus = domain.PendingStatusAfter(role)
		err = s.ContractRepo.RecordSignature(ctx, record)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, customError.WrapDatabaseError(err)
		}

		setSignature(contract, record)
		contract.Status = record.NextStatus
		contract.UpdatedAt = now

		s.logger.Info("contract signed", "contract_id", id, "role", role)
		s.notify(ctx, domain.NotificationContractSigned, partyID(contract, role.Counterpart()), contract,
			map[string]string{"signed_by": string(role)})

		return contract, nil
	}

	return nil, customError.WrapConcurrentModification("contract")
}

// activate stores the final signature, locks the contract and persists the
// schedule in one unit, then notifies downstream services.
func (s *ContractService) activate(ctx context.Context, contract *domain.Contract, record repository.SignatureRecord) (*domain.Contract, error) {
	lockedAt := record.SignedAt

	// 1. Canonical snapshot of what both parties signed
	setSignature(contract, record)
	snapshot, err := contract.CanonicalSnapshot(lockedAt)
	if err != nil {
		return nil, customError.WrapSnapshotBuild(err)
	}
	contract.Snapshot = string(snapshot)
	contract.ContentHash = domain.ContentHash(snapshot)
	contract.LockedAt = &lockedAt

	// 2. Payment schedule
	schedule := &domain.PaymentSchedule{
		ID:          uuid.New(),
		ContractID:  contract.ID,
		Method:      contract.PaymentMethod,
		TotalAmount: contract.TotalAmount,
		PaidAmount:  decimal.Zero,
		Status:      domain.ScheduleStatusActive,
		CreatedAt:   lockedAt,
		UpdatedAt:   lockedAt,
	}
	installments, err := GenerateInstallments(contract, schedule.ID, lockedAt)
	if err != nil {
		return nil, err
	}

	// 3. Lock, activate and store the schedule together
	if err := s.ContractRepo.Activate(ctx, record, contract, schedule, installments); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, customError.WrapDatabaseError(err)
	}

	contract.IsSigned = true
	contract.IsLocked = true
	contract.Status = domain.ContractStatusActive
	contract.ActivatedAt = &lockedAt
	contract.UpdatedAt = lockedAt

	s.logger.Info("contract activated",
		"contract_id", contract.ID,
		"content_hash", contract.ContentHash,
		"installments", len(installments),
	)

	// 4. Class creation must never undo the activation
	if s.Activator != nil {
		if err := s.Activator.OnContractActivated(ctx, activationEvent(contract)); err != nil {
			s.logger.Error("class activation failed", "contract_id", contract.ID, "error", err)
		}
	}
	s.notify(ctx, domain.NotificationContractActivated, contract.StudentID, contract, nil)
	s.notify(ctx, domain.NotificationContractActivated, contract.TutorID, contract, nil)

	return contract, nil
}

// Reject lets either party refuse a contract before it is locked
func (s *ContractService) Reject(ctx context.Context, id uuid.UUID, actorID, reason string) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := contract.RoleOf(actorID)
	if !ok {
		return nil, customError.WrapNotParticipant(id.String())
	}
	if err := checkMutable(contract); err != nil {
		return nil, err
	}

	now := s.now()
	err = s.ContractRepo.TransitionStatus(ctx, id, domain.PreActiveStatuses, domain.ContractStatusRejected, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.explainConflict(ctx, id)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	contract.Status = domain.ContractStatusRejected
	contract.UpdatedAt = now

	s.logger.Info("contract rejected", "contract_id", id, "role", role, "reason", reason)
	s.notify(ctx, domain.NotificationContractRejected, partyID(contract, role.Counterpart()), contract,
		map[string]string{"rejected_by": string(role), "reason": reason})

	return contract, nil
}

// Cancel withdraws a contract while it is still unlocked
func (s *ContractService) Cancel(ctx context.Context, id uuid.UUID, actorID, reason string) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := contract.RoleOf(actorID)
	if !ok {
		return nil, customError.WrapNotParticipant(id.String())
	}
	if err := checkMutable(contract); err != nil {
		return nil, err
	}

	now := s.now()
	err = s.ContractRepo.Cancel(ctx, repository.Cancellation{
		ContractID: id,
		Actor:      actorID,
		Reason:     reason,
		At:         now,
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.explainConflict(ctx, id)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	contract.Status = domain.ContractStatusCancelled
	contract.CancelledAt = &now
	contract.CancelledBy = actorID
	contract.CancellationReason = reason
	contract.UpdatedAt = now

	s.logger.Info("contract cancelled", "contract_id", id, "role", role)
	s.notify(ctx, domain.NotificationContractCancelled, partyID(contract, role.Counterpart()), contract,
		map[string]string{"reason": reason})

	return contract, nil
}

// Complete closes an active contract whose schedule is fully settled
func (s *ContractService) Complete(ctx context.Context, id uuid.UUID, actorID string) (*domain.Contract, error) {
	contract, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := contract.RoleOf(actorID); !ok {
		return nil, customError.WrapNotParticipant(id.String())
	}
	if contract.Status != domain.ContractStatusActive {
		return nil, customError.WrapInvalidTransition(string(contract.Status), string(domain.ContractStatusCompleted))
	}

	schedule, _, err := s.ScheduleRepo.GetByContractID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapScheduleNotFound(id.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	if schedule.Status != domain.ScheduleStatusCompleted {
		return nil, customError.WrapInvalidTransition(string(contract.Status), string(domain.ContractStatusCompleted))
	}

	now := s.now()
	err = s.ContractRepo.TransitionStatus(ctx, id,
		[]domain.ContractStatus{domain.ContractStatusActive}, domain.ContractStatusCompleted, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil, customError.WrapConcurrentModification("contract")
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	contract.Status = domain.ContractStatusCompleted
	contract.UpdatedAt = now
	s.logger.Info("contract completed", "contract_id", id)

	return contract, nil
}

// VerifySnapshot recomputes the content hash from the stored snapshot
func (s *ContractService) VerifySnapshot(ctx context.Context, id uuid.UUID) (*domain.IntegrityResponse, error) {
	contract, err := loadContract(ctx, s.ContractRepo, id)
	if err != nil {
		return nil, err
	}
	if !contract.IsLocked {
		return nil, customError.WrapInvalidTransition(string(contract.Status), "LOCKED")
	}

	valid := contract.VerifySnapshot()
	if !valid {
		s.logger.Error("contract snapshot does not match its content hash",
			"contract_id", id,
			"content_hash", contract.ContentHash,
			"code", customError.ErrCodeSnapshotMismatch,
		)
	}

	return &domain.IntegrityResponse{
		ContractID:  id.String(),
		ContentHash: contract.ContentHash,
		Valid:       valid,
	}, nil
}

// GetSchedule returns the payment schedule of an active contract
func (s *ContractService) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.ScheduleResponse, error) {
	schedule, installments, err := s.ScheduleRepo.GetByContractID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapScheduleNotFound(id.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	return &domain.ScheduleResponse{
		ContractID:   id.String(),
		Schedule:     schedule,
		Installments: installments,
	}, nil
}

func (s *ContractService) validateTerms(contract *domain.Contract, now time.Time) error {
	if err := contract.Validate(s.config.TermBounds()); err != nil {
		return err
	}
	// dry run, nothing is stored before activation
	_, err := GenerateInstallments(contract, uuid.Nil, now)
	return err
}

// explainConflict turns a lost conditional write into the reason the
// stored contract gives.
func (s *ContractService) explainConflict(ctx context.Context, id uuid.UUID) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkMutable(current); err != nil {
		return err
	}
	return customError.WrapConcurrentModification("contract")
}

func (s *ContractService) notify(ctx context.Context, kind domain.NotificationType, recipientID string, c *domain.Contract, data map[string]string) {
	if s.Notifier == nil {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["contract_code"] = c.Code
	data["status"] = string(c.Status)

	err := s.Notifier.Notify(ctx, domain.Notification{
		Type:        kind,
		RecipientID: recipientID,
		ContractID:  c.ID,
		Data:        data,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.logger.Warn("notification failed", "contract_id", c.ID, "type", kind, "error", err)
	}
}

// checkMutable rejects changes to a locked or closed contract.
func checkMutable(c *domain.Contract) error {
	id := c.ID.String()
	switch {
	case c.IsLocked:
		return customError.WrapContractLocked(id)
	case c.Status == domain.ContractStatusExpired:
		return customError.WrapContractExpired(id)
	case !c.Status.IsPreActive():
		return customError.WrapContractClosed(id, string(c.Status))
	}
	return nil
}

func applyTerms(c *domain.Contract, terms *domain.ContractTermsRequest) {
	c.Subject = strings.TrimSpace(terms.Subject)
	c.TotalSessions = terms.TotalSessions
	c.PricePerSession = terms.PricePerSession
	c.SessionDuration = terms.SessionDuration
	c.LearningMode = terms.LearningMode
	c.Schedule = terms.Schedule
	c.StartDate = terms.StartDate
	c.PaymentMethod = terms.PaymentTerms.Method
	c.Installments = terms.PaymentTerms.Installments
	c.DownPayment = terms.PaymentTerms.DownPayment
	c.ComputeTotal()
}

func setSignature(c *domain.Contract, record repository.SignatureRecord) {
	at := record.SignedAt
	if record.Role == domain.RoleStudent {
		c.StudentSignedAt = &at
		c.StudentSignatureOrigin = record.Origin
		c.StudentSignatureToken = record.Token
		return
	}
	c.TutorSignedAt = &at
	c.TutorSignatureOrigin = record.Origin
	c.TutorSignatureToken = record.Token
}

func partyID(c *domain.Contract, role domain.SignerRole) string {
	if role == domain.RoleStudent {
		return c.StudentID
	}
	return c.TutorID
}

func activationEvent(c *domain.Contract) domain.ContractActivatedEvent {
	return domain.ContractActivatedEvent{
		ContractID:      c.ID,
		ContractCode:    c.Code,
		StudentID:       c.StudentID,
		TutorID:         c.TutorID,
		Subject:         c.Subject,
		TotalSessions:   c.TotalSessions,
		SessionDuration: c.SessionDuration,
		LearningMode:    c.LearningMode,
		Schedule:        c.Schedule,
		StartDate:       c.StartDate,
		ActivatedAt:     *c.ActivatedAt,
	}
}

// contractCode is the human-facing reference printed on the contract.
func contractCode(now time.Time) string {
	return fmt.Sprintf("CT-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
