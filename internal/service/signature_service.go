package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/repository"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

const otpDigits = 6

// SignatureService issues and verifies the one-time codes that gate a
// contract signature.
type SignatureService struct {
	ContractRepo repository.ContractRepository
	OTPRepo      repository.OTPRepository
	Limiter      repository.RateLimiter
	Mailer       EmailSender
	config       *config.Config
	logger       *slog.Logger
	now          func() time.Time
}

func NewSignatureService(
	contractRepo repository.ContractRepository,
	otpRepo repository.OTPRepository,
	limiter repository.RateLimiter,
	mailer EmailSender,
	config *config.Config,
	logger *slog.Logger,
) *SignatureService {
	return &SignatureService{
		ContractRepo: contractRepo,
		OTPRepo:      otpRepo,
		Limiter:      limiter,
		Mailer:       mailer,
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// Issue sends a fresh signing code to the signer of role.
func (s *SignatureService) Issue(ctx context.Context, contractID uuid.UUID, role domain.SignerRole, email string) (*domain.OTPIssuedResponse, error) {
	now := s.now()

	// 1. The contract must still accept a signature from this role
	contract, err := loadContract(ctx, s.ContractRepo, contractID)
	if err != nil {
		return nil, err
	}
	if err := checkSignable(contract, role, now); err != nil {
		return nil, err
	}

	// 2. Codes only go to the address recorded for the signer
	email = domain.NormalizeEmail(email)
	if email != domain.NormalizeEmail(contract.EmailFor(role)) {
		return nil, customError.WrapNotParticipant(contractID.String())
	}

	// 3. Sliding window per (email, contract)
	key := fmt.Sprintf("otp:%s:%s", contractID, email)
	allowed, retryAfter, err := s.Limiter.Allow(ctx, key, s.config.Business.OTPRateLimit, s.config.Business.OTPRateWindow, now)
	if err != nil {
		return nil, customError.WrapCacheError(err)
	}
	if !allowed {
		s.logger.Warn("otp rate limit reached", "contract_id", contractID, "role", role, "retry_after", retryAfter)
		return nil, customError.WrapRateLimited(retryAfter)
	}

	// 4. Replace any active code for the binding
	code, err := generateCode()
	if err != nil {
		return nil, customError.NewBusinessError(customError.ErrInternal, customError.ErrCodeInvalidOTP, "could not generate code", err)
	}

	otp := &domain.OTPCode{
		ID:         uuid.New(),
		ContractID: contractID,
		Email:      email,
		Role:       role,
		Purpose:    domain.OTPPurposeContractSigning,
		ExpiresAt:  now.Add(s.config.Business.OTPTTL),
		CreatedAt:  now,
	}
	otp.CodeHash = hashCode(otp.Binding(), contract.ContractVersion, code)

	if err := s.OTPRepo.Replace(ctx, otp); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	// 5. Without delivery the signer cannot proceed, so this error surfaces
	err = s.Mailer.SendOTP(ctx, domain.OTPEmail{
		To:           email,
		Name:         contract.NameFor(role),
		ContractCode: contract.Code,
		Code:         code,
		ExpiresAt:    otp.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("otp email delivery failed", "contract_id", contractID, "role", role, "error", err)
		return nil, customError.WrapEmailDelivery(err)
	}

	return &domain.OTPIssuedResponse{
		ContractID: contractID,
		Role:       role,
		ExpiresAt:  otp.ExpiresAt,
	}, nil
}

// Verify consumes a code issued for version of the contract. Every failure
// looks the same to the caller so the response does not reveal whether a
// code exists for the binding.
func (s *SignatureService) Verify(ctx context.Context, contractID uuid.UUID, version int, role domain.SignerRole, email, code string) (*domain.VerifiedSignature, error) {
	now := s.now()
	binding := domain.OTPBinding{
		ContractID: contractID,
		Email:      domain.NormalizeEmail(email),
		Role:       role,
		Purpose:    domain.OTPPurposeContractSigning,
	}

	otp, err := s.OTPRepo.Consume(ctx, binding, hashCode(binding, version, code), now)
	if errors.Is(err, repository.ErrConflict) {
		if ferr := s.OTPRepo.RegisterFailure(ctx, binding, now, s.config.Business.OTPMaxAttempts); ferr != nil {
			s.logger.Error("failed to count otp attempt", "contract_id", contractID, "error", ferr)
		}
		return nil, customError.WrapInvalidOTP()
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	return &domain.VerifiedSignature{
		ContractID:      contractID,
		ContractVersion: version,
		Role:            role,
		Email:           binding.Email,
		OTPID:           otp.ID,
		Token:           signatureToken(code, otp.ID),
		VerifiedAt:      now,
	}, nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// hashCode binds the stored hash to its binding and to the contract version
// the code was issued for. A code requested before an amendment never
// matches afterwards.
func hashCode(b domain.OTPBinding, version int, code string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%s", b.ContractID, b.Email, b.Role, b.Purpose, version, code)))
	return hex.EncodeToString(sum[:])
}

func signatureToken(code string, otpID uuid.UUID) string {
	sum := sha256.Sum256([]byte(code + otpID.String()))
	return hex.EncodeToString(sum[:])
}

// loadContract maps a missing row to the not-found error of the API.
func loadContract(ctx context.Context, repo repository.ContractRepository, id uuid.UUID) (*domain.Contract, error) {
	contract, err := repo.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapContractNotFound(id.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return contract, nil
}

// checkSignable returns the specific reason why role cannot sign now.
func checkSignable(c *domain.Contract, role domain.SignerRole, now time.Time) error {
	id := c.ID.String()
	switch {
	case c.IsLocked:
		return customError.WrapContractLocked(id)
	case c.Status == domain.ContractStatusExpired || c.IsExpired(now):
		return customError.WrapContractExpired(id)
	case !c.Status.IsPreActive():
		return customError.WrapContractClosed(id, string(c.Status))
	case c.Status == domain.ContractStatusDraft:
		return customError.WrapInvalidTransition(string(c.Status), "SIGNED")
	case c.HasSigned(role):
		return customError.WrapAlreadySigned(id, string(role))
	}
	return nil
}
