package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every BusinessError belongs to exactly one kind and
// errors.Is matches against it, so callers can branch on the category
// without knowing the specific failure.
var (
	ErrValidation     = errors.New("validation failed")
	ErrStateConflict  = errors.New("state conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrIntegrity      = errors.New("integrity check failed")
	ErrAmountMismatch = errors.New("amount mismatch")
	ErrNotFound       = errors.New("not found")
	ErrEmailDelivery  = errors.New("email delivery failed")
	ErrInternal       = errors.New("internal error")
)

// Domain errors
var (
	ErrInvalidTerms        = errors.New("invalid contract terms")
	ErrInvalidPaymentTerms = errors.New("invalid payment terms")
	ErrContractNotFound    = errors.New("contract not found")
	ErrContractLocked      = errors.New("contract is locked")
	ErrContractExpired     = errors.New("contract has expired")
	ErrContractClosed      = errors.New("contract is no longer open for signature")
	ErrAlreadySigned       = errors.New("role has already signed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotParticipant      = errors.New("actor is not a party to the contract")
	ErrInvalidOTP          = errors.New("invalid or expired code")
	ErrInvalidSelection    = errors.New("invalid installment selection")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentTerminal     = errors.New("payment already in a terminal state")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrAmountDiffers       = errors.New("callback amount does not match payment amount")
	ErrSnapshotMismatch    = errors.New("snapshot does not match content hash")
	ErrConcurrentChange    = errors.New("modified concurrently")
	ErrContractNotActive   = errors.New("contract is not active")
	ErrScheduleNotFound    = errors.New("payment schedule not found")
	ErrNothingToReprocess  = errors.New("payment has no stored callback")
)

// BusinessError represents a business logic error
type BusinessError struct {
	Code       string
	Message    string
	Kind       error
	Err        error
	RetryAfter time.Duration
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *BusinessError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewBusinessError creates a new business error
func NewBusinessError(kind error, code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Kind:    kind,
		Err:     err,
	}
}

// Error codes
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidTerms         = "INVALID_TERMS"
	ErrCodeInvalidPaymentTerms  = "INVALID_PAYMENT_TERMS"
	ErrCodeContractNotFound     = "CONTRACT_NOT_FOUND"
	ErrCodeContractLocked       = "CONTRACT_LOCKED"
	ErrCodeContractExpired      = "CONTRACT_EXPIRED"
	ErrCodeContractClosed       = "CONTRACT_CLOSED"
	ErrCodeAlreadySigned        = "ALREADY_SIGNED"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeNotParticipant       = "NOT_PARTICIPANT"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeInvalidOTP           = "INVALID_OTP"
	ErrCodeEmailDelivery        = "EMAIL_DELIVERY_FAILED"
	ErrCodeInvalidSelection     = "INVALID_SELECTION"
	ErrCodePaymentNotFound      = "PAYMENT_NOT_FOUND"
	ErrCodePaymentTerminal      = "PAYMENT_TERMINAL"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeAmountMismatch       = "AMOUNT_MISMATCH"
	ErrCodeDatabaseError        = "DATABASE_ERROR"
	ErrCodeCacheError           = "CACHE_ERROR"
	ErrCodeGatewayError         = "GATEWAY_ERROR"
	ErrCodeSnapshotMismatch     = "SNAPSHOT_MISMATCH"
	ErrCodeSnapshotBuild        = "SNAPSHOT_BUILD_FAILED"
	ErrCodeConcurrentAlteration = "CONCURRENT_MODIFICATION"
	ErrCodeContractNotActive    = "CONTRACT_NOT_ACTIVE"
	ErrCodeScheduleNotFound     = "SCHEDULE_NOT_FOUND"
	ErrCodeNothingToReprocess   = "NOTHING_TO_REPROCESS"
)

func WrapValidation(err error) *BusinessError {
	return NewBusinessError(ErrValidation, ErrCodeInvalidRequest, "request validation failed", err)
}

func WrapInvalidTerms(reason string) *BusinessError {
	return NewBusinessError(ErrValidation, ErrCodeInvalidTerms, reason, ErrInvalidTerms)
}

func WrapInvalidPaymentTerms(reason string) *BusinessError {
	return NewBusinessError(ErrValidation, ErrCodeInvalidPaymentTerms, reason, ErrInvalidPaymentTerms)
}

func WrapContractNotFound(contractID string) *BusinessError {
	return NewBusinessError(
		ErrNotFound,
		ErrCodeContractNotFound,
		fmt.Sprintf("Contract with ID %s not found", contractID),
		ErrContractNotFound,
	)
}

func WrapContractLocked(contractID string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeContractLocked,
		fmt.Sprintf("Contract %s is locked and can no longer be modified", contractID),
		ErrContractLocked,
	)
}

func WrapContractExpired(contractID string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeContractExpired,
		fmt.Sprintf("Contract %s has expired", contractID),
		ErrContractExpired,
	)
}

func WrapContractClosed(contractID, status string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeContractClosed,
		fmt.Sprintf("Contract %s is %s", contractID, status),
		ErrContractClosed,
	)
}

func WrapAlreadySigned(contractID, role string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeAlreadySigned,
		fmt.Sprintf("Contract %s has already been signed by the %s", contractID, role),
		ErrAlreadySigned,
	)
}

func WrapInvalidTransition(from, to string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeInvalidTransition,
		fmt.Sprintf("Cannot move contract from %s to %s", from, to),
		ErrInvalidTransition,
	)
}

func WrapConcurrentModification(resource string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeConcurrentAlteration,
		fmt.Sprintf("%s was modified concurrently, reload and retry", resource),
		ErrConcurrentChange,
	)
}

func WrapNotParticipant(contractID string) *BusinessError {
	return NewBusinessError(
		ErrValidation,
		ErrCodeNotParticipant,
		fmt.Sprintf("Actor is not allowed to act on contract %s", contractID),
		ErrNotParticipant,
	)
}

func WrapRateLimited(retryAfter time.Duration) *BusinessError {
	e := NewBusinessError(
		ErrRateLimited,
		ErrCodeRateLimited,
		"Too many verification codes requested, try again later",
		nil,
	)
	e.RetryAfter = retryAfter
	return e
}

func WrapInvalidOTP() *BusinessError {
	return NewBusinessError(ErrValidation, ErrCodeInvalidOTP, "The verification code is invalid or has expired", ErrInvalidOTP)
}

func WrapEmailDelivery(err error) *BusinessError {
	return NewBusinessError(ErrEmailDelivery, ErrCodeEmailDelivery, "Verification email could not be delivered", err)
}

func WrapInvalidSelection(reason string) *BusinessError {
	return NewBusinessError(ErrValidation, ErrCodeInvalidSelection, reason, ErrInvalidSelection)
}

func WrapPaymentNotFound(orderRef string) *BusinessError {
	return NewBusinessError(
		ErrNotFound,
		ErrCodePaymentNotFound,
		fmt.Sprintf("Payment %s not found", orderRef),
		ErrPaymentNotFound,
	)
}

func WrapPaymentTerminal(orderRef, status string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodePaymentTerminal,
		fmt.Sprintf("Payment %s is already %s", orderRef, status),
		ErrPaymentTerminal,
	)
}

func WrapInvalidSignature() *BusinessError {
	return NewBusinessError(ErrIntegrity, ErrCodeInvalidSignature, "Callback signature verification failed", ErrInvalidSignature)
}

func WrapSnapshotMismatch(contractID string) *BusinessError {
	return NewBusinessError(
		ErrIntegrity,
		ErrCodeSnapshotMismatch,
		fmt.Sprintf("Stored snapshot of contract %s does not match its content hash", contractID),
		ErrSnapshotMismatch,
	)
}

func WrapSnapshotBuild(err error) *BusinessError {
	return NewBusinessError(ErrInternal, ErrCodeSnapshotBuild, "could not build contract snapshot", err)
}

// WrapAmountMismatch is shown to payers, so the amounts stay in the log.
func WrapAmountMismatch(orderRef string) *BusinessError {
	return NewBusinessError(
		ErrAmountMismatch,
		ErrCodeAmountMismatch,
		fmt.Sprintf("Payment %s could not be confirmed", orderRef),
		ErrAmountDiffers,
	)
}

func WrapContractNotActive(contractID, status string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeContractNotActive,
		fmt.Sprintf("Contract %s is %s, payments need an active contract", contractID, status),
		ErrContractNotActive,
	)
}

func WrapScheduleNotFound(contractID string) *BusinessError {
	return NewBusinessError(
		ErrNotFound,
		ErrCodeScheduleNotFound,
		fmt.Sprintf("Contract %s has no payment schedule", contractID),
		ErrScheduleNotFound,
	)
}

func WrapNothingToReprocess(orderRef string) *BusinessError {
	return NewBusinessError(
		ErrStateConflict,
		ErrCodeNothingToReprocess,
		fmt.Sprintf("Payment %s has no stored callback to reprocess", orderRef),
		ErrNothingToReprocess,
	)
}

func WrapDatabaseError(err error) *BusinessError {
	return NewBusinessError(
		ErrInternal,
		ErrCodeDatabaseError,
		"database operation failed",
		err,
	)
}

func WrapCacheError(err error) *BusinessError {
	return NewBusinessError(
		ErrInternal,
		ErrCodeCacheError,
		"Cache operation failed",
		err,
	)
}

func WrapGatewayError(err error) *BusinessError {
	return NewBusinessError(
		ErrInternal,
		ErrCodeGatewayError,
		"payment gateway request could not be prepared",
		err,
	)
}
