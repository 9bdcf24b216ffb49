package domain

import (
	"time"

	"github.com/google/uuid"
)

type OTPPurpose string

const (
	OTPPurposeContractSigning OTPPurpose = "contract_signing"
)

// OTPBinding identifies what a one-time code may be used for.
type OTPBinding struct {
	ContractID uuid.UUID
	Email      string
	Role       SignerRole
	Purpose    OTPPurpose
}

// OTPCode is a short-lived signing code. Only its hash is stored.
type OTPCode struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	ContractID uuid.UUID  `json:"contract_id" db:"contract_id"`
	Email      string     `json:"email" db:"email"`
	Role       SignerRole `json:"role" db:"role"`
	Purpose    OTPPurpose `json:"purpose" db:"purpose"`
	CodeHash   string     `json:"-" db:"code_hash"`
	Attempts   int        `json:"attempts" db:"attempts"`
	IsUsed     bool       `json:"is_used" db:"is_used"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

func (o *OTPCode) Binding() OTPBinding {
	return OTPBinding{ContractID: o.ContractID, Email: o.Email, Role: o.Role, Purpose: o.Purpose}
}

// VerifiedSignature proves a signer passed OTP verification for one
// contract version and role. Token links the signature to the consumed code.
type VerifiedSignature struct {
	ContractID      uuid.UUID  `json:"contract_id"`
	ContractVersion int        `json:"contract_version"`
	Role            SignerRole `json:"role"`
	Email           string     `json:"email"`
	OTPID           uuid.UUID  `json:"otp_id"`
	Token           string     `json:"token"`
	VerifiedAt      time.Time  `json:"verified_at"`
}

// DTOs for requests and responses

type IssueOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type SignContractRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type OTPIssuedResponse struct {
	ContractID uuid.UUID  `json:"contract_id"`
	Role       SignerRole `json:"role"`
	ExpiresAt  time.Time  `json:"expires_at"`
}
