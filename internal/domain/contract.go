package domain

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

type ContractStatus string

const (
	ContractStatusDraft                  ContractStatus = "DRAFT"
	ContractStatusPendingStudentApproval ContractStatus = "PENDING_STUDENT_APPROVAL"
	ContractStatusPendingTutorApproval   ContractStatus = "PENDING_TUTOR_APPROVAL"
	ContractStatusActive                 ContractStatus = "ACTIVE"
	ContractStatusCompleted              ContractStatus = "COMPLETED"
	ContractStatusRejected               ContractStatus = "REJECTED"
	ContractStatusCancelled              ContractStatus = "CANCELLED"
	ContractStatusExpired                ContractStatus = "EXPIRED"
)

// PreActiveStatuses are the states from which a contract can still be
// signed, rejected, cancelled or expire.
var PreActiveStatuses = []ContractStatus{
	ContractStatusDraft,
	ContractStatusPendingStudentApproval,
	ContractStatusPendingTutorApproval,
}

func (s ContractStatus) IsPreActive() bool {
	return slices.Contains(PreActiveStatuses, s)
}

type SignerRole string

const (
	RoleStudent SignerRole = "STUDENT"
	RoleTutor   SignerRole = "TUTOR"
)

// Counterpart returns the other signing party.
func (r SignerRole) Counterpart() SignerRole {
	if r == RoleStudent {
		return RoleTutor
	}
	return RoleStudent
}

type LearningMode string

const (
	LearningModeOnline  LearningMode = "ONLINE"
	LearningModeOffline LearningMode = "OFFLINE"
)

type PaymentMethod string

const (
	PaymentMethodFull        PaymentMethod = "FULL"
	PaymentMethodInstallment PaymentMethod = "INSTALLMENT"
	PaymentMethodPerSession  PaymentMethod = "PER_SESSION"
)

// Bounds on commercial terms
const (
	MinTotalSessions = 1
	MaxTotalSessions = 100
	MinInstallments  = 2
	MaxInstallments  = 12
)

// AllowedSessionDurations lists the session lengths, in minutes, a contract may use.
var AllowedSessionDurations = []int{45, 60, 90, 120, 150, 180}

// TermBounds carries the configurable part of the commercial-term validation.
type TermBounds struct {
	MinPricePerSession decimal.Decimal
	MaxPricePerSession decimal.Decimal
}

// LearningSchedule is the weekly timetable agreed in the contract.
// DaysOfWeek uses time.Weekday numbering (0 = Sunday).
type LearningSchedule struct {
	DaysOfWeek []int  `json:"days_of_week" validate:"required,min=1,max=7,dive,min=0,max=6"`
	StartTime  string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime    string `json:"end_time" validate:"required,datetime=15:04"`
	Timezone   string `json:"timezone" validate:"required"`
}

func (s LearningSchedule) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *LearningSchedule) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = LearningSchedule{}
		return nil
	}
	return fmt.Errorf("unsupported schedule type %T", src)
}

// Location resolves the schedule timezone.
func (s LearningSchedule) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

func (s LearningSchedule) validate() error {
	if len(s.DaysOfWeek) == 0 {
		return fmt.Errorf("schedule needs at least one day of week")
	}
	seen := make(map[int]bool, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("day of week %d out of range", d)
		}
		if seen[d] {
			return fmt.Errorf("day of week %d listed twice", d)
		}
		seen[d] = true
	}
	start, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return fmt.Errorf("start time %q is not HH:MM", s.StartTime)
	}
	end, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return fmt.Errorf("end time %q is not HH:MM", s.EndTime)
	}
	if !start.Before(end) {
		return fmt.Errorf("start time must be before end time")
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("unknown timezone %q", s.Timezone)
	}
	return nil
}

// Contract represents a binding agreement between a tutor and a student
type Contract struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Code             string    `json:"code" db:"code"`
	ContactRequestID string    `json:"contact_request_id" db:"contact_request_id"`
	StudentID        string    `json:"student_id" db:"student_id"`
	TutorID          string    `json:"tutor_id" db:"tutor_id"`
	StudentName      string    `json:"student_name" db:"student_name"`
	TutorName        string    `json:"tutor_name" db:"tutor_name"`
	StudentEmail     string    `json:"student_email" db:"student_email"`
	TutorEmail       string    `json:"tutor_email" db:"tutor_email"`
	Subject          string    `json:"subject" db:"subject"`

	TotalSessions   int              `json:"total_sessions" db:"total_sessions"`
	PricePerSession decimal.Decimal  `json:"price_per_session" db:"price_per_session"`
	TotalAmount     decimal.Decimal  `json:"total_amount" db:"total_amount"`
	SessionDuration int              `json:"session_duration" db:"session_duration"`
	LearningMode    LearningMode     `json:"learning_mode" db:"learning_mode"`
	Schedule        LearningSchedule `json:"schedule" db:"schedule"`
	StartDate       time.Time        `json:"start_date" db:"start_date"`
	PaymentMethod   PaymentMethod    `json:"payment_method" db:"payment_method"`
	Installments    int              `json:"installments" db:"installments"`
	DownPayment     decimal.Decimal  `json:"down_payment" db:"down_payment"`

	StudentSignedAt        *time.Time `json:"student_signed_at,omitempty" db:"student_signed_at"`
	TutorSignedAt          *time.Time `json:"tutor_signed_at,omitempty" db:"tutor_signed_at"`
	StudentSignatureOrigin string     `json:"-" db:"student_signature_origin"`
	TutorSignatureOrigin   string     `json:"-" db:"tutor_signature_origin"`
	StudentSignatureToken  string     `json:"-" db:"student_signature_token"`
	TutorSignatureToken    string     `json:"-" db:"tutor_signature_token"`
	ContractVersion        int        `json:"contract_version" db:"contract_version"`

	IsSigned    bool       `json:"is_signed" db:"is_signed"`
	IsLocked    bool       `json:"is_locked" db:"is_locked"`
	LockedAt    *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	ContentHash string     `json:"content_hash,omitempty" db:"content_hash"`
	Snapshot    string     `json:"-" db:"snapshot"`

	Status             ContractStatus `json:"status" db:"status"`
	ExpiresAt          time.Time      `json:"expires_at" db:"expires_at"`
	ActivatedAt        *time.Time     `json:"activated_at,omitempty" db:"activated_at"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy        string         `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason string         `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// ComputeTotal derives TotalAmount from sessions and price. It is the only
// place the total is ever assigned.
func (c *Contract) ComputeTotal() {
	c.TotalAmount = c.PricePerSession.Mul(decimal.NewFromInt(int64(c.TotalSessions)))
}

// Validate enforces the commercial-term invariants. It is called before
// every write of a contract, regardless of where the data came from.
func (c *Contract) Validate(bounds TermBounds) error {
	if c.TotalSessions < MinTotalSessions || c.TotalSessions > MaxTotalSessions {
		return customError.WrapInvalidTerms(fmt.Sprintf("total sessions must be between %d and %d", MinTotalSessions, MaxTotalSessions))
	}
	if !c.PricePerSession.IsInteger() {
		return customError.WrapInvalidTerms("price per session must be a whole currency unit")
	}
	if c.PricePerSession.LessThan(bounds.MinPricePerSession) || c.PricePerSession.GreaterThan(bounds.MaxPricePerSession) {
		return customError.WrapInvalidTerms(fmt.Sprintf("price per session must be between %s and %s",
			bounds.MinPricePerSession, bounds.MaxPricePerSession))
	}
	if !slices.Contains(AllowedSessionDurations, c.SessionDuration) {
		return customError.WrapInvalidTerms(fmt.Sprintf("session duration %d is not one of %v", c.SessionDuration, AllowedSessionDurations))
	}
	if c.LearningMode != LearningModeOnline && c.LearningMode != LearningModeOffline {
		return customError.WrapInvalidTerms(fmt.Sprintf("unknown learning mode %q", c.LearningMode))
	}
	if err := c.Schedule.validate(); err != nil {
		return customError.WrapInvalidTerms(err.Error())
	}
	expected := c.PricePerSession.Mul(decimal.NewFromInt(int64(c.TotalSessions)))
	if !c.TotalAmount.Equal(expected) {
		return customError.WrapInvalidTerms("total amount must equal sessions multiplied by price per session")
	}
	if c.StudentID == "" || c.TutorID == "" || c.StudentID == c.TutorID {
		return customError.WrapInvalidTerms("contract needs a distinct student and tutor")
	}
	return nil
}

// IsExpired reports whether a pre-active contract is past its deadline.
// The boundary is strict: a contract whose deadline equals now is still open.
func (c *Contract) IsExpired(now time.Time) bool {
	return c.Status.IsPreActive() && c.ExpiresAt.Before(now)
}

func (c *Contract) SignedAt(role SignerRole) *time.Time {
	if role == RoleStudent {
		return c.StudentSignedAt
	}
	return c.TutorSignedAt
}

func (c *Contract) HasSigned(role SignerRole) bool {
	return c.SignedAt(role) != nil
}

// EmailFor returns the signing email registered for role.
func (c *Contract) EmailFor(role SignerRole) string {
	if role == RoleStudent {
		return c.StudentEmail
	}
	return c.TutorEmail
}

func (c *Contract) NameFor(role SignerRole) string {
	if role == RoleStudent {
		return c.StudentName
	}
	return c.TutorName
}

// RoleOf maps a user id to the role it plays in the contract.
func (c *Contract) RoleOf(userID string) (SignerRole, bool) {
	switch userID {
	case c.StudentID:
		return RoleStudent, true
	case c.TutorID:
		return RoleTutor, true
	}
	return "", false
}

// PendingStatusAfter returns the waiting status once role has signed alone.
func PendingStatusAfter(role SignerRole) ContractStatus {
	if role == RoleStudent {
		return ContractStatusPendingTutorApproval
	}
	return ContractStatusPendingStudentApproval
}

// NormalizeEmail lowercases and trims an address for binding comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ContractSnapshot is the canonical, hashed record of what both parties signed.
type ContractSnapshot struct {
	ContractID             string           `json:"contract_id"`
	Code                   string           `json:"code"`
	ContactRequestID       string           `json:"contact_request_id"`
	StudentID              string           `json:"student_id"`
	TutorID                string           `json:"tutor_id"`
	StudentName            string           `json:"student_name"`
	TutorName              string           `json:"tutor_name"`
	StudentEmail           string           `json:"student_email"`
	TutorEmail             string           `json:"tutor_email"`
	Subject                string           `json:"subject"`
	TotalSessions          int              `json:"total_sessions"`
	PricePerSession        string           `json:"price_per_session"`
	TotalAmount            string           `json:"total_amount"`
	SessionDuration        int              `json:"session_duration"`
	LearningMode           LearningMode     `json:"learning_mode"`
	Schedule               LearningSchedule `json:"schedule"`
	StartDate              string           `json:"start_date"`
	PaymentMethod          PaymentMethod    `json:"payment_method"`
	Installments           int              `json:"installments"`
	DownPayment            string           `json:"down_payment"`
	ContractVersion        int              `json:"contract_version"`
	StudentSignedAt        string           `json:"student_signed_at"`
	TutorSignedAt          string           `json:"tutor_signed_at"`
	StudentSignatureOrigin string           `json:"student_signature_origin"`
	TutorSignatureOrigin   string           `json:"tutor_signature_origin"`
	StudentSignatureToken  string           `json:"student_signature_token"`
	TutorSignatureToken    string           `json:"tutor_signature_token"`
	LockedAt               string           `json:"locked_at"`
}

// CanonicalSnapshot serialises the signed state of the contract. Field order
// is fixed by the struct and all values are rendered as strings in UTC, so
// the same contract always produces the same bytes.
func (c *Contract) CanonicalSnapshot(lockedAt time.Time) ([]byte, error) {
	snap := ContractSnapshot{
		ContractID:             c.ID.String(),
		Code:                   c.Code,
		ContactRequestID:       c.ContactRequestID,
		StudentID:              c.StudentID,
		TutorID:                c.TutorID,
		StudentName:            c.StudentName,
		TutorName:              c.TutorName,
		StudentEmail:           c.StudentEmail,
		TutorEmail:             c.TutorEmail,
		Subject:                c.Subject,
		TotalSessions:          c.TotalSessions,
		PricePerSession:        c.PricePerSession.String(),
		TotalAmount:            c.TotalAmount.String(),
		SessionDuration:        c.SessionDuration,
		LearningMode:           c.LearningMode,
		Schedule:               c.Schedule,
		StartDate:              c.StartDate.UTC().Format(time.DateOnly),
		PaymentMethod:          c.PaymentMethod,
		Installments:           c.Installments,
		DownPayment:            c.DownPayment.String(),
		ContractVersion:        c.ContractVersion,
		StudentSignedAt:        formatTimePtr(c.StudentSignedAt),
		TutorSignedAt:          formatTimePtr(c.TutorSignedAt),
		StudentSignatureOrigin: c.StudentSignatureOrigin,
		TutorSignatureOrigin:   c.TutorSignatureOrigin,
		StudentSignatureToken:  c.StudentSignatureToken,
		TutorSignatureToken:    c.TutorSignatureToken,
		LockedAt:               lockedAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(snap)
}

// ContentHash returns the hex SHA-256 of a snapshot.
func ContentHash(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// VerifySnapshot recomputes the hash of the stored snapshot.
func (c *Contract) VerifySnapshot() bool {
	if !c.IsLocked || c.Snapshot == "" {
		return false
	}
	return ContentHash([]byte(c.Snapshot)) == c.ContentHash
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// DTOs for requests and responses

type PaymentTermsRequest struct {
	Method       PaymentMethod   `json:"method" validate:"required,oneof=FULL INSTALLMENT PER_SESSION"`
	Installments int             `json:"installments" validate:"omitempty,min=0"`
	DownPayment  decimal.Decimal `json:"down_payment"`
}

type ContractTermsRequest struct {
	Subject         string              `json:"subject" validate:"required,max=200"`
	TotalSessions   int                 `json:"total_sessions" validate:"required,gt=0"`
	PricePerSession decimal.Decimal     `json:"price_per_session" validate:"required"`
	SessionDuration int                 `json:"session_duration" validate:"required,gt=0"`
	LearningMode    LearningMode        `json:"learning_mode" validate:"required,oneof=ONLINE OFFLINE"`
	Schedule        LearningSchedule    `json:"schedule" validate:"required"`
	StartDate       time.Time           `json:"start_date" validate:"required"`
	PaymentTerms    PaymentTermsRequest `json:"payment_terms" validate:"required"`
}

type CreateContractRequest struct {
	ContactRequestID string `json:"contact_request_id" validate:"required"`
	StudentID        string `json:"student_id" validate:"required"`
	TutorID          string `json:"tutor_id" validate:"required"`
	StudentName      string `json:"student_name" validate:"required"`
	TutorName        string `json:"tutor_name" validate:"required"`
	StudentEmail     string `json:"student_email" validate:"required,email"`
	TutorEmail       string `json:"tutor_email" validate:"required,email"`
	Draft            bool   `json:"draft"`
	ContractTermsRequest
}

type AmendTermsRequest struct {
	ExpectedVersion int `json:"expected_version" validate:"required,gt=0"`
	ContractTermsRequest
}

type ActorRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ContractResponse struct {
	Contract     *Contract        `json:"contract"`
	Schedule     *PaymentSchedule `json:"schedule,omitempty"`
	Installments []*Installment   `json:"installments,omitempty"`
}

type IntegrityResponse struct {
	ContractID  string `json:"contract_id"`
	ContentHash string `json:"content_hash"`
	Valid       bool   `json:"valid"`
}
