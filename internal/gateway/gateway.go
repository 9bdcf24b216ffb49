// Package gateway adapts the external payment provider: it builds signed
// redirect URLs and verifies the callbacks the provider sends back.
package gateway

import (
	"errors"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
)

// Gateway is the provider abstraction used by the reconciliation engine.
type Gateway interface {
	// BuildPaymentURL returns the signed checkout URL for one payment.
	BuildPaymentURL(req PaymentURLRequest) (string, error)

	// Verify checks the integrity token of a callback and parses it.
	Verify(params url.Values) (*VerifiedResult, error)

	// Parse reads a callback without checking its integrity token. Only
	// callbacks that were verified when first received may go through it.
	Parse(params url.Values) (*VerifiedResult, error)
}

type PaymentURLRequest struct {
	OrderRef    string
	Amount      decimal.Decimal
	Description string
	ClientIP    string
	Locale      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// VerifiedResult is a parsed gateway callback. ResponseCode and
// TransactionStatus are reported separately by the provider; only
// TransactionStatus decides whether money moved.
type VerifiedResult struct {
	OrderRef          string
	Amount            decimal.Decimal
	TransactionNo     string
	ResponseCode      string
	TransactionStatus string
	BankCode          string
	PaidAt            time.Time
	Payload           string
}

const transactionStatusSuccess = "00"

func (r *VerifiedResult) Success() bool {
	return r.TransactionStatus == transactionStatusSuccess
}

// Outcome converts the result into the metadata stored on the payment.
func (r *VerifiedResult) Outcome(at time.Time, reason string) domain.GatewayOutcome {
	return domain.GatewayOutcome{
		TransactionNo:     r.TransactionNo,
		ResponseCode:      r.ResponseCode,
		TransactionStatus: r.TransactionStatus,
		BankCode:          r.BankCode,
		Payload:           r.Payload,
		Reason:            reason,
		At:                at,
	}
}

// IPN reply codes understood by the provider.
const (
	AckConfirmed        = "00"
	AckOrderNotFound    = "01"
	AckAlreadyConfirmed = "02"
	AckInvalidAmount    = "04"
	AckInvalidSignature = "97"
	AckUnknownError     = "99"
)

// IPNAck is the body the provider expects in reply to a callback.
type IPNAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// Acknowledge maps the outcome of a settlement to the provider reply.
// Any reply other than 99 stops the provider from retrying.
func Acknowledge(result *domain.SettlementResult, err error) IPNAck {
	switch {
	case err == nil && result != nil && result.Duplicate:
		return IPNAck{RspCode: AckAlreadyConfirmed, Message: "Order already confirmed"}
	case err == nil:
		return IPNAck{RspCode: AckConfirmed, Message: "Confirm Success"}
	case errors.Is(err, customError.ErrIntegrity):
		return IPNAck{RspCode: AckInvalidSignature, Message: "Invalid signature"}
	case errors.Is(err, customError.ErrNotFound):
		return IPNAck{RspCode: AckOrderNotFound, Message: "Order not found"}
	case errors.Is(err, customError.ErrAmountMismatch):
		return IPNAck{RspCode: AckInvalidAmount, Message: "Invalid amount"}
	case errors.Is(err, customError.ErrPaymentTerminal):
		return IPNAck{RspCode: AckAlreadyConfirmed, Message: "Order already confirmed"}
	default:
		return IPNAck{RspCode: AckUnknownError, Message: "Unknown error"}
	}
}
