package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segyhp/tutoring-contracts/internal/config"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
	"github.com/segyhp/tutoring-contracts/pkg/utils"
)

const (
	vnpVersion    = "2.1.0"
	vnpCommand    = "pay"
	vnpCurrency   = "VND"
	vnpOrderType  = "other"
	vnpTimeLayout = "20060102150405"
	defaultLocale = "vn"

	paramPrefix     = "vnp_"
	paramSecureHash = "vnp_SecureHash"
	paramHashType   = "vnp_SecureHashType"
)

// VNPay signs requests with HMAC-SHA512 over the sorted, query-escaped
// parameter list and transmits amounts in hundredths of a currency unit.
type VNPay struct {
	tmnCode    string
	hashSecret []byte
	payURL     string
	returnURL  string
	location   *time.Location
	multiplier int64
}

func NewVNPay(cfg config.GatewayConfig) (*VNPay, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load gateway timezone: %w", err)
	}
	if cfg.AmountMultiplier <= 0 {
		return nil, fmt.Errorf("gateway amount multiplier must be positive")
	}

	return &VNPay{
		tmnCode:    cfg.TmnCode,
		hashSecret: []byte(cfg.HashSecret),
		payURL:     cfg.PayURL,
		returnURL:  cfg.ReturnURL,
		location:   loc,
		multiplier: cfg.AmountMultiplier,
	}, nil
}

func (g *VNPay) BuildPaymentURL(req PaymentURLRequest) (string, error) {
	if req.OrderRef == "" {
		return "", fmt.Errorf("order reference is required")
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("amount must be positive, got %s", req.Amount)
	}

	locale := req.Locale
	if locale == "" {
		locale = defaultLocale
	}

	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", vnpCommand)
	params.Set("vnp_TmnCode", g.tmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(utils.ToSmallestUnit(req.Amount, g.multiplier), 10))
	params.Set("vnp_CurrCode", vnpCurrency)
	params.Set("vnp_TxnRef", req.OrderRef)
	params.Set("vnp_OrderInfo", req.Description)
	params.Set("vnp_OrderType", vnpOrderType)
	params.Set("vnp_Locale", locale)
	params.Set("vnp_ReturnUrl", g.returnURL)
	params.Set("vnp_IpAddr", req.ClientIP)
	params.Set("vnp_CreateDate", req.CreatedAt.In(g.location).Format(vnpTimeLayout))
	params.Set("vnp_ExpireDate", req.ExpiresAt.In(g.location).Format(vnpTimeLayout))

	encoded := params.Encode()
	return g.payURL + "?" + encoded + "&" + paramSecureHash + "=" + g.sign(encoded), nil
}

func (g *VNPay) Verify(params url.Values) (*VerifiedResult, error) {
	received := params.Get(paramSecureHash)
	if received == "" {
		return nil, customError.WrapInvalidSignature()
	}

	expected := g.sign(signedParams(params).Encode())
	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		return nil, customError.WrapInvalidSignature()
	}

	return g.Parse(params)
}

func (g *VNPay) Parse(params url.Values) (*VerifiedResult, error) {
	orderRef := params.Get("vnp_TxnRef")
	if orderRef == "" {
		return nil, customError.WrapValidation(fmt.Errorf("callback has no order reference"))
	}

	amount, err := strconv.ParseInt(params.Get("vnp_Amount"), 10, 64)
	if err != nil {
		return nil, customError.WrapValidation(fmt.Errorf("callback amount %q is not an integer", params.Get("vnp_Amount")))
	}

	result := &VerifiedResult{
		OrderRef:          orderRef,
		Amount:            utils.FromSmallestUnit(amount, g.multiplier),
		TransactionNo:     params.Get("vnp_TransactionNo"),
		ResponseCode:      params.Get("vnp_ResponseCode"),
		TransactionStatus: params.Get("vnp_TransactionStatus"),
		BankCode:          params.Get("vnp_BankCode"),
		Payload:           params.Encode(),
	}

	if payDate := params.Get("vnp_PayDate"); payDate != "" {
		if t, err := time.ParseInLocation(vnpTimeLayout, payDate, g.location); err == nil {
			result.PaidAt = t
		}
	}

	return result, nil
}

// SignCallback returns a copy of params carrying the integrity token the
// provider would attach. Used to replay callbacks against a sandbox.
func (g *VNPay) SignCallback(params url.Values) url.Values {
	signed := signedParams(params)
	signed.Set(paramSecureHash, g.sign(signed.Encode()))
	return signed
}

func (g *VNPay) sign(data string) string {
	mac := hmac.New(sha512.New, g.hashSecret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedParams keeps the non-empty provider fields covered by the hash.
func signedParams(params url.Values) url.Values {
	out := url.Values{}
	for key, values := range params {
		if !strings.HasPrefix(key, paramPrefix) || key == paramSecureHash || key == paramHashType {
			continue
		}
		if len(values) == 0 || values[0] == "" {
			continue
		}
		out.Set(key, values[0])
	}
	return out
}
