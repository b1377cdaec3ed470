package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransferState string

const (
	TransferCompleted TransferState = "COMPLETED"
	TransferDeclined  TransferState = "DECLINED"
)

// Terminal reports whether s is one of the final record states.
func (s TransferState) Terminal() bool {
	return s == TransferCompleted || s == TransferDeclined
}

type Account struct {
	ID        string
	Currency  string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransferRequest is the client-supplied instruction. RequestID is the idempotency key.
type TransferRequest struct {
	RequestID       string          `json:"requestId"`
	SourceAccountID string          `json:"sourceAccountId"`
	TargetAccountID string          `json:"targetAccountId"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
}

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Amount bounds. Both fit the NUMERIC columns with room for balance growth.
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 20
)

// ValidCurrency reports whether code is an upper-case 3-letter ISO-4217 code.
func ValidCurrency(code string) bool {
	return currencyCode.MatchString(code)
}

// AmountWithinBounds checks scale and integer digits from the exponent and
// coefficient only, so huge exponents are never expanded into a string.
func AmountWithinBounds(d decimal.Decimal) bool {
	exp := int64(d.Exponent())
	if -exp > MaxAmountScale {
		return false
	}
	return int64(d.NumDigits())+exp <= MaxAmountIntegerDigits
}

// Validate checks the request shape. It does not touch the ledger.
func (r TransferRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.RequestID) == "":
		return invalid("requestId is required")
	case strings.TrimSpace(r.SourceAccountID) == "":
		return invalid("sourceAccountId is required")
	case strings.TrimSpace(r.TargetAccountID) == "":
		return invalid("targetAccountId is required")
	case r.SourceAccountID == r.TargetAccountID:
		return invalid("source and target accounts must differ")
	case !ValidCurrency(r.Currency):
		return invalid("currency must be a 3-letter ISO-4217 code")
	case !r.Amount.IsPositive():
		return invalid("amount must be greater than zero")
	case !AmountWithinBounds(r.Amount):
		return invalid("amount has too many digits")
	}
	return nil
}

// TransferRecord is the persisted, immutable result of one requestId.
type TransferRecord struct {
	ID              string
	RequestID       string
	SourceAccountID string
	TargetAccountID string
	Currency        string
	Amount          decimal.Decimal
	State           TransferState
	RequestHash     string
	CreatedAt       time.Time
}

// Matches reports whether the record was created for the same payload as req.
// Amounts compare by value, so 200 and 200.00 match.
func (t TransferRecord) Matches(req TransferRequest) bool {
	return t.SourceAccountID == req.SourceAccountID &&
		t.TargetAccountID == req.TargetAccountID &&
		t.Currency == req.Currency &&
		t.Amount.Equal(req.Amount)
}

func (t TransferRecord) Outcome() TransferOutcome {
	return TransferOutcome{TransferID: t.ID, State: t.State}
}

type TransferOutcome struct {
	TransferID string        `json:"transferId"`
	State      TransferState `json:"state"`
}

// =========================
// Wire shapes
// =========================

type TransferResponse struct {
	TransferID string `json:"transferId,omitempty"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
}

type BalanceResponse struct {
	AccountID string          `json:"accountId"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type TransferRecordResponse struct {
	TransferID      string          `json:"transferId"`
	RequestID       string          `json:"requestId"`
	SourceAccountID string          `json:"sourceAccountId"`
	TargetAccountID string          `json:"targetAccountId"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	State           TransferState   `json:"state"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func NewTransferRecordResponse(t TransferRecord) TransferRecordResponse {
	return TransferRecordResponse{
		TransferID:      t.ID,
		RequestID:       t.RequestID,
		SourceAccountID: t.SourceAccountID,
		TargetAccountID: t.TargetAccountID,
		Currency:        t.Currency,
		Amount:          t.Amount,
		State:           t.State,
		CreatedAt:       t.CreatedAt,
	}
}
