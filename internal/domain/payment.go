package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentSource tags which of the two configured channels observed a
// payment. The (Source, ExternalID) pair is the idempotency key.
type PaymentSource string

const (
	// CryptoChannel is the on-chain deposit channel; ExternalID is the txid.
	CryptoChannel PaymentSource = "crypto"
	// WebhookChannel is the provider-notification channel; ExternalID is
	// the provider transaction id.
	WebhookChannel PaymentSource = "webhook"
)

// Payment is an externally observed payment submitted to the ledger by
// one of the watchers.
type Payment struct {
	Source     PaymentSource
	ExternalID string
	AccountID  AccountID
	Amount     decimal.Decimal
	Currency   string
}

// PaymentRecord is the append-only persisted form of a Payment.
// CreditedAt stays zero until the ledger has applied its effect, and is
// set exactly once.
type PaymentRecord struct {
	ID         string
	Source     PaymentSource
	ExternalID string
	AccountID  AccountID
	Amount     decimal.Decimal
	Currency   string
	CreditedAt time.Time
}

// Credited reports whether the record's effect has been applied.
func (r PaymentRecord) Credited() bool {
	return !r.CreditedAt.IsZero()
}

// secondsPerMonth uses a fixed 30-day month. Fractional months are
// converted exactly and truncated to whole seconds.
var secondsPerMonth = decimal.NewFromInt(30 * 24 * 60 * 60)

// MonthsToDuration converts a (possibly fractional) number of
// subscription months into a duration.
func MonthsToDuration(months decimal.Decimal) time.Duration {
	seconds := months.Mul(secondsPerMonth).IntPart()
	return time.Duration(seconds) * time.Second
}

// SubscriptionChange is emitted by the ledger after every successful
// credit so the certificate issuer can react.
type SubscriptionChange struct {
	AccountID    AccountID
	BalanceUntil time.Time
	CreditedAt   time.Time
}
