package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GiftCode credits a fixed number of subscription months when redeemed.
// Codes are single-use; FreeOnly codes can only be redeemed by accounts
// with no paid time remaining.
type GiftCode struct {
	Code     string
	Months   decimal.Decimal
	FreeOnly bool
	UsedBy   AccountID
	UsedAt   time.Time
}

// Used reports whether the code has already been redeemed.
func (g GiftCode) Used() bool {
	return g.UsedBy != ""
}
