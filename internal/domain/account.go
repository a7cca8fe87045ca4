package domain

import "time"

type AccountID string

type SubscriptionState string

const (
	// StateActive means the account is paid up and entitled to a credential.
	StateActive SubscriptionState = "active"
	// StateGrace means paid time has lapsed but the grace window has not.
	StateGrace SubscriptionState = "grace"
	// StateExpired means paid time and the grace window have both lapsed.
	StateExpired SubscriptionState = "expired"
)

// Account is one subscriber. BalanceUntil is the paid-through date; the
// zero value means the account has never been credited.
type Account struct {
	ID               AccountID
	BalanceUntil     time.Time
	ReferrerID       AccountID
	LastExpiryNotice time.Time
	CreatedAt        time.Time
}

// StateAt derives the subscription state from BalanceUntil. It is never
// stored. Grace is the configured window after expiry during which a
// credential stays tolerated.
func (a Account) StateAt(now time.Time, grace time.Duration) SubscriptionState {
	switch {
	case a.BalanceUntil.After(now):
		return StateActive
	case !a.BalanceUntil.IsZero() && now.Sub(a.BalanceUntil) <= grace:
		return StateGrace
	default:
		return StateExpired
	}
}

// IsPaidAt reports whether the account has paid time remaining.
func (a Account) IsPaidAt(now time.Time) bool {
	return a.BalanceUntil.After(now)
}
