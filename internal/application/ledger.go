package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/metrics"
	"github.com/bnema/vpnledger/internal/ports"
)

// ChannelPolicy is the fixed pricing for one payment channel.
type ChannelPolicy struct {
	MonthPrice decimal.Decimal
	Currency   string
}

type LedgerConfig struct {
	Channels      map[domain.PaymentSource]ChannelPolicy
	ReferralBonus time.Duration
}

// CreditResult reports what RecordPayment did. Credited is false for
// idempotent replays of an already-credited payment.
type CreditResult struct {
	Credited     bool
	BalanceUntil time.Time
}

// Ledger is the sole writer of account balances and payment credit
// marks. Updates to one account are serialized behind a per-account
// mutex; accounts never block each other.
type Ledger struct {
	accounts  ports.AccountRepository
	payments  ports.PaymentRepository
	giftCodes ports.GiftCodeRepository
	clock     ports.Clock
	cfg       LedgerConfig
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[domain.AccountID]*sync.Mutex

	subsMu sync.RWMutex
	subs   []chan domain.SubscriptionChange
}

func NewLedger(accounts ports.AccountRepository, payments ports.PaymentRepository, giftCodes ports.GiftCodeRepository, clock ports.Clock, cfg LedgerConfig, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		accounts:  accounts,
		payments:  payments,
		giftCodes: giftCodes,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		locks:     map[domain.AccountID]*sync.Mutex{},
	}
}

// Subscribe returns a channel of subscription-change events. Events are
// delivered best-effort: a full subscriber queue drops the event, and
// the issuer sweep reconciles anything missed.
func (l *Ledger) Subscribe(buffer int) <-chan domain.SubscriptionChange {
	ch := make(chan domain.SubscriptionChange, buffer)

	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subs = append(l.subs, ch)

	return ch
}

// RecordPayment applies one externally observed payment exactly once.
// Replays of an already-credited (source, external id) pair succeed
// without effect. The balance advance is anchored to max(now, previous
// balance), so a payment after expiry starts the period at the moment
// of payment.
func (l *Ledger) RecordPayment(ctx context.Context, payment domain.Payment) (CreditResult, error) {
	start := l.clock.Now()
	defer func() {
		metrics.LedgerCreditDuration.Observe(l.clock.Now().Sub(start).Seconds())
	}()

	policy, ok := l.cfg.Channels[payment.Source]
	if !ok {
		return CreditResult{}, fmt.Errorf("no channel policy for source %q", payment.Source)
	}
	if !payment.Amount.IsPositive() {
		metrics.PaymentsRejectedTotal.WithLabelValues(string(payment.Source), "amount").Inc()
		return CreditResult{}, domain.ErrInvalidAmount
	}
	if payment.Currency != policy.Currency {
		metrics.PaymentsRejectedTotal.WithLabelValues(string(payment.Source), "currency").Inc()
		return CreditResult{}, domain.ErrCurrencyMismatch
	}

	months := payment.Amount.Div(policy.MonthPrice)
	duration := domain.MonthsToDuration(months)

	var (
		result   CreditResult
		change   domain.SubscriptionChange
		referrer domain.AccountID
	)

	err := l.withAccountLock(payment.AccountID, func() error {
		existing, err := l.payments.GetBySource(ctx, payment.Source, payment.ExternalID)
		switch {
		case err == nil && existing.Credited():
			metrics.PaymentsDuplicateTotal.WithLabelValues(string(payment.Source)).Inc()
			account, err := l.accounts.GetByID(ctx, payment.AccountID)
			if err != nil {
				return fmt.Errorf("get account for duplicate payment: %w", err)
			}
			result = CreditResult{Credited: false, BalanceUntil: account.BalanceUntil}
			return nil
		case err == nil:
			// Recorded but never credited, e.g. a crash between insert
			// and credit. Fall through and credit it now.
		case errors.Is(err, domain.ErrPaymentNotFound):
			existing = domain.PaymentRecord{
				ID:         uuid.NewString(),
				Source:     payment.Source,
				ExternalID: payment.ExternalID,
				AccountID:  payment.AccountID,
				Amount:     payment.Amount,
				Currency:   payment.Currency,
			}
			if err := l.payments.Create(ctx, existing); err != nil {
				return fmt.Errorf("create payment record: %w", err)
			}
		default:
			return fmt.Errorf("look up payment record: %w", err)
		}

		now := l.clock.Now()
		account, err := l.accounts.GetByID(ctx, payment.AccountID)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}

		account.BalanceUntil = advance(account.BalanceUntil, now, duration)

		first, err := l.isFirstCredit(ctx, account)
		if err != nil {
			return err
		}
		if first && account.ReferrerID != "" {
			referrer = account.ReferrerID
			account.ReferrerID = ""
		}

		if err := l.accounts.Save(ctx, account); err != nil {
			return fmt.Errorf("save account balance: %w", err)
		}
		if err := l.payments.MarkCredited(ctx, existing.ID, now); err != nil {
			return fmt.Errorf("mark payment credited: %w", err)
		}

		metrics.PaymentsCreditedTotal.WithLabelValues(string(payment.Source)).Inc()
		result = CreditResult{Credited: true, BalanceUntil: account.BalanceUntil}
		change = domain.SubscriptionChange{
			AccountID:    account.ID,
			BalanceUntil: account.BalanceUntil,
			CreditedAt:   now,
		}
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}

	if result.Credited {
		l.logger.Info("payment credited",
			"source", payment.Source,
			"external_id", payment.ExternalID,
			"account", payment.AccountID,
			"amount", payment.Amount.String(),
			"balance_until", result.BalanceUntil)
		l.emit(change)
	}

	// The referrer bonus is granted outside the payer's critical
	// section; two accounts referring each other must not deadlock.
	if referrer != "" {
		if err := l.grantReferralBonus(ctx, referrer); err != nil {
			l.logger.Error("grant referral bonus", "referrer", referrer, "error", err)
		}
	}

	return result, nil
}

// Redeem applies a gift code to an account through the same anchored
// credit path as payments. Codes are single-use.
func (l *Ledger) Redeem(ctx context.Context, code string, accountID domain.AccountID) (CreditResult, error) {
	var (
		result CreditResult
		change domain.SubscriptionChange
	)

	err := l.withAccountLock(accountID, func() error {
		gift, err := l.giftCodes.GetByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("look up gift code: %w", err)
		}
		if gift.Used() {
			return domain.ErrGiftCodeUsed
		}

		now := l.clock.Now()
		account, err := l.accounts.GetByID(ctx, accountID)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if gift.FreeOnly && account.IsPaidAt(now) {
			return domain.ErrGiftCodeFreeOnly
		}

		if err := l.giftCodes.MarkUsed(ctx, code, accountID, now); err != nil {
			return fmt.Errorf("claim gift code: %w", err)
		}

		account.BalanceUntil = advance(account.BalanceUntil, now, domain.MonthsToDuration(gift.Months))
		if err := l.accounts.Save(ctx, account); err != nil {
			return fmt.Errorf("save account balance: %w", err)
		}

		result = CreditResult{Credited: true, BalanceUntil: account.BalanceUntil}
		change = domain.SubscriptionChange{
			AccountID:    accountID,
			BalanceUntil: account.BalanceUntil,
			CreditedAt:   now,
		}
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}

	l.logger.Info("gift code redeemed", "code", code, "account", accountID, "balance_until", result.BalanceUntil)
	l.emit(change)

	return result, nil
}

// StateOf derives the subscription state of an account.
func (l *Ledger) StateOf(account domain.Account, grace time.Duration) domain.SubscriptionState {
	return account.StateAt(l.clock.Now(), grace)
}

func (l *Ledger) grantReferralBonus(ctx context.Context, id domain.AccountID) error {
	var change domain.SubscriptionChange

	err := l.withAccountLock(id, func() error {
		now := l.clock.Now()
		account, err := l.accounts.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("get referrer account: %w", err)
		}

		account.BalanceUntil = advance(account.BalanceUntil, now, l.cfg.ReferralBonus)
		if err := l.accounts.Save(ctx, account); err != nil {
			return fmt.Errorf("save referrer balance: %w", err)
		}

		change = domain.SubscriptionChange{
			AccountID:    id,
			BalanceUntil: account.BalanceUntil,
			CreditedAt:   now,
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("referral bonus granted", "account", id, "bonus", l.cfg.ReferralBonus)
	l.emit(change)

	return nil
}

// isFirstCredit is evaluated before the current payment is marked
// credited, so a zero count means this credit is the account's first.
func (l *Ledger) isFirstCredit(ctx context.Context, account domain.Account) (bool, error) {
	if account.ReferrerID == "" {
		return false, nil
	}
	count, err := l.payments.CountCreditedForAccount(ctx, account.ID)
	if err != nil {
		return false, fmt.Errorf("count credited payments: %w", err)
	}
	return count == 0, nil
}

// withAccountLock serializes the read-modify-write of one account's
// balance. Locks are per account; crediting one account never waits on
// another.
func (l *Ledger) withAccountLock(id domain.AccountID, fn func() error) error {
	l.locksMu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	l.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (l *Ledger) emit(change domain.SubscriptionChange) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()

	for _, ch := range l.subs {
		select {
		case ch <- change:
		default:
			metrics.SubscriptionEventsDroppedTotal.Inc()
		}
	}
}

// advance moves the paid-through date forward by duration, anchored to
// now when the previous date has already lapsed.
func advance(balanceUntil, now time.Time, duration time.Duration) time.Time {
	base := balanceUntil
	if base.Before(now) {
		base = now
	}
	return base.Add(duration)
}
