package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/metrics"
	"github.com/bnema/vpnledger/internal/ports"
)

type WatcherConfig struct {
	PollInterval          time.Duration
	ConfirmationThreshold int
	FailureAlertThreshold int
	Currency              string
}

// BitcoinWatcher polls the node wallet for deposits, waits for the
// confirmation threshold, and submits each confirmed transaction to the
// ledger exactly once. The ledger's (source, txid) dedupe is the second
// line of defense behind the watcher's own reported-set.
type BitcoinWatcher struct {
	chain    ports.ChainRPC
	accounts ports.AccountRepository
	ledger   *Ledger
	cursor   ports.CursorStore
	notifier ports.Notifier
	clock    ports.Clock
	cfg      WatcherConfig
	logger   *slog.Logger

	reported   map[string]struct{}
	newBackoff func() backoff.BackOff
}

func NewBitcoinWatcher(chain ports.ChainRPC, accounts ports.AccountRepository, ledger *Ledger, cursor ports.CursorStore, notifier ports.Notifier, clock ports.Clock, cfg WatcherConfig, logger *slog.Logger) *BitcoinWatcher {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BitcoinWatcher{
		chain:    chain,
		accounts: accounts,
		ledger:   ledger,
		cursor:   cursor,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		reported: map[string]struct{}{},
		newBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

// Run polls until the context is canceled. Node unreachability is a
// liveness problem, never fatal: each cycle retries with exponential
// backoff, and one operator alert goes out after the configured number
// of consecutive failed cycles.
func (w *BitcoinWatcher) Run(ctx context.Context) error {
	cur, err := w.cursor.Load(ctx)
	if err != nil {
		w.logger.Warn("load chain cursor, starting from wallet beginning", "error", err)
		cur = ports.ChainCursor{}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		if err := w.pollWithBackoff(ctx, &cur); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			consecutive++
			metrics.ChainPollFailuresTotal.Inc()
			w.logger.Warn("chain poll cycle failed", "consecutive", consecutive, "error", err)
			if consecutive == w.cfg.FailureAlertThreshold {
				w.alert(ctx, "bitcoin watcher degraded",
					fmt.Sprintf("%d consecutive poll cycles failed, last error: %v", consecutive, err))
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *BitcoinWatcher) pollWithBackoff(ctx context.Context, cur *ports.ChainCursor) error {
	bo := backoff.WithContext(w.newBackoff(), ctx)
	return backoff.Retry(func() error {
		return w.poll(ctx, cur)
	}, bo)
}

// poll runs one cycle. The cursor only advances after every confirmed
// transaction in the listing has been handled, so a failed cycle is
// replayed in full on the next attempt.
func (w *BitcoinWatcher) poll(ctx context.Context, cur *ports.ChainCursor) error {
	listing, err := w.chain.ListSinceBlock(ctx, cur.LastBlock, w.cfg.ConfirmationThreshold)
	if err != nil {
		return fmt.Errorf("list transactions since block: %w", err)
	}

	for _, tx := range listing.Transactions {
		if tx.Category != "receive" {
			continue
		}
		if tx.Confirmations < int64(w.cfg.ConfirmationThreshold) {
			// Held until the next cycle; the cursor stays shallow
			// enough that it reappears.
			continue
		}
		if _, done := w.reported[tx.TxID]; done {
			continue
		}

		if err := w.submit(ctx, tx); err != nil {
			return err
		}
		w.reported[tx.TxID] = struct{}{}
	}

	cur.LastBlock = listing.LastBlock
	cur.UpdatedAt = w.clock.Now()
	if err := w.cursor.Save(ctx, *cur); err != nil {
		return fmt.Errorf("save chain cursor: %w", err)
	}

	return nil
}

func (w *BitcoinWatcher) submit(ctx context.Context, tx ports.WalletTransaction) error {
	accountID, err := w.accounts.AccountForAddress(ctx, tx.Address)
	if errors.Is(err, domain.ErrAddressNotFound) {
		// A deposit to an address the web layer never handed out. Not
		// retryable; flag it for the operator and move on.
		w.logger.Error("deposit to unknown address", "txid", tx.TxID, "address", tx.Address)
		w.alert(ctx, "unattributable deposit",
			fmt.Sprintf("transaction %s paid %s to unknown address %s", tx.TxID, tx.Amount, tx.Address))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve deposit address %s: %w", tx.Address, err)
	}

	_, err = w.ledger.RecordPayment(ctx, domain.Payment{
		Source:     domain.CryptoChannel,
		ExternalID: tx.TxID,
		AccountID:  accountID,
		Amount:     tx.Amount,
		Currency:   w.cfg.Currency,
	})
	if errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrCurrencyMismatch) {
		// Permanently rejected; replaying it every cycle would wedge
		// the watcher.
		w.logger.Error("crypto payment rejected", "txid", tx.TxID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record crypto payment %s: %w", tx.TxID, err)
	}

	return nil
}

func (w *BitcoinWatcher) alert(ctx context.Context, subject, message string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Alert(ctx, subject, message); err != nil {
		w.logger.Error("send operator alert", "subject", subject, "error", err)
	}
}
