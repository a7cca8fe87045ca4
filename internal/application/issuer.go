package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/metrics"
	"github.com/bnema/vpnledger/internal/ports"
)

type IssuerConfig struct {
	GraceWindow        time.Duration
	MaxIssuanceWindow  time.Duration
	ExpiryNoticeWindow time.Duration
	Gateway            GatewayConfig
}

// CertificateIssuer owns certificate lifecycle: it reacts to
// subscription changes by issuing, and its periodic sweep revokes
// credentials of expired accounts and regenerates the CRL. Serial
// assignment and signing run under a single-writer mutex.
type CertificateIssuer struct {
	accounts ports.AccountRepository
	certs    ports.CertificateRepository
	signer   ports.CertificateSigner
	notifier ports.Notifier
	clock    ports.Clock
	cfg      IssuerConfig
	logger   *slog.Logger

	signMu  sync.Mutex
	healthy atomic.Bool
}

func NewCertificateIssuer(accounts ports.AccountRepository, certs ports.CertificateRepository, signer ports.CertificateSigner, notifier ports.Notifier, clock ports.Clock, cfg IssuerConfig, logger *slog.Logger) *CertificateIssuer {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	issuer := &CertificateIssuer{
		accounts: accounts,
		certs:    certs,
		signer:   signer,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	issuer.healthy.Store(true)

	return issuer
}

// Healthy reports whether the signer is still trusted. It turns false
// after a signing failure and stays false until restart.
func (i *CertificateIssuer) Healthy() bool {
	return i.healthy.Load()
}

// Run consumes subscription-change events until the context is
// canceled. Handling one account never blocks handling another beyond
// the signing mutex.
func (i *CertificateIssuer) Run(ctx context.Context, events <-chan domain.SubscriptionChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-events:
			if !ok {
				return nil
			}
			if err := i.EnsureCurrent(ctx, change.AccountID); err != nil {
				i.logger.Error("handle subscription change", "account", change.AccountID, "error", err)
			}
		}
	}
}

// EnsureCurrent issues a certificate for the account if it is entitled
// to one and holds no current credential. Safe to call repeatedly.
func (i *CertificateIssuer) EnsureCurrent(ctx context.Context, id domain.AccountID) error {
	if !i.healthy.Load() {
		return domain.ErrSignerUnavailable
	}

	account, err := i.accounts.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}

	now := i.clock.Now()
	state := account.StateAt(now, i.cfg.GraceWindow)
	if state == domain.StateExpired {
		return nil
	}

	if _, err := i.certs.CurrentForAccount(ctx, id, now); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrCertificateNotFound) {
		return fmt.Errorf("look up current certificate: %w", err)
	}

	notAfter := account.BalanceUntil
	if horizon := now.Add(i.cfg.MaxIssuanceWindow); horizon.Before(notAfter) {
		notAfter = horizon
	}
	if !notAfter.After(now) {
		// A grace-state account with no live credential gets nothing
		// new; its old certificate is merely tolerated until revocation.
		return nil
	}

	return i.issue(ctx, account, now, notAfter)
}

func (i *CertificateIssuer) issue(ctx context.Context, account domain.Account, now, notAfter time.Time) error {
	i.signMu.Lock()
	defer i.signMu.Unlock()

	serial, err := i.certs.NextSerial(ctx)
	if err != nil {
		return fmt.Errorf("assign serial: %w", err)
	}

	record := domain.CertificateRecord{
		Serial:     serial,
		AccountID:  account.ID,
		CommonName: string(account.ID),
		NotBefore:  now,
		NotAfter:   notAfter,
	}

	record.CertPEM, record.KeyPEM, err = i.signer.Sign(ports.SignRequest{
		Serial:     serial,
		CommonName: record.CommonName,
		NotBefore:  record.NotBefore,
		NotAfter:   record.NotAfter,
	})
	if err != nil {
		// A failing signer means the CA key is gone or corrupt; keep
		// serving existing certificates but refuse further issuance.
		i.healthy.Store(false)
		i.alert(ctx, "certificate signing failure", fmt.Sprintf("signing serial %d for %s failed: %v", serial, account.ID, err))
		return fmt.Errorf("sign certificate: %w", errors.Join(domain.ErrSignerUnavailable, err))
	}

	if err := i.certs.Insert(ctx, record); err != nil {
		return fmt.Errorf("persist certificate record: %w", err)
	}

	metrics.CertificatesIssuedTotal.Inc()
	i.logger.Info("certificate issued",
		"serial", serial,
		"account", account.ID,
		"not_after", notAfter)

	return nil
}

// Sweep covers accounts that lapse without producing any event: it
// revokes credentials of expired accounts, issues catch-up credentials
// for active accounts that missed an event, sends one expiry notice per
// lapse, and regenerates the CRL.
func (i *CertificateIssuer) Sweep(ctx context.Context) error {
	accounts, err := i.accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	now := i.clock.Now()
	var errs []error
	for _, account := range accounts {
		switch account.StateAt(now, i.cfg.GraceWindow) {
		case domain.StateExpired:
			if err := i.revokeAll(ctx, account.ID, now); err != nil {
				errs = append(errs, err)
			}
		case domain.StateActive:
			if err := i.EnsureCurrent(ctx, account.ID); err != nil && !errors.Is(err, domain.ErrSignerUnavailable) {
				errs = append(errs, err)
			}
			if i.cfg.ExpiryNoticeWindow > 0 && !account.BalanceUntil.After(now.Add(i.cfg.ExpiryNoticeWindow)) {
				if err := i.notifyExpiry(ctx, account, now); err != nil {
					errs = append(errs, err)
				}
			}
		case domain.StateGrace:
			if err := i.notifyExpiry(ctx, account, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := i.regenerateCRL(ctx, now); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (i *CertificateIssuer) revokeAll(ctx context.Context, id domain.AccountID, now time.Time) error {
	certs, err := i.certs.UnrevokedForAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("list unrevoked certificates for %s: %w", id, err)
	}

	for _, cert := range certs {
		i.signMu.Lock()
		err := i.certs.Revoke(ctx, cert.Serial, now)
		i.signMu.Unlock()
		if err != nil {
			return fmt.Errorf("revoke serial %d: %w", cert.Serial, err)
		}
		metrics.CertificatesRevokedTotal.Inc()
		i.logger.Info("certificate revoked", "serial", cert.Serial, "account", id)
	}

	return nil
}

// RevokeAccount is the administrative revocation path: it immediately
// revokes every unrevoked credential of the account and regenerates the
// CRL, regardless of subscription state.
func (i *CertificateIssuer) RevokeAccount(ctx context.Context, id domain.AccountID) error {
	now := i.clock.Now()
	if err := i.revokeAll(ctx, id, now); err != nil {
		return err
	}
	return i.regenerateCRL(ctx, now)
}

func (i *CertificateIssuer) regenerateCRL(ctx context.Context, now time.Time) error {
	revoked, err := i.certs.ListRevoked(ctx)
	if err != nil {
		return fmt.Errorf("list revoked certificates: %w", err)
	}

	i.signMu.Lock()
	defer i.signMu.Unlock()
	if err := i.signer.WriteCRL(revoked, now); err != nil {
		return fmt.Errorf("write revocation list: %w", err)
	}

	return nil
}

// notifyExpiry sends at most one notice per paid period: eligibility
// opens ExpiryNoticeWindow before balance_until, and the stored
// last_expiry_notice closes it again until a payment moves
// balance_until forward.
func (i *CertificateIssuer) notifyExpiry(ctx context.Context, account domain.Account, now time.Time) error {
	if !account.LastExpiryNotice.Before(account.BalanceUntil.Add(-i.cfg.ExpiryNoticeWindow)) {
		return nil
	}

	subject := "subscription expiring soon"
	message := fmt.Sprintf("account %s is paid through %s", account.ID, account.BalanceUntil.Format(time.RFC3339))
	if !account.BalanceUntil.After(now) {
		subject = "subscription lapsed"
		message = fmt.Sprintf("account %s lapsed at %s and is in its grace window", account.ID, account.BalanceUntil.Format(time.RFC3339))
	}
	i.alert(ctx, subject, message)

	if err := i.accounts.MarkExpiryNotified(ctx, account.ID, now); err != nil {
		return fmt.Errorf("mark expiry notified for %s: %w", account.ID, err)
	}

	return nil
}

// Bundle renders the client credential bundle for the account's current
// certificate.
func (i *CertificateIssuer) Bundle(ctx context.Context, id domain.AccountID) (string, error) {
	cert, err := i.certs.CurrentForAccount(ctx, id, i.clock.Now())
	if err != nil {
		return "", fmt.Errorf("current certificate for %s: %w", id, err)
	}

	return RenderBundle(i.signer.CACertPEM(), cert, i.cfg.Gateway), nil
}

func (i *CertificateIssuer) alert(ctx context.Context, subject, message string) {
	if i.notifier == nil {
		return
	}
	if err := i.notifier.Alert(ctx, subject, message); err != nil {
		i.logger.Error("send operator alert", "subject", subject, "error", err)
	}
}
