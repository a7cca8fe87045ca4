package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/metrics"
	"github.com/bnema/vpnledger/internal/ports"
)

type IPNConfig struct {
	Receiver string
	Currency string
}

// ErrInconclusiveVerification marks a verification round-trip that
// neither passed nor failed. The notification must be dropped without
// effect; the provider redelivers on its own schedule.
var ErrInconclusiveVerification = fmt.Errorf("verification round-trip inconclusive")

// IPNService admits provider payment notifications. No field of a
// payload is trusted before the synchronous verification round-trip
// confirms it, and even a verified payload is rejected unless status,
// receiver, and currency all match the configured channel.
type IPNService struct {
	verifier ports.IPNVerifier
	ledger   *Ledger
	cfg      IPNConfig
	logger   *slog.Logger
}

func NewIPNService(verifier ports.IPNVerifier, ledger *Ledger, cfg IPNConfig, logger *slog.Logger) *IPNService {
	if logger == nil {
		logger = slog.Default()
	}

	return &IPNService{
		verifier: verifier,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process handles one delivered notification payload. The caller
// responds 200 to the provider regardless of the returned error, which
// exists for logging and tests.
func (s *IPNService) Process(ctx context.Context, payload []byte) error {
	verification, err := s.verifier.Verify(ctx, payload)
	metrics.IPNVerificationsTotal.WithLabelValues(verification.String()).Inc()

	switch verification {
	case domain.VerificationVerified:
	case domain.VerificationRejected:
		s.logger.Warn("ipn payload rejected by provider")
		return fmt.Errorf("provider rejected payload")
	default:
		// Timeouts and transport failures arrive here with a non-nil
		// err; both must surface as inconclusive so the caller asks the
		// provider to redeliver instead of acknowledging.
		if err != nil {
			return fmt.Errorf("verification round-trip: %w", errors.Join(ErrInconclusiveVerification, err))
		}
		return ErrInconclusiveVerification
	}

	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return fmt.Errorf("parse verified payload: %w", err)
	}

	if status := values.Get("payment_status"); !strings.EqualFold(status, "completed") {
		s.logger.Info("ipn ignored, payment not completed", "status", status, "txn_id", values.Get("txn_id"))
		return nil
	}

	// A verified payload can still have been verified against someone
	// else's receiver. Never credit unless it is ours.
	if receiver := values.Get("receiver_email"); !strings.EqualFold(receiver, s.cfg.Receiver) {
		metrics.PaymentsRejectedTotal.WithLabelValues(string(domain.WebhookChannel), "receiver").Inc()
		s.logger.Warn("ipn receiver mismatch", "receiver", receiver, "txn_id", values.Get("txn_id"))
		return fmt.Errorf("receiver %q does not match configured receiver", receiver)
	}

	txnID := values.Get("txn_id")
	if txnID == "" {
		return fmt.Errorf("verified payload has no txn_id")
	}

	amount, err := decimal.NewFromString(values.Get("mc_gross"))
	if err != nil {
		return fmt.Errorf("parse mc_gross: %w", err)
	}

	accountID := domain.AccountID(values.Get("custom"))
	if accountID == "" {
		return fmt.Errorf("verified payload has no account reference")
	}

	_, err = s.ledger.RecordPayment(ctx, domain.Payment{
		Source:     domain.WebhookChannel,
		ExternalID: txnID,
		AccountID:  accountID,
		Amount:     amount,
		Currency:   values.Get("mc_currency"),
	})
	if err != nil {
		return fmt.Errorf("record webhook payment %s: %w", txnID, err)
	}

	return nil
}
