package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/bnema/vpnledger/internal/adapters/chain/bitcoind"
	"github.com/bnema/vpnledger/internal/adapters/httpapi"
	"github.com/bnema/vpnledger/internal/adapters/notify"
	"github.com/bnema/vpnledger/internal/adapters/paypal"
	"github.com/bnema/vpnledger/internal/adapters/pki"
	"github.com/bnema/vpnledger/internal/adapters/repo/sqlite"
	"github.com/bnema/vpnledger/internal/adapters/repo/state"
	"github.com/bnema/vpnledger/internal/application"
	"github.com/bnema/vpnledger/internal/config"
	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/ports"
)

type app struct {
	cfg    config.Config
	logger *slog.Logger

	store  *sqlite.Store
	signer *pki.Signer

	ledger  *application.Ledger
	ipn     *application.IPNService
	issuer  *application.CertificateIssuer
	watcher *application.BitcoinWatcher
	server  *httpapi.Server
}

func wireApp() (*app, error) {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("wire sqlite store: %w", err)
	}

	cursor, err := state.NewCursorStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("wire cursor store: %w", err)
	}

	signer, err := pki.NewSigner(cfg.CACertPath, cfg.CAKeyPath, cfg.CRLPath)
	if err != nil {
		return nil, fmt.Errorf("wire certificate signer: %w", err)
	}

	var smtpTo []string
	for _, to := range strings.Split(cfg.SMTPTo, ",") {
		if to = strings.TrimSpace(to); to != "" {
			smtpTo = append(smtpTo, to)
		}
	}
	mailer := notify.NewMailer(cfg.SMTPAddr, cfg.SMTPFrom, smtpTo, "", "", logger)

	clock := ports.SystemClock{}

	ledger := application.NewLedger(store, store, store, clock, application.LedgerConfig{
		Channels: map[domain.PaymentSource]application.ChannelPolicy{
			domain.CryptoChannel:  {MonthPrice: cfg.BitcoinMonthPrice, Currency: cfg.BitcoinCurrency},
			domain.WebhookChannel: {MonthPrice: cfg.PaypalMonthPrice, Currency: cfg.PaypalCurrency},
		},
		ReferralBonus: cfg.ReferralBonus,
	}, logger)

	verifier := paypal.NewVerifier(cfg.PaypalSandbox, cfg.PaypalVerifyTimeout)
	ipn := application.NewIPNService(verifier, ledger, application.IPNConfig{
		Receiver: cfg.PaypalReceiver,
		Currency: cfg.PaypalCurrency,
	}, logger)

	issuer := application.NewCertificateIssuer(store, store, signer, mailer, clock, application.IssuerConfig{
		GraceWindow:        cfg.GraceWindow,
		MaxIssuanceWindow:  cfg.MaxIssuanceWindow,
		ExpiryNoticeWindow: cfg.ExpiryNoticeWindow,
		Gateway: application.GatewayConfig{
			Host:  cfg.GatewayHost,
			Port:  cfg.GatewayPort,
			Proto: cfg.GatewayProto,
		},
	}, logger)

	chainClient := &bitcoind.Client{
		URL:            cfg.BitcoinRPCURL,
		User:           cfg.BitcoinRPCUser,
		Password:       cfg.BitcoinRPCPassword,
		RequestTimeout: cfg.BitcoinRequestTimeout,
	}
	watcher := application.NewBitcoinWatcher(chainClient, store, ledger, cursor, mailer, clock, application.WatcherConfig{
		PollInterval:          cfg.PollInterval,
		ConfirmationThreshold: cfg.ConfirmationThreshold,
		FailureAlertThreshold: cfg.FailureAlertThreshold,
		Currency:              cfg.BitcoinCurrency,
	}, logger)

	server := httpapi.NewServer(ipn, issuer, signer, rate.Limit(cfg.IPNRateLimit), cfg.IPNRateBurst, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		signer:  signer,
		ledger:  ledger,
		ipn:     ipn,
		issuer:  issuer,
		watcher: watcher,
		server:  server,
	}, nil
}

// commandTimeout bounds the one-shot CLI commands; the daemon manages
// its own lifecycle.
const commandTimeout = 30 * time.Second
