package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the validated, immutable set of operational parameters.
// It is built once at startup and passed explicitly to every component;
// nothing reads viper after Load returns.
type Config struct {
	// Pricing, one fixed unit price per channel. Re-pricing is an
	// operator action: edit the file and restart.
	BitcoinMonthPrice decimal.Decimal
	PaypalMonthPrice  decimal.Decimal
	BitcoinCurrency   string
	PaypalCurrency    string

	// Bitcoin node
	BitcoinRPCURL         string
	BitcoinRPCUser        string
	BitcoinRPCPassword    string
	ConfirmationThreshold int
	PollInterval          time.Duration
	FailureAlertThreshold int
	BitcoinRequestTimeout time.Duration

	// PayPal
	PaypalReceiver      string
	PaypalSandbox       bool
	PaypalVerifyTimeout time.Duration

	// CA material and issuance policy
	CACertPath        string
	CAKeyPath         string
	CRLPath           string
	MaxIssuanceWindow time.Duration

	// VPN gateway advertised in client bundles
	GatewayHost  string
	GatewayPort  int
	GatewayProto string

	// Subscription policy
	GraceWindow        time.Duration
	ReferralBonus      time.Duration
	ExpiryNoticeWindow time.Duration

	// Process
	ListenAddr   string
	IPNRateLimit float64
	IPNRateBurst int
	SQLitePath   string
	StatePath    string

	// Operator alerts; empty SMTPAddr disables mail delivery.
	SMTPAddr string
	SMTPFrom string
	SMTPTo   string
}

// Load reads the config file through viper and validates every required
// key. The returned error names all missing or invalid keys at once.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetConfigName("vpnledger")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/vpnledger")
	v.AddConfigPath(".")
	v.SetEnvPrefix("VPNLEDGER")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		BitcoinCurrency:       v.GetString("pricing.bitcoin_currency"),
		PaypalCurrency:        v.GetString("pricing.paypal_currency"),
		BitcoinRPCURL:         v.GetString("bitcoin.rpc_url"),
		BitcoinRPCUser:        v.GetString("bitcoin.rpc_user"),
		BitcoinRPCPassword:    v.GetString("bitcoin.rpc_password"),
		ConfirmationThreshold: v.GetInt("bitcoin.confirmation_threshold"),
		PollInterval:          v.GetDuration("bitcoin.poll_interval"),
		FailureAlertThreshold: v.GetInt("bitcoin.failure_alert_threshold"),
		BitcoinRequestTimeout: v.GetDuration("bitcoin.request_timeout"),
		PaypalReceiver:        v.GetString("paypal.receiver"),
		PaypalSandbox:         v.GetBool("paypal.sandbox"),
		PaypalVerifyTimeout:   v.GetDuration("paypal.verify_timeout"),
		CACertPath:            v.GetString("ca.cert_path"),
		CAKeyPath:             v.GetString("ca.key_path"),
		CRLPath:               v.GetString("ca.crl_path"),
		MaxIssuanceWindow:     v.GetDuration("ca.max_issuance_window"),
		GatewayHost:           v.GetString("gateway.host"),
		GatewayPort:           v.GetInt("gateway.port"),
		GatewayProto:          v.GetString("gateway.proto"),
		GraceWindow:           v.GetDuration("subscription.grace_window"),
		ReferralBonus:         v.GetDuration("subscription.referral_bonus"),
		ExpiryNoticeWindow:    v.GetDuration("subscription.expiry_notice_window"),
		ListenAddr:            v.GetString("server.listen"),
		IPNRateLimit:          v.GetFloat64("server.ipn_rate_limit"),
		IPNRateBurst:          v.GetInt("server.ipn_rate_burst"),
		SQLitePath:            v.GetString("storage.sqlite_path"),
		StatePath:             v.GetString("storage.state_path"),
		SMTPAddr:              v.GetString("smtp.addr"),
		SMTPFrom:              v.GetString("smtp.from"),
		SMTPTo:                v.GetString("smtp.to"),
	}

	var errs []error

	cfg.BitcoinMonthPrice, errs = parsePrice(v, "pricing.bitcoin_month_price", errs)
	cfg.PaypalMonthPrice, errs = parsePrice(v, "pricing.paypal_month_price", errs)

	if cfg.PaypalReceiver == "" {
		errs = append(errs, errors.New("paypal.receiver is required"))
	}
	if cfg.PaypalCurrency == "" {
		errs = append(errs, errors.New("pricing.paypal_currency is required"))
	}
	if cfg.ConfirmationThreshold < 1 {
		errs = append(errs, errors.New("bitcoin.confirmation_threshold must be at least 1"))
	}
	if cfg.BitcoinRPCURL == "" {
		errs = append(errs, errors.New("bitcoin.rpc_url is required"))
	}
	if cfg.GatewayHost == "" {
		errs = append(errs, errors.New("gateway.host is required"))
	}
	if cfg.GatewayPort < 1 || cfg.GatewayPort > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", cfg.GatewayPort))
	}
	if cfg.GatewayProto != "udp" && cfg.GatewayProto != "tcp" {
		errs = append(errs, fmt.Errorf("gateway.proto %q must be udp or tcp", cfg.GatewayProto))
	}
	if cfg.CACertPath == "" || cfg.CAKeyPath == "" {
		errs = append(errs, errors.New("ca.cert_path and ca.key_path are required"))
	}
	if cfg.GraceWindow <= 0 {
		errs = append(errs, errors.New("subscription.grace_window must be positive"))
	}
	if cfg.MaxIssuanceWindow <= 0 {
		errs = append(errs, errors.New("ca.max_issuance_window must be positive"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, errors.New("bitcoin.poll_interval must be positive"))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pricing.bitcoin_currency", "BTC")
	v.SetDefault("pricing.paypal_currency", "EUR")
	v.SetDefault("bitcoin.confirmation_threshold", 6)
	v.SetDefault("bitcoin.poll_interval", "2m")
	v.SetDefault("bitcoin.failure_alert_threshold", 5)
	v.SetDefault("bitcoin.request_timeout", "30s")
	v.SetDefault("paypal.sandbox", false)
	v.SetDefault("paypal.verify_timeout", "30s")
	v.SetDefault("ca.max_issuance_window", "2160h")
	v.SetDefault("ca.crl_path", "crl.pem")
	v.SetDefault("gateway.port", 1196)
	v.SetDefault("gateway.proto", "udp")
	v.SetDefault("subscription.grace_window", "168h")
	v.SetDefault("subscription.referral_bonus", "336h")
	v.SetDefault("subscription.expiry_notice_window", "72h")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.ipn_rate_limit", 5.0)
	v.SetDefault("server.ipn_rate_burst", 10)
	v.SetDefault("storage.sqlite_path", "vpnledger.db")
	v.SetDefault("storage.state_path", "watcher-state.toml")
}

func parsePrice(v *viper.Viper, key string, errs []error) (decimal.Decimal, []error) {
	raw := v.GetString(key)
	if raw == "" {
		return decimal.Zero, append(errs, fmt.Errorf("%s is required", key))
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, append(errs, fmt.Errorf("%s: %w", key, err))
	}
	if !price.IsPositive() {
		return decimal.Zero, append(errs, fmt.Errorf("%s must be positive", key))
	}

	return price, errs
}
