package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/bnema/vpnledger/internal/adapters/paypal"
	"github.com/bnema/vpnledger/internal/application"
	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/ports"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type memAccounts struct {
	mu       sync.Mutex
	accounts map[domain.AccountID]domain.Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[domain.AccountID]domain.Account{}}
}

func (m *memAccounts) GetByID(_ context.Context, id domain.AccountID) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return account, nil
}

func (m *memAccounts) List(_ context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account)
	}
	return out, nil
}

func (m *memAccounts) Save(_ context.Context, account domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *memAccounts) AccountForAddress(context.Context, string) (domain.AccountID, error) {
	return "", domain.ErrAddressNotFound
}

func (m *memAccounts) MarkExpiryNotified(_ context.Context, id domain.AccountID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.LastExpiryNotice = at
	m.accounts[id] = account
	return nil
}

type memPayments struct {
	mu      sync.Mutex
	records map[string]domain.PaymentRecord
}

func newMemPayments() *memPayments {
	return &memPayments{records: map[string]domain.PaymentRecord{}}
}

func (m *memPayments) key(source domain.PaymentSource, externalID string) string {
	return string(source) + "/" + externalID
}

func (m *memPayments) GetBySource(_ context.Context, source domain.PaymentSource, externalID string) (domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[m.key(source, externalID)]
	if !ok {
		return domain.PaymentRecord{}, domain.ErrPaymentNotFound
	}
	return record, nil
}

func (m *memPayments) Create(_ context.Context, record domain.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(record.Source, record.ExternalID)
	if _, exists := m.records[key]; exists {
		return fmt.Errorf("duplicate payment %s", key)
	}
	m.records[key] = record
	return nil
}

func (m *memPayments) MarkCredited(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.records {
		if record.ID == id {
			record.CreditedAt = at
			m.records[key] = record
			return nil
		}
	}
	return domain.ErrPaymentNotFound
}

func (m *memPayments) CountCreditedForAccount(_ context.Context, id domain.AccountID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, record := range m.records {
		if record.AccountID == id && record.Credited() {
			count++
		}
	}
	return count, nil
}

type memCerts struct {
	mu      sync.Mutex
	records map[int64]domain.CertificateRecord
	serial  int64
}

func newMemCerts() *memCerts {
	return &memCerts{records: map[int64]domain.CertificateRecord{}}
}

func (m *memCerts) CurrentForAccount(_ context.Context, id domain.AccountID, now time.Time) (domain.CertificateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best domain.CertificateRecord
	found := false
	for _, record := range m.records {
		if record.AccountID == id && record.CurrentAt(now) && (!found || record.Serial > best.Serial) {
			best = record
			found = true
		}
	}
	if !found {
		return domain.CertificateRecord{}, domain.ErrCertificateNotFound
	}
	return best, nil
}

func (m *memCerts) UnrevokedForAccount(_ context.Context, id domain.AccountID) ([]domain.CertificateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CertificateRecord
	for _, record := range m.records {
		if record.AccountID == id && !record.Revoked() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memCerts) Insert(_ context.Context, record domain.CertificateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Serial] = record
	return nil
}

func (m *memCerts) Revoke(_ context.Context, serial int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[serial]
	if !ok || record.Revoked() {
		return domain.ErrCertificateNotFound
	}
	record.RevokedAt = at
	m.records[serial] = record
	return nil
}

func (m *memCerts) ListRevoked(_ context.Context) ([]domain.CertificateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CertificateRecord
	for _, record := range m.records {
		if record.Revoked() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memCerts) NextSerial(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial++
	return m.serial, nil
}

type memGiftCodes struct{}

func (memGiftCodes) GetByCode(context.Context, string) (domain.GiftCode, error) {
	return domain.GiftCode{}, domain.ErrGiftCodeNotFound
}

func (memGiftCodes) MarkUsed(context.Context, string, domain.AccountID, time.Time) error {
	return domain.ErrGiftCodeNotFound
}

type staticVerifier struct {
	outcome domain.Verification
	err     error
}

func (v staticVerifier) Verify(context.Context, []byte) (domain.Verification, error) {
	return v.outcome, v.err
}

type noopNotifier struct{}

func (noopNotifier) Alert(context.Context, string, string) error { return nil }

type staticSigner struct{}

func (staticSigner) Sign(req ports.SignRequest) (string, string, error) {
	return fmt.Sprintf("CERT-%d", req.Serial), fmt.Sprintf("KEY-%d", req.Serial), nil
}

func (staticSigner) CACertPEM() string { return "CA-CERT" }

func (staticSigner) WriteCRL([]domain.CertificateRecord, time.Time) error { return nil }

type staticCRL struct {
	data []byte
	err  error
}

func (s staticCRL) CRL() ([]byte, error) { return s.data, s.err }

type fixture struct {
	server   *Server
	accounts *memAccounts
	certs    *memCerts
}

func newFixture(t *testing.T, verifier ports.IPNVerifier, crl CRLSource, limit rate.Limit, burst int) *fixture {
	t.Helper()

	accounts := newMemAccounts()
	certs := newMemCerts()

	ledger := application.NewLedger(accounts, newMemPayments(), memGiftCodes{}, fixedClock{}, application.LedgerConfig{
		Channels: map[domain.PaymentSource]application.ChannelPolicy{
			domain.WebhookChannel: {MonthPrice: decimal.RequireFromString("2.0"), Currency: "EUR"},
		},
	}, nil)

	ipn := application.NewIPNService(verifier, ledger, application.IPNConfig{
		Receiver: "vpn@example.net",
		Currency: "EUR",
	}, nil)

	issuer := application.NewCertificateIssuer(accounts, certs, staticSigner{}, noopNotifier{}, fixedClock{}, application.IssuerConfig{
		GraceWindow:       7 * 24 * time.Hour,
		MaxIssuanceWindow: 90 * 24 * time.Hour,
		Gateway:           application.GatewayConfig{Host: "gw.example.net", Port: 1196, Proto: "udp"},
	}, nil)

	return &fixture{
		server:   NewServer(ipn, issuer, crl, limit, burst, nil),
		accounts: accounts,
		certs:    certs,
	}
}

func ipnForm(account string) string {
	values := url.Values{}
	values.Set("payment_status", "Completed")
	values.Set("receiver_email", "vpn@example.net")
	values.Set("txn_id", "TXN-1")
	values.Set("mc_gross", "2.00")
	values.Set("mc_currency", "EUR")
	values.Set("custom", account)
	return values.Encode()
}

func postIPN(f *fixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ipn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIPNVerifiedPaymentCredits(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, rate.Inf, 1)
	require.NoError(t, f.accounts.Save(context.Background(), domain.Account{ID: "acc-1"}))

	rec := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	account, err := f.accounts.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, account.BalanceUntil.Equal(testNow.Add(30*24*time.Hour)))
}

func TestIPNInconclusiveAsksForRedelivery(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationInconclusive}, staticCRL{}, rate.Inf, 1)

	rec := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIPNRejectedStillAcknowledged(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationRejected}, staticCRL{}, rate.Inf, 1)
	require.NoError(t, f.accounts.Save(context.Background(), domain.Account{ID: "acc-1"}))

	rec := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	account, err := f.accounts.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, account.BalanceUntil.IsZero())
}

func TestIPNFailedVerificationEndpointAsksForRedelivery(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer endpoint.Close()

	verifier := &paypal.Verifier{Endpoint: endpoint.URL}
	f := newFixture(t, verifier, staticCRL{}, rate.Inf, 1)
	require.NoError(t, f.accounts.Save(context.Background(), domain.Account{ID: "acc-1"}))

	rec := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	account, err := f.accounts.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, account.BalanceUntil.IsZero())
}

func TestIPNRateLimited(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, 0, 1)
	require.NoError(t, f.accounts.Save(context.Background(), domain.Account{ID: "acc-1"}))

	first := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusOK, first.Code)

	second := postIPN(f, ipnForm("acc-1"))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestBundleDownload(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, rate.Inf, 1)
	require.NoError(t, f.certs.Insert(context.Background(), domain.CertificateRecord{
		Serial:    1,
		AccountID: "acc-1",
		NotBefore: testNow.Add(-time.Hour),
		NotAfter:  testNow.Add(24 * time.Hour),
		CertPEM:   "CERT-1",
		KeyPEM:    "KEY-1",
	}))

	req := httptest.NewRequest(http.MethodGet, "/bundle/acc-1", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "remote gw.example.net 1196 udp")
	assert.Contains(t, body, "CERT-1")
	assert.Contains(t, body, "CA-CERT")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".ovpn")
}

func TestBundleMissingCertificate(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, rate.Inf, 1)

	req := httptest.NewRequest(http.MethodGet, "/bundle/acc-1", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCRLServed(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{data: []byte("-----BEGIN X509 CRL-----")}, rate.Inf, 1)

	req := httptest.NewRequest(http.MethodGet, "/crl", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "X509 CRL")
}

func TestCRLNotYetPublished(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, rate.Inf, 1)

	req := httptest.NewRequest(http.MethodGet, "/crl", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, staticVerifier{outcome: domain.VerificationVerified}, staticCRL{}, rate.Inf, 1)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
