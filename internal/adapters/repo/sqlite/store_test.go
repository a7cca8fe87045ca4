package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/vpnledger/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "vpnledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	account := domain.Account{
		ID:           "acc-1",
		BalanceUntil: until,
		ReferrerID:   "acc-2",
		CreatedAt:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, account))

	got, err := store.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountID("acc-1"), got.ID)
	assert.True(t, got.BalanceUntil.Equal(until))
	assert.Equal(t, domain.AccountID("acc-2"), got.ReferrerID)
	assert.True(t, got.LastExpiryNotice.IsZero())
}

func TestAccountNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSaveUpdatesExistingAccount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	account := domain.Account{ID: "acc-1", ReferrerID: "acc-2"}
	require.NoError(t, store.Save(ctx, account))

	account.BalanceUntil = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	account.ReferrerID = ""
	require.NoError(t, store.Save(ctx, account))

	got, err := store.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, got.BalanceUntil.Equal(account.BalanceUntil))
	assert.Empty(t, got.ReferrerID)
}

func TestDepositAddressLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AssignDepositAddress(ctx, "bc1qdeposit", "acc-1"))

	id, err := store.AccountForAddress(ctx, "bc1qdeposit")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountID("acc-1"), id)

	_, err = store.AccountForAddress(ctx, "bc1qunknown")
	assert.ErrorIs(t, err, domain.ErrAddressNotFound)
}

func TestMarkExpiryNotified(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Account{ID: "acc-1"}))

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkExpiryNotified(ctx, "acc-1", at))

	got, err := store.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, got.LastExpiryNotice.Equal(at))

	assert.ErrorIs(t, store.MarkExpiryNotified(ctx, "missing", at), domain.ErrAccountNotFound)
}

func testPayment(id, externalID string) domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:         id,
		Source:     domain.CryptoChannel,
		ExternalID: externalID,
		AccountID:  "acc-1",
		Amount:     decimal.RequireFromString("0.2"),
		Currency:   "BTC",
	}
}

func TestPaymentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testPayment("pay-1", "tx-1")))

	got, err := store.GetBySource(ctx, domain.CryptoChannel, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.ID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, "BTC", got.Currency)
	assert.False(t, got.Credited())
}

func TestPaymentIdempotencyKeyIsUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testPayment("pay-1", "tx-1")))
	assert.Error(t, store.Create(ctx, testPayment("pay-2", "tx-1")))

	// Same external id on the other channel is a different payment.
	webhook := testPayment("pay-3", "tx-1")
	webhook.Source = domain.WebhookChannel
	assert.NoError(t, store.Create(ctx, webhook))
}

func TestMarkCreditedOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testPayment("pay-1", "tx-1")))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkCredited(ctx, "pay-1", at))
	assert.ErrorIs(t, store.MarkCredited(ctx, "pay-1", at.Add(time.Hour)), domain.ErrPaymentNotFound)

	got, err := store.GetBySource(ctx, domain.CryptoChannel, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.CreditedAt.Equal(at))
}

func TestCountCreditedForAccount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, testPayment("pay-1", "tx-1")))
	require.NoError(t, store.Create(ctx, testPayment("pay-2", "tx-2")))
	require.NoError(t, store.MarkCredited(ctx, "pay-1", at))

	count, err := store.CountCreditedForAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testCertificate(serial int64, notAfter time.Time) domain.CertificateRecord {
	return domain.CertificateRecord{
		Serial:     serial,
		AccountID:  "acc-1",
		CommonName: "acc-1",
		NotBefore:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:   notAfter,
		CertPEM:    "cert",
		KeyPEM:     "key",
	}
}

func TestCurrentForAccountSkipsRevokedAndExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testCertificate(1, now.Add(-time.Hour))))
	require.NoError(t, store.Insert(ctx, testCertificate(2, now.Add(24*time.Hour))))
	require.NoError(t, store.Insert(ctx, testCertificate(3, now.Add(48*time.Hour))))
	require.NoError(t, store.Revoke(ctx, 3, now))

	got, err := store.CurrentForAccount(ctx, "acc-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Serial)

	_, err = store.CurrentForAccount(ctx, "acc-2", now)
	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}

func TestRevokeIsFinal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testCertificate(1, now.Add(24*time.Hour))))
	require.NoError(t, store.Revoke(ctx, 1, now))
	assert.ErrorIs(t, store.Revoke(ctx, 1, now.Add(time.Hour)), domain.ErrCertificateNotFound)

	revoked, err := store.ListRevoked(ctx)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.True(t, revoked[0].RevokedAt.Equal(now))
}

func TestUnrevokedForAccountIncludesExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testCertificate(1, now.Add(-time.Hour))))
	require.NoError(t, store.Insert(ctx, testCertificate(2, now.Add(time.Hour))))

	certs, err := store.UnrevokedForAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, certs, 2)
}

func TestNextSerialSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpnledger.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)

	first, err := store.NextSerial(ctx)
	require.NoError(t, err)
	second, err := store.NextSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	third, err := reopened.NextSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, second+1, third)
}

func TestGiftCodeSingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	gift := domain.GiftCode{Code: "WELCOME1", Months: decimal.NewFromInt(1), FreeOnly: true}
	require.NoError(t, store.CreateGiftCode(ctx, gift))

	got, err := store.GetByCode(ctx, "WELCOME1")
	require.NoError(t, err)
	assert.True(t, got.Months.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.FreeOnly)
	assert.False(t, got.Used())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkUsed(ctx, "WELCOME1", "acc-1", at))
	assert.ErrorIs(t, store.MarkUsed(ctx, "WELCOME1", "acc-2", at), domain.ErrGiftCodeUsed)
	assert.ErrorIs(t, store.MarkUsed(ctx, "NOPE", "acc-1", at), domain.ErrGiftCodeNotFound)

	got, err = store.GetByCode(ctx, "WELCOME1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountID("acc-1"), got.UsedBy)
	assert.True(t, got.UsedAt.Equal(at))
}
