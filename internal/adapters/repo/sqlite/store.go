package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/ports"
)

// Store is the single persistent backend: accounts, payment records,
// certificates, deposit addresses, and gift codes all live in one
// SQLite database. Application-level serialization (per-account locks,
// the signing mutex) keeps writers apart; the busy timeout and the
// retry in NextSerial cover whatever contention remains.
type Store struct {
	db *sql.DB
}

var (
	_ ports.AccountRepository     = (*Store)(nil)
	_ ports.PaymentRepository     = (*Store)(nil)
	_ ports.CertificateRepository = (*Store)(nil)
	_ ports.GiftCodeRepository    = (*Store)(nil)
)

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance_until DATETIME,
			referrer_id TEXT,
			last_expiry_notice DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			credited_at DATETIME,
			UNIQUE (source, external_id)
		);

		CREATE TABLE IF NOT EXISTS certificates (
			serial INTEGER PRIMARY KEY,
			account_id TEXT NOT NULL,
			common_name TEXT NOT NULL,
			not_before DATETIME NOT NULL,
			not_after DATETIME NOT NULL,
			cert_pem TEXT NOT NULL,
			key_pem TEXT NOT NULL,
			revoked_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS deposit_addresses (
			address TEXT PRIMARY KEY,
			account_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS gift_codes (
			code TEXT PRIMARY KEY,
			months TEXT NOT NULL,
			free_only INTEGER NOT NULL DEFAULT 0,
			used_by TEXT,
			used_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO counters (name, value) VALUES ('cert_serial', 0);

		CREATE INDEX IF NOT EXISTS idx_payments_account ON payments(account_id);
		CREATE INDEX IF NOT EXISTS idx_certificates_account ON certificates(account_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Accounts

func (s *Store) GetByID(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, balance_until, referrer_id, last_expiry_notice, created_at
		FROM accounts WHERE id = ?
	`, string(id))

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return account, err
}

func (s *Store) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance_until, referrer_id, last_expiry_notice, created_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func (s *Store) Save(ctx context.Context, account domain.Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance_until, referrer_id, last_expiry_notice, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			balance_until = excluded.balance_until,
			referrer_id = excluded.referrer_id,
			last_expiry_notice = excluded.last_expiry_notice
	`, string(account.ID), nullTime(account.BalanceUntil), nullString(string(account.ReferrerID)), nullTime(account.LastExpiryNotice), createdAt)

	return err
}

func (s *Store) AccountForAddress(ctx context.Context, address string) (domain.AccountID, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM deposit_addresses WHERE address = ?
	`, address).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrAddressNotFound
	}
	if err != nil {
		return "", err
	}

	return domain.AccountID(id), nil
}

// AssignDepositAddress binds a crypto deposit address to an account.
// The external web layer hands addresses out; this is its persistence.
func (s *Store) AssignDepositAddress(ctx context.Context, address string, id domain.AccountID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (address, account_id) VALUES (?, ?)
		ON CONFLICT (address) DO UPDATE SET account_id = excluded.account_id
	`, address, string(id))

	return err
}

func (s *Store) MarkExpiryNotified(ctx context.Context, id domain.AccountID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_expiry_notice = ? WHERE id = ?
	`, at, string(id))
	if err != nil {
		return err
	}

	return requireRow(result, domain.ErrAccountNotFound)
}

// Payments

func (s *Store) GetBySource(ctx context.Context, source domain.PaymentSource, externalID string) (domain.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, external_id, account_id, amount, currency, credited_at
		FROM payments WHERE source = ? AND external_id = ?
	`, string(source), externalID)

	record, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRecord{}, domain.ErrPaymentNotFound
	}
	return record, err
}

func (s *Store) Create(ctx context.Context, record domain.PaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, source, external_id, account_id, amount, currency, credited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, record.ID, string(record.Source), record.ExternalID, string(record.AccountID),
		record.Amount.String(), record.Currency, nullTime(record.CreditedAt))

	return err
}

func (s *Store) MarkCredited(ctx context.Context, id string, at time.Time) error {
	// The credited_at IS NULL guard makes a double credit impossible at
	// the storage layer as well.
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET credited_at = ? WHERE id = ? AND credited_at IS NULL
	`, at, id)
	if err != nil {
		return err
	}

	return requireRow(result, domain.ErrPaymentNotFound)
}

func (s *Store) CountCreditedForAccount(ctx context.Context, id domain.AccountID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments WHERE account_id = ? AND credited_at IS NOT NULL
	`, string(id)).Scan(&count)

	return count, err
}

// Certificates

func (s *Store) CurrentForAccount(ctx context.Context, id domain.AccountID, now time.Time) (domain.CertificateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT serial, account_id, common_name, not_before, not_after, cert_pem, key_pem, revoked_at
		FROM certificates
		WHERE account_id = ? AND revoked_at IS NULL AND not_after > ?
		ORDER BY serial DESC LIMIT 1
	`, string(id), now)

	record, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CertificateRecord{}, domain.ErrCertificateNotFound
	}
	return record, err
}

func (s *Store) UnrevokedForAccount(ctx context.Context, id domain.AccountID) ([]domain.CertificateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, account_id, common_name, not_before, not_after, cert_pem, key_pem, revoked_at
		FROM certificates WHERE account_id = ? AND revoked_at IS NULL ORDER BY serial
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectCertificates(rows)
}

func (s *Store) Insert(ctx context.Context, record domain.CertificateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (serial, account_id, common_name, not_before, not_after, cert_pem, key_pem, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.Serial, string(record.AccountID), record.CommonName,
		record.NotBefore, record.NotAfter, record.CertPEM, record.KeyPEM, nullTime(record.RevokedAt))

	return err
}

func (s *Store) Revoke(ctx context.Context, serial int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE certificates SET revoked_at = ? WHERE serial = ? AND revoked_at IS NULL
	`, at, serial)
	if err != nil {
		return err
	}

	return requireRow(result, domain.ErrCertificateNotFound)
}

func (s *Store) ListRevoked(ctx context.Context) ([]domain.CertificateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, account_id, common_name, not_before, not_after, cert_pem, key_pem, revoked_at
		FROM certificates WHERE revoked_at IS NOT NULL ORDER BY serial
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectCertificates(rows)
}

// NextSerial increments the persisted counter inside an immediate
// transaction, retrying on lock contention.
func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	for attempt := 0; ; attempt++ {
		serial, err := s.nextSerialOnce(ctx)
		if err == nil {
			return serial, nil
		}
		if !isBusy(err) || attempt >= 5 {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (s *Store) nextSerialOnce(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE name = 'cert_serial'
	`); err != nil {
		return 0, err
	}

	var serial int64
	if err := tx.QueryRowContext(ctx, `
		SELECT value FROM counters WHERE name = 'cert_serial'
	`).Scan(&serial); err != nil {
		return 0, err
	}

	return serial, tx.Commit()
}

// Gift codes

func (s *Store) GetByCode(ctx context.Context, code string) (domain.GiftCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, months, free_only, used_by, used_at FROM gift_codes WHERE code = ?
	`, code)

	var (
		gift   domain.GiftCode
		months string
		usedBy sql.NullString
		usedAt sql.NullTime
	)
	err := row.Scan(&gift.Code, &months, &gift.FreeOnly, &usedBy, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GiftCode{}, domain.ErrGiftCodeNotFound
	}
	if err != nil {
		return domain.GiftCode{}, err
	}

	gift.Months, err = decimal.NewFromString(months)
	if err != nil {
		return domain.GiftCode{}, fmt.Errorf("parse gift code months: %w", err)
	}
	gift.UsedBy = domain.AccountID(usedBy.String)
	gift.UsedAt = usedAt.Time

	return gift, nil
}

func (s *Store) MarkUsed(ctx context.Context, code string, by domain.AccountID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gift_codes SET used_by = ?, used_at = ? WHERE code = ? AND used_by IS NULL
	`, string(by), at, code)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetByCode(ctx, code); err != nil {
			return err
		}
		return domain.ErrGiftCodeUsed
	}

	return nil
}

// CreateGiftCode persists a new unredeemed code.
func (s *Store) CreateGiftCode(ctx context.Context, gift domain.GiftCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gift_codes (code, months, free_only, used_by, used_at)
		VALUES (?, ?, ?, ?, ?)
	`, gift.Code, gift.Months.String(), gift.FreeOnly, nullString(string(gift.UsedBy)), nullTime(gift.UsedAt))

	return err
}

// scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		account      domain.Account
		id           string
		balanceUntil sql.NullTime
		referrer     sql.NullString
		lastNotice   sql.NullTime
	)
	if err := row.Scan(&id, &balanceUntil, &referrer, &lastNotice, &account.CreatedAt); err != nil {
		return domain.Account{}, err
	}

	account.ID = domain.AccountID(id)
	account.BalanceUntil = balanceUntil.Time
	account.ReferrerID = domain.AccountID(referrer.String)
	account.LastExpiryNotice = lastNotice.Time

	return account, nil
}

func scanPayment(row rowScanner) (domain.PaymentRecord, error) {
	var (
		record     domain.PaymentRecord
		source     string
		accountID  string
		amount     string
		creditedAt sql.NullTime
	)
	if err := row.Scan(&record.ID, &source, &record.ExternalID, &accountID, &amount, &record.Currency, &creditedAt); err != nil {
		return domain.PaymentRecord{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("parse payment amount: %w", err)
	}

	record.Source = domain.PaymentSource(source)
	record.AccountID = domain.AccountID(accountID)
	record.Amount = parsed
	record.CreditedAt = creditedAt.Time

	return record, nil
}

func scanCertificate(row rowScanner) (domain.CertificateRecord, error) {
	var (
		record    domain.CertificateRecord
		accountID string
		revokedAt sql.NullTime
	)
	if err := row.Scan(&record.Serial, &accountID, &record.CommonName, &record.NotBefore, &record.NotAfter, &record.CertPEM, &record.KeyPEM, &revokedAt); err != nil {
		return domain.CertificateRecord{}, err
	}

	record.AccountID = domain.AccountID(accountID)
	record.RevokedAt = revokedAt.Time

	return record, nil
}

func collectCertificates(rows *sql.Rows) ([]domain.CertificateRecord, error) {
	var records []domain.CertificateRecord
	for rows.Next() {
		record, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
