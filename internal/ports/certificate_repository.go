package ports

import (
	"context"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
)

type CertificateRepository interface {
	// CurrentForAccount returns the account's unexpired, unrevoked
	// certificate, or domain.ErrCertificateNotFound.
	CurrentForAccount(ctx context.Context, id domain.AccountID, now time.Time) (domain.CertificateRecord, error)
	// UnrevokedForAccount returns every certificate of the account with
	// no revocation mark, expired or not.
	UnrevokedForAccount(ctx context.Context, id domain.AccountID) ([]domain.CertificateRecord, error)
	Insert(ctx context.Context, record domain.CertificateRecord) error
	Revoke(ctx context.Context, serial int64, at time.Time) error
	ListRevoked(ctx context.Context) ([]domain.CertificateRecord, error)
	// NextSerial hands out the next monotonic serial. Serials are never
	// reused, including across restarts.
	NextSerial(ctx context.Context) (int64, error)
}
