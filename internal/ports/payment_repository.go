package ports

import (
	"context"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
)

type PaymentRepository interface {
	// GetBySource looks a record up by its idempotency key.
	GetBySource(ctx context.Context, source domain.PaymentSource, externalID string) (domain.PaymentRecord, error)
	// Create inserts an uncredited record. The store enforces the
	// (source, external_id) uniqueness as a second line of defense.
	Create(ctx context.Context, record domain.PaymentRecord) error
	// MarkCredited sets credited_at; records are never credited twice.
	MarkCredited(ctx context.Context, id string, at time.Time) error
	// CountCreditedForAccount reports how many payments have been
	// credited to an account, used for first-payment referral bonuses.
	CountCreditedForAccount(ctx context.Context, id domain.AccountID) (int, error)
}
