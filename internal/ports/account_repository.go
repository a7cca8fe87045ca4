package ports

import (
	"context"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
)

type AccountRepository interface {
	GetByID(ctx context.Context, id domain.AccountID) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	Save(ctx context.Context, account domain.Account) error
	// AccountForAddress resolves the owner of a crypto deposit address.
	AccountForAddress(ctx context.Context, address string) (domain.AccountID, error)
	// MarkExpiryNotified records that an expiry notice went out, so one
	// lapse produces at most one notice.
	MarkExpiryNotified(ctx context.Context, id domain.AccountID, at time.Time) error
}
