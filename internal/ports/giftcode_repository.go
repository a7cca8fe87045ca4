package ports

import (
	"context"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
)

type GiftCodeRepository interface {
	GetByCode(ctx context.Context, code string) (domain.GiftCode, error)
	// MarkUsed claims the code for an account. Returns
	// domain.ErrGiftCodeUsed if another redemption won the race.
	MarkUsed(ctx context.Context, code string, by domain.AccountID, at time.Time) error
}
