package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// WalletTransaction is one entry from the node wallet's transaction
// listing, reduced to the fields the watcher needs.
type WalletTransaction struct {
	TxID          string
	Address       string
	Category      string
	Amount        decimal.Decimal
	Confirmations int64
}

// ListSinceBlockResult carries the listing plus the cursor block hash
// the next poll should start from.
type ListSinceBlockResult struct {
	Transactions []WalletTransaction
	LastBlock    string
}

// ChainRPC is the read-only node wallet surface the watcher consumes.
type ChainRPC interface {
	// ListSinceBlock returns wallet transactions since the given block
	// hash (all of them when the hash is empty). LastBlock is reported
	// targetConfirmations deep, so transactions still short of the
	// confirmation threshold reappear on the next call.
	ListSinceBlock(ctx context.Context, blockHash string, targetConfirmations int) (ListSinceBlockResult, error)
}
