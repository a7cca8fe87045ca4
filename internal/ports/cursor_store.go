package ports

import (
	"context"
	"time"
)

// ChainCursor marks how far the watcher has scanned the chain. A zero
// LastBlock means scan from the beginning of the wallet history.
type ChainCursor struct {
	LastBlock string
	UpdatedAt time.Time
}

// CursorStore persists the watcher cursor across restarts so no
// in-flight payment detection is lost.
type CursorStore interface {
	Load(ctx context.Context) (ChainCursor, error)
	Save(ctx context.Context, cursor ChainCursor) error
}
