package ports

import "context"

// Notifier is the fire-and-forget operator alert sink. Implementations
// must not block the caller beyond their own bounded timeout; delivery
// failures are logged, never propagated into payment processing.
type Notifier interface {
	Alert(ctx context.Context, subject, message string) error
}
