package ports

import (
	"context"

	"github.com/bnema/vpnledger/internal/domain"
)

// IPNVerifier performs the mandatory synchronous round-trip that echoes
// a received notification payload back to the provider. The result is
// three-valued; see domain.Verification.
type IPNVerifier interface {
	Verify(ctx context.Context, payload []byte) (domain.Verification, error)
}
