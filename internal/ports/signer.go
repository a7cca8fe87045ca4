package ports

import (
	"time"

	"github.com/bnema/vpnledger/internal/domain"
)

// SignRequest describes one client certificate to mint.
type SignRequest struct {
	Serial     int64
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
}

// CertificateSigner wraps the CA key material. The key is loaded once
// at startup and held read-only for the process lifetime; callers
// serialize Sign and WriteCRL themselves (single-writer discipline).
type CertificateSigner interface {
	// Sign mints a client certificate and a fresh private key.
	Sign(req SignRequest) (certPEM, keyPEM string, err error)
	// CACertPEM returns the CA certificate for embedding in bundles.
	CACertPEM() string
	// WriteCRL regenerates the revocation list artifact from the given
	// revoked records.
	WriteCRL(revoked []domain.CertificateRecord, now time.Time) error
}
