package domain

import "time"

// CertificateRecord is one issued client credential. Serial numbers are
// assigned monotonically by the issuer and never reused. RevokedAt is
// set at most once; records are retained for audit and CRL purposes.
type CertificateRecord struct {
	Serial     int64
	AccountID  AccountID
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	CertPEM    string
	KeyPEM     string
	RevokedAt  time.Time
}

// Revoked reports whether the certificate has been revoked.
func (c CertificateRecord) Revoked() bool {
	return !c.RevokedAt.IsZero()
}

// CurrentAt reports whether the certificate is still usable: not yet
// expired and not revoked.
func (c CertificateRecord) CurrentAt(now time.Time) bool {
	return !c.Revoked() && c.NotAfter.After(now)
}
