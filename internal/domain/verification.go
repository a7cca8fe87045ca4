package domain

// Verification is the outcome of the provider verification round-trip.
// It is deliberately three-valued: a timeout is not a rejection, and
// must never be treated as a pass.
type Verification int

const (
	// VerificationInconclusive means the round-trip did not complete
	// (timeout, transport error). The notification must be neither
	// credited nor discarded; the provider will redeliver.
	VerificationInconclusive Verification = iota
	// VerificationVerified means the provider confirmed the payload.
	VerificationVerified
	// VerificationRejected means the provider denied the payload.
	VerificationRejected
)

func (v Verification) String() string {
	switch v {
	case VerificationVerified:
		return "verified"
	case VerificationRejected:
		return "rejected"
	default:
		return "inconclusive"
	}
}
