package paypal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/vpnledger/internal/domain"
	"github.com/bnema/vpnledger/internal/ports"
)

const (
	liveEndpoint    = "https://ipnpb.paypal.com/cgi-bin/webscr"
	sandboxEndpoint = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"

	maxVerifyResponseBytes = 4 << 10
)

// Verifier implements the provider's mandatory notification
// verification handshake: the exact received payload is echoed back,
// prefixed with cmd=_notify-validate, and the result is
// VERIFIED or INVALID. Everything else, timeouts included, is
// inconclusive and must leave the notification untrusted but alive.
type Verifier struct {
	Endpoint       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

var _ ports.IPNVerifier = (*Verifier)(nil)

func NewVerifier(sandbox bool, requestTimeout time.Duration) *Verifier {
	endpoint := liveEndpoint
	if sandbox {
		endpoint = sandboxEndpoint
	}

	return &Verifier{
		Endpoint:       endpoint,
		HTTPClient:     &http.Client{},
		RequestTimeout: requestTimeout,
	}
}

func (v *Verifier) Verify(ctx context.Context, payload []byte) (domain.Verification, error) {
	body := append([]byte("cmd=_notify-validate&"), payload...)

	requestCtx, cancel := v.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.VerificationInconclusive, fmt.Errorf("create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client().Do(req)
	if err != nil {
		return domain.VerificationInconclusive, fmt.Errorf("verification round-trip: %w", err)
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyResponseBytes))
	if err != nil {
		return domain.VerificationInconclusive, fmt.Errorf("read verification response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.VerificationInconclusive, fmt.Errorf("verification endpoint returned status %d", resp.StatusCode)
	}

	switch string(bytes.TrimSpace(answer)) {
	case "VERIFIED":
		return domain.VerificationVerified, nil
	case "INVALID":
		return domain.VerificationRejected, nil
	default:
		return domain.VerificationInconclusive, errors.New("unrecognized verification response")
	}
}

func (v *Verifier) client() *http.Client {
	if v.HTTPClient != nil {
		return v.HTTPClient
	}
	return http.DefaultClient
}

func (v *Verifier) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := v.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
