package sync

import (
	"context"
	"errors"
	"net"
)

// Error taxonomy for provider and token-endpoint failures. The orchestrator
// and token manager branch on these with errors.Is; adapters are responsible
// for wrapping their native errors into one of them.
var (
	// ErrUnauthorized means the credential itself is bad (revoked consent,
	// invalid refresh token). Fatal for the account: it is demoted and not
	// retried until the user re-authorizes.
	ErrUnauthorized = errors.New("credential unauthorized")

	// ErrThrottled means the provider rate-limited us. The account is
	// skipped this cycle and retried on the next one; a 429 is not
	// evidence of a broken credential.
	ErrThrottled = errors.New("provider throttled")

	// ErrTransient covers timeouts and network failures. Same handling as
	// throttled.
	ErrTransient = errors.New("transient provider failure")
)

// IsRetryable reports whether err should leave the account active and be
// retried on the next scheduled cycle.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status code from a provider call onto the
// taxonomy. Returns nil for success codes.
func ClassifyStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrUnauthorized
	case code == 429:
		return ErrThrottled
	case code >= 500:
		return ErrTransient
	default:
		return nil
	}
}
