package oracle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation marks input rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited marks an upstream rate-limit response.
	ErrRateLimited = errors.New("rate limited")
	// ErrPaymentRequired marks an upstream quota/credits failure.
	ErrPaymentRequired = errors.New("payment required")
	// ErrUnavailable marks network, transport and upstream failures.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrMalformedReply marks oracle output that cannot be coerced into a reply.
	ErrMalformedReply = errors.New("malformed reply")
)

// RateLimitError is returned by Client after the backoff wait elapsed.
type RateLimitError struct {
	Attempt int
	Wait    time.Duration
}

func (e *RateLimitError) Error() string {
	return "Rate limit exceeded. Please try again in a moment."
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Classify maps a raw upstream error onto the oracle taxonomy. Errors that
// already carry a taxonomy sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrRateLimited, ErrPaymentRequired, ErrUnavailable, ErrMalformedReply, ErrValidation} {
		if errors.Is(err, known) {
			return err
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(msg, "402") || strings.Contains(msg, "payment required"):
		return fmt.Errorf("%w: %w: %w", ErrUnavailable, ErrPaymentRequired, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
