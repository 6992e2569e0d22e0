package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tbxark/stepagent/types"
)

const (
	DefaultMinInterval = 2000 * time.Millisecond
	DefaultBackoffStep = 5000 * time.Millisecond
	DefaultBackoffMax  = 30000 * time.Millisecond
)

// Clock abstracts time so pacing and backoff can be driven from tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Clock = RealClock{}

// Pacing is the per-session request pacing state. It lives with the session
// rather than inside the client so it can be inspected and checkpointed.
type Pacing struct {
	LastRequest  time.Time `json:"lastRequest"`
	RetryAttempt int       `json:"retryAttempt"`
}

// Notifier receives transient user-facing notices such as backoff waits.
type Notifier func(notice string)

type clientOptions struct {
	clock       Clock
	minInterval time.Duration
	backoffStep time.Duration
	backoffMax  time.Duration
}

type ClientOption func(*clientOptions)

func WithClock(c Clock) ClientOption {
	return func(o *clientOptions) {
		o.clock = c
	}
}

func WithMinInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.minInterval = d
	}
}

func WithBackoff(step, maxWait time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.backoffStep = step
		o.backoffMax = maxWait
	}
}

// Client is the caller side of the oracle contract: it paces dispatches,
// backs off on rate limits and normalizes replies.
type Client struct {
	generator   Generator
	clock       Clock
	minInterval time.Duration
	backoffStep time.Duration
	backoffMax  time.Duration
}

func NewClient(generator Generator, opts ...ClientOption) *Client {
	options := clientOptions{
		clock:       RealClock{},
		minInterval: DefaultMinInterval,
		backoffStep: DefaultBackoffStep,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Client{
		generator:   generator,
		clock:       options.clock,
		minInterval: options.minInterval,
		backoffStep: options.backoffStep,
		backoffMax:  options.backoffMax,
	}
}

func (c *Client) Clock() Clock {
	return c.clock
}

// Backoff returns the wait before the caller may retry after the given
// number of consecutive rate-limited attempts.
func (c *Client) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return min(c.backoffStep*time.Duration(attempt), c.backoffMax)
}

// Reply dispatches req once. A rate-limit failure waits out the backoff,
// reports it through notify and then fails; there is no automatic retry.
func (c *Client) Reply(ctx context.Context, pacing *Pacing, req *types.OracleRequest, notify Notifier) (*types.Reply, error) {
	if pacing == nil {
		pacing = &Pacing{}
	}
	if !pacing.LastRequest.IsZero() {
		if wait := c.minInterval - c.clock.Now().Sub(pacing.LastRequest); wait > 0 {
			slog.Debug("pacing oracle request", "wait", wait)
			if err := c.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	pacing.LastRequest = c.clock.Now()

	reply, err := c.generator.Generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = Classify(err)
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		pacing.RetryAttempt++
		wait := c.Backoff(pacing.RetryAttempt)
		slog.Warn("oracle rate limited", "attempt", pacing.RetryAttempt, "wait", wait)
		if notify != nil {
			notify(fmt.Sprintf("Rate limited. Please wait %d seconds...", int(math.Ceil(wait.Seconds()))))
		}
		if sErr := c.clock.Sleep(ctx, wait); sErr != nil {
			return nil, sErr
		}
		return nil, &RateLimitError{Attempt: pacing.RetryAttempt, Wait: wait}
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedReply)
	}

	pacing.RetryAttempt = 0
	return Normalize(Unwrap(reply)), nil
}
