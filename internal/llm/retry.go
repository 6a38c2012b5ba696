package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryNotifier is told about each retry before the backoff sleep.
type RetryNotifier func(attempt, maxAttempts int, wait time.Duration, err error)

type retryNotifierKey struct{}

// ContextWithRetryNotifier attaches a per-call retry notifier. RetryGateway
// calls it in addition to the notifier it was built with.
func ContextWithRetryNotifier(ctx context.Context, notify RetryNotifier) context.Context {
	return context.WithValue(ctx, retryNotifierKey{}, notify)
}

func retryNotifierFromContext(ctx context.Context) RetryNotifier {
	notify, _ := ctx.Value(retryNotifierKey{}).(RetryNotifier)
	return notify
}

// RetryGateway wraps a gateway with automatic retry on transient errors.
// A stream is only retried while nothing has been forwarded to the caller:
// once a chunk is out, replaying the request would duplicate output.
type RetryGateway struct {
	inner  Gateway
	config RetryConfig
	notify RetryNotifier
	sleep  func(ctx context.Context, d time.Duration) error
}

// WrapWithRetry wraps a gateway with retry logic.
func WrapWithRetry(g Gateway, config RetryConfig, notify RetryNotifier) *RetryGateway {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryGateway{inner: g, config: config, notify: notify, sleep: sleepContext}
}

func (r *RetryGateway) Name() string {
	return r.inner.Name()
}

func (r *RetryGateway) Capabilities() Capabilities {
	return r.inner.Capabilities()
}

// Unwrap returns the wrapped gateway.
func (r *RetryGateway) Unwrap() Gateway {
	return r.inner
}

func (r *RetryGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		var lastErr error

		for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
			stream, err := r.inner.Stream(ctx, req)
			forwarded := false
			if err == nil {
				forwarded, err = r.forwardChunks(ctx, stream, out)
				if err == nil {
					return nil
				}
			}
			if forwarded || !isRetryable(err) {
				return err
			}
			lastErr = err

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= r.config.MaxAttempts {
				break
			}

			wait := r.calculateBackoff(attempt, lastErr)
			if r.notify != nil {
				r.notify(attempt, r.config.MaxAttempts, wait, lastErr)
			}
			if notify := retryNotifierFromContext(ctx); notify != nil {
				notify(attempt, r.config.MaxAttempts, wait, lastErr)
			}
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}

		return lastErr
	}), nil
}

// forwardChunks copies chunks from stream to out and reports whether any chunk
// reached the caller.
func (r *RetryGateway) forwardChunks(ctx context.Context, stream Stream, out chan<- Chunk) (bool, error) {
	defer stream.Close()

	forwarded := false
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return forwarded, nil
		}
		if err != nil {
			return forwarded, err
		}
		if err := sendChunk(ctx, out, chunk); err != nil {
			return forwarded, err
		}
		forwarded = true
	}
}

// isRetryable returns true if the error is a transient error worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// HTTP status codes and rate limit messages
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	// Connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff computes the wait duration for a retry attempt.
func (r *RetryGateway) calculateBackoff(attempt int, err error) time.Duration {
	if err != nil {
		if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
			if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, r.config.MaxBackoff)
			}
		}
	}

	// Exponential backoff: base * 2^(attempt-1), +/- 25% jitter
	backoff := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	backoff += (rand.Float64() - 0.5) * 0.5 * backoff

	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
