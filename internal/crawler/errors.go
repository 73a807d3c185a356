package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"strings"
	"time"
)

// ErrorKind is a closed classification of per-fetch failures. The retry table
// below is keyed on it, so every kind must be handled explicitly.
type ErrorKind int

// Fetch error kinds in rough order of retryability.
const (
	ErrKindNone ErrorKind = iota
	ErrKindTimeout
	ErrKindNetworkTransient
	ErrKindRateLimited
	ErrKindServerError
	ErrKindClientError
	ErrKindNotFound
	ErrKindAuth
	ErrKindUnknown
)

// String returns the snake_case kind label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindNetworkTransient:
		return "network_transient"
	case ErrKindRateLimited:
		return "rate_limited"
	case ErrKindServerError:
		return "server_error"
	case ErrKindClientError:
		return "client_error"
	case ErrKindNotFound:
		return "not_found"
	case ErrKindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Classify maps a fetch error and the HTTP status (0 when none was received)
// onto an ErrorKind. Status codes win over error inspection.
func Classify(err error, httpStatus int) ErrorKind {
	switch {
	case httpStatus == 404:
		return ErrKindNotFound
	case httpStatus == 401 || httpStatus == 403:
		return ErrKindAuth
	case httpStatus == 429:
		return ErrKindRateLimited
	case httpStatus >= 500 && httpStatus < 600:
		return ErrKindServerError
	case httpStatus >= 400 && httpStatus < 500:
		return ErrKindClientError
	}
	if err == nil {
		return ErrKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindNetworkTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrKindNetworkTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrKindTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ErrKindRateLimited
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return ErrKindNetworkTransient
	default:
		return ErrKindUnknown
	}
}

// RetryPolicy decides retry-or-abandon per error kind with jittered
// exponential backoff. Base delays differ by kind so rate-limited fetches
// back off harder than ordinary transients.
type RetryPolicy struct {
	maxAttempts int
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 3,
		maxDelay:    60 * time.Second,
	}
}

// MaxAttempts exposes the attempt cap for callers sizing loops.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt is allowed for the kind.
// NotFound, Auth, and ClientError are never retried.
func (p *RetryPolicy) ShouldRetry(kind ErrorKind, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	switch kind {
	case ErrKindTimeout, ErrKindNetworkTransient, ErrKindRateLimited, ErrKindServerError:
		return true
	default:
		return false
	}
}

// Backoff returns the wait duration before attempt+1, capped at maxDelay.
func (p *RetryPolicy) Backoff(kind ErrorKind, attempt int) time.Duration {
	base := p.baseDelay(kind)
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func (p *RetryPolicy) baseDelay(kind ErrorKind) time.Duration {
	switch kind {
	case ErrKindRateLimited:
		return 5 * time.Second
	case ErrKindTimeout:
		return 2 * time.Second
	default:
		return time.Second
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
