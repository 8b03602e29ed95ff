package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
)

// Kind is the failure class of a send error. It decides whether the send is
// retried, recorded as failed, or escalated to an auto-pause.
type Kind string

const (
	KindInvalidNumber Kind = "INVALID_NUMBER"
	KindBlockedNumber Kind = "BLOCKED_NUMBER"
	KindDisconnected  Kind = "DISCONNECTED"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindRateLimit     Kind = "RATE_LIMIT"
	KindServerBusy    Kind = "SERVER_BUSY"
	KindTimeout       Kind = "TIMEOUT"
	KindNetwork       Kind = "NETWORK_ERROR"
	KindAPI           Kind = "API_ERROR"
	KindUnknown       Kind = "UNKNOWN_ERROR"
)

// Permanent kinds describe the recipient, not the gateway.
func (k Kind) Permanent() bool {
	return k == KindInvalidNumber || k == KindBlockedNumber
}

// TripsCircuit reports whether the kind pauses the whole campaign.
func (k Kind) TripsCircuit() bool {
	return k == KindDisconnected || k == KindUnauthorized
}

func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServerBusy, KindTimeout, KindNetwork, KindAPI:
		return true
	}
	return false
}

// ClassifiedError carries a kind decided before the error reached Classify,
// for failures that never touched the gateway (bad template, invalid number).
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

type statusCoder interface{ StatusCode() int }

type transportCoder interface{ TransportCode() string }

var (
	unauthorizedTerms = []string{"unauthorized", "unauthorised", "forbidden", "not authorized",
		"invalid token", "token invalid", "invalid_token", "token expired", "expired token"}
	disconnectedTerms = []string{"disconnected", "not connected", "qr code", "qrcode", "scan the qr",
		"session closed", "logged out", "no session"}
	invalidNumberTerms = []string{"invalid number", "invalid phone", "not on whatsapp", "not on the platform",
		"not registered", "does not exist", "not exist", "invalid jid", "invalid recipient"}
	blockedTerms   = []string{"blocked", "banned"}
	rateLimitTerms = []string{"rate limit", "rate-limit", "ratelimit", "too many requests", "throttl"}
	busyTerms      = []string{"busy", "overloaded", "unavailable", "try again later", "bad gateway"}
	networkTerms   = []string{"connection refused", "econnrefused", "connection reset", "econnreset",
		"no such host", "enotfound", "network is unreachable", "host is unreachable", "ehostunreach", "enetunreach"}
	timeoutTerms = []string{"timeout", "timed out", "deadline exceeded", "aborted", "etimedout", "econnaborted"}
)

// Classify maps a send error to its Kind. Transport codes are checked first,
// then HTTP status together with message text. Authorization is checked before
// the permanent recipient errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch transportCodeOf(err) {
	case gateway.CodeTimeout, gateway.CodeAborted:
		return KindTimeout
	case gateway.CodeRefused, gateway.CodeReset, gateway.CodeHostUnreach, gateway.CodeNetUnreach, gateway.CodeNotFound:
		return KindNetwork
	}

	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))

	switch {
	case status == 401 || status == 403 || containsAny(msg, unauthorizedTerms):
		return KindUnauthorized
	case status == 404 || containsAny(msg, disconnectedTerms):
		return KindDisconnected
	case status == 400 || containsAny(msg, invalidNumberTerms):
		return KindInvalidNumber
	case containsAny(msg, blockedTerms):
		return KindBlockedNumber
	case status == 429 || containsAny(msg, rateLimitTerms):
		return KindRateLimit
	case status >= 500 || containsAny(msg, busyTerms):
		return KindServerBusy
	case containsAny(msg, networkTerms):
		return KindNetwork
	case containsAny(msg, timeoutTerms):
		return KindTimeout
	case msg == "" && status == 0:
		return KindUnknown
	}
	return KindAPI
}

func transportCodeOf(err error) string {
	var tc transportCoder
	if errors.As(err, &tc) {
		if code := tc.TransportCode(); code != "" {
			return code
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return gateway.CodeTimeout
	case errors.Is(err, context.Canceled):
		return gateway.CodeAborted
	case errors.Is(err, syscall.ECONNREFUSED):
		return gateway.CodeRefused
	case errors.Is(err, syscall.ECONNRESET):
		return gateway.CodeReset
	case errors.Is(err, syscall.EHOSTUNREACH):
		return gateway.CodeHostUnreach
	case errors.Is(err, syscall.ENETUNREACH):
		return gateway.CodeNetUnreach
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return gateway.CodeTimeout
	}
	return ""
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// RetryPolicy decides whether and when a failed send is attempted again.
// MaxAttempts counts every send of a recipient, the first one included.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxJitter   time.Duration
	Ceiling     time.Duration
	Floors      map[Kind]time.Duration

	// Jitter returns a random duration in [0, max]. Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		MaxJitter:   time.Second,
		Ceiling:     300 * time.Second,
		Floors: map[Kind]time.Duration{
			KindRateLimit:  60 * time.Second,
			KindServerBusy: 10 * time.Second,
			KindNetwork:    5 * time.Second,
			KindTimeout:    3 * time.Second,
		},
	}
}

// ShouldRetry reports whether attempt (zero-based, the one that just failed)
// may be followed by another.
func (p RetryPolicy) ShouldRetry(kind Kind, attempt int) bool {
	return kind.Retryable() && attempt+1 < p.MaxAttempts
}

// Delay is Base*2^attempt plus jitter, raised to the kind's floor and capped
// at Ceiling.
func (p RetryPolicy) Delay(kind Kind, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := p.Base << attempt
	if p.MaxJitter > 0 {
		d += p.jitter(p.MaxJitter)
	}
	if floor, ok := p.Floors[kind]; ok && d < floor {
		d = floor
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

func (p RetryPolicy) jitter(max time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// ShouldRetry applies the default policy.
func ShouldRetry(kind Kind, attempt int) bool {
	return DefaultRetryPolicy().ShouldRetry(kind, attempt)
}
