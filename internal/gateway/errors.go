package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Transport codes attached to errors that never produced an HTTP response.
const (
	CodeTimeout     = "ETIMEDOUT"
	CodeAborted     = "ECONNABORTED"
	CodeRefused     = "ECONNREFUSED"
	CodeReset       = "ECONNRESET"
	CodeHostUnreach = "EHOSTUNREACH"
	CodeNetUnreach  = "ENETUNREACH"
	CodeNotFound    = "ENOTFOUND"
)

// Error describes a failed gateway call. Either Status is set (the gateway
// answered with a non-2xx response) or Code is set (the request never got an
// answer).
type Error struct {
	Op      string
	Status  int
	Body    string
	Message string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status of the gateway response, or 0.
func (e *Error) StatusCode() int { return e.Status }

// TransportCode returns the transport failure code, or "".
func (e *Error) TransportCode() string { return e.Code }

func transportCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimeout
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, syscall.ECONNRESET):
		return CodeReset
	case errors.Is(err, syscall.EHOSTUNREACH):
		return CodeHostUnreach
	case errors.Is(err, syscall.ENETUNREACH):
		return CodeNetUnreach
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNotFound
	}
	return ""
}
