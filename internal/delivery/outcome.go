// Package delivery sends replies to the messaging platform and classifies
// the result into retryable and terminal outcomes.
package delivery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTerminal marks a delivery failure that must never be retried.
	ErrTerminal = errors.New("delivery failed terminally")
	// ErrRetryable marks a delivery failure that may succeed on redelivery.
	ErrRetryable = errors.New("delivery failed, retryable")
)

// Kind classifies the result of one send.
type Kind int

const (
	Delivered Kind = iota
	TerminalAuth
	TerminalWindow
	TerminalRejected
	RateLimited
	ServerError
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TerminalAuth:
		return "terminal_auth"
	case TerminalWindow:
		return "terminal_window"
	case TerminalRejected:
		return "terminal_rejected"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Outcome is what the worker acts on. Status is the HTTP status (0 when the
// request never got a response) and Code the platform's body code.
type Outcome struct {
	Kind       Kind
	Status     int
	Code       int
	Message    string
	RetryAfter int // seconds, from the Retry-After header when present
	Err        error
}

// Retryable reports whether the task should be redelivered.
func (o Outcome) Retryable() bool {
	return o.Kind == RateLimited || o.Kind == ServerError
}

// Delivered reports whether the platform accepted the message.
func (o Outcome) Delivered() bool {
	return o.Kind == Delivered
}

// Classify maps an HTTP status and the decoded platform body onto a Kind.
// 401/403 always win over the body; a non-zero body code on a 2xx is a rejection.
func Classify(status, code int, message string) Kind {
	switch {
	case status == 401 || status == 403:
		return TerminalAuth
	case status == 429:
		return RateLimited
	case status >= 500:
		return ServerError
	case status >= 400:
		if isWindowRejection(message) {
			return TerminalWindow
		}
		return TerminalRejected
	case status >= 200 && status < 300:
		if code == 0 {
			return Delivered
		}
		if isWindowRejection(message) {
			return TerminalWindow
		}
		return TerminalRejected
	default:
		return ServerError
	}
}

func isWindowRejection(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "window") || strings.Contains(m, "48 hour") || strings.Contains(m, "48h")
}

func newOutcome(kind Kind, status, code int, message string, cause error) Outcome {
	o := Outcome{Kind: kind, Status: status, Code: code, Message: message}
	if kind == Delivered {
		return o
	}
	sentinel := ErrTerminal
	if o.Retryable() {
		sentinel = ErrRetryable
	}
	switch {
	case cause != nil:
		o.Err = fmt.Errorf("%w (%s): %w", sentinel, kind, cause)
	case message != "":
		o.Err = fmt.Errorf("%w (%s): status %d code %d: %s", sentinel, kind, status, code, message)
	default:
		o.Err = fmt.Errorf("%w (%s): status %d code %d", sentinel, kind, status, code)
	}
	return o
}
