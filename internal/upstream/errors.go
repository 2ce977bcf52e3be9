package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"
)

// Kind classifies a failure at the adapter boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindRejected
	KindUnavailable
	KindMalformedInput
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "upstream_timeout"
	case KindRejected:
		return "upstream_rejected"
	case KindUnavailable:
		return "upstream_unavailable"
	case KindMalformedInput:
		return "malformed_input"
	case KindProtocol:
		return "channel_protocol_error"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout        = errors.New("upstream timeout")
	ErrRejected       = errors.New("upstream rejected request")
	ErrUnavailable    = errors.New("upstream unavailable")
	ErrMalformedInput = errors.New("malformed input")
	ErrProtocol       = errors.New("channel protocol error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRejected:
		return ErrRejected
	case KindUnavailable:
		return ErrUnavailable
	case KindMalformedInput:
		return ErrMalformedInput
	case KindProtocol:
		return ErrProtocol
	}
	return nil
}

// Error is returned by every adapter. Status and Message are only set for
// rejected requests.
type Error struct {
	Kind    Kind
	Service string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Service
	if prefix == "" {
		prefix = "voice"
	}
	switch {
	case e.Kind == KindRejected && e.Status > 0:
		return fmt.Sprintf("%s: %v (%d): %s", prefix, e.Kind.sentinel(), e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %v: %s", prefix, e.Kind.sentinel(), e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", prefix, e.Kind.sentinel(), e.Err)
	default:
		return fmt.Sprintf("%s: %v", prefix, e.Kind.sentinel())
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func Timeout(service string, err error) error {
	return &Error{Kind: KindTimeout, Service: service, Err: err}
}

func Rejected(service string, status int, message string) error {
	return &Error{Kind: KindRejected, Service: service, Status: status, Message: message}
}

func Unavailable(service string, err error) error {
	return &Error{Kind: KindUnavailable, Service: service, Err: err}
}

func MalformedInput(service, message string) error {
	return &Error{Kind: KindMalformedInput, Service: service, Message: message}
}

func Protocol(message string) error {
	return &Error{Kind: KindProtocol, Message: message}
}

// Classify maps a transport-level failure onto the adapter taxonomy. Errors
// that are already classified pass through untouched.
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(service, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(service, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindUnavailable, Service: service, Message: "circuit open", Err: err}
	}
	return Unavailable(service, err)
}

// KindOf reports the classification of err, or zero when err is not an
// adapter error.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}
