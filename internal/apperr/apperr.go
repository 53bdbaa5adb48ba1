// Package apperr defines the error taxonomy used across the bot:
// transient, auth, proxy-fault, validation, domain-conflict, and fatal.
// Components never panic or propagate across loop boundaries; each
// iteration classifies the error it got back, logs, and continues.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the top-level error category from spec section 7.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindAuth           Kind = "auth"
	KindProxyFault     Kind = "proxy_fault"
	KindValidation     Kind = "validation"
	KindDomainConflict Kind = "domain_conflict"
	KindFatal          Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so call sites can
// errors.As into it instead of matching on strings.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Transient(message string, cause error) *Error      { return new(KindTransient, message, cause) }
func Auth(message string, cause error) *Error           { return new(KindAuth, message, cause) }
func ProxyFault(message string, cause error) *Error     { return new(KindProxyFault, message, cause) }
func Validation(message string, cause error) *Error     { return new(KindValidation, message, cause) }
func DomainConflict(message string, cause error) *Error { return new(KindDomainConflict, message, cause) }
func Fatal(message string, cause error) *Error          { return new(KindFatal, message, cause) }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// RateLimited is a transient error that additionally carries a
// server-suggested wait, per the marketplace client contract in
// spec section 4.7.
type RateLimited struct {
	WaitSeconds int
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.WaitSeconds)
}

// AsRateLimited extracts a RateLimited error from the chain, if any.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
