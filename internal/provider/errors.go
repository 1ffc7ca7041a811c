package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/reliability"
)

// Kind classifies a provider failure. Every error crossing a capability
// boundary carries exactly one of these.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	KindAuth      Kind = "auth"
	KindNetwork   Kind = "network"
	KindProvider  Kind = "provider"
	KindCancelled Kind = "cancelled"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error for the given provider.
func NewError(kind Kind, providerName, message string) *Error {
	return &Error{Kind: kind, Provider: providerName, Message: message}
}

// WrapError classifies an underlying error, preserving it as the cause.
func WrapError(kind Kind, providerName string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: providerName, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the classification from err. Context errors map onto
// the taxonomy; anything else is an opaque provider failure.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, reliability.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, reliability.ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindProvider
}

// Classify normalizes an arbitrary error into the taxonomy, attributing
// it to providerName. Already-classified errors pass through untouched.
func Classify(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return WrapError(KindOf(err), providerName, err)
}
