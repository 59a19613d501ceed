package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the copy-trade core
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindDuplicateIntent      ErrorKind = "duplicate_intent"
	KindInsufficientBalance  ErrorKind = "insufficient_balance"
	KindExchangeRejected     ErrorKind = "exchange_rejected"
	KindCredentialDecryption ErrorKind = "credential_decryption"
	KindNetwork              ErrorKind = "network"
	KindTimeout              ErrorKind = "timeout"
	KindResolutionAmbiguous  ErrorKind = "resolution_ambiguous"
	KindNotFound             ErrorKind = "not_found"
	KindConflict             ErrorKind = "conflict"
	KindInternal             ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may be retried with the
// same intent.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindInternal:
		return true
	}
	return false
}

// CopyError is the error type returned across package boundaries.
// Message is safe to show users; Err is for server logs only.
type CopyError struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *CopyError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *CopyError) Unwrap() error { return e.Err }

// Is matches on kind, and on reason when the target carries one.
func (e *CopyError) Is(target error) bool {
	t, ok := target.(*CopyError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is
var (
	ErrValidation           = &CopyError{Kind: KindValidation}
	ErrDuplicateIntent      = &CopyError{Kind: KindDuplicateIntent}
	ErrInsufficientBalance  = &CopyError{Kind: KindInsufficientBalance}
	ErrExchangeRejected     = &CopyError{Kind: KindExchangeRejected}
	ErrCredentialDecryption = &CopyError{Kind: KindCredentialDecryption}
	ErrNetwork              = &CopyError{Kind: KindNetwork}
	ErrTimeout              = &CopyError{Kind: KindTimeout}
	ErrResolutionAmbiguous  = &CopyError{Kind: KindResolutionAmbiguous}
	ErrNotFound             = &CopyError{Kind: KindNotFound}
	ErrConflict             = &CopyError{Kind: KindConflict}
	ErrInternal             = &CopyError{Kind: KindInternal}
)

// NewError builds a CopyError with the default user message for its kind.
func NewError(kind ErrorKind, reason string, err error) *CopyError {
	return &CopyError{Kind: kind, Reason: reason, Message: userMessage(kind, reason), Err: err}
}

func NewValidationError(msg string) *CopyError {
	return &CopyError{Kind: KindValidation, Message: msg}
}

func NewNotFoundError(what string) *CopyError {
	return &CopyError{Kind: KindNotFound, Message: what + " not found"}
}

// Internal wraps an unexpected error. The cause never reaches users.
func Internal(format string, args ...any) *CopyError {
	return &CopyError{Kind: KindInternal, Message: userMessage(KindInternal, ""), Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var ce *CopyError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine readable reason of err, if any.
func ReasonOf(err error) string {
	var ce *CopyError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// PublicMessage returns the text that may be shown to an end user.
func PublicMessage(err error) string {
	var ce *CopyError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return userMessage(KindInternal, "")
}

var rejectionMessages = map[string]string{
	"insufficient_liquidity": "Not enough liquidity at your price. Try a smaller size or wider slippage.",
	"insufficient_balance":   "Your exchange balance is too low for this order.",
	"rejected":               "The exchange rejected this order.",
	"not_found":              "This market is not available for trading.",
}

func userMessage(kind ErrorKind, reason string) string {
	switch kind {
	case KindValidation:
		return "Invalid order request."
	case KindDuplicateIntent:
		return "This order was already submitted."
	case KindInsufficientBalance:
		return "Insufficient balance for this order."
	case KindExchangeRejected:
		if m, ok := rejectionMessages[reason]; ok {
			return m
		}
		return rejectionMessages["rejected"]
	case KindCredentialDecryption:
		return "We could not access your trading wallet. Please reconnect your wallet."
	case KindNetwork, KindTimeout:
		return "The exchange is temporarily unreachable. Please try again."
	case KindNotFound:
		return "Not found."
	case KindConflict:
		return "This trade was updated concurrently. Please refresh."
	}
	return "Something went wrong. Please try again."
}
