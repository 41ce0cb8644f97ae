package common

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure. Workers route files by Kind.
type Kind int

const (
	// KindRetryable covers files not yet ready, locks, partial copies and
	// unreachable databases. The item stays where it is.
	KindRetryable Kind = iota
	// KindParsing is malformed structured content.
	KindParsing
	// KindClassification is an unknown document type or response kind.
	KindClassification
	// KindQuotaExceeded parks the item until the next day.
	KindQuotaExceeded
	// KindSigning also clears the signer availability flag.
	KindSigning
	// KindAttachmentMissing races the gateway's attachment delivery; retried.
	KindAttachmentMissing
	// KindCorrelationUnresolved is recorded as an unmatched response.
	KindCorrelationUnresolved
	// KindConversion is a terminal converter or archive failure.
	KindConversion
)

var kindNames = map[Kind]string{
	KindRetryable:             "RETRYABLE_IO",
	KindParsing:               "PARSING",
	KindClassification:        "CLASSIFICATION",
	KindQuotaExceeded:         "QUOTA_EXCEEDED",
	KindSigning:               "SIGNING",
	KindAttachmentMissing:     "ATTACHMENT_MISSING",
	KindCorrelationUnresolved: "CORRELATION_UNRESOLVED",
	KindConversion:            "CONVERSION",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// AppError represents application-specific errors
type AppError struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDatabase          = errors.New("database error")
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrNotReady          = errors.New("file not ready")
)

// NewAppError builds an error of KindRetryable. Use NewKindError for routing errors.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Kind:    KindRetryable,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewKindError builds an error that carries a routing kind.
func NewKindError(kind Kind, message string, cause error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    kind.String(),
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KindOf returns the kind of the first AppError in err's chain.
// Errors without one are treated as retryable.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindRetryable
}
