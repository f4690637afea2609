package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. Kinds are assigned where the
// error originates and are never re-classified upstream.
type ErrorKind string

// Error kinds surfaced on failed results.
const (
	KindInvalidURL              ErrorKind = "invalid_url"
	KindUnsupportedSource       ErrorKind = "unsupported_source"
	KindBrokerUnavailable       ErrorKind = "broker_unavailable"
	KindNetworkError            ErrorKind = "network_error"
	KindRateLimited             ErrorKind = "rate_limited"
	KindContentNotFound         ErrorKind = "content_not_found"
	KindUnsupportedContentShape ErrorKind = "unsupported_content_shape"
	KindRetryExhausted          ErrorKind = "retry_exhausted"
	KindStorageError            ErrorKind = "storage_error"
	KindFileSizeExceeded        ErrorKind = "file_size_exceeded"
	KindUnknown                 ErrorKind = "unknown"
)

// Retryable reports whether the kind is worth another extraction attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindNetworkError || k == KindRateLimited
}

// Error is a classified pipeline error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// E builds a classified error from a message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is classified as transient.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// UserMessage maps a classified error to the short notice shown to the
// requester. Anything unclassified reads as a temporary failure.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindInvalidURL:
		return "That does not look like a valid link."
	case KindUnsupportedSource:
		return "This site is not supported."
	case KindContentNotFound:
		return "Content not found. It may have been removed."
	case KindUnsupportedContentShape:
		return "This kind of post cannot be downloaded."
	case KindFileSizeExceeded:
		return "The media is too large to deliver."
	default:
		return "Temporarily unavailable, try again."
	}
}
