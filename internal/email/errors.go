package email

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindInvalidRecipient     Kind = "InvalidRecipient"
	KindInvalidField         Kind = "InvalidField"
	KindAttachmentTooLarge   Kind = "AttachmentTooLarge"
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindTimeout              Kind = "Timeout"
	KindTransient            Kind = "TransientTransportError"
	KindRejected             Kind = "Rejected"
	KindRetriesExhausted     Kind = "RetriesExhausted"
	KindInternal             Kind = "Internal"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransient
}

// text is the human-readable prefix used in the flat error string.
func (k Kind) text() string {
	switch k {
	case KindInvalidRecipient:
		return "invalid recipient"
	case KindInvalidField:
		return "invalid field"
	case KindAttachmentTooLarge:
		return "attachment too large"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient transport error"
	case KindRejected:
		return "rejected by relay"
	case KindRetriesExhausted:
		return "retries exhausted"
	default:
		return "internal error"
	}
}

// Error is a classified dispatch failure. Its message is what the bus caller
// receives in SendEmailResponse.Error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.text()
	}
	return e.Kind.text() + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind, using err's text as the message.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are Internal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a retryable failure.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}
