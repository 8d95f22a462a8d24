package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Classify maps err onto an *email.Error. Errors already classified by a
// backend pass through unchanged. Connection-level failures and timeouts are
// retryable; anything unrecognised is treated as a transient transport error
// so that it gets the benefit of the retry policy.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var classified *email.Error
	if errors.As(err, &classified) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &email.Error{Kind: email.KindTimeout, Msg: "deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &email.Error{Kind: email.KindTimeout, Msg: "request cancelled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return email.Wrap(email.KindTimeout, err)
	}

	return email.Wrap(email.KindTransient, err)
}

// IsConnectionError reports whether err indicates a broken or refused
// connection rather than a protocol-level rejection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
