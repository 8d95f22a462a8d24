// Package transport defines the interface for mail delivery backends and the
// Client that performs one bounded, classified delivery attempt against them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Transport is the interface that mail delivery backends must implement.
// Each backend performs a single delivery of the whole request (all
// recipients and attachments) to its relay and does not retry on its own.
type Transport interface {
	// Send delivers req using creds. Backends should return *email.Error
	// values when they can classify a failure; anything else is classified
	// by the Client.
	Send(ctx context.Context, req *email.SendEmailRequest, creds Credentials) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Credentials identify the account used against the relay. They are resolved
// once at startup and shared read-only by all requests.
type Credentials struct {
	Account string
	Secret  string
}

// String keeps the secret out of logs.
func (c Credentials) String() string {
	if c.Secret == "" {
		return c.Account
	}
	return c.Account + ":***"
}

// Attempt records the outcome of one transport call. It lives only for the
// duration of a dispatch.
type Attempt struct {
	Number    int
	Transport string
	StartedAt time.Time
	Latency   time.Duration

	// Err is nil on success, otherwise a classified *email.Error.
	Err error
}

// Client owns a backend, the shared credentials and the per-attempt timeout.
type Client struct {
	backend Transport
	creds   Credentials
	timeout time.Duration
}

// NewClient creates a Client. A timeout of zero or less means attempts are
// only bounded by the caller's context.
func NewClient(backend Transport, creds Credentials, timeout time.Duration) *Client {
	return &Client{
		backend: backend,
		creds:   creds,
		timeout: timeout,
	}
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.backend.Name()
}

// Send performs one delivery attempt. The backend runs in its own goroutine
// so the timeout holds even if the backend ignores ctx; on expiry the attempt
// fails with a Timeout error while the backend call is left to unwind.
func (c *Client) Send(ctx context.Context, req *email.SendEmailRequest) Attempt {
	attempt := Attempt{
		Transport: c.backend.Name(),
		StartedAt: time.Now(),
	}

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- email.Errorf(email.KindInternal, "%s transport panicked: %v", c.backend.Name(), r)
			}
		}()
		done <- c.backend.Send(attemptCtx, req, c.creds)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		err = c.expired(ctx, attemptCtx)
	}

	attempt.Latency = time.Since(attempt.StartedAt)
	attempt.Err = Classify(err)
	return attempt
}

// expired builds the error for an attempt whose context ended first.
func (c *Client) expired(parent, attemptCtx context.Context) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &email.Error{
			Kind: email.KindTimeout,
			Msg:  fmt.Sprintf("%s attempt exceeded %s", c.backend.Name(), c.timeout),
			Err:  attemptCtx.Err(),
		}
	}
	return Classify(parent.Err())
}
