// Package dispatch implements the delivery orchestrator: it validates a send
// request, drives transport attempts under the retry policy and produces the
// final response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// State is a step of a single dispatch.
type State int

const (
	StateReceived State = iota
	StateValidating
	StateRejected
	StateSending
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidating:
		return "validating"
	case StateRejected:
		return "rejected"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateSucceeded || s == StateFailed
}

// Validator checks a request before any delivery attempt.
type Validator interface {
	Validate(req *email.SendEmailRequest) error
}

// Sender performs one bounded delivery attempt. *transport.Client
// implements it.
type Sender interface {
	Send(ctx context.Context, req *email.SendEmailRequest) transport.Attempt
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for state transitions and attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator runs dispatches. It holds no request-scoped state and is safe
// for concurrent use.
type Orchestrator struct {
	validator Validator
	sender    Sender
	policy    Policy
	logger    *slog.Logger
	metrics   *Metrics

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(validator Validator, sender Sender, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator: validator,
		sender:    sender,
		policy:    policy,
		logger:    slog.Default(),
		sleep:     sleepWithContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch validates and delivers req and returns the response for the bus
// caller. It returns only once the outcome is definitive: success, a
// non-retryable failure, exhausted retries or an expired deadline. The
// request's own deadline, when set, bounds the whole dispatch together with
// ctx.
func (o *Orchestrator) Dispatch(ctx context.Context, req *email.SendEmailRequest) email.SendEmailResponse {
	err := o.run(ctx, req)
	o.metrics.observeRequest(err)
	if err != nil {
		return email.Failure(err)
	}
	return email.Success()
}

func (o *Orchestrator) run(ctx context.Context, req *email.SendEmailRequest) error {
	r := &run{logger: o.logger.With(requestAttrs(ctx)...), state: StateReceived}

	r.to(StateValidating)
	if err := o.validator.Validate(req); err != nil {
		r.to(StateRejected, "error", err)
		return err
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	maxAttempts := o.policy.maxAttempts()
	var last error
	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return r.fail(deadlineError(ctx, n-1, last))
		}

		r.to(StateSending, "attempt", n)
		attempt := o.sender.Send(ctx, req)
		attempt.Number = n
		o.metrics.observeAttempt(attempt)

		if attempt.Err == nil {
			r.to(StateSucceeded, "attempt", n, "latency", attempt.Latency)
			return nil
		}
		last = attempt.Err

		r.logger.Warn("delivery attempt failed",
			"attempt", n,
			"max_attempts", maxAttempts,
			"transport", attempt.Transport,
			"latency", attempt.Latency,
			"kind", email.KindOf(last),
			"error", last,
		)

		if !email.IsRetryable(last) {
			return r.fail(last)
		}
		if n >= maxAttempts {
			return r.fail(&email.Error{
				Kind: email.KindRetriesExhausted,
				Msg:  fmt.Sprintf("%s, last error: %s", attempts(n), last),
				Err:  last,
			})
		}
		if ctx.Err() != nil {
			return r.fail(deadlineError(ctx, n, last))
		}

		delay := o.policy.Backoff(n)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return r.fail(deadlineError(ctx, n, last))
		}

		r.to(StateRetrying, "attempt", n, "backoff", delay)
		o.metrics.observeRetry()
		if err := o.sleep(ctx, delay); err != nil {
			return r.fail(deadlineError(ctx, n, last))
		}
	}
}

// deadlineError reports that the caller's deadline ended the dispatch after
// the given number of attempts.
func deadlineError(ctx context.Context, n int, last error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	msg := "deadline exceeded"
	if errors.Is(cause, context.Canceled) {
		msg = "request cancelled"
	}
	if last != nil {
		msg = fmt.Sprintf("%s after %s, last error: %s", msg, attempts(n), last)
	}
	return &email.Error{Kind: email.KindTimeout, Msg: msg, Err: errors.Join(cause, last)}
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

// run tracks the state of one dispatch.
type run struct {
	logger *slog.Logger
	state  State
}

func (r *run) to(next State, attrs ...any) {
	r.logger.Debug("dispatch state transition",
		append([]any{"from", r.state.String(), "to", next.String()}, attrs...)...)
	r.state = next
}

func (r *run) fail(err error) error {
	r.to(StateFailed, "kind", email.KindOf(err), "error", err)
	return err
}

type requestIDKey struct{}

// WithRequestID returns a context carrying a request correlation id, which
// the orchestrator adds to its log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestAttrs(ctx context.Context) []any {
	if id := RequestID(ctx); id != "" {
		return []any{"request_id", id}
	}
	return nil
}
