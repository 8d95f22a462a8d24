// Package endpoint exposes the dispatcher as a bus request handler. It turns
// a raw request payload into a response payload and never fails to answer.
package endpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/bus"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/email"
)

// Dispatcher delivers a decoded request. *dispatch.Orchestrator implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *email.SendEmailRequest) email.SendEmailResponse
}

// Endpoint serves "send email" requests on a single topic.
type Endpoint struct {
	topic      string
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates an Endpoint for topic. A nil logger means slog.Default().
func New(topic string, dispatcher Dispatcher, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		topic:      topic,
		dispatcher: dispatcher,
		logger:     logger.With("component", "endpoint", "topic", topic),
	}
}

// Topic returns the topic the endpoint serves.
func (e *Endpoint) Topic() string {
	return e.topic
}

// Serve registers Handle for the endpoint's topic.
func (e *Endpoint) Serve(ctx context.Context, r bus.Registrar) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Register(e.topic, e.Handle); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "endpoint registered")
	return nil
}

// Handle decodes payload, dispatches it and returns the encoded response.
// It blocks until the dispatch outcome is definitive.
func (e *Endpoint) Handle(ctx context.Context, payload []byte) (reply []byte) {
	id := uuid.NewString()
	ctx = dispatch.WithRequestID(ctx, id)
	logger := e.logger.With("request_id", id)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("send request handler panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reply = encode(email.Failure(email.Errorf(email.KindInternal, "handler panicked: %v", r)))
		}
	}()

	var req email.SendEmailRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Warn("malformed send request", "error", err)
		return encode(email.Failure(email.Errorf(email.KindInvalidField, "malformed request: %v", err)))
	}

	logger.Debug("send request received",
		"sender", req.Sender,
		"recipients", len(req.Recipients),
		"attachments", len(req.Attachments),
	)

	resp := e.dispatcher.Dispatch(ctx, &req)
	if resp.OK() {
		logger.Info("email delivered",
			"sender", req.Sender,
			"recipients", len(req.Recipients),
			"duration", time.Since(start),
		)
	} else {
		logger.Warn("email not delivered",
			"sender", req.Sender,
			"kind", resp.Kind,
			"error", resp.Error,
			"duration", time.Since(start),
		)
	}
	return encode(resp)
}

// encode cannot fail for SendEmailResponse; the fallback keeps the
// always-answer contract if that ever changes.
func encode(resp email.SendEmailResponse) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"internal error: failed to encode response","kind":"Internal"}`)
	}
	return b
}
