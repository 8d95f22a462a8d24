// Package resend implements a Transport that sends mail via the Resend API.
package resend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v3"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// Config holds Resend transport configuration.
type Config struct {
	APIKey string

	// SenderName is used as the display name when set.
	SenderName string

	// AttachmentDir is the only directory path attachments are read from.
	// Empty refuses path attachments.
	AttachmentDir     string
	MaxAttachmentSize int64
	Logger            *slog.Logger
}

// EmailsAPI is the subset of the Resend client used by the transport.
type EmailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Transport sends mail via the Resend API.
type Transport struct {
	emails     EmailsAPI
	senderName string
	files      transport.Files
	logger     *slog.Logger
}

// New creates a Resend transport.
func New(cfg Config) *Transport {
	return NewWithClient(resend.NewClient(cfg.APIKey).Emails, cfg)
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(emails EmailsAPI, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		emails:     emails,
		senderName: cfg.SenderName,
		files:      transport.Files{Dir: cfg.AttachmentDir, MaxSize: cfg.MaxAttachmentSize},
		logger:     logger.With(slog.String("transport", "resend")),
	}
}

// Name returns the transport name.
func (s *Transport) Name() string {
	return "resend"
}

// Send implements transport.Transport.
func (s *Transport) Send(ctx context.Context, req *email.SendEmailRequest, creds transport.Credentials) error {
	from := transport.SenderAddress(req, creds)
	if s.senderName != "" {
		from = fmt.Sprintf("%s <%s>", s.senderName, from)
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      req.Recipients,
		Subject: req.Subject,
		Text:    req.Body,
	}

	if len(req.Attachments) > 0 {
		attachments, err := s.convertAttachments(req.Attachments)
		if err != nil {
			return err
		}
		params.Attachments = attachments
	}

	resp, err := s.emails.SendWithContext(ctx, params)
	if err != nil {
		return classify(err)
	}

	s.logger.Debug("Resend accepted message", "id", resp.Id)
	return nil
}

func (s *Transport) convertAttachments(attachments []email.Attachment) ([]*resend.Attachment, error) {
	result := make([]*resend.Attachment, len(attachments))
	for i, a := range attachments {
		content, err := transport.ReadAttachment(a, s.files)
		if err != nil {
			return nil, err
		}
		result[i] = &resend.Attachment{
			Filename:    a.Name,
			Content:     content,
			ContentType: transport.ContentType(a),
		}
	}
	return result, nil
}

// classify maps Resend API errors onto error kinds. The client only exposes
// the API's message text, so this matches on the documented messages and
// error names. Anything else is returned as is.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key"), strings.Contains(msg, "api_key"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return &email.Error{Kind: email.KindAuthenticationFailed, Msg: err.Error(), Err: err}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return &email.Error{Kind: email.KindTransient, Msg: err.Error(), Err: err}
	case strings.Contains(msg, "attachment") && strings.Contains(msg, "size"):
		return &email.Error{Kind: email.KindAttachmentTooLarge, Msg: err.Error(), Err: err}
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"),
		strings.Contains(msg, "not verified"), strings.Contains(msg, "must be"):
		return &email.Error{Kind: email.KindRejected, Msg: err.Error(), Err: err}
	}
	return err
}
