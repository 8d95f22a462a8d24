// Package smtp implements a Transport that relays mail over a single shared
// SMTP session using gomail.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/textproto"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// Config holds the relay connection settings.
type Config struct {
	Host string
	Port int

	// SSL dials implicit TLS (port 465 style). Otherwise STARTTLS is used
	// whenever the relay offers it.
	SSL bool

	// TLSConfig is used for both implicit TLS and STARTTLS. When nil,
	// gomail verifies the relay against the system roots using Host.
	TLSConfig *tls.Config

	// LocalName is sent in EHLO. Empty means "localhost".
	LocalName string

	// AttachmentDir is the only directory path attachments are read from.
	// Empty refuses path attachments.
	AttachmentDir string

	// MaxAttachmentSize bounds path attachments read from disk. Zero
	// disables the check.
	MaxAttachmentSize int64

	// Metrics counts abandoned sessions. Nil disables them.
	Metrics *Metrics

	Logger *slog.Logger
}

// Transport delivers requests through one lazily dialed SMTP session. The
// session is reused across sends and access to it is serialized; it is
// dropped after any failure and redialed on the next send.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	// slot is a one-element semaphore guarding sess.
	slot chan struct{}
	sess gomail.SendCloser
}

// New creates an SMTP transport. No connection is made until the first send.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With(slog.String("transport", "smtp")),
		slot:   make(chan struct{}, 1),
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

type result struct {
	sess gomail.SendCloser
	err  error
}

// Send delivers req to every recipient in one SMTP transaction.
func (t *Transport) Send(ctx context.Context, req *email.SendEmailRequest, creds transport.Credentials) error {
	from := transport.SenderAddress(req, creds)
	msg, err := transport.Compose(req, from, transport.Files{Dir: t.cfg.AttachmentDir, MaxSize: t.cfg.MaxAttachmentSize})
	if err != nil {
		return err
	}

	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	sess := t.sess
	t.sess = nil

	done := make(chan result, 1)
	go func() {
		done <- t.deliver(sess, creds, from, req.Recipients, msg)
	}()

	select {
	case r := <-done:
		t.sess = r.sess
		<-t.slot
		return classify(r.err)
	case <-ctx.Done():
		<-t.slot
		// The in-flight session is abandoned; the next send dials a new one.
		t.cfg.Metrics.abandoned()
		go func() {
			defer t.cfg.Metrics.settled()
			if r := <-done; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		t.logger.Warn("abandoned in-flight SMTP session", "error", ctx.Err())
		return ctx.Err()
	}
}

// Close quits the shared session, if any.
func (t *Transport) Close() error {
	t.slot <- struct{}{}
	defer func() { <-t.slot }()

	if t.sess == nil {
		return nil
	}
	err := t.sess.Close()
	t.sess = nil
	return err
}

// deliver sends msg over sess, dialing when sess is nil. A reused session
// that turns out to be dead is redialed once within the same attempt. The
// returned session is nil unless the send succeeded.
func (t *Transport) deliver(sess gomail.SendCloser, creds transport.Credentials, from string, to []string, msg *gomail.Message) result {
	reused := sess != nil
	if !reused {
		var err error
		if sess, err = t.dial(creds); err != nil {
			return result{err: err}
		}
	}

	err := sess.Send(from, to, msg)
	if err != nil && reused && transport.IsConnectionError(err) {
		t.logger.Debug("SMTP session went stale, redialing", "error", err)
		_ = sess.Close()
		if sess, err = t.dial(creds); err != nil {
			return result{err: err}
		}
		err = sess.Send(from, to, msg)
	}

	if err != nil {
		_ = sess.Close()
		return result{err: err}
	}
	return result{sess: sess}
}

func (t *Transport) dial(creds transport.Credentials) (gomail.SendCloser, error) {
	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, creds.Account, creds.Secret)
	d.SSL = t.cfg.SSL
	d.TLSConfig = t.cfg.TLSConfig
	d.LocalName = t.cfg.LocalName

	sess, err := d.Dial()
	if err != nil {
		return nil, err
	}
	t.logger.Debug("SMTP session established",
		"host", t.cfg.Host,
		"port", t.cfg.Port,
		"account", creds.Account,
	)
	return sess, nil
}

// classify maps SMTP replies and TLS failures onto error kinds. Anything it
// does not recognise is returned as is for the Client to classify.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		kind := replyKind(tpErr.Code)
		if kind == email.KindTransient || kind == email.KindRejected {
			return &email.Error{Kind: kind, Msg: tpErr.Error(), Err: err}
		}
		return &email.Error{Kind: kind, Msg: tpErr.Msg, Err: err}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &email.Error{Kind: email.KindAuthenticationFailed, Msg: "relay certificate not trusted", Err: err}
	}

	// Raised by the PLAIN and LOGIN mechanisms before any credentials are sent.
	msg := err.Error()
	if strings.Contains(msg, "unencrypted connection") || strings.Contains(msg, "wrong host name") {
		return email.Wrap(email.KindAuthenticationFailed, err)
	}

	return err
}

// replyKind classifies an SMTP reply code.
func replyKind(code int) email.Kind {
	switch code {
	case 530, 534, 535, 538:
		return email.KindAuthenticationFailed
	case 552:
		return email.KindAttachmentTooLarge
	case 550, 551, 553:
		return email.KindInvalidRecipient
	}
	if code >= 500 {
		return email.KindRejected
	}
	return email.KindTransient
}
