// Package validate checks send-email requests before any delivery effort is
// spent. Validation is pure: no I/O, no mutation of the request.
package validate

import (
	"strings"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Validator rejects malformed requests. It is safe for concurrent use.
type Validator struct {
	maxAttachmentSize int64
}

// New returns a Validator. A maxAttachmentSize of zero or less disables the
// attachment size check.
func New(maxAttachmentSize int64) *Validator {
	return &Validator{maxAttachmentSize: maxAttachmentSize}
}

// Validate returns the first violation found, checking recipients, then the
// sender, then subject and body, then attachments. It returns nil for a
// well-formed request.
func (v *Validator) Validate(req *email.SendEmailRequest) error {
	if req == nil {
		return email.Errorf(email.KindInvalidField, "request is empty")
	}
	if err := checkRecipients(req); err != nil {
		return err
	}
	if err := checkSender(req); err != nil {
		return err
	}
	for _, field := range []string{email.FieldSubject, email.FieldBody} {
		if ferr := req.FieldError(field); ferr != nil {
			return email.Errorf(email.KindInvalidField, "%s must be a string", field)
		}
	}
	if ferr := req.FieldError(email.FieldDeadline); ferr != nil {
		return email.Errorf(email.KindInvalidField, "deadline must be an RFC 3339 timestamp")
	}
	return v.checkAttachments(req)
}

func checkRecipients(req *email.SendEmailRequest) error {
	if req.FieldError(email.FieldRecipients) != nil {
		return email.Errorf(email.KindInvalidField, "recipients must be a list of strings")
	}
	if len(req.Recipients) == 0 {
		return email.Errorf(email.KindInvalidRecipient, "at least one recipient is required")
	}
	for i, addr := range req.Recipients {
		if !ValidAddress(addr) {
			return email.Errorf(email.KindInvalidRecipient, "recipient %d %q is not a valid address", i, addr)
		}
	}
	return nil
}

func checkSender(req *email.SendEmailRequest) error {
	if req.FieldError(email.FieldSender) != nil {
		return email.Errorf(email.KindInvalidField, "sender must be a string")
	}
	if strings.TrimSpace(req.Sender) == "" {
		return email.Errorf(email.KindInvalidField, "sender is required")
	}
	return nil
}

func (v *Validator) checkAttachments(req *email.SendEmailRequest) error {
	if req.FieldError(email.FieldAttachments) != nil {
		return email.Errorf(email.KindInvalidField, "attachments must be a list of objects with base64 content")
	}
	for i, att := range req.Attachments {
		switch {
		case att.Name == "":
			return email.Errorf(email.KindInvalidField, "attachment %d has no name", i)
		case att.Path == "" && len(att.Content) == 0:
			return email.Errorf(email.KindInvalidField, "attachment %q needs a path or inline content", att.Name)
		case att.Path != "" && len(att.Content) > 0:
			return email.Errorf(email.KindInvalidField, "attachment %q has both a path and inline content", att.Name)
		case att.Size < 0:
			return email.Errorf(email.KindInvalidField, "attachment %q has a negative size", att.Name)
		}
		if v.maxAttachmentSize > 0 && att.EffectiveSize() > v.maxAttachmentSize {
			return email.Errorf(email.KindAttachmentTooLarge, "attachment %q is %d bytes, limit is %d",
				att.Name, att.EffectiveSize(), v.maxAttachmentSize)
		}
	}
	return nil
}

// ValidAddress reports whether addr has exactly one '@' with non-empty local
// and domain parts and no whitespace.
func ValidAddress(addr string) bool {
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return false
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	return !strings.Contains(domain, "@")
}
