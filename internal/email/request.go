// Package email defines the request, response and error model shared by the
// dispatch service, its transports and the bus endpoint.
package email

import (
	"encoding/json"
	"fmt"
	"time"
)

// SendEmailRequest is a decoded "send email" request received from the bus.
//
// Decoding is lenient: a known field whose JSON value has the wrong type does
// not fail the decode. The error is kept on the request and surfaced by the
// validator as an InvalidField violation, so callers always get a response
// describing the offending field.
type SendEmailRequest struct {
	Recipients  []string     `json:"recipients"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Deadline, when set, bounds the whole delivery including retries.
	Deadline time.Time `json:"deadline,omitzero"`

	fieldErrs map[string]error
}

// Attachment references a file either by path on the dispatcher host or by
// inline content. Exactly one of Path and Content is expected.
type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Size is the size declared by the caller, in bytes.
	Size int64 `json:"size,omitempty"`
}

// EffectiveSize returns the larger of the declared size and the inline
// content length.
func (a Attachment) EffectiveSize() int64 {
	return max(a.Size, int64(len(a.Content)))
}

// Field names as they appear on the wire.
const (
	FieldRecipients  = "recipients"
	FieldSender      = "sender"
	FieldSubject     = "subject"
	FieldBody        = "body"
	FieldAttachments = "attachments"
	FieldDeadline    = "deadline"
)

// UnmarshalJSON decodes a request, recording per-field type errors instead of
// failing. It only returns an error when data is not a JSON object.
func (r *SendEmailRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("request is not a JSON object: %w", err)
	}

	*r = SendEmailRequest{}
	r.decodeField(raw, FieldRecipients, &r.Recipients)
	r.decodeField(raw, FieldSender, &r.Sender)
	r.decodeField(raw, FieldSubject, &r.Subject)
	r.decodeField(raw, FieldBody, &r.Body)
	r.decodeField(raw, FieldAttachments, &r.Attachments)

	var deadline string
	r.decodeField(raw, FieldDeadline, &deadline)
	if deadline != "" {
		t, err := time.Parse(time.RFC3339, deadline)
		if err != nil {
			r.setFieldError(FieldDeadline, err)
		} else {
			r.Deadline = t
		}
	}

	return nil
}

// FieldError returns the decode error recorded for the named field, if any.
func (r *SendEmailRequest) FieldError(name string) error {
	return r.fieldErrs[name]
}

func (r *SendEmailRequest) decodeField(raw map[string]json.RawMessage, name string, dst any) {
	v, ok := raw[name]
	if !ok || string(v) == "null" {
		return
	}
	if err := json.Unmarshal(v, dst); err != nil {
		r.setFieldError(name, err)
	}
}

func (r *SendEmailRequest) setFieldError(name string, err error) {
	if r.fieldErrs == nil {
		r.fieldErrs = make(map[string]error)
	}
	r.fieldErrs[name] = err
}
