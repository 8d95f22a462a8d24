package email

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestUnmarshal_WellFormed(t *testing.T) {
	t.Parallel()

	raw := `{
		"recipients": ["a@b.com", "c@d.org"],
		"sender": "svc@x.com",
		"subject": "hi",
		"body": "hello",
		"attachments": [{"name": "a.txt", "content": "aGVsbG8=", "size": 5}],
		"deadline": "2026-10-17T12:00:00Z"
	}`

	var req SendEmailRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.Recipients) != 2 {
		t.Errorf("Recipients: got %d, want 2", len(req.Recipients))
	}
	if req.Sender != "svc@x.com" {
		t.Errorf("Sender: got %q, want %q", req.Sender, "svc@x.com")
	}
	if req.Subject != "hi" || req.Body != "hello" {
		t.Errorf("Subject/Body: got %q/%q", req.Subject, req.Body)
	}
	if len(req.Attachments) != 1 || string(req.Attachments[0].Content) != "hello" {
		t.Errorf("Attachments: got %+v", req.Attachments)
	}
	want := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	if !req.Deadline.Equal(want) {
		t.Errorf("Deadline: got %v, want %v", req.Deadline, want)
	}
	for _, f := range []string{FieldRecipients, FieldSender, FieldSubject, FieldBody, FieldAttachments, FieldDeadline} {
		if err := req.FieldError(f); err != nil {
			t.Errorf("FieldError(%q): unexpected %v", f, err)
		}
	}
}

func TestUnmarshal_WrongTypesAreRecorded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"recipients as string", `{"recipients": "a@b.com"}`, FieldRecipients},
		{"recipient element as number", `{"recipients": ["a@b.com", 7]}`, FieldRecipients},
		{"sender as number", `{"sender": 42}`, FieldSender},
		{"subject as object", `{"subject": {"x": 1}}`, FieldSubject},
		{"body as bool", `{"body": true}`, FieldBody},
		{"attachments as string", `{"attachments": "file"}`, FieldAttachments},
		{"deadline not RFC3339", `{"deadline": "tomorrow"}`, FieldDeadline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var req SendEmailRequest
			if err := json.Unmarshal([]byte(tt.raw), &req); err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if req.FieldError(tt.field) == nil {
				t.Errorf("FieldError(%q): got nil, want error", tt.field)
			}
		})
	}
}

func TestUnmarshal_NotAnObject(t *testing.T) {
	t.Parallel()

	var req SendEmailRequest
	if err := json.Unmarshal([]byte(`["a@b.com"]`), &req); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestUnmarshal_NullFieldsAreAbsent(t *testing.T) {
	t.Parallel()

	var req SendEmailRequest
	if err := json.Unmarshal([]byte(`{"recipients": null, "subject": null}`), &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.FieldError(FieldRecipients) != nil || req.FieldError(FieldSubject) != nil {
		t.Error("null fields should not record type errors")
	}
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	err := Errorf(KindAuthenticationFailed, "auth rejected")
	if got, want := err.Error(), "authentication failed: auth rejected"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}

	bare := &Error{Kind: KindTimeout}
	if got, want := bare.Error(), "timeout"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("attempt 2: %w", Wrap(KindTransient, cause))

	if got := KindOf(wrapped); got != KindTransient {
		t.Errorf("KindOf(wrapped): got %q, want %q", got, KindTransient)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected wrapped error to unwrap to cause")
	}
	if got := KindOf(cause); got != KindInternal {
		t.Errorf("KindOf(plain): got %q, want %q", got, KindInternal)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil): got %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	retryable := map[Kind]bool{
		KindTimeout:              true,
		KindTransient:            true,
		KindAuthenticationFailed: false,
		KindInvalidRecipient:     false,
		KindAttachmentTooLarge:   false,
		KindRejected:             false,
		KindRetriesExhausted:     false,
		KindInternal:             false,
	}
	for kind, want := range retryable {
		if got := IsRetryable(&Error{Kind: kind}); got != want {
			t.Errorf("IsRetryable(%s): got %v, want %v", kind, got, want)
		}
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil): got true")
	}
}

func TestFailure(t *testing.T) {
	t.Parallel()

	resp := Failure(Errorf(KindInvalidRecipient, "%q has no @", "bob"))
	if resp.Kind != KindInvalidRecipient {
		t.Errorf("Kind: got %q, want %q", resp.Kind, KindInvalidRecipient)
	}
	if resp.OK() {
		t.Error("expected failure response")
	}

	resp = Failure(errors.New("boom"))
	if resp.Kind != KindInternal {
		t.Errorf("Kind: got %q, want %q", resp.Kind, KindInternal)
	}
	if resp.Error != "internal error: boom" {
		t.Errorf("Error: got %q", resp.Error)
	}

	if !Success().OK() {
		t.Error("Success().OK(): got false")
	}
}

func TestResponse_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Success())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"error":""}` {
		t.Errorf("success JSON: got %s", data)
	}
}

func TestAttachment_EffectiveSize(t *testing.T) {
	t.Parallel()

	if got := (Attachment{Size: 10, Content: []byte("abc")}).EffectiveSize(); got != 10 {
		t.Errorf("declared larger: got %d, want 10", got)
	}
	if got := (Attachment{Size: 1, Content: []byte("abc")}).EffectiveSize(); got != 3 {
		t.Errorf("content larger: got %d, want 3", got)
	}
}
