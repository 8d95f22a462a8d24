package transport

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/validate"
)

// SenderAddress picks the envelope and header sender for req. The request's
// sender is used when it is an address, otherwise the account identity.
func SenderAddress(req *email.SendEmailRequest, creds Credentials) string {
	if validate.ValidAddress(req.Sender) || !validate.ValidAddress(creds.Account) {
		return req.Sender
	}
	return creds.Account
}

// Files locates path attachments. Only files inside Dir can be attached,
// given as a path relative to Dir or an absolute path under it. An empty Dir
// refuses every path attachment.
type Files struct {
	Dir string

	// MaxSize bounds each file. Zero disables the check.
	MaxSize int64
}

// Compose builds the MIME message for req. Path attachments are checked
// here and read when the message is written.
func Compose(req *email.SendEmailRequest, from string, files Files) (*gomail.Message, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", req.Recipients...)
	m.SetHeader("Subject", req.Subject)
	m.SetHeader("Message-ID", MessageID(from))
	m.SetBody("text/plain", req.Body)

	for _, att := range req.Attachments {
		var settings []gomail.FileSetting
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}

		if att.Path == "" {
			content := att.Content
			settings = append(settings, gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}))
			m.Attach(att.Name, settings...)
			continue
		}

		f, err := files.open(att)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		settings = append(settings, gomail.SetCopyFunc(func(w io.Writer) error {
			f, err := files.open(att)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		}))
		m.Attach(att.Name, settings...)
	}

	return m, nil
}

// ReadAttachment returns the bytes of att, reading path attachments from
// disk.
func ReadAttachment(att email.Attachment, files Files) ([]byte, error) {
	if att.Path == "" {
		return att.Content, nil
	}
	f, err := files.open(att)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &email.Error{
			Kind: email.KindInvalidField,
			Msg:  fmt.Sprintf("attachment %q: cannot read %s", att.Name, att.Path),
			Err:  err,
		}
	}
	return data, nil
}

// ContentType returns the attachment's declared type, or one derived from
// its name.
func ContentType(att email.Attachment) string {
	if att.ContentType != "" {
		return att.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(att.Name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// MessageID returns a new Message-ID in the sender's domain.
func MessageID(from string) string {
	domain := "localhost"
	if _, d, ok := strings.Cut(from, "@"); ok && d != "" {
		domain = d
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// open opens the file behind a path attachment inside Dir and checks it is
// a regular file within the size limit.
func (fs Files) open(att email.Attachment) (*os.File, error) {
	if fs.Dir == "" {
		return nil, email.Errorf(email.KindInvalidField, "attachment %q: path attachments are disabled", att.Name)
	}
	name, ok := fs.relative(att.Path)
	if !ok {
		return nil, email.Errorf(email.KindInvalidField, "attachment %q: %s is outside the attachment directory", att.Name, att.Path)
	}

	f, err := os.OpenInRoot(fs.Dir, name)
	if err != nil {
		return nil, &email.Error{
			Kind: email.KindInvalidField,
			Msg:  fmt.Sprintf("attachment %q: cannot read %s", att.Name, att.Path),
			Err:  err,
		}
	}
	info, err := f.Stat()
	switch {
	case err != nil:
		_ = f.Close()
		return nil, &email.Error{
			Kind: email.KindInvalidField,
			Msg:  fmt.Sprintf("attachment %q: cannot read %s", att.Name, att.Path),
			Err:  err,
		}
	case !info.Mode().IsRegular():
		_ = f.Close()
		return nil, email.Errorf(email.KindInvalidField, "attachment %q: %s is not a regular file", att.Name, att.Path)
	case fs.MaxSize > 0 && info.Size() > fs.MaxSize:
		_ = f.Close()
		return nil, email.Errorf(email.KindAttachmentTooLarge,
			"attachment %q is %d bytes, limit is %d", att.Name, info.Size(), fs.MaxSize)
	}
	return f, nil
}

// relative returns path relative to Dir. OpenInRoot rejects anything that
// escapes Dir, symlinks included.
func (fs Files) relative(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		return path, filepath.IsLocal(path)
	}
	dir, err := filepath.Abs(fs.Dir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return rel, true
}
