// Package ses implements a Transport that sends mail via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	Region string

	// AccessKeyID and SecretAccessKey are optional; the default AWS
	// credential chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string

	// AttachmentDir is the only directory path attachments are read from.
	// Empty refuses path attachments.
	AttachmentDir     string
	MaxAttachmentSize int64
	Logger            *slog.Logger
}

// Transport sends mail via the AWS SES v2 API.
type Transport struct {
	client SendEmailAPI
	files  transport.Files
	logger *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transport. SDK retries are disabled; retry policy belongs to
// the dispatcher.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client: client,
		files:  transport.Files{Dir: cfg.AttachmentDir, MaxSize: cfg.MaxAttachmentSize},
		logger: logger.With(slog.String("transport", "ses")),
	}
}

// Name returns the transport name.
func (s *Transport) Name() string {
	return "ses"
}

// Send delivers req via SES. Requests with attachments are sent as a raw
// MIME message, everything else uses the simple content format.
func (s *Transport) Send(ctx context.Context, req *email.SendEmailRequest, creds transport.Credentials) error {
	from := transport.SenderAddress(req, creds)

	var input *sesv2.SendEmailInput
	if len(req.Attachments) > 0 {
		raw, err := buildRawMessage(req, from, s.files)
		if err != nil {
			return err
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination:      &types.Destination{ToAddresses: req.Recipients},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(req, from)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classify(err)
	}

	s.logger.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))
	return nil
}

// buildSimpleInput creates a SES SendEmailInput for mail without attachments.
func buildSimpleInput(req *email.SendEmailRequest, from string) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: req.Recipients,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(req.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(req.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// buildRawMessage renders the full MIME message, attachments included.
func buildRawMessage(req *email.SendEmailRequest, from string, files transport.Files) ([]byte, error) {
	msg, err := transport.Compose(req, from, files)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, &email.Error{Kind: email.KindInvalidField, Msg: "failed to build raw message", Err: err}
	}
	return buf.Bytes(), nil
}

// classify maps SES API error codes onto error kinds. Errors without an API
// code (network failures) are returned as is for the Client to classify.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	msg := fmt.Sprintf("SES %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"AccessDeniedException", "ExpiredTokenException", "ExpiredToken":
		return &email.Error{Kind: email.KindAuthenticationFailed, Msg: msg, Err: err}
	case "TooManyRequestsException", "LimitExceededException", "ThrottlingException", "Throttling":
		return &email.Error{Kind: email.KindTransient, Msg: msg, Err: err}
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return &email.Error{Kind: email.KindTransient, Msg: msg, Err: err}
	}
	return &email.Error{Kind: email.KindRejected, Msg: msg, Err: err}
}
