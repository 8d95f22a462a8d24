package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shineum/mail-dispatch/internal/bus"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/endpoint"
)

type sendOptions struct {
	request     string
	recipients  []string
	sender      string
	subject     string
	body        string
	attachments []string
}

func newSendCommand(rt *runtime) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one email through the configured transport and print the response",
		Long: `Send builds a send request from flags, or reads one from --request
(a JSON file, or "-" for stdin), and delivers it in-process through the same
endpoint, retry policy and transport that serve uses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := opts.payload(cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), rt.cfg, cmd.ErrOrStderr(), rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			mem := bus.NewMemory()
			if err := endpoint.New(rt.cfg.Bus.Topic, a.dispatcher, rt.logger).Serve(cmd.Context(), mem); err != nil {
				return err
			}

			reply, err := mem.Request(cmd.Context(), rt.cfg.Bus.Topic, payload)
			if err != nil {
				return err
			}

			var resp email.SendEmailResponse
			if err := json.Unmarshal(reply, &resp); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if !resp.OK() {
				return exitError{msg: resp.Error}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.request, "request", "", `JSON request file, or "-" for stdin`)
	f.StringSliceVar(&opts.recipients, "to", nil, "recipient address (repeatable)")
	f.StringVar(&opts.sender, "from", "", "sender address or identifier")
	f.StringVar(&opts.subject, "subject", "", "subject line")
	f.StringVar(&opts.body, "body", "", "plain-text body")
	f.StringSliceVar(&opts.attachments, "attach", nil, "file to attach (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("request", "to")
	cmd.MarkFlagsMutuallyExclusive("request", "attach")

	return cmd
}

// payload returns the request payload, read from --request or built from
// the flags.
func (o *sendOptions) payload(stdin io.Reader) ([]byte, error) {
	switch o.request {
	case "":
	case "-":
		return io.ReadAll(stdin)
	default:
		data, err := os.ReadFile(o.request)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		return data, nil
	}

	req := email.SendEmailRequest{
		Recipients: o.recipients,
		Sender:     o.sender,
		Subject:    o.subject,
		Body:       o.body,
	}
	// Files named on the command line are inlined; the dispatcher only reads
	// path attachments from its configured attachment directory.
	for _, path := range o.attachments {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		req.Attachments = append(req.Attachments, email.Attachment{
			Name:    filepath.Base(path),
			Content: content,
		})
	}
	return json.Marshal(&req)
}
