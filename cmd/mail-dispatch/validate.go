package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/validate"
)

func newValidateCommand(rt *runtime) *cobra.Command {
	var requestPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, or a request file, without sending anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			if requestPath != "" {
				data, err := os.ReadFile(requestPath)
				if err != nil {
					return fmt.Errorf("failed to read request file: %w", err)
				}
				var req email.SendEmailRequest
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("malformed request: %w", err)
				}
				if err := validate.New(rt.cfg.Delivery.MaxAttachmentSize).Validate(&req); err != nil {
					fmt.Fprintf(out, "request invalid: %v\n", err)
					return exitError{msg: err.Error()}
				}
				fmt.Fprintln(out, "request OK")
				return nil
			}

			a, err := buildApp(cmd.Context(), rt.cfg, cmd.ErrOrStderr(), rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(out, "configuration OK: bus=%s topic=%s transport=%s\n",
				rt.cfg.Bus.Kind, rt.cfg.Bus.Topic, a.backend.Name())
			return nil
		},
	}

	cmd.Flags().StringVar(&requestPath, "request", "", "validate this JSON request file instead of the configuration")
	return cmd
}
