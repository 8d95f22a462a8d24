// Package main is the entry point for the mail dispatch service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mail-dispatch/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		var exit exitError
		if !errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// exitError fails the command without printing anything more; the command
// already reported the failure on its output.
type exitError struct{ msg string }

func (e exitError) Error() string { return e.msg }

type runtime struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand(out io.Writer) *cobra.Command {
	rt := &runtime{}

	root := &cobra.Command{
		Use:           "mail-dispatch",
		Short:         "Deliver email send requests received over a message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.configPath == "" {
				rt.configPath = os.Getenv("MAIL_DISPATCH_CONFIG")
			}
			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			rt.cfg = cfg
			rt.logger = setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "path to YAML configuration file (optional, env MAIL_DISPATCH_CONFIG)")

	root.AddCommand(
		newServeCommand(rt),
		newSendCommand(rt),
		newValidateCommand(rt),
	)
	return root
}

// setupLogger configures the global slog logger with the given output,
// level and format, and returns it.
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
