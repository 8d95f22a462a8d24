package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/admin"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/endpoint"
)

func newServeCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve send requests from the configured bus until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), rt.cfg, cmd.OutOrStdout(), rt.logger)
		},
	}
}

// serve runs the bus consumer and the admin server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	b, checks, err := selectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ep := endpoint.New(cfg.Bus.Topic, a.dispatcher, logger)
	if err := ep.Serve(ctx, b); err != nil {
		return fmt.Errorf("failed to register endpoint: %w", err)
	}

	logger.Info("starting mail-dispatch",
		"bus", cfg.Bus.Kind,
		"topic", cfg.Bus.Topic,
		"transport", a.backend.Name(),
		"admin_listen", cfg.Admin.Listen,
	)
	if cfg.Bus.Kind == "memory" {
		logger.Warn("the memory bus only serves in-process requests; nothing external will be consumed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	if cfg.Admin.Listen != "" {
		srv := admin.New(cfg.Admin.Listen, a.registry, checks, logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	logger.Info("mail-dispatch stopped")
	return err
}
