package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/shineum/mail-dispatch/internal/admin"
	"github.com/shineum/mail-dispatch/internal/bus"
	"github.com/shineum/mail-dispatch/internal/bus/kafka"
	"github.com/shineum/mail-dispatch/internal/bus/redis"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	tlsutil "github.com/shineum/mail-dispatch/internal/tls"
	"github.com/shineum/mail-dispatch/internal/transport"
	"github.com/shineum/mail-dispatch/internal/transport/graph"
	"github.com/shineum/mail-dispatch/internal/transport/resend"
	"github.com/shineum/mail-dispatch/internal/transport/ses"
	"github.com/shineum/mail-dispatch/internal/transport/smtp"
	"github.com/shineum/mail-dispatch/internal/transport/stdout"
	"github.com/shineum/mail-dispatch/internal/validate"
)

// runner is a bus that can be served.
type runner interface {
	bus.Registrar
	Run(ctx context.Context) error
}

// app holds the wired service.
type app struct {
	backend    transport.Transport
	dispatcher *dispatch.Orchestrator
	registry   *prometheus.Registry
	closers    []io.Closer
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close component", "error", err)
		}
	}
}

// buildApp resolves credentials and wires the transport backend into the
// orchestrator. out receives the stdout backend's messages.
func buildApp(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) (*app, error) {
	secret, err := config.ResolveSecret(cfg.Credentials.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials secret: %w", err)
	}
	creds := transport.Credentials{Account: cfg.Credentials.Account, Secret: secret}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backend, err := selectTransport(ctx, cfg, creds, registry, out, logger)
	if err != nil {
		return nil, err
	}

	policy := dispatch.Policy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BackoffBase: cfg.Delivery.BackoffBase,
		BackoffCap:  cfg.Delivery.BackoffCap,
	}
	client := transport.NewClient(backend, creds, cfg.Delivery.AttemptTimeout)
	orch := dispatch.New(
		validate.New(cfg.Delivery.MaxAttachmentSize),
		client,
		policy,
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithMetrics(dispatch.NewMetrics(registry)),
	)

	logger.Info("dispatcher configured",
		"transport", backend.Name(),
		"account", creds.String(),
		"max_attempts", policy.MaxAttempts,
		"attempt_timeout", cfg.Delivery.AttemptTimeout,
		"max_latency", policy.MaxLatency(cfg.Delivery.AttemptTimeout),
	)

	a := &app{backend: backend, dispatcher: orch, registry: registry}
	if c, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	return a, nil
}

// selectTransport chooses the delivery backend named in the configuration.
func selectTransport(ctx context.Context, cfg *config.Config, creds transport.Credentials, reg prometheus.Registerer, out io.Writer, logger *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	maxSize := cfg.Delivery.MaxAttachmentSize
	attachmentDir := cfg.Delivery.AttachmentDir
	logger = logger.With("component", "transport")

	switch tc.Kind {
	case "smtp":
		tlsConfig, err := smtpTLSConfig(tc)
		if err != nil {
			return nil, err
		}
		logger.Info("using SMTP relay",
			"host", tc.Host,
			"port", tc.Port,
			"ssl", tc.SSL,
		)
		return smtp.New(smtp.Config{
			Host:              tc.Host,
			Port:              tc.Port,
			SSL:               tc.SSL,
			TLSConfig:         tlsConfig,
			LocalName:         tc.LocalName,
			AttachmentDir:     attachmentDir,
			MaxAttachmentSize: maxSize,
			Metrics:           smtp.NewMetrics(reg),
			Logger:            logger,
		}), nil

	case "ses":
		logger.Info("using AWS SES", "region", tc.Region)
		t, err := ses.New(ctx, ses.Config{
			Region:            tc.Region,
			AccessKeyID:       tc.AccessKeyID,
			SecretAccessKey:   creds.Secret,
			AttachmentDir:     attachmentDir,
			MaxAttachmentSize: maxSize,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil

	case "graph":
		if creds.Secret == "" {
			return nil, errors.New("graph transport requires a client secret (credentials.secret_ref)")
		}
		logger.Info("using Microsoft Graph", "tenant_id", tc.TenantID, "client_id", tc.ClientID)
		return graph.New(graph.Config{
			TenantID:          tc.TenantID,
			ClientID:          tc.ClientID,
			ClientSecret:      creds.Secret,
			AttachmentDir:     attachmentDir,
			MaxAttachmentSize: maxSize,
			Logger:            logger,
		}), nil

	case "resend":
		if creds.Secret == "" {
			return nil, errors.New("resend transport requires an API key (credentials.secret_ref)")
		}
		logger.Info("using Resend")
		return resend.New(resend.Config{
			APIKey:            creds.Secret,
			SenderName:        tc.SenderName,
			AttachmentDir:     attachmentDir,
			MaxAttachmentSize: maxSize,
			Logger:            logger,
		}), nil

	case "stdout", "":
		logger.Info("using stdout transport")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", tc.Kind)
	}
}

// smtpTLSConfig returns nil when the relay's default TLS handling applies.
func smtpTLSConfig(tc config.TransportConfig) (*tls.Config, error) {
	if tc.CAFile == "" && !tc.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig, err := tlsutil.ClientConfig(tlsutil.ClientOptions{
		ServerName:         tc.Host,
		CAFile:             tc.CAFile,
		InsecureSkipVerify: tc.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build relay TLS config: %w", err)
	}
	return tlsConfig, nil
}

// selectBus builds the configured bus and its readiness checks.
func selectBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (runner, admin.Checks, error) {
	bc := cfg.Bus

	switch bc.Kind {
	case "kafka":
		kcfg := kafka.Config{
			Brokers:     bc.Brokers,
			GroupID:     bc.GroupID,
			Concurrency: bc.Concurrency,
			Logger:      logger,
		}
		if bc.TLS {
			tlsConfig, err := tlsutil.ClientConfig(tlsutil.ClientOptions{CAFile: bc.CAFile})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to build Kafka TLS config: %w", err)
			}
			kcfg.TLS = tlsConfig
		}
		if bc.SASLMechanism != "" {
			password, err := config.ResolveSecret(bc.SASLSecretRef)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve SASL secret: %w", err)
			}
			kcfg.SASL = &kafka.SASLConfig{
				Mechanism: bc.SASLMechanism,
				Username:  bc.SASLUsername,
				Password:  password,
			}
		}
		b, err := kafka.New(kcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka bus: %w", err)
		}
		checks := admin.Checks{"kafka": func(ctx context.Context) error {
			dialer := &segkafka.Dialer{TLS: kcfg.TLS}
			conn, err := dialer.DialContext(ctx, "tcp", bc.Brokers[0])
			if err != nil {
				return err
			}
			return conn.Close()
		}}
		return b, checks, nil

	case "redis":
		client, err := redis.Open(ctx, bc.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		checks := admin.Checks{"redis": func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}}
		return &closingRunner{runner: redis.New(client, bc.Concurrency, logger), closer: client}, checks, nil

	case "memory", "":
		return bus.NewMemory(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus %q", bc.Kind)
	}
}

// closingRunner closes a connection once its bus stops.
type closingRunner struct {
	runner
	closer io.Closer
}

func (r *closingRunner) Run(ctx context.Context) error {
	defer func() { _ = r.closer.Close() }()
	return r.runner.Run(ctx)
}
