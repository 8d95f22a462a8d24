package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/bus"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// isolateEnv blanks the variables that would change the loaded configuration.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MAIL_DISPATCH_CONFIG", "BUS_KIND", "BUS_TOPIC", "TRANSPORT", "MAIL_ACCOUNT", "MAIL_SECRET_REF",
		"DELIVERY_MAX_ATTEMPTS", "DELIVERY_BACKOFF_BASE", "DELIVERY_BACKOFF_CAP", "DELIVERY_ATTEMPT_TIMEOUT",
		"DELIVERY_ATTACHMENT_DIR",
		"SMTP_HOST", "SMTP_CA_FILE", "SES_REGION", "GRAPH_TENANT_ID", "GRAPH_CLIENT_ID",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ADMIN_LISTEN", "")
}

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestSend_FromFlags(t *testing.T) {
	isolateEnv(t)

	attachment := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(attachment, []byte("a,b\n"), 0o600))

	stdout, stderr, err := execute(t, "",
		"send", "--to", "alice@example.com", "--to", "bob@example.com",
		"--from", "svc@example.com", "--subject", "Monthly Report", "--body", "attached",
		"--attach", attachment,
	)
	require.NoError(t, err)

	assert.JSONEq(t, `{"error":""}`, stdout)
	assert.Contains(t, stderr, "To: alice@example.com, bob@example.com")
	assert.Contains(t, stderr, "Subject: Monthly Report")
	assert.Contains(t, stderr, "report.csv (4 B)")
	assert.NotContains(t, stderr, " from "+attachment)
}

func TestSend_MissingAttachmentFile(t *testing.T) {
	isolateEnv(t)

	_, _, err := execute(t, "", "send", "--to", "a@b.com", "--from", "svc@x.com",
		"--attach", filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read attachment")
}

func TestSend_FromStdin(t *testing.T) {
	isolateEnv(t)

	stdout, _, err := execute(t, `{"recipients":["a@b.com"],"sender":"svc@x.com","subject":"hi","body":"hello"}`,
		"send", "--request", "-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":""}`, stdout)
}

func TestSend_InvalidRequestFails(t *testing.T) {
	isolateEnv(t)

	stdout, stderr, err := execute(t, "", "send", "--to", "not-an-address", "--from", "svc@x.com")

	var exit exitError
	require.True(t, errors.As(err, &exit), "got %v", err)
	assert.Contains(t, stdout, `"kind": "InvalidRecipient"`)
	assert.NotContains(t, stderr, "Subject:")
}

func TestSend_RequestAndRecipientsConflict(t *testing.T) {
	isolateEnv(t)

	_, _, err := execute(t, "", "send", "--request", "-", "--to", "a@b.com")
	assert.Error(t, err)
}

func TestValidate_Configuration(t *testing.T) {
	isolateEnv(t)

	stdout, _, err := execute(t, "", "validate")
	require.NoError(t, err)
	assert.Equal(t, "configuration OK: bus=memory topic=rapp_email_send transport=stdout\n", stdout)
}

func TestValidate_InvalidConfiguration(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TRANSPORT", "smtp")
	t.Setenv("SMTP_HOST", "")

	_, _, err := execute(t, "", "validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "Transport.Host is required")
}

func TestValidate_RequestFile(t *testing.T) {
	isolateEnv(t)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"recipients":["a@b.com"],"sender":"svc"}`), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte(`{"recipients":[],"sender":"svc"}`), 0o600))

	stdout, _, err := execute(t, "", "validate", "--request", good)
	require.NoError(t, err)
	assert.Equal(t, "request OK\n", stdout)

	stdout, _, err = execute(t, "", "validate", "--request", bad)
	assert.Error(t, err)
	assert.Contains(t, stdout, "request invalid: invalid recipient")
}

func TestServe_MemoryBusStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Listen = ""

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, &bytes.Buffer{}, slog.Default()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestSelectTransport(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		secret  string
		want    string
		wantErr string
	}{
		{name: "stdout", mutate: func(*config.Config) {}, want: "stdout"},
		{
			name:   "smtp",
			mutate: func(c *config.Config) { c.Transport.Kind = "smtp"; c.Transport.Host = "relay.example.com" },
			want:   "smtp",
		},
		{
			name: "smtp with insecure TLS",
			mutate: func(c *config.Config) {
				c.Transport.Kind = "smtp"
				c.Transport.Host = "relay.example.com"
				c.Transport.InsecureSkipVerify = true
			},
			want: "smtp",
		},
		{
			name:    "smtp with missing CA",
			mutate:  func(c *config.Config) { c.Transport.Kind = "smtp"; c.Transport.CAFile = "/nonexistent/ca.pem" },
			wantErr: "failed to build relay TLS config",
		},
		{
			name:   "ses",
			mutate: func(c *config.Config) { c.Transport.Kind = "ses"; c.Transport.Region = "eu-west-1"; c.Transport.AccessKeyID = "AKID" },
			secret: "secret",
			want:   "ses",
		},
		{
			name:   "graph",
			mutate: func(c *config.Config) { c.Transport.Kind = "graph"; c.Transport.TenantID = "t"; c.Transport.ClientID = "c" },
			secret: "secret",
			want:   "msgraph",
		},
		{
			name:    "graph without secret",
			mutate:  func(c *config.Config) { c.Transport.Kind = "graph" },
			wantErr: "client secret",
		},
		{
			name:   "resend",
			mutate: func(c *config.Config) { c.Transport.Kind = "resend" },
			secret: "re_123",
			want:   "resend",
		},
		{
			name:    "resend without key",
			mutate:  func(c *config.Config) { c.Transport.Kind = "resend" },
			wantErr: "API key",
		},
		{
			name:    "unknown",
			mutate:  func(c *config.Config) { c.Transport.Kind = "pigeon" },
			wantErr: `unknown transport "pigeon"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			creds := transport.Credentials{Account: "svc@example.com", Secret: tt.secret}
			tr, err := selectTransport(context.Background(), cfg, creds, prometheus.NewRegistry(), &bytes.Buffer{}, slog.Default())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Name())
		})
	}
}

func TestSelectBus(t *testing.T) {
	cfg := config.Default()
	b, checks, err := selectBus(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &bus.Memory{}, b)
	assert.Empty(t, checks)

	cfg.Bus.Kind = "kafka"
	cfg.Bus.Brokers = []string{"localhost:9092"}
	b, checks, err = selectBus(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Contains(t, checks, "kafka")

	cfg.Bus.Kind = "redis"
	cfg.Bus.RedisURL = "http://localhost:6379"
	_, _, err = selectBus(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		logger := setupLogger(&bytes.Buffer{}, tt.level, "json")
		ctx := context.Background()
		assert.True(t, logger.Enabled(ctx, tt.enabled), tt.level)
		assert.False(t, logger.Enabled(ctx, tt.muted), tt.level)
	}

	var buf bytes.Buffer
	setupLogger(&buf, "info", "text").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello k=v")
}
