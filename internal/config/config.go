// Package config loads the dispatcher configuration from an optional YAML
// file, overridden by environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultMaxAttachmentSize is 25 MiB in bytes.
const defaultMaxAttachmentSize = 26214400

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Transport   TransportConfig   `yaml:"transport"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BusConfig selects the message bus and the request topic.
type BusConfig struct {
	Kind        string   `yaml:"kind" validate:"oneof=memory kafka redis"`
	Topic       string   `yaml:"topic" validate:"required"`
	Brokers     []string `yaml:"brokers" validate:"required_if=Kind kafka,dive,hostname_port"`
	GroupID     string   `yaml:"group_id" validate:"required_if=Kind kafka"`
	RedisURL    string   `yaml:"redis_url" validate:"required_if=Kind redis,omitempty,url"`
	Concurrency int      `yaml:"concurrency" validate:"min=1"`

	// TLS enables TLS to the Kafka brokers.
	TLS    bool   `yaml:"tls"`
	CAFile string `yaml:"ca_file" validate:"omitempty,file"`

	SASLMechanism string `yaml:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	SASLUsername  string `yaml:"sasl_username" validate:"required_with=SASLMechanism"`
	SASLSecretRef string `yaml:"sasl_secret_ref" validate:"required_with=SASLMechanism"`
}

// TransportConfig selects and configures the delivery backend.
type TransportConfig struct {
	Kind string `yaml:"kind" validate:"oneof=stdout smtp ses graph resend"`

	// SMTP relay.
	Host               string `yaml:"host" validate:"required_if=Kind smtp"`
	Port               int    `yaml:"port" validate:"min=1,max=65535"`
	SSL                bool   `yaml:"ssl"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file" validate:"omitempty,file"`
	LocalName          string `yaml:"local_name"`

	// Amazon SES. The secret access key is the credentials secret.
	Region      string `yaml:"region" validate:"required_if=Kind ses"`
	AccessKeyID string `yaml:"access_key_id"`

	// Microsoft Graph. The client secret is the credentials secret.
	TenantID string `yaml:"tenant_id" validate:"required_if=Kind graph"`
	ClientID string `yaml:"client_id" validate:"required_if=Kind graph"`

	// Resend. The API key is the credentials secret.
	SenderName string `yaml:"sender_name"`
}

// CredentialsConfig identifies the relay account. SecretRef is resolved by
// ResolveSecret once at startup.
type CredentialsConfig struct {
	Account   string `yaml:"account"`
	SecretRef string `yaml:"secret_ref"`
}

// DeliveryConfig holds the retry policy and limits.
type DeliveryConfig struct {
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"min=1,max=20"`
	BackoffBase       time.Duration `yaml:"backoff_base" validate:"min=0"`
	BackoffCap        time.Duration `yaml:"backoff_cap" validate:"gtefield=BackoffBase"`
	MaxAttachmentSize int64         `yaml:"max_attachment_size" validate:"min=0"`

	// AttachmentDir is the only directory path attachments may be read
	// from. Empty refuses path attachments; inline content always works.
	AttachmentDir string `yaml:"attachment_dir" validate:"omitempty,dir"`
}

// AdminConfig configures the metrics and health listener.
type AdminConfig struct {
	// Listen is the admin HTTP address. Empty disables the listener.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Load builds the configuration from defaults, the YAML file at path when
// path is not empty, and environment variables, in increasing precedence.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Kind:        "memory",
			Topic:       "rapp_email_send",
			GroupID:     "mail-dispatch",
			Concurrency: 8,
		},
		Transport: TransportConfig{
			Kind: "stdout",
			Port: 587,
		},
		Delivery: DeliveryConfig{
			AttemptTimeout:    30 * time.Second,
			MaxAttempts:       3,
			BackoffBase:       time.Second,
			BackoffCap:        30 * time.Second,
			MaxAttachmentSize: defaultMaxAttachmentSize,
		},
		Admin:   AdminConfig{Listen: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "file":
		return fmt.Sprintf("%s: file %q does not exist", field, fe.Value())
	case "dir":
		return fmt.Sprintf("%s: directory %q does not exist", field, fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString(&c.Bus.Kind, "BUS_KIND")
	setString(&c.Bus.Topic, "BUS_TOPIC")
	if v := os.Getenv("BUS_BROKERS"); v != "" {
		c.Bus.Brokers = splitList(v)
	}
	setString(&c.Bus.GroupID, "BUS_GROUP_ID")
	setString(&c.Bus.RedisURL, "BUS_REDIS_URL")
	setString(&c.Bus.CAFile, "BUS_CA_FILE")
	setString(&c.Bus.SASLMechanism, "BUS_SASL_MECHANISM")
	setString(&c.Bus.SASLUsername, "BUS_SASL_USERNAME")
	setString(&c.Bus.SASLSecretRef, "BUS_SASL_SECRET_REF")

	setString(&c.Transport.Kind, "TRANSPORT")
	setString(&c.Transport.Host, "SMTP_HOST")
	setString(&c.Transport.CAFile, "SMTP_CA_FILE")
	setString(&c.Transport.LocalName, "SMTP_LOCAL_NAME")
	setString(&c.Transport.Region, "SES_REGION")
	setString(&c.Transport.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.Transport.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Transport.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Transport.SenderName, "RESEND_SENDER_NAME")

	setString(&c.Delivery.AttachmentDir, "DELIVERY_ATTACHMENT_DIR")

	setString(&c.Credentials.Account, "MAIL_ACCOUNT")
	setString(&c.Credentials.SecretRef, "MAIL_SECRET_REF")

	if v, ok := os.LookupEnv("ADMIN_LISTEN"); ok {
		c.Admin.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	var errs []error
	errs = append(errs,
		setInt(&c.Bus.Concurrency, "BUS_CONCURRENCY"),
		setBool(&c.Bus.TLS, "BUS_TLS"),
		setInt(&c.Transport.Port, "SMTP_PORT"),
		setBool(&c.Transport.SSL, "SMTP_SSL"),
		setBool(&c.Transport.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY"),
		setDuration(&c.Delivery.AttemptTimeout, "DELIVERY_ATTEMPT_TIMEOUT"),
		setInt(&c.Delivery.MaxAttempts, "DELIVERY_MAX_ATTEMPTS"),
		setDuration(&c.Delivery.BackoffBase, "DELIVERY_BACKOFF_BASE"),
		setDuration(&c.Delivery.BackoffCap, "DELIVERY_BACKOFF_CAP"),
		setInt64(&c.Delivery.MaxAttachmentSize, "DELIVERY_MAX_ATTACHMENT_SIZE"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
