// Package graph implements a Transport that sends mail via the Microsoft
// Graph API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// BaseURL and TokenURL override the public endpoints, used for testing.
	BaseURL  string
	TokenURL string

	// HTTPClient is used for both token and API requests.
	HTTPClient *http.Client

	// AttachmentDir is the only directory path attachments are read from.
	// Empty refuses path attachments.
	AttachmentDir     string
	MaxAttachmentSize int64
	Logger            *slog.Logger
}

// Transport sends mail via the Microsoft Graph sendMail endpoint. Tokens are
// cached and refreshed by the oauth2 token source, and fetched again once
// when Graph answers 401.
type Transport struct {
	baseURL     string
	credentials *clientcredentials.Config
	base        *http.Client
	files       transport.Files
	logger      *slog.Logger

	mu         sync.Mutex
	httpClient *http.Client
}

// New creates a Transport. No token is fetched until the first send.
func New(cfg Config) *Transport {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	g := &Transport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: cc,
		base:        base,
		files:       transport.Files{Dir: cfg.AttachmentDir, MaxSize: cfg.MaxAttachmentSize},
		logger:      logger.With(slog.String("transport", "graph")),
	}
	g.httpClient = g.newClient()
	return g
}

// newClient returns an HTTP client with a fresh token cache.
func (g *Transport) newClient() *http.Client {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, g.base)
	client := oauth2.NewClient(ctx, g.credentials.TokenSource(ctx))
	client.Timeout = g.base.Timeout
	return client
}

func (g *Transport) client() *http.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpClient
}

// resetToken drops the cached token unless another send already replaced
// the client that was rejected.
func (g *Transport) resetToken(rejected *http.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.httpClient == rejected {
		g.httpClient = g.newClient()
	}
}

// Name returns the transport name.
func (g *Transport) Name() string {
	return "msgraph"
}

// Send delivers req as the sending mailbox user.
func (g *Transport) Send(ctx context.Context, req *email.SendEmailRequest, creds transport.Credentials) error {
	body, err := buildSendMailRequest(req, g.files)
	if err != nil {
		return err
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return email.Wrap(email.KindInternal, fmt.Errorf("failed to marshal request body: %w", err))
	}

	from := transport.SenderAddress(req, creds)
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, url.PathEscape(from))

	client := g.client()
	resp, err := g.post(ctx, client, endpoint, bodyJSON)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// The cached token may have been revoked; fetch a new one and retry once.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		g.logger.Info("refreshing Graph API token after 401", "mailbox", from)
		g.resetToken(client)
		if resp, err = g.post(ctx, g.client(), endpoint, bodyJSON); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		g.logger.Debug("Graph accepted message", "mailbox", from)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(respBody))
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(respBody, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		message = graphErrResp.Error.Message
	}

	return classifyError(resp.StatusCode, message)
}

func (g *Transport) post(ctx context.Context, client *http.Client, endpoint string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, email.Wrap(email.KindInternal, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, classifyTokenError(retrieveErr, err)
		}
		return nil, err
	}
	return resp, nil
}

// classifyTokenError maps a token endpoint failure onto an error kind. An
// unavailable or throttled endpoint is retried; anything else means the
// client credentials were refused.
func classifyTokenError(retrieveErr *oauth2.RetrieveError, err error) *email.Error {
	kind := email.KindAuthenticationFailed
	if retrieveErr.Response != nil {
		switch code := retrieveErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
			kind = email.KindTransient
		}
	}
	return &email.Error{
		Kind: kind,
		Msg:  fmt.Sprintf("token request failed: %s", tokenErrorText(retrieveErr)),
		Err:  err,
	}
}

// classifyError maps a Graph API status code onto an error kind.
func classifyError(statusCode int, message string) *email.Error {
	msg := fmt.Sprintf("Graph API error (HTTP %d): %s", statusCode, message)

	var kind email.Kind
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = email.KindAuthenticationFailed
	case statusCode == http.StatusRequestEntityTooLarge:
		kind = email.KindAttachmentTooLarge
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		kind = email.KindTransient
	case statusCode >= 500:
		kind = email.KindTransient
	default:
		kind = email.KindRejected
	}

	return &email.Error{Kind: kind, Msg: msg}
}

func tokenErrorText(err *oauth2.RetrieveError) string {
	if err.ErrorCode != "" {
		if err.ErrorDescription != "" {
			return err.ErrorCode + ": " + err.ErrorDescription
		}
		return err.ErrorCode
	}
	if err.Response != nil {
		return err.Response.Status
	}
	return "unknown error"
}
