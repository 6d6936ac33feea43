// Package client talks to a running scripthost daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the scripthost daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // CA certificate file for https endpoints
	Insecure bool         // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		// start may wait for a dependency install
		Timeout: 15 * time.Minute,
	}
}

// New creates a new scripthost API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	// Reply is set when the daemon answered with a reply body.
	Reply *Reply
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsInformational reports whether err only says the job was already in the
// requested state.
func IsInformational(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is an unknown-job answer.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Submit uploads a script for owner.
func (c *Client) Submit(ctx context.Context, owner int64, fileName string, content []byte) (Reply, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return Reply{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return Reply{}, fmt.Errorf("build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return Reply{}, fmt.Errorf("build upload: %w", err)
	}
	c.logger.Debug("Submitting script", "owner", owner, "file", fileName, "bytes", len(content))
	return c.reply(ctx, http.MethodPost, c.jobsURL(owner), &buf, w.FormDataContentType())
}

// SubmitFile uploads the script at path.
func (c *Client) SubmitFile(ctx context.Context, owner int64, path string) (Reply, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Reply{}, err
	}
	return c.Submit(ctx, owner, filepath.Base(path), b)
}

// Action runs start, stop, restart or delete on a job.
func (c *Client) Action(ctx context.Context, owner int64, hash, action string) (Reply, error) {
	u := c.jobsURL(owner) + "/" + url.PathEscape(hash) + "/" + url.PathEscape(action)
	c.logger.Debug("Job action", "owner", owner, "hash", hash, "action", action)
	return c.reply(ctx, http.MethodPost, u, nil, "")
}

// Status returns the detailed view of one job.
func (c *Client) Status(ctx context.Context, owner int64, hash string) (Reply, error) {
	return c.reply(ctx, http.MethodGet, c.jobsURL(owner)+"/"+url.PathEscape(hash), nil, "")
}

// List returns the owner's jobs.
func (c *Client) List(ctx context.Context, owner int64) (Reply, error) {
	return c.reply(ctx, http.MethodGet, c.jobsURL(owner), nil, "")
}

// Sweep asks the daemon to run a health sweep now and returns how many
// jobs it found crashed.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/debug/sweep", nil, "")
	if err != nil {
		return 0, err
	}
	var s sweepResponse
	if err := json.Unmarshal(body, &s); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return s.Crashed, nil
}

func (c *Client) jobsURL(owner int64) string {
	return c.baseURL + "/jobs/" + strconv.FormatInt(owner, 10)
}

func (c *Client) reply(ctx context.Context, method, u string, body io.Reader, contentType string) (Reply, error) {
	b, err := c.do(ctx, method, u, body, contentType)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.Reply != nil {
			return *ae.Reply, err
		}
		return Reply{}, err
	}
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

// do performs an HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return b, nil
	}
	return nil, c.apiError(resp.StatusCode, b)
}

// apiError decodes either a reply or an error body.
func (c *Client) apiError(code int, b []byte) error {
	ae := &APIError{StatusCode: code, Message: http.StatusText(code)}
	var r Reply
	if err := json.Unmarshal(b, &r); err == nil && r.Text != "" {
		ae.Reply = &r
		ae.Message = r.Text
	} else {
		var er ErrorResponse
		if err := json.Unmarshal(b, &er); err == nil && er.Error != "" {
			ae.Message = er.Error
		}
	}
	if code >= http.StatusInternalServerError {
		c.logger.Error("API request failed", "error", ae.Message, "status", code)
	} else {
		c.logger.Debug("API request rejected", "error", ae.Message, "status", code)
	}
	return ae
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
