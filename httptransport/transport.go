// Package httptransport delivers messages to a remote endpoint over HTTP.
//
// Every request carries the client key in the Idempotency-Key header, so a
// retried delivery is acknowledged as a duplicate instead of being stored twice.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/wire"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

var (
	// ErrBaseURLRequired is returned when no endpoint is configured.
	ErrBaseURLRequired = errors.New("outbox http: base url is required")
	// ErrInvalidBaseURL is returned when the endpoint is not an absolute http(s) URL.
	ErrInvalidBaseURL = errors.New("outbox http: invalid base url")
)

// StatusError describes an unexpected response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("outbox http: status %d", e.StatusCode)
	}

	return fmt.Sprintf("outbox http: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Config defines transport behavior.
type Config struct {
	Client *http.Client
	// Timeout applies when Client is not provided.
	Timeout time.Duration
	Header  http.Header
}

// Option configures the transport.
type Option func(*Config)

// WithClient sets the HTTP client.
func WithClient(client *http.Client) Option {
	return func(c *Config) {
		c.Client = client
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Header == nil {
			c.Header = make(http.Header)
		}
		c.Header.Add(key, value)
	}
}

// Transport implements outbox.Transport against a receiver endpoint.
type Transport struct {
	base *url.URL
	cfg  Config
}

var _ outbox.Transport = (*Transport)(nil)

// New returns a transport posting to baseURL.
func New(baseURL string, opts ...Option) (*Transport, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, ErrInvalidBaseURL
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Transport{base: base, cfg: cfg}, nil
}

// Send implements outbox.Transport.
func (t *Transport) Send(ctx context.Context, msg outbox.Outgoing) outbox.Outcome {
	body, err := json.Marshal(wire.SendRequest{Text: msg.Text, CreatedAt: msg.CreatedAt})
	if err != nil {
		return outbox.Rejected{Cause: err}
	}

	endpoint := t.base.String() + wire.MessagesPath(string(msg.ConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return outbox.Rejected{Cause: err}
	}
	for key, values := range t.cfg.Header {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.HeaderIdempotencyKey, msg.ClientKey)

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classifyError(err)
	}

	return classifyResponse(resp.StatusCode, data)
}

// Ping checks that the endpoint answers its health route.
func (t *Transport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base.String()+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

func classifyResponse(status int, body []byte) outbox.Outcome {
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		var ack wire.SendResponse
		if err := json.Unmarshal(body, &ack); err != nil {
			// The endpoint took the message but no server id can be read back.
			return outbox.AlreadyAccepted{}
		}
		if ack.Duplicate || ack.ServerID == "" {
			return outbox.AlreadyAccepted{}
		}

		return outbox.Accepted{ServerID: ack.ServerID}
	case status == http.StatusConflict:
		return outbox.AlreadyAccepted{}
	}

	statusErr := &StatusError{StatusCode: status}
	var problem wire.ErrorResponse
	if json.Unmarshal(body, &problem) == nil {
		statusErr.Code = problem.Code
		statusErr.Message = problem.Message
	}

	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return outbox.Unreachable{Err: statusErr}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return outbox.Timeout{Err: statusErr}
	}
	if status >= 500 {
		return outbox.Timeout{Err: statusErr}
	}

	return outbox.Rejected{Cause: statusErr}
}

func classifyError(err error) outbox.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return outbox.Timeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return outbox.Timeout{Err: err}
	}

	return outbox.Unreachable{Err: err}
}
