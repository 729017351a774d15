// Package coach is the client side of the coach interaction protocol:
// streaming exchanges with idle-timeout and synchronous fallback, and the
// confirm/reject lifecycle of server-issued proposals.
package coach

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout bounds a single read of the event stream. It sits above
// the server's default processing ceiling of two minutes.
const DefaultIdleTimeout = 150 * time.Second

// Client is a coach API client. Credentials are injected at construction;
// the client never reads ambient state.
type Client struct {
	api         *HTTPTransport
	transport   Transport
	idleTimeout time.Duration
	streaming   bool
	newKey      func() string
	logger      *slog.Logger
}

type options struct {
	httpClient  *http.Client
	token       string
	idleTimeout time.Duration
	streaming   bool
	wsURL       string
	transport   Transport
	newKey      func() string
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithToken sets the bearer credential used on every call.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithIdleTimeout sets the per-read idle deadline of streaming exchanges.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithStreaming enables or disables the streaming path. When disabled every
// exchange uses the blocking call.
func WithStreaming(enabled bool) Option {
	return func(o *options) { o.streaming = enabled }
}

// WithWebSocket streams over the WebSocket endpoint at wsURL instead of an
// event-stream response body.
func WithWebSocket(wsURL string) Option {
	return func(o *options) { o.wsURL = wsURL }
}

// WithTransport replaces the chat transport entirely.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithKeyGenerator replaces the idempotency key generator.
func WithKeyGenerator(f func() string) Option {
	return func(o *options) { o.newKey = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	o := options{
		idleTimeout: DefaultIdleTimeout,
		streaming:   true,
		newKey:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	api, err := NewHTTPTransport(baseURL, o.httpClient, o.token)
	if err != nil {
		return nil, fmt.Errorf("create coach client: %w", err)
	}

	transport := o.transport
	switch {
	case transport != nil:
	case o.wsURL != "":
		transport = NewWebSocketTransport(o.wsURL, o.token, api)
	default:
		transport = api
	}

	return &Client{
		api:         api,
		transport:   transport,
		idleTimeout: o.idleTimeout,
		streaming:   o.streaming,
		newKey:      o.newKey,
		logger:      o.logger,
	}, nil
}

// IdleTimeout returns the configured per-read deadline.
func (c *Client) IdleTimeout() time.Duration {
	return c.idleTimeout
}
