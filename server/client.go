package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// statusPollInterval is how often WaitForServer asks for the server's status.
const statusPollInterval = 100 * time.Millisecond

// Client connects to a running Server, e.g. to tail its output from a terminal.
type Client struct {
	log        *zap.SugaredLogger
	httpClient *http.Client

	baseURL string
	wsURL   string
}

type ClientOption func(r *retryablehttp.Client)

// WithRetryMax sets how many times a failed status request is retried before giving up.
func WithRetryMax(n int) ClientOption {
	return func(r *retryablehttp.Client) {
		r.RetryMax = n
	}
}

// retryLogger routes retryablehttp's leveled logs to zap.
// Failed attempts are expected while a server is starting, so everything is logged at debug.
type retryLogger struct {
	log *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }

// NewClient builds a client for the server listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	log = log.Named("client")

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = retryLogger{log: log}
	for _, opt := range opts {
		opt(retryClient)
	}

	return &Client{
		log:        log,
		httpClient: retryClient.StandardClient(),
		baseURL:    "http://" + addr,
		wsURL:      "ws://" + addr,
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var status Status
	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

// WaitForServer polls the server's status until it responds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.log.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.log.Debugf("got status error: %s", err)
		}
	}
}

// Subscribe opens a WebSocket connection that receives every chunk broadcast from now on.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	c.log.Debugw("dialing WebSocket", "URL", c.wsURL)
	wsConn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	// a single chunk is at most one pipe read, but leave headroom for large ones
	wsConn.SetReadLimit(1 << 20)
	return &Subscription{conn: wsConn}, nil
}

type Subscription struct {
	conn *websocket.Conn
}

// Next blocks until the next chunk arrives.
// Once the server closes the connection, the returned error satisfies websocket.CloseStatus(err) != -1.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	_, b, err := s.conn.Read(ctx)
	return b, err
}

func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
