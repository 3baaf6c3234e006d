package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// APIError is a non-2xx response decoded from an RFC 7807 problem body.
type APIError struct {
	StatusCode int
	Type       string
	Title      string
	Detail     string

	// JobID is set on 409 responses to the id of the running job.
	JobID string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("netmapper api: %d %s", e.StatusCode, msg)
}

// IsConflict reports whether err is a 409 from StartScan.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404, such as cancelling with no
// active scan.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Health mirrors GET /api/health.
type Health struct {
	OK               bool      `json:"ok"`
	Timestamp        time.Time `json:"timestamp"`
	MockMode         bool      `json:"mockMode"`
	ConnectedClients int       `json:"connectedClients"`
	DeviceCount      int       `json:"deviceCount"`
	Version          string    `json:"version"`
}

// Client talks to a netmapper server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used by Watch.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBackoff sets the reconnect delay bounds used by Watch.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = minDelay
		c.maxBackoff = maxDelay
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:3001.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartScan starts a job and returns its id.
func (c *Client) StartScan(ctx context.Context) (string, error) {
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/scan", &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// CancelScan cancels the running job.
func (c *Client) CancelScan(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scan/cancel", nil)
}

// Devices returns the devices of the current job.
func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	var resp struct {
		Devices []models.Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/devices", &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// ScanStatus returns the current job, or the idle sentinel.
func (c *Client) ScanStatus(ctx context.Context) (models.ScanJob, error) {
	var resp struct {
		Scan models.ScanJob `json:"scan"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/scan/status", &resp); err != nil {
		return models.ScanJob{}, err
	}
	return resp.Scan, nil
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/health", &h)
	return h, err
}

// Snapshot pulls the devices and job over REST. Watch does not need it
// since the live channel starts with its own snapshot.
func (c *Client) Snapshot(ctx context.Context) ([]models.Device, models.ScanJob, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, models.ScanJob{}, err
	}
	job, err := c.ScanStatus(ctx)
	if err != nil {
		return nil, models.ScanJob{}, err
	}
	return devices, job, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var p struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
		JobID  string `json:"jobId"`
	}
	if json.Unmarshal(bytes.TrimSpace(body), &p) == nil {
		apiErr.Type = p.Type
		apiErr.Title = p.Title
		apiErr.Detail = p.Detail
		apiErr.JobID = p.JobID
	}
	return apiErr
}

// Watch keeps a live connection open, feeding every frame to a Reconciler
// and calling fn with the new state after each change. Lost connections
// are retried with capped exponential backoff. Watch returns when ctx is
// done.
func (c *Client) Watch(ctx context.Context, fn func(State)) error {
	rec := NewReconciler()
	delay := c.minBackoff

	for {
		connected, err := c.stream(ctx, rec, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.minBackoff
		}
		rec.Disconnected()
		fn(rec.State())
		c.logger.Warn("live channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// stream runs one connection until it fails. It reports whether the
// connection was established.
func (c *Client) stream(ctx context.Context, rec *Reconciler, fn func(State)) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.liveURL(), &websocket.DialOptions{HTTPClient: c.dialClient()})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	rec.Connected()
	fn(rec.State())

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return true, err
		}
		if rec.Apply(msg) {
			fn(rec.State())
		}
	}
}

func (c *Client) liveURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// dialClient drops the overall request timeout, which would otherwise cut
// long-lived connections.
func (c *Client) dialClient() *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}
