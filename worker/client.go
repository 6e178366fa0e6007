package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// SessionHeader carries the host session ID on every call to the worker, so
// a worker that outlives a host restart can tell the sessions apart.
const SessionHeader = "X-Guibridge-Session"

// Client calls the control endpoint exposed by the worker process.
// It is a stateless wrapper over an http.Client; each concurrent unit of the
// bridge builds its own Client rather than sharing one.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL     string
	session     string
	callTimeout time.Duration

	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

func WithClientSession(id string) ClientOption {
	return func(c *Client) {
		c.session = id
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the worker control endpoint on the given
// loopback port.
func NewClient(log *zap.SugaredLogger, port int, opts ...ClientOption) *Client {
	c := &Client{
		Logger:      log.Named("worker_client"),
		baseURL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		callTimeout: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 2
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.session != "" {
		r.Header.Add(SessionHeader, c.session)
	}
	r.Close = true
}

// portMessage is both the worker's port proposal and the host-port payload
// sent with heartbeat and show calls.
type portMessage struct {
	Port int
}

// FindAvailablePort asks a live worker which port the host should bind.
func (c *Client) FindAvailablePort(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := c.baseURL + "/port"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("querying port: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected port query status code %d", resp.StatusCode)
	}

	var pr portMessage
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("decoding port response: %w", err)
	}
	if pr.Port <= 0 {
		return 0, fmt.Errorf("worker proposed invalid port %d", pr.Port)
	}
	return pr.Port, nil
}

// Heartbeat tells the worker the host is alive and serving on port.
func (c *Client) Heartbeat(ctx context.Context, port int) error {
	return c.post(ctx, "/heartbeat", portMessage{Port: port})
}

// Show asks the worker to raise its GUI, pointed at the host's RPC port.
func (c *Client) Show(ctx context.Context, port int) error {
	return c.post(ctx, "/show", portMessage{Port: port})
}

func (c *Client) post(ctx context.Context, urlPath string, body interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	u := c.baseURL + urlPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var detail string
		rb, err := io.ReadAll(resp.Body)
		if err != nil {
			detail = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			detail = string(rb)
		}
		return fmt.Errorf("unexpected status code %d from %s: %s", resp.StatusCode, urlPath, detail)
	}
	return nil
}
