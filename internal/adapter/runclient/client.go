// Package runclient is the HTTP client of the runstream API. Run streams are
// read as SSE and decoded into protocol events.
package runclient

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

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/runstream/internal/adapter/sse"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/resilience"
	"github.com/Strob0t/runstream/internal/service"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to a runstream server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker sends every request through b. Only transport failures and
// 5xx responses count against it.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a Client for the server at baseURL. The default HTTP client
// has no overall timeout since run streams are long-lived.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream is an open run stream.
type Stream struct {
	RunID    string
	ThreadID string

	body io.ReadCloser
	dec  *sse.Decoder
}

// Next returns the next event of the run, or io.EOF when the stream ends.
func (s *Stream) Next() (event.Event, error) {
	return s.dec.Next()
}

// Close releases the connection. Closing before RUN_FINISHED abandons the run.
func (s *Stream) Close() error {
	return s.body.Close()
}

// StartRun posts in and returns the run's event stream. Validation and
// conflict failures are reported before any event is read.
func (c *Client) StartRun(ctx context.Context, in run.Input) (service.EventStream, error) {
	return c.Start(ctx, in)
}

// Start is StartRun returning the concrete stream with the assigned ids.
func (c *Client) Start(ctx context.Context, in run.Input) (*Stream, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode run input: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runs", body)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("start run: %w", statusError(resp))
	}

	s := &Stream{
		RunID:    resp.Header.Get("X-Run-ID"),
		ThreadID: resp.Header.Get("X-Thread-ID"),
		body:     resp.Body,
		dec:      sse.NewDecoder(resp.Body),
	}
	slog.Debug("run stream opened", "run_id", s.RunID, "thread_id", s.ThreadID)
	return s, nil
}

// Cancel asks the server to stop an active run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("cancel run %s: %w", runID, statusError(resp))
	}
	return nil
}

// Summary returns the stored summary of a run.
func (c *Client) Summary(ctx context.Context, runID string) (*run.Run, error) {
	var r run.Run
	if err := c.getJSON(ctx, "/api/v1/runs/"+url.PathEscape(runID), &r); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return &r, nil
}

// Events returns the persisted events of a run in order.
func (c *Client) Events(ctx context.Context, runID string) ([]event.Record, error) {
	var recs []event.Record
	if err := c.getJSON(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/events", &recs); err != nil {
		return nil, fmt.Errorf("events of run %s: %w", runID, err)
	}
	return recs, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errServer marks a 5xx response so the breaker counts it.
var errServer = errors.New("server error")

// do sends a request. The caller owns the response body. 5xx responses are
// returned like any other status after the breaker has counted them.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Request-ID", uuid.NewString())

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		resp = r
		if r.StatusCode >= 500 {
			return errServer
		}
		return nil
	}

	if c.breaker == nil {
		if err := call(ctx); err != nil && !errors.Is(err, errServer) {
			return nil, err
		}
		return resp, nil
	}
	if err := c.breaker.Execute(ctx, call); err != nil && !errors.Is(err, errServer) {
		return nil, err
	}
	return resp, nil
}

// statusError maps an error response to the domain sentinels.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusConflict:
		sentinel = domain.ErrConflict
	case http.StatusBadRequest:
		sentinel = domain.ErrValidation
	default:
		return fmt.Errorf("runstream API error %d: %s", resp.StatusCode, msg)
	}
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}
