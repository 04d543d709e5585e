package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/okian/pitwall/internal/domain/model"
)

// Connection pool settings.
const (
	maxConnsPerHost  = 64
	idleConnDuration = time.Minute
)

var (
	// ErrBackpressure is returned when the service queue is full.
	ErrBackpressure = errors.New("service applied backpressure")
	// ErrSessionNotFound is returned while a session has no stored laps.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnexpectedStatus wraps any other non-success response.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Sink delivers one encoded batch keyed by session name.
type Sink interface {
	Send(ctx context.Context, key string, payload []byte) error
}

// SinkFunc adapts a function, such as a Kafka producer's Publish, to a Sink.
type SinkFunc func(ctx context.Context, key string, payload []byte) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, key string, payload []byte) error {
	return f(ctx, key, payload)
}

// Client talks to the pitwall HTTP API.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewClient creates a client with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxConnsPerHost,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: idleConnDuration,
		},
	}
}

// Health checks that the service answers on /healthz.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("%w: healthz %d: %s", ErrUnexpectedStatus, status, body)
	}
	return nil
}

// Send posts one batch to /snapshots. The key is unused over HTTP.
func (c *Client) Send(ctx context.Context, _ string, payload []byte) error {
	status, body, err := c.do(ctx, fasthttp.MethodPost, "/snapshots", payload)
	if err != nil {
		return err
	}
	switch status {
	case fasthttp.StatusAccepted:
		return nil
	case fasthttp.StatusTooManyRequests:
		return ErrBackpressure
	default:
		return fmt.Errorf("%w: snapshots %d: %s", ErrUnexpectedStatus, status, body)
	}
}

// Session fetches one stored session document.
func (c *Client) Session(ctx context.Context, id string) (model.RaceSession, error) {
	var session model.RaceSession
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return session, err
	}
	switch status {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return session, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	default:
		return session, fmt.Errorf("%w: session %d: %s", ErrUnexpectedStatus, status, body)
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return session, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	// The response is released on return.
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}
