// Package client provides a Go client for the fabric control plane.
//
// Usage:
//
//	c := client.New("http://fabric.internal:8080", client.WithRetry(5, 200*time.Millisecond))
//
//	reqID, err := c.Upload(ctx, defs, "")
//	req, err := c.Wait(ctx, reqID)
//	fmt.Println(req.Status)
package client

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
	"time"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/allocation"
	"github.com/xraph/fabric/api"
	"github.com/xraph/fabric/backoff"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/subscription"
)

// Error is a failed control-plane call.
type Error struct {
	StatusCode int
	Message    string

	sentinel error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fabric/client: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap returns the fabric error the status code stands for, so callers
// can match with errors.Is(err, fabric.ErrNotMaster) and the like.
func (e *Error) Unwrap() error { return e.sentinel }

// Client calls the HTTP control plane of a fabric cluster.
type Client struct {
	base    string
	http    *http.Client
	logger  *slog.Logger
	retries int
	backoff backoff.Strategy
	poll    time.Duration
}

// New creates a client for the control plane at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
		poll:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSubscribers returns the live nodes.
func (c *Client) ListSubscribers(ctx context.Context) ([]membership.Entry, error) {
	var out []membership.Entry
	return out, c.do(ctx, http.MethodGet, "/v1/subscribers", nil, &out, fabric.ErrNodeNotFound)
}

// ListSubscriptions returns every subscription reported by a live node.
func (c *Client) ListSubscriptions(ctx context.Context) ([]subscription.Summary, error) {
	var out []subscription.Summary
	return out, c.do(ctx, http.MethodGet, "/v1/subscriptions", nil, &out, fabric.ErrSubscriptionNotFound)
}

// Upload places defs on the cluster, on target when it is not empty.
func (c *Client) Upload(ctx context.Context, defs []subscription.Definition, target string) (id.RequestID, error) {
	docs := make([]json.RawMessage, 0, len(defs))
	for _, d := range defs {
		doc, err := subscription.Encode(d)
		if err != nil {
			return id.Nil, err
		}
		docs = append(docs, doc)
	}
	return c.accepted(ctx, http.MethodPost, "/v1/subscriptions",
		api.UploadRequest{Target: target, Definitions: docs}, fabric.ErrNodeNotFound)
}

// Start resumes the named subscriptions.
func (c *Client) Start(ctx context.Context, names ...string) (id.RequestID, error) {
	return c.accepted(ctx, http.MethodPost, "/v1/subscriptions/start", api.NamesRequest{Names: names}, fabric.ErrSubscriptionNotFound)
}

// Stop pauses the named subscriptions.
func (c *Client) Stop(ctx context.Context, names ...string) (id.RequestID, error) {
	return c.accepted(ctx, http.MethodPost, "/v1/subscriptions/stop", api.NamesRequest{Names: names}, fabric.ErrSubscriptionNotFound)
}

// Remove deletes the named subscriptions.
func (c *Client) Remove(ctx context.Context, names ...string) (id.RequestID, error) {
	return c.accepted(ctx, http.MethodDelete, "/v1/subscriptions", api.NamesRequest{Names: names}, fabric.ErrSubscriptionNotFound)
}

// Control sends message to the subscription name. The reply is in the
// resolved request.
func (c *Client) Control(ctx context.Context, name, message string, payload []byte) (id.RequestID, error) {
	return c.accepted(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(name)+"/control",
		api.ControlRequest{Message: message, Payload: payload}, fabric.ErrSubscriptionNotFound)
}

// Status returns the last reported summary of name.
func (c *Client) Status(ctx context.Context, name string) (subscription.Summary, error) {
	var out subscription.Summary
	return out, c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(name)+"/status", nil, &out, fabric.ErrSubscriptionNotFound)
}

// History returns the recorded changes of name, newest first.
func (c *Client) History(ctx context.Context, name string) ([]*history.Entry, error) {
	var out []*history.Entry
	return out, c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(name)+"/history", nil, &out, fabric.ErrHistoryNotFound)
}

// Request returns the tracked request reqID.
func (c *Client) Request(ctx context.Context, reqID id.RequestID) (allocation.Request, error) {
	var out allocation.Request
	return out, c.do(ctx, http.MethodGet, "/v1/requests/"+reqID.String(), nil, &out, fabric.ErrRequestNotFound)
}

// Wait polls reqID until it leaves the waiting status or ctx ends.
func (c *Client) Wait(ctx context.Context, reqID id.RequestID) (allocation.Request, error) {
	for {
		req, err := c.Request(ctx, reqID)
		if err != nil {
			return req, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		if err := backoff.Wait(ctx, c.poll); err != nil {
			return req, err
		}
	}
}

// ──────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────

func (c *Client) accepted(ctx context.Context, method, path string, body any, notFound error) (id.RequestID, error) {
	var out api.AcceptedResponse
	if err := c.do(ctx, method, path, body, &out, notFound); err != nil {
		return id.Nil, err
	}
	return out.RequestID, nil
}

// do performs one call, retrying while the node answering is not the
// master when retries are configured.
func (c *Client) do(ctx context.Context, method, path string, body, out any, notFound error) error {
	if c.retries <= 0 || c.backoff == nil {
		return c.once(ctx, method, path, body, out, notFound)
	}
	var last error
	err := backoff.Retry(ctx, c.backoff, c.retries, func(attempt int) error {
		last = c.once(ctx, method, path, body, out, notFound)
		if errors.Is(last, fabric.ErrNotMaster) {
			c.logger.Debug("control plane not served here, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt),
			)
			return last
		}
		return nil
	})
	if err != nil {
		return err
	}
	return last
}

func (c *Client) once(ctx context.Context, method, path string, body, out any, notFound error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fabric/client: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("fabric/client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fabric/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &Error{StatusCode: resp.StatusCode, Message: e.Error, sentinel: sentinelOf(resp.StatusCode, notFound)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fabric/client: decode %s: %w", path, err)
	}
	return nil
}

func sentinelOf(code int, notFound error) error {
	switch code {
	case http.StatusServiceUnavailable:
		return fabric.ErrNotMaster
	case http.StatusNotFound:
		return notFound
	case http.StatusConflict:
		return fabric.ErrSubscriptionExists
	case http.StatusNotImplemented:
		return fabric.ErrNoHistory
	case http.StatusBadRequest:
		return fabric.ErrInvalidDefinition
	default:
		return nil
	}
}
