// Package client is a small HTTP client for the probehub API, used by probectl.
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

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/coordinator"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client calls the probehub API on behalf of one identity.
type Client struct {
	baseURL  string
	header   string
	identity string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIdentityHeader overrides the header carrying the identity.
func WithIdentityHeader(name string) Option {
	return func(c *Client) { c.header = name }
}

func New(baseURL, identity string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		header:   "X-User-Identity",
		identity: identity,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest is the body of an execution submission.
type SubmitRequest struct {
	Kind  models.ExecutionKind  `json:"kind"`
	Name  *string               `json:"name,omitempty"`
	Input models.ExecutionInput `json:"input"`
}

// Submission is the accepted-submission response.
type Submission struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	StatusURL   string                 `json:"status_url"`
	Replayed    bool                   `json:"-"`
}

// Resource is a resource front door response.
type Resource struct {
	Locator     string            `json:"locator"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}

// Submit starts an execution of configID. A non-empty idempotencyKey makes retries safe.
func (c *Client) Submit(ctx context.Context, configID uuid.UUID, req SubmitRequest, idempotencyKey string) (*Submission, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": {idempotencyKey}}
	}
	var sub Submission
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/orchestrators/"+configID.String()+"/executions", req, headers, &sub)
	if err != nil {
		return nil, err
	}
	sub.Replayed = resp.Header.Get("Idempotent-Replay") == "true"
	return &sub, nil
}

// Status returns the status and progress of an execution.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (*coordinator.StatusView, error) {
	var view coordinator.StatusView
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+id.String(), nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Watch polls Status every interval, calling fn with each snapshot, until the execution is
// terminal or ctx is done. It returns the terminal snapshot.
func (c *Client) Watch(ctx context.Context, id uuid.UUID, interval time.Duration, fn func(*coordinator.StatusView)) (*coordinator.StatusView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			fn(view)
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Results returns the results of a terminal execution. Before that the API answers
// NOT_TERMINAL.
func (c *Client) Results(ctx context.Context, id uuid.UUID) (*coordinator.ResultsView, error) {
	var view coordinator.ResultsView
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+id.String()+"/results", nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Cancel requests cancellation and reports whether the request was accepted.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+id.String()+"/cancel", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// Resource reads a resource through the front door.
func (c *Client) Resource(ctx context.Context, locator string) (*Resource, error) {
	var res Resource
	path := "/api/v1/resources/" + escapeLocator(locator)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func escapeLocator(locator string) string {
	parts := strings.Split(strings.Trim(locator, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, out any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set(c.header, c.identity)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(raw))}
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return resp, apiErr
	}

	if out != nil {
		env := struct {
			Data any `json:"data"`
		}{Data: out}
		if err := json.Unmarshal(raw, &env); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}
