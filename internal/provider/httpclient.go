package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBody = 1 << 20

// RequestOption decorates an outgoing request. It receives the serialized body.
type RequestOption func(req *http.Request, body []byte)

// WithHeader sets a static header.
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request, _ []byte) {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
}

// HTTPClient sends JSON requests to a provider API and classifies failures
// into ErrUnavailable, ErrRejected and ErrNotFound.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	options []RequestOption
}

// NewHTTPClient builds a client rooted at baseURL. A nil client uses
// http.DefaultClient; every call is bounded by timeout.
func NewHTTPClient(baseURL string, client *http.Client, timeout time.Duration, options ...RequestOption) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
		options: options,
	}
}

// Call sends payload (nil for none) and decodes the JSON answer into out.
func (c *HTTPClient) Call(ctx context.Context, method, path string, payload, out any, options ...RequestOption) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range c.options {
		opt(req, body)
	}
	for _, opt := range options {
		opt(req, body)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	if err := classify(resp.StatusCode, raw); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}

func classify(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, snippet(body))
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, snippet(body))
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// bad credentials are not a refusal of the payment
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, snippet(body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, snippet(body))
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
