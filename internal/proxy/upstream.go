package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultUpstreamBase = "https://generativelanguage.googleapis.com"

// Timeouts staggers the three upstream deadlines. Connect must be the
// shortest and stream the longest; a stalled stream is cut by Stream, not
// Request.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
	Stream  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = 10 * time.Second
	}
	if t.Request <= 0 {
		t.Request = 120 * time.Second
	}
	if t.Stream <= 0 {
		t.Stream = 300 * time.Second
	}
	return t
}

// UpstreamClient talks to the Gemini REST API. The real key is always
// injected here, in the x-goog-api-key header, regardless of how the client
// authenticated against the gateway.
type UpstreamClient struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
}

// NewUpstreamClient creates a client for baseURL (empty for the public API).
func NewUpstreamClient(baseURL string, t Timeouts) *UpstreamClient {
	if baseURL == "" {
		baseURL = defaultUpstreamBase
	}
	t = t.withDefaults()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: t.Connect,
		}).DialContext,
		TLSHandshakeTimeout: t.Connect,
		MaxIdleConnsPerHost: 32,
	}

	return &UpstreamClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Transport: transport},
		timeouts: t,
	}
}

// Generate calls models/{model}:generateContent and reads the full body.
// A non-nil error means transport failure; upstream rejections come back as
// (status, body, nil).
func (c *UpstreamClient) Generate(ctx context.Context, model, apiKey string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()

	resp, err := c.post(ctx, c.modelPath(model, "generateContent"), apiKey, body)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: read body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Stream calls models/{model}:streamGenerateContent and hands the response
// back for incremental reading. The returned cancel enforces the stream
// timeout and must be called when the caller is done with the body.
func (c *UpstreamClient) Stream(ctx context.Context, model, apiKey string, body []byte) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Stream)

	resp, err := c.post(ctx, c.modelPath(model, "streamGenerateContent"), apiKey, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// Forward relays a passthrough request verbatim, only swapping in the real
// key. pathAndQuery is everything after the host. Streaming passthrough uses
// the stream timeout; the caller owns the response body and cancel.
func (c *UpstreamClient) Forward(ctx context.Context, method, pathAndQuery, apiKey string, body []byte, streaming bool) (*http.Response, context.CancelFunc, error) {
	timeout := c.timeouts.Request
	if streaming {
		timeout = c.timeouts.Stream
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, rd)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("upstream: %w", err)
	}
	return resp, cancel, nil
}

func (c *UpstreamClient) post(ctx context.Context, path, apiKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return resp, nil
}

func (c *UpstreamClient) modelPath(model, action string) string {
	return "/v1beta/models/" + model + ":" + action
}

// BaseURL reports the configured upstream base, used by health probes.
func (c *UpstreamClient) BaseURL() string { return c.baseURL }
