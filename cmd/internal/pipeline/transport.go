package pipeline

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

	"golang.org/x/time/rate"
)

const maxBodyBytes = 8 << 20

// Transport sends raw JSON requests to the API. It knows nothing about
// sessions; Client and AuthAPI layer their policies on top of it.
type Transport struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.http = c
		}
	}
}

// WithTimeout sets the per-request upper bound (default 30s).
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRateLimit throttles outbound requests with a token bucket.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) TransportOption {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewTransport parses baseURL and applies opts.
func NewTransport(baseURL string, opts ...TransportOption) (*Transport, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("pipeline: invalid base url %q", baseURL)
	}
	t := &Transport{
		base:    u,
		http:    &http.Client{},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Base returns the API base URL.
func (t *Transport) Base() *url.URL {
	u := *t.base
	return &u
}

// rawResponse is a fully read response.
type rawResponse struct {
	url         string
	status      int
	contentType string
	body        []byte
}

// errThrottled wraps a limiter wait failure.
var errThrottled = errors.New("request throttled")

func (t *Transport) resolve(path string, q url.Values) string {
	u := *t.base
	rel, err := url.Parse(path)
	if err != nil {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(rel.Path, "/")
		if rel.RawQuery != "" {
			u.RawQuery = rel.RawQuery
		}
	}
	if len(q) > 0 {
		merged := u.Query()
		for k, vs := range q {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String()
}

// do performs one request bounded by the transport timeout.
// Transport-level failures (including timeouts) are returned as errors.
func (t *Transport) do(ctx context.Context, method, path string, q url.Values, body any, token string) (rawResponse, error) {
	target := t.resolve(path, q)
	out := rawResponse{url: target}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("%w: %v", errThrottled, err)
		}
	}

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		case json.RawMessage:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				return out, fmt.Errorf("encode request body: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return out, fmt.Errorf("read response body: %w", err)
	}
	out.status = resp.StatusCode
	out.contentType = resp.Header.Get("Content-Type")
	out.body = raw
	return out, nil
}

// looksLikeHTML detects login pages served in place of JSON.
func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 64 {
		head = head[:64]
	}
	lower := strings.ToLower(string(head))
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}
