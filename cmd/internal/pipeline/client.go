package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/metrics"
)

// Authority supplies the bearer token and recovers it after a 401.
// *session.Manager implements it.
type Authority interface {
	Token() string
	Refresh(ctx context.Context) error
}

// Request is one outbound call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Endpoint overrides Classify(Method, Path).
	Endpoint Endpoint
}

// Outcome is the discriminated result of Send. Exactly one of Success or
// Err is meaningful: Success implies Err == nil.
type Outcome struct {
	Success bool
	Status  int
	Data    Payload
	// Synthesized is set when Data is a local default rather than the server's answer.
	Synthesized bool
	// Retried is set when the request was resent after a refresh.
	Retried bool
	// RequiresLogin is set when the session could not be recovered.
	RequiresLogin bool
	Err           *apierr.Failure
}

// Error returns nil on success and the classified failure otherwise.
func (o Outcome) Error() error {
	if o.Success || o.Err == nil {
		return nil
	}
	return o.Err
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is the Request Pipeline: it attaches the token before a send and
// classifies the response after it, refreshing and resending at most once.
type Client struct {
	tr      *Transport
	auth    Authority
	store   fallback.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient builds a Client. auth may be nil for anonymous use; store backs
// the cached notification default.
func NewClient(tr *Transport, auth Authority, store fallback.Store, opts ...ClientOption) (*Client, error) {
	if tr == nil || store == nil {
		return nil, errors.New("pipeline: transport and store are required")
	}
	c := &Client{tr: tr, auth: auth, store: store, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Authenticated reports whether a token is currently attached to sends.
func (c *Client) Authenticated() bool {
	return c.token() != ""
}

func (c *Client) token() string {
	if c.auth == nil {
		return ""
	}
	return c.auth.Token()
}

// Send performs req and classifies the response.
func (c *Client) Send(ctx context.Context, req Request) Outcome {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ep := req.Endpoint
	if ep == "" {
		ep = Classify(req.Method, req.Path)
	}

	token := c.token()
	if token == "" && RequiresAuth(req.Method, req.Path) {
		c.log.Debug("pipeline.send.no_token", "method", req.Method, "path", req.Path)
	}

	start := time.Now()
	out := c.attempt(ctx, req, ep, token)

	if out.Status == http.StatusUnauthorized && !out.Success && !ep.Auth() {
		out = c.recover401(ctx, req, ep)
	}

	c.observe(ep, out, time.Since(start))
	return out
}

// recover401 refreshes the token and resends exactly once.
func (c *Client) recover401(ctx context.Context, req Request, ep Endpoint) Outcome {
	op := "pipeline." + string(ep)

	if c.auth == nil {
		return loginRequired(op, req, nil)
	}
	if err := c.auth.Refresh(ctx); err != nil {
		// A network failure of the refresh gives up on this request only.
		if apierr.IsNetwork(err) && !apierr.RequiresLogin(err) {
			f := apierr.Wrap(op, apierr.ErrNetwork, err)
			f.Method, f.URL, f.Status = req.Method, req.Path, http.StatusUnauthorized
			f.Message = "token refresh failed"
			return Outcome{Status: http.StatusUnauthorized, Err: f}
		}
		c.log.Info("pipeline.refresh.fail", "method", req.Method, "path", req.Path, "err", err)
		return loginRequired(op, req, err)
	}

	c.metrics.ObserveRetry(string(ep))
	out := c.attempt(ctx, req, ep, c.token())
	out.Retried = true
	if out.Status == http.StatusUnauthorized && !out.Success {
		c.log.Warn("pipeline.retry.unauthorized", "method", req.Method, "path", req.Path)
		lr := loginRequired(op, req, nil)
		lr.Retried = true
		return lr
	}
	return out
}

func loginRequired(op string, req Request, cause error) Outcome {
	f := &apierr.Failure{
		Op:            op,
		Kind:          apierr.ErrAuthExpired,
		Method:        req.Method,
		URL:           req.Path,
		Status:        http.StatusUnauthorized,
		Message:       "session expired, please sign in again",
		Cause:         cause,
		RequiresLogin: true,
	}
	return Outcome{Status: http.StatusUnauthorized, RequiresLogin: true, Err: f}
}

// attempt sends once and classifies everything except the 401 retry.
func (c *Client) attempt(ctx context.Context, req Request, ep Endpoint, token string) Outcome {
	op := "pipeline." + string(ep)

	resp, err := c.tr.do(ctx, req.Method, req.Path, req.Query, req.Body, token)
	if err != nil {
		f := &apierr.Failure{Op: op, Kind: apierr.ErrNetwork, Method: req.Method, URL: resp.url, Cause: err}
		if ep.Safe() {
			c.log.Warn("pipeline.send.network_fallback", "method", req.Method, "url", resp.url, "err", err)
			return c.fallback(ctx, ep, 0)
		}
		c.log.Warn("pipeline.send.fail", "method", req.Method, "url", resp.url, "err", err)
		return Outcome{Err: f}
	}

	status := resp.status
	switch {
	case looksLikeHTML(resp.contentType, resp.body):
		if ep.Safe() {
			c.log.Warn("pipeline.send.html_fallback", "method", req.Method, "url", resp.url, "status", status)
			return c.fallback(ctx, ep, status)
		}
		return Outcome{Status: status, Err: &apierr.Failure{
			Op: op, Kind: apierr.ErrMalformed, Method: req.Method, URL: resp.url, Status: status,
			Message: "invalid response: expected JSON, got HTML",
			Excerpt: apierr.Excerpt(resp.body),
		}}

	case status >= 200 && status < 300:
		p, err := Normalize(resp.body)
		if err != nil {
			if ep.Safe() {
				c.log.Warn("pipeline.send.malformed_fallback", "method", req.Method, "url", resp.url)
				return c.fallback(ctx, ep, status)
			}
			return Outcome{Status: status, Err: &apierr.Failure{
				Op: op, Kind: apierr.ErrMalformed, Method: req.Method, URL: resp.url, Status: status,
				Message: "invalid response", Excerpt: apierr.Excerpt(resp.body), Cause: err,
			}}
		}
		if p.Kind == KindEmpty && ep.Safe() {
			return c.fallback(ctx, ep, status)
		}
		return Outcome{Success: true, Status: status, Data: p}

	case status == http.StatusUnauthorized && ep.Safe():
		return c.fallback(ctx, ep, status)

	case status == http.StatusForbidden && (ep.Safe() || ep.Dashboard()):
		return c.fallback(ctx, ep, status)
	}

	kind := apierr.KindForStatus(status)
	msg := serverMessage(resp.body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status != http.StatusUnauthorized {
		c.log.Warn("pipeline.send.status", "method", req.Method, "url", resp.url, "status", status, "message", msg)
	}
	return Outcome{Status: status, Err: &apierr.Failure{
		Op: op, Kind: kind, Method: req.Method, URL: resp.url, Status: status,
		Message: msg, Excerpt: apierr.Excerpt(resp.body),
	}}
}

func (c *Client) observe(ep Endpoint, out Outcome, took time.Duration) {
	outcome := "ok"
	switch {
	case out.Synthesized:
		outcome = "fallback"
	case out.RequiresLogin:
		outcome = "login_required"
	case !out.Success:
		outcome = "error"
	}
	c.metrics.ObserveRequest(string(ep), outcome, out.Status, took)
}
