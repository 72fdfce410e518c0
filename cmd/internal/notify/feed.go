package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"clubhub/cmd/internal/metrics"
	clubapi "clubhub/shared/contracts/clubapi/v1"

	"github.com/coder/websocket"
)

const (
	feedMaxFrameBytes   = 64 << 10
	feedDefaultRedial   = 5 * time.Second
	feedHandshakeBudget = 10 * time.Second
)

// TokenSource yields the current access token ("" when anonymous).
type TokenSource interface {
	Token() string
}

// Receiver stores pushed notifications. *Dispatcher implements it.
type Receiver interface {
	Receive(ctx context.Context, n clubapi.Notification) error
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger sets the logger.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.log = l
		}
	}
}

// WithFeedMetrics counts received envelopes by type.
func WithFeedMetrics(m *metrics.Metrics) FeedOption {
	return func(f *Feed) { f.metrics = m }
}

// WithRedialDelay sets the pause between connection attempts.
func WithRedialDelay(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.redial = d
		}
	}
}

// Feed is the realtime notification subscription. It keeps one websocket
// open to the server and hands every notification_new payload to the
// Receiver.
type Feed struct {
	url     string
	tokens  TokenSource
	recv    Receiver
	log     *slog.Logger
	metrics *metrics.Metrics
	redial  time.Duration
}

// NewFeed constructs a Feed for wsURL (ws:// or wss://).
func NewFeed(wsURL string, tokens TokenSource, recv Receiver, opts ...FeedOption) (*Feed, error) {
	if wsURL == "" {
		return nil, errors.New("notify: feed url is required")
	}
	if tokens == nil || recv == nil {
		return nil, errors.New("notify: token source and receiver are required")
	}
	f := &Feed{url: wsURL, tokens: tokens, recv: recv, log: slog.Default(), redial: feedDefaultRedial}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Run dials and reads until ctx is done, redialing after every drop.
// It returns nil on cancellation.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn("notify.feed.disconnected", "err", err, "redial_in", f.redial)

		t := time.NewTimer(f.redial)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection to completion.
func (f *Feed) session(ctx context.Context) error {
	h := http.Header{}
	if tok := f.tokens.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	dialCtx, cancel := context.WithTimeout(ctx, feedHandshakeBudget)
	conn, resp, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		Subprotocols: []string{clubapi.Subprotocol},
		HTTPHeader:   h,
	})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != clubapi.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return errors.New("notify: server did not negotiate subprotocol")
	}
	conn.SetReadLimit(feedMaxFrameBytes)
	f.log.Info("notify.feed.connected", "url", f.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			f.log.Warn("notify.feed.bad_frame", "type", typ.String())
			continue
		}
		f.handle(ctx, data)
	}
}

func (f *Feed) handle(ctx context.Context, data []byte) {
	var env clubapi.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Warn("notify.feed.bad_json", "err", err)
		f.metrics.ObserveFeed("invalid")
		return
	}
	if err := env.Validate(); err != nil {
		f.log.Warn("notify.feed.bad_envelope", "type", env.Type, "err", err)
		f.metrics.ObserveFeed("invalid")
		return
	}
	f.metrics.ObserveFeed(env.Type)

	switch env.Type {
	case clubapi.TypeNotificationNew:
		var n clubapi.Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			f.log.Warn("notify.feed.bad_payload", "id", env.ID, "err", err)
			return
		}
		if err := f.recv.Receive(ctx, n); err != nil {
			f.log.Warn("notify.feed.store_fail", "id", n.ID, "err", err)
			return
		}
		f.log.Info("notify.feed.notification", "id", n.ID, "type", n.Type)
	case clubapi.TypeError:
		var p clubapi.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		f.log.Warn("notify.feed.server_error", "code", p.Code, "message", p.Message)
	case clubapi.TypePing:
		f.log.Debug("notify.feed.ping", "id", env.ID)
	}
}
