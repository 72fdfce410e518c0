// Package notify is the notification dispatcher: durable local copy first,
// remote delivery second, and a read state that never depends on the
// remote side.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"clubhub/cmd/identity/ids"
	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/metrics"
	"clubhub/cmd/internal/pipeline"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

// DefaultCacheLimit bounds the locally kept notification list.
const DefaultCacheLimit = 500

// Sender is the request pipeline. *pipeline.Client implements it.
type Sender interface {
	Send(ctx context.Context, req pipeline.Request) pipeline.Outcome
	Authenticated() bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records dispatches and the unread gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithCacheLimit bounds the local list (newest kept).
func WithCacheLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limit = n
		}
	}
}

// Dispatcher delivers and tracks notifications.
type Dispatcher struct {
	api     Sender
	store   fallback.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	limit   int
}

// New constructs a Dispatcher.
func New(api Sender, store fallback.Store, opts ...Option) (*Dispatcher, error) {
	if api == nil || store == nil {
		return nil, errors.New("notify: sender and store are required")
	}
	d := &Dispatcher{api: api, store: store, log: slog.Default(), now: time.Now, limit: DefaultCacheLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// UnreadCount is the number of unread records in list.
func UnreadCount(list []clubapi.Notification) int {
	n := 0
	for _, x := range list {
		if !x.Read {
			n++
		}
	}
	return n
}

// Dispatch stores n locally, unread and with a client id when it has none,
// then attempts remote delivery. Only a failed local write is returned as an
// error; remote failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, n clubapi.Notification) (clubapi.Notification, error) {
	const op = "notify.dispatch"

	if n.ID == "" {
		id, err := ids.NewLocalID(d.now())
		if err != nil {
			return n, apierr.Wrap(op, apierr.ErrUnknown, err)
		}
		n.ID = clubapi.ID(id)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	n.Read = false

	if err := d.upsert(ctx, n, false); err != nil {
		return n, apierr.Wrap(op, apierr.ErrUnknown, err)
	}

	channel := "authenticated"
	path := "/api/notifications"
	if !d.api.Authenticated() {
		channel = "anonymous"
		path = "/api/notifications/anonymous"
	}
	out := d.api.Send(ctx, pipeline.Request{Method: http.MethodPost, Path: path, Body: n})
	rerr := out.Error()
	d.metrics.ObserveDispatch(channel, rerr)
	if rerr != nil {
		d.log.Warn("notify.dispatch.remote_fail", "id", n.ID, "type", n.Type, "channel", channel, "err", rerr)
	} else {
		d.log.Info("notify.dispatch", "id", n.ID, "type", n.Type, "receiver_id", n.ReceiverID, "channel", channel)
	}
	return n, nil
}

// Receive stores a notification pushed by the server (realtime feed).
func (d *Dispatcher) Receive(ctx context.Context, n clubapi.Notification) error {
	if n.ID == "" {
		return apierr.Validation("notify.receive", "notification id is required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	return d.upsert(ctx, n, true)
}

// Cached returns the local list without touching the network.
func (d *Dispatcher) Cached(ctx context.Context) ([]clubapi.Notification, error) {
	var list []clubapi.Notification
	if _, err := fallback.LoadJSON(ctx, d.store, fallback.KeyNotifications, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []clubapi.Notification{}
	}
	return list, nil
}

// List fetches the remote list and merges it into the local cache by id.
// A local read flag wins over the remote one. When the server cannot
// answer, the cached list is returned.
func (d *Dispatcher) List(ctx context.Context) ([]clubapi.Notification, error) {
	out := d.api.Send(ctx, pipeline.Request{Method: http.MethodGet, Path: "/api/notifications"})
	if err := out.Error(); err != nil {
		return nil, err
	}
	if out.Synthesized {
		list := pipeline.DecodeList[clubapi.Notification](out.Data)
		d.metrics.SetUnread(UnreadCount(list))
		return list, nil
	}

	remote := pipeline.DecodeList[clubapi.Notification](out.Data)
	var merged []clubapi.Notification
	err := fallback.UpdateJSON(ctx, d.store, fallback.KeyNotifications, func(local []clubapi.Notification) ([]clubapi.Notification, error) {
		merged = merge(local, remote, d.limit)
		return merged, nil
	})
	if err != nil {
		return nil, apierr.Wrap("notify.list", apierr.ErrUnknown, err)
	}
	d.metrics.SetUnread(UnreadCount(merged))
	return merged, nil
}

// MarkRead marks id read locally, then remotely (best-effort).
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	const op = "notify.mark_read"
	if id == "" {
		return apierr.Validation(op, "notification id is required")
	}

	list, err := d.mutate(ctx, func(n *clubapi.Notification) {
		if n.ID.String() == id {
			n.Read = true
		}
	})
	if err != nil {
		return apierr.Wrap(op, apierr.ErrUnknown, err)
	}
	d.metrics.SetUnread(UnreadCount(list))

	if ids.IsLocal(id) {
		return nil
	}
	out := d.api.Send(ctx, pipeline.Request{Method: http.MethodPost, Path: "/api/notifications/" + url.PathEscape(id) + "/mark-as-read"})
	if err := out.Error(); err != nil {
		d.log.Warn("notify.mark_read.remote_fail", "id", id, "err", err)
	}
	return nil
}

// MarkAllRead marks every cached record read locally, then remotely (best-effort).
func (d *Dispatcher) MarkAllRead(ctx context.Context) error {
	list, err := d.mutate(ctx, func(n *clubapi.Notification) { n.Read = true })
	if err != nil {
		return apierr.Wrap("notify.mark_all_read", apierr.ErrUnknown, err)
	}
	d.metrics.SetUnread(UnreadCount(list))

	out := d.api.Send(ctx, pipeline.Request{Method: http.MethodPost, Path: "/api/notifications/mark-all-as-read"})
	if err := out.Error(); err != nil {
		d.log.Warn("notify.mark_all_read.remote_fail", "err", err)
	}
	return nil
}

// upsert stores n. With sticky unset an existing record with the same id is
// replaced outright, read flag included.
func (d *Dispatcher) upsert(ctx context.Context, n clubapi.Notification, sticky bool) error {
	var list []clubapi.Notification
	err := fallback.UpdateJSON(ctx, d.store, fallback.KeyNotifications, func(cur []clubapi.Notification) ([]clubapi.Notification, error) {
		if !sticky {
			kept := cur[:0:0]
			for _, c := range cur {
				if c.ID != n.ID {
					kept = append(kept, c)
				}
			}
			cur = kept
		}
		list = merge(cur, []clubapi.Notification{n}, d.limit)
		return list, nil
	})
	if err == nil {
		d.metrics.SetUnread(UnreadCount(list))
	}
	return err
}

func (d *Dispatcher) mutate(ctx context.Context, fn func(*clubapi.Notification)) ([]clubapi.Notification, error) {
	var list []clubapi.Notification
	err := fallback.UpdateJSON(ctx, d.store, fallback.KeyNotifications, func(cur []clubapi.Notification) ([]clubapi.Notification, error) {
		if cur == nil {
			cur = []clubapi.Notification{}
		}
		for i := range cur {
			fn(&cur[i])
		}
		list = cur
		return cur, nil
	})
	return list, err
}

// merge combines local and incoming by id. Read is sticky: once either side
// reports a record read it stays read. The result is newest first and
// bounded to limit.
func merge(local, incoming []clubapi.Notification, limit int) []clubapi.Notification {
	byID := make(map[clubapi.ID]int, len(local)+len(incoming))
	out := make([]clubapi.Notification, 0, len(local)+len(incoming))
	for _, n := range local {
		if _, dup := byID[n.ID]; dup {
			continue
		}
		byID[n.ID] = len(out)
		out = append(out, n)
	}
	for _, n := range incoming {
		if n.ID == "" {
			continue
		}
		if i, ok := byID[n.ID]; ok {
			read := out[i].Read || n.Read
			out[i] = n
			out[i].Read = read
			continue
		}
		byID[n.ID] = len(out)
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
