package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clubhub/cmd/identity/ids"
	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/pipeline"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

type tokenOnly string

func (t tokenOnly) Token() string                 { return string(t) }
func (t tokenOnly) Refresh(context.Context) error { return apierr.New("test", apierr.ErrAuthExpired, "no refresh") }

// notificationAPI records calls and serves a fixed remote list.
type notificationAPI struct {
	mu     sync.Mutex
	down   bool
	remote []map[string]any
	calls  []string
}

func (n *notificationAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, r.Method+" "+r.URL.Path)
	if n.down {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!doctype html><p>maintenance</p>"))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/notifications":
		_ = json.NewEncoder(w).Encode(map[string]any{"notifications": n.remote})
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (n *notificationAPI) setDown(v bool) {
	n.mu.Lock()
	n.down = v
	n.mu.Unlock()
}

func (n *notificationAPI) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func newDispatcher(t *testing.T, srv *httptest.Server, st fallback.Store, token string) *Dispatcher {
	t.Helper()
	tr, err := pipeline.NewTransport(srv.URL)
	require.NoError(t, err)
	c, err := pipeline.NewClient(tr, tokenOnly(token), st)
	require.NoError(t, err)
	d, err := New(c, st, WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)
	return d
}

func TestDispatch_SurvivesReloadWhenRemoteFails(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{down: true}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "state.json")
	st, err := fallback.OpenFileStore(path)
	require.NoError(t, err)

	d := newDispatcher(t, srv, st, "7")
	sent, err := d.Dispatch(context.Background(), clubapi.Notification{
		Title:      "Join request",
		Type:       clubapi.NotificationClubJoinRequest,
		ReceiverID: "3",
		SenderID:   "7",
		Read:       true,
	})
	require.NoError(t, err)
	require.True(t, ids.IsLocal(sent.ID.String()))
	require.False(t, sent.Read)
	require.NoError(t, st.Close())

	reopened, err := fallback.OpenFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	d2 := newDispatcher(t, srv, reopened, "7")
	list, err := d2.Cached(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, sent.ID, list[0].ID)
	require.Equal(t, clubapi.NotificationClubJoinRequest, list[0].Type)
	require.False(t, list[0].Read)
	require.Equal(t, 1, UnreadCount(list))
}

func TestDispatch_AnonymousChannel(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "")
	_, err := d.Dispatch(context.Background(), clubapi.Notification{ID: "n-1", Type: "INFO"})
	require.NoError(t, err)
	require.Contains(t, api.seen(), "POST /api/notifications/anonymous")
}

func TestDispatch_RedispatchResetsRead(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "7")
	n := clubapi.Notification{ID: "n-1", Type: "INFO", Title: "first"}
	_, err := d.Dispatch(ctx, n)
	require.NoError(t, err)
	require.NoError(t, d.MarkRead(ctx, "n-1"))

	n.Title = "second"
	_, err = d.Dispatch(ctx, n)
	require.NoError(t, err)

	list, err := d.Cached(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "second", list[0].Title)
	require.False(t, list[0].Read)

	// Pushed copies keep the local read state.
	require.NoError(t, d.MarkRead(ctx, "n-1"))
	require.NoError(t, d.Receive(ctx, clubapi.Notification{ID: "n-1", Type: "INFO", Title: "pushed"}))
	list, err = d.Cached(ctx)
	require.NoError(t, err)
	require.True(t, list[0].Read)
}

func TestMarkRead_LocalWinsWhenRemoteFails(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{remote: []map[string]any{
		{"id": 11, "type": "INFO", "read": false, "createdAt": "2026-02-01T10:00:00Z"},
		{"id": 12, "type": "INFO", "read": false, "createdAt": "2026-02-02T10:00:00Z"},
	}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "7")

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, clubapi.ID("12"), list[0].ID, "newest first")

	api.setDown(true)
	require.NoError(t, d.MarkRead(ctx, "11"))

	cached, err := d.Cached(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, UnreadCount(cached))

	// Remote still reports 11 unread; the local flag must stick.
	api.setDown(false)
	list, err = d.List(ctx)
	require.NoError(t, err)
	for _, n := range list {
		if n.ID == "11" {
			require.True(t, n.Read)
		}
	}
}

func TestList_KeepsLocalOnlyRecordsAndFallsBackToCache(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{remote: []map[string]any{
		{"id": 1, "type": "INFO", "createdAt": "2026-01-01T00:00:00Z"},
	}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "7")

	_, err := d.Dispatch(ctx, clubapi.Notification{Type: clubapi.NotificationClubMemberLeft})
	require.NoError(t, err)

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	api.setDown(true)
	offline, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, offline, 2)
}

func TestMarkAllRead_SkipsNothingLocally(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{down: true}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "7")
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(ctx, clubapi.Notification{Type: "INFO"})
		require.NoError(t, err)
	}
	require.NoError(t, d.MarkAllRead(ctx))

	list, err := d.Cached(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Zero(t, UnreadCount(list))

	var remoteMarks int
	for _, c := range api.seen() {
		if strings.HasSuffix(c, "/mark-all-as-read") {
			remoteMarks++
		}
	}
	require.Equal(t, 1, remoteMarks)
}

func TestMarkRead_LocalIDNeverSentRemotely(t *testing.T) {
	t.Parallel()

	api := &notificationAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	d := newDispatcher(t, srv, fallback.NewMemoryStore(), "7")
	sent, err := d.Dispatch(ctx, clubapi.Notification{Type: "INFO"})
	require.NoError(t, err)
	require.NoError(t, d.MarkRead(ctx, sent.ID.String()))

	for _, c := range api.seen() {
		require.NotContains(t, c, "mark-as-read")
	}
	require.Error(t, d.MarkRead(ctx, ""))
}

func TestMerge_BoundsAndOrders(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var in []clubapi.Notification
	for i := 0; i < 5; i++ {
		in = append(in, clubapi.Notification{ID: clubapi.ID(string(rune('a' + i))), CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	out := merge(nil, in, 3)
	require.Len(t, out, 3)
	require.Equal(t, clubapi.ID("e"), out[0].ID)
	require.Equal(t, clubapi.ID("c"), out[2].ID)
}
