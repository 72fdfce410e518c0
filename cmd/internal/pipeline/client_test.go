package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/auth/session"
	"clubhub/cmd/internal/fallback"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

type staticAuth struct {
	mu       sync.Mutex
	token    string
	next     string
	err      error
	refreshN atomic.Int32
}

func (a *staticAuth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *staticAuth) Refresh(context.Context) error {
	a.refreshN.Add(1)
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	a.token = a.next
	a.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, h http.Handler, auth Authority) (*Client, fallback.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tr, err := NewTransport(srv.URL, WithTimeout(2*time.Second))
	require.NoError(t, err)
	st := fallback.NewMemoryStore()
	c, err := NewClient(tr, auth, st)
	require.NoError(t, err)
	return c, st
}

func TestSend_MembershipCheckUnauthenticatedDefaults(t *testing.T) {
	t.Parallel()

	var sawAuth atomic.Bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, h, nil)

	out := c.Send(context.Background(), Request{Method: http.MethodGet, Path: "/api/clubs/42/membership/check"})
	require.True(t, out.Success)
	require.True(t, out.Synthesized)
	require.NoError(t, out.Error())
	require.False(t, sawAuth.Load())

	var st clubapi.MembershipCheck
	require.NoError(t, out.Data.Decode(&st))
	require.False(t, st.IsMember)
	require.False(t, st.IsPending)
	require.Nil(t, st.Role)
}

func TestSend_HTMLNotificationsServeCache(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Login</body></html>"))
	})
	c, st := newTestClient(t, h, &staticAuth{token: "at"})

	cached := []clubapi.Notification{{ID: "local-1", Type: "CLUB_JOIN_REQUEST", Title: "t"}}
	require.NoError(t, fallback.SaveJSON(context.Background(), st, fallback.KeyNotifications, cached))

	out := c.Send(context.Background(), Request{Method: http.MethodGet, Path: "/api/notifications"})
	require.True(t, out.Success)
	require.True(t, out.Synthesized)
	got := DecodeList[clubapi.Notification](out.Data)
	require.Len(t, got, 1)
	require.Equal(t, clubapi.ID("local-1"), got[0].ID)
}

func TestSend_HTMLOnMutationIsMalformed(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("  <html><body>Login</body></html>"))
	})
	c, _ := newTestClient(t, h, &staticAuth{token: "at"})

	out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/join", Body: clubapi.JoinRequest{}})
	require.False(t, out.Success)
	require.ErrorIs(t, out.Error(), apierr.ErrMalformed)
}

func TestSend_401RefreshRetryOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": 5}})
	})
	auth := &staticAuth{token: "stale", next: "fresh"}
	c, _ := newTestClient(t, h, auth)

	out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/join"})
	require.True(t, out.Success)
	require.True(t, out.Retried)
	require.EqualValues(t, 1, auth.refreshN.Load())
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, KindObject, out.Data.Kind)
}

func TestSend_401AfterRefreshRequiresLogin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &staticAuth{token: "stale", next: "still-bad"}
	c, _ := newTestClient(t, h, auth)

	out := c.Send(context.Background(), Request{Method: http.MethodDelete, Path: "/api/clubs/1/membership/leave"})
	require.False(t, out.Success)
	require.True(t, out.RequiresLogin)
	require.True(t, apierr.RequiresLogin(out.Error()))
	require.EqualValues(t, 1, auth.refreshN.Load())
	require.EqualValues(t, 2, calls.Load(), "at most one resend per call")
}

func TestSend_401RefreshFailure(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	cases := []struct {
		name          string
		err           error
		requiresLogin bool
	}{
		{name: "terminal", err: &apierr.Failure{Op: "session.refresh", Kind: apierr.ErrAuthExpired, RequiresLogin: true}, requiresLogin: true},
		{name: "network", err: apierr.New("session.refresh", apierr.ErrNetwork, "down"), requiresLogin: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &staticAuth{token: "stale", err: tc.err}
			c, _ := newTestClient(t, h, auth)
			out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/notifications/mark-all-as-read"})
			require.False(t, out.Success)
			require.False(t, out.Retried)
			require.Equal(t, tc.requiresLogin, out.RequiresLogin)
		})
	}
}

func TestSend_403DashboardEmptyList(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	})
	c, _ := newTestClient(t, h, &staticAuth{token: "at"})

	for _, path := range []string{"/api/clubs", "/api/events", "/api/users"} {
		out := c.Send(context.Background(), Request{Method: http.MethodGet, Path: path})
		require.True(t, out.Success, path)
		require.Equal(t, KindList, out.Data.Kind)
		require.Empty(t, out.Data.Items)
	}

	out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/requests/9/approve"})
	require.False(t, out.Success)
	require.ErrorIs(t, out.Error(), apierr.ErrAuthDenied)
	require.Equal(t, "forbidden", out.Err.Message)
}

func TestSend_403MembershipCheckDefaults(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	})
	auth := &staticAuth{token: "at"}
	c, _ := newTestClient(t, h, auth)

	out := c.Send(context.Background(), Request{Method: http.MethodGet, Path: "/api/clubs/42/membership/check"})
	require.True(t, out.Success)
	require.True(t, out.Synthesized)
	require.NoError(t, out.Error())
	require.Equal(t, http.StatusForbidden, out.Status)
	require.Equal(t, KindObject, out.Data.Kind)
	require.JSONEq(t, `{"isMember":false,"isPending":false,"role":null}`, string(out.Data.Raw))
	require.Zero(t, auth.refreshN.Load())
}

func TestSend_OtherStatusPropagates(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already a member"}`))
	})
	c, _ := newTestClient(t, h, &staticAuth{token: "at"})

	out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/join"})
	require.False(t, out.Success)
	require.Equal(t, http.StatusConflict, out.Status)
	require.Equal(t, "already a member", out.Err.Message)
	require.Equal(t, http.MethodPost, out.Err.Method)
	require.True(t, strings.HasSuffix(out.Err.URL, "/api/clubs/1/membership/join"))
	require.Contains(t, out.Err.Excerpt, "already a member")
	require.ErrorIs(t, out.Error(), apierr.ErrUnknown)
}

func TestSend_TimeoutIsNetworkWithoutRefresh(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tr, err := NewTransport(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	auth := &staticAuth{token: "at"}
	c, err := NewClient(tr, auth, fallback.NewMemoryStore())
	require.NoError(t, err)

	out := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/join"})
	require.False(t, out.Success)
	require.ErrorIs(t, out.Error(), apierr.ErrNetwork)
	require.Zero(t, auth.refreshN.Load())

	safe := c.Send(context.Background(), Request{Method: http.MethodGet, Path: "/api/clubs/1/membership/check"})
	require.True(t, safe.Success)
	require.True(t, safe.Synthesized)
	require.Zero(t, auth.refreshN.Load())
}

func TestSend_SafeEmptyBodyDefaults(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, h, nil)

	out := c.Send(context.Background(), Request{Method: http.MethodGet, Path: "/api/events"})
	require.True(t, out.Success)
	require.Equal(t, KindList, out.Data.Kind)
}

// End to end with the real session manager: two requests hit 401 together,
// the refresh endpoint rejects the credentials, and exactly one logout
// signal is emitted.
func TestSend_Concurrent401SingleTeardown(t *testing.T) {
	t.Parallel()

	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tr, err := NewTransport(srv.URL)
	require.NoError(t, err)
	st := fallback.NewMemoryStore()

	cfg := session.DefaultConfig()
	cfg.LogoutGrace = 10 * time.Millisecond
	mgr, err := session.New(cfg, st, NewAuthAPI(tr, nil))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.SetSession(context.Background(), &session.TokenPair{AccessToken: "at", RefreshToken: "rt"}))

	var signals atomic.Int32
	mgr.Subscribe(func(session.Event) { signals.Add(1) })

	c, err := NewClient(tr, mgr, st)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/clubs/1/membership/join"})
		}(i)
	}
	wg.Wait()

	for _, out := range outs {
		require.False(t, out.Success)
		require.True(t, out.RequiresLogin)
	}
	require.EqualValues(t, 1, signals.Load())
	require.Empty(t, mgr.Token())
}

func TestAuthAPI_Login(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clubapi.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email != "ada@uni.edu" || req.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"at","refreshToken":"rt","user":{"id":7,"name":"Ada","role":"ROLE_MEMBER"}}`))
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tr, err := NewTransport(srv.URL)
	require.NoError(t, err)
	api := NewAuthAPI(tr, nil)

	res, err := api.Login(context.Background(), "ada@uni.edu", "pw")
	require.NoError(t, err)
	require.Equal(t, "at", res.Pair.AccessToken)
	require.Equal(t, "rt", res.Pair.RefreshToken)
	require.Equal(t, "7", res.Profile.ID)
	require.Equal(t, session.RoleMember, res.Profile.Role)

	_, err = api.Login(context.Background(), "ada@uni.edu", "wrong")
	require.ErrorIs(t, err, session.ErrCredentialsRejected)

	_, err = api.Login(context.Background(), "", "")
	require.True(t, apierr.IsValidation(err))
}

func TestAuthAPI_SilentRefreshUsesBearer(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh-token" || r.Header.Get("Authorization") != "Bearer expired" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"at-2"}`))
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tr, err := NewTransport(srv.URL)
	require.NoError(t, err)
	api := NewAuthAPI(tr, nil)

	pair, err := api.SilentRefresh(context.Background(), "expired")
	require.NoError(t, err)
	require.Equal(t, "at-2", pair.AccessToken)

	_, err = api.RefreshWithToken(context.Background(), "rt")
	require.ErrorIs(t, err, session.ErrCredentialsRejected)
	require.False(t, errors.Is(err, apierr.ErrNetwork))
}
