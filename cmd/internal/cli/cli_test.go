package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRootSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := map[string][]string{
		"login":         nil,
		"logout":        nil,
		"whoami":        nil,
		"watch":         nil,
		"membership":    {"check", "join", "cancel", "leave", "pending", "approve", "reject", "queued"},
		"notifications": {"list", "mark-read", "mark-all-read", "unread"},
	}

	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, cmd.Name())
		require.NotEmpty(t, cmd.Short, name)

		for _, sub := range subs {
			c, _, err := root.Find([]string{name, sub})
			require.NoError(t, err, name+" "+sub)
			require.Equal(t, sub, c.Name())
			require.NotNil(t, c.RunE, name+" "+sub)
		}
	}
}

func TestSkipsApp(t *testing.T) {
	root := NewRootCmd()
	for _, tc := range []struct {
		args []string
		skip bool
	}{
		{args: nil, skip: true},
		{args: []string{"membership"}, skip: true},
		{args: []string{"membership", "join"}, skip: false},
		{args: []string{"whoami"}, skip: false},
	} {
		var cmd *cobra.Command = root
		if len(tc.args) > 0 {
			var err error
			cmd, _, err = root.Find(tc.args)
			require.NoError(t, err)
		}
		require.Equal(t, tc.skip, skipsApp(cmd), tc.args)
	}
}

type fakeAPI struct {
	token string
	calls atomic.Int32
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	switch {
	case r.URL.Path == "/auth/login":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  f.token,
			"refreshToken": "rt",
			"user":         map[string]any{"id": 42, "name": "Ada", "email": "ada@uni.edu"},
		})
	case r.URL.Path == "/auth/validate-token":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/api/notifications" && r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "type": "INFO", "title": "Welcome", "read": false, "createdAt": "2026-01-01T00:00:00Z"},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_LoginWhoamiQueueAndNotifications(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": 42, "role": "MEMBER", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	api := &fakeAPI{token: tok}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	t.Setenv("CLUBHUB_CONFIG", "")
	t.Setenv("CLUBHUB_LOG_LEVEL", "error")
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	state := filepath.Join(t.TempDir(), "state.json")
	base := srv.URL
	with := func(args ...string) []string {
		return append(append([]string{}, args...), "--api", base, "--store", "file", "--store-path", state)
	}

	out, err := run(t, with("login", "-u", "ada@uni.edu", "--password", "pw")...)
	require.NoError(t, err)
	require.Contains(t, out, "Logged in as Ada")

	out, err = run(t, with("whoami", "--json")...)
	require.NoError(t, err)
	var who map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	require.Equal(t, true, who["authenticated"])
	require.Equal(t, "42", who["userId"])

	base = deadURL
	out, err = run(t, with("membership", "join", "7", "-m", "hi")...)
	require.NoError(t, err)
	require.Contains(t, out, "request pending")

	out, err = run(t, with("membership", "queued", "--json")...)
	require.NoError(t, err)
	var queued []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &queued))
	require.Len(t, queued, 1)
	require.Equal(t, "7", queued[0]["clubId"])

	out, err = run(t, with("membership", "check", "7")...)
	require.NoError(t, err)
	require.Contains(t, out, "request pending")

	base = srv.URL
	out, err = run(t, with("notifications", "list", "--json")...)
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.NotEmpty(t, items)

	_, err = run(t, with("notifications", "mark-all-read")...)
	require.NoError(t, err)
	out, err = run(t, with("notifications", "unread")...)
	require.NoError(t, err)
	require.Equal(t, "0\n", out)

	out, err = run(t, with("logout")...)
	require.NoError(t, err)
	require.Contains(t, out, "Logged out.")

	out, err = run(t, with("whoami")...)
	require.NoError(t, err)
	require.Contains(t, out, "Not logged in.")
	require.Positive(t, api.calls.Load())
}

func TestCLI_LoginRequiresUser(t *testing.T) {
	t.Setenv("CLUBHUB_CONFIG", "")
	_, err := run(t, "login", "--store", "memory")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--user")
}
