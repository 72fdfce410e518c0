package membership

import (
	"context"
	"encoding/json"
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
	"clubhub/cmd/internal/pipeline"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

type fakeIdentity struct{ s *session.Session }

func (f fakeIdentity) Session() (session.Session, bool) {
	if f.s == nil {
		return session.Session{}, false
	}
	return *f.s, true
}

type tokenOnly string

func (t tokenOnly) Token() string                 { return string(t) }
func (t tokenOnly) Refresh(context.Context) error { return apierr.New("test", apierr.ErrAuthExpired, "no refresh") }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []clubapi.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n clubapi.Notification) (clubapi.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return n, nil
}

func (r *recordingNotifier) all() []clubapi.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]clubapi.Notification(nil), r.sent...)
}

// fakeClubAPI is a minimal club server for one club.
type fakeClubAPI struct {
	mu          sync.Mutex
	clubID      string
	presidentID string
	pending     map[string]bool // userID -> pending
	members     map[string]string
	requests    map[string]string // requestID -> userID
	nextID      int
	anonymous   bool // check replies omit presidentId
	calls       atomic.Int32
	leaves      atomic.Int32
	reviews     atomic.Int32
	down        atomic.Bool
}

func newFakeClubAPI(clubID, presidentID string) *fakeClubAPI {
	return &fakeClubAPI{
		clubID:      clubID,
		presidentID: presidentID,
		pending:     map[string]bool{},
		members:     map[string]string{presidentID: clubapi.RolePresident},
		requests:    map[string]string{},
		nextID:      100,
	}
}

func (f *fakeClubAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if f.down.Load() {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!DOCTYPE html><html></html>"))
		return
	}
	user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()

	base := "/api/clubs/" + f.clubID
	write := func(v any) { _ = json.NewEncoder(w).Encode(v) }

	switch {
	case r.Method == http.MethodGet && r.URL.Path == base+"/membership/check":
		if user == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		res := map[string]any{"isMember": false, "isPending": f.pending[user], "role": nil}
		if !f.anonymous {
			res["presidentId"] = f.presidentID
		}
		if role, ok := f.members[user]; ok {
			res["isMember"], res["role"] = true, role
		}
		write(res)
	case r.Method == http.MethodGet && r.URL.Path == base:
		write(map[string]any{"id": f.clubID, "presidentId": f.presidentID})
	case r.Method == http.MethodPost && r.URL.Path == base+"/membership/join":
		f.pending[user] = true
		f.nextID++
		id := itoa(f.nextID)
		f.requests[id] = user
		w.WriteHeader(http.StatusCreated)
		write(map[string]any{"id": f.nextID, "clubId": f.clubID, "userId": user, "status": "PENDING"})
	case r.Method == http.MethodDelete && r.URL.Path == base+"/membership/request":
		delete(f.pending, user)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && r.URL.Path == base+"/membership/leave":
		f.leaves.Add(1)
		delete(f.members, user)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == base+"/membership/requests/pending":
		out := []map[string]any{}
		for id, u := range f.requests {
			if f.pending[u] {
				out = append(out, map[string]any{"id": id, "clubId": f.clubID, "userId": u, "userName": "Ada", "status": "PENDING"})
			}
		}
		write(map[string]any{"data": out})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/clubs/membership/requests/"):
		f.reviews.Add(1)
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id, verb := parts[4], parts[5]
		u, ok := f.requests[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !f.pending[u] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		delete(f.pending, u)
		if verb == "approve" {
			f.members[u] = clubapi.RoleMember
		}
		status := map[string]string{"approve": "APPROVED", "reject": "REJECTED"}[verb]
		write(map[string]any{"id": id, "clubId": f.clubID, "userId": u, "userName": "Ada", "status": status})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// The bearer token doubles as the user id in these tests.
func newMachine(t *testing.T, api http.Handler, userID, name string, role session.Role) (*Machine, *recordingNotifier, fallback.Store) {
	t.Helper()
	var sess *session.Session
	if userID != "" {
		sess = &session.Session{AccessToken: userID, UserID: userID, Role: role, Profile: session.Profile{ID: userID, Name: name}}
	}
	return newMachineFor(t, api, sess)
}

func newMachineFor(t *testing.T, api http.Handler, sess *session.Session) (*Machine, *recordingNotifier, fallback.Store) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tr, err := pipeline.NewTransport(srv.URL)
	require.NoError(t, err)
	st := fallback.NewMemoryStore()

	id := fakeIdentity{s: sess}
	var auth pipeline.Authority
	if sess != nil {
		auth = tokenOnly(sess.AccessToken)
	}
	client, err := pipeline.NewClient(tr, auth, st)
	require.NoError(t, err)

	n := &recordingNotifier{}
	m, err := New(client, id, st, n)
	require.NoError(t, err)
	return m, n, st
}

func TestCheck_UnauthenticatedIsZeroStatus(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t, newFakeClubAPI("42", "3"), "", "", "")
	st := m.Check(context.Background(), "42")
	require.False(t, st.IsMember)
	require.False(t, st.IsPending)
	require.Nil(t, st.Role)
	require.Equal(t, "42", st.ClubID)
}

func TestJoin_Scenario(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, n, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()

	st, err := m.Join(ctx, "42", "please let me in")
	require.NoError(t, err)
	require.True(t, st.IsPending)
	require.False(t, st.IsMember)
	require.Equal(t, "3", st.President())

	q, err := m.Queued(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	require.Equal(t, RequestPending, q[0].Status)
	require.Equal(t, "42", q[0].ClubID)
	require.Equal(t, "Ada", q[0].UserName)
	require.Equal(t, "3", q[0].PresidentID)
	require.Equal(t, "101", q[0].RequestID)

	sent := n.all()
	require.Len(t, sent, 1)
	require.Equal(t, clubapi.NotificationClubJoinRequest, sent[0].Type)
	require.Equal(t, clubapi.ID("3"), sent[0].ReceiverID)
	require.Equal(t, clubapi.ID("7"), sent[0].SenderID)

	again := m.Check(ctx, "42")
	require.True(t, again.IsPending)
	require.False(t, again.IsMember)

	_, err = m.Join(ctx, "42", "twice")
	require.True(t, apierr.IsValidation(err))
}

func TestJoin_RejectionDropsLocalCopy(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	api.down.Store(true)
	m, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()

	// HTML on a mutation is malformed, which is a classified rejection.
	_, err := m.Join(ctx, "42", "hi")
	require.ErrorIs(t, err, apierr.ErrMalformed)
	q, err := m.Queued(ctx)
	require.NoError(t, err)
	require.Empty(t, q)
}

func TestJoin_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := pipeline.NewTransport(url, pipeline.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	st := fallback.NewMemoryStore()
	client, err := pipeline.NewClient(tr, tokenOnly("7"), st)
	require.NoError(t, err)
	id := fakeIdentity{s: &session.Session{AccessToken: "7", UserID: "7", Role: session.RoleMember}}
	m, err := New(client, id, st, &recordingNotifier{})
	require.NoError(t, err)

	ctx := context.Background()
	s, err := m.Join(ctx, "42", "offline")
	require.NoError(t, err)
	require.True(t, s.IsPending)

	q, err := m.Queued(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)

	// Offline check reports the queued request.
	require.True(t, m.Check(ctx, "42").IsPending)
}

func TestApprove_IdempotentAndRosterOnce(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	requester, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()
	_, err := requester.Join(ctx, "42", "hi")
	require.NoError(t, err)

	president, n, _ := newMachine(t, api, "3", "Grace", session.RolePresident)
	pending, err := president.Pending(ctx, "42")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	reqID := pending[0].ID

	first, err := president.Approve(ctx, reqID)
	require.NoError(t, err)
	second, err := president.Approve(ctx, reqID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.True(t, first.IsMember)
	require.Equal(t, clubapi.RoleMember, first.RoleName())

	members := president.Members("42")
	require.Len(t, members, 1)
	require.Equal(t, "7", members[0].UserID)
	require.Equal(t, clubapi.RoleMember, members[0].Role)
	require.False(t, members[0].JoinedAt.IsZero())

	// A reject after approval is a no-op that reports the terminal state.
	third, err := president.Reject(ctx, reqID)
	require.NoError(t, err)
	require.Equal(t, first, third)

	sent := n.all()
	require.Len(t, sent, 1)
	require.Equal(t, clubapi.NotificationClubRequestApproved, sent[0].Type)
	require.Equal(t, clubapi.ID("7"), sent[0].ReceiverID)

	require.True(t, requester.Check(ctx, "42").IsMember)
}

func TestApprove_ConcurrentSingleMutation(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	requester, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()
	_, err := requester.Join(ctx, "42", "hi")
	require.NoError(t, err)

	admin, n, _ := newMachine(t, api, "1", "Root", session.RoleAdmin)
	pending, err := admin.Pending(ctx, "42")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var wg sync.WaitGroup
	results := make([]Status, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = admin.Approve(ctx, pending[0].ID)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Len(t, admin.Members("42"), 1)
	require.Len(t, n.all(), 1)
}

func TestApprove_RoleGate(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "8", "Bob", session.RoleMember)
	before := api.calls.Load()

	_, err := m.Approve(context.Background(), "101")
	require.ErrorIs(t, err, apierr.ErrAuthDenied)
	require.Equal(t, before, api.calls.Load())
}

func TestReject_NotifiesRequester(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	requester, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()
	_, err := requester.Join(ctx, "42", "hi")
	require.NoError(t, err)

	manager, n, _ := newMachine(t, api, "5", "Max", session.RoleManager)
	pending, err := manager.Pending(ctx, "42")
	require.NoError(t, err)

	st, err := manager.Reject(ctx, pending[0].ID)
	require.NoError(t, err)
	require.False(t, st.IsMember)
	require.False(t, st.IsPending)
	require.Empty(t, manager.Members("42"))
	require.Equal(t, clubapi.NotificationClubRequestRejected, n.all()[0].Type)

	require.False(t, requester.Check(ctx, "42").IsPending)
	q, err := requester.Queued(ctx)
	require.NoError(t, err)
	require.Empty(t, q, "resolved requests leave the local queue")
}

func TestLeave_PresidentCannotLeave(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "3", "Grace", session.RolePresident)
	ctx := context.Background()

	st := m.Check(ctx, "42")
	require.True(t, st.IsMember)

	_, err := m.Leave(ctx, "42")
	require.True(t, apierr.IsValidation(err))
	require.Zero(t, api.leaves.Load(), "no leave request after the precondition fails")
	require.True(t, m.Check(ctx, "42").IsMember)
}

func TestLeave_UsesFreshStatus(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	api.members["9"] = clubapi.RoleMember
	m, _, _ := newMachine(t, api, "9", "Lin", session.RoleMember)
	ctx := context.Background()
	require.Equal(t, clubapi.RoleMember, m.Check(ctx, "42").RoleName())

	api.mu.Lock()
	api.presidentID = "9"
	api.members["9"] = clubapi.RolePresident
	api.mu.Unlock()

	_, err := m.Leave(ctx, "42")
	require.True(t, apierr.IsValidation(err))
	require.Zero(t, api.leaves.Load())
}

func TestLeave_UnreachableFallsBackToKnownStatus(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "3", "Grace", session.RolePresident)
	ctx := context.Background()
	require.True(t, m.Check(ctx, "42").IsMember)

	api.down.Store(true)
	_, err := m.Leave(ctx, "42")
	require.True(t, apierr.IsValidation(err))
	require.Zero(t, api.leaves.Load())
}

// A token without a user id and a check reply without a president must not
// make the caller the president.
func TestMembership_EmptyUserIDIsNeverPresident(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	api.anonymous = true
	api.members["8"] = clubapi.RoleMember
	ctx := context.Background()

	requester, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	_, err := requester.Join(ctx, "42", "hi")
	require.NoError(t, err)

	m, _, _ := newMachineFor(t, api, &session.Session{AccessToken: "8", Role: session.RoleMember})
	st := m.Check(ctx, "42")
	require.True(t, st.IsMember)
	require.Empty(t, st.President())
	require.False(t, st.PresidedBy(""))

	pending, err := m.Pending(ctx, "42")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = m.Approve(ctx, pending[0].ID)
	require.ErrorIs(t, err, apierr.ErrAuthDenied)
	_, err = m.Reject(ctx, pending[0].ID)
	require.ErrorIs(t, err, apierr.ErrAuthDenied)
	require.Zero(t, api.reviews.Load())
	require.Empty(t, m.Members("42"))

	st, err = m.Leave(ctx, "42")
	require.NoError(t, err)
	require.False(t, st.IsMember)
	require.EqualValues(t, 1, api.leaves.Load())
}

func TestLeave_Member(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	api.members["9"] = clubapi.RoleMember
	m, n, _ := newMachine(t, api, "9", "Lin", session.RoleMember)
	ctx := context.Background()

	require.True(t, m.Check(ctx, "42").IsMember)
	st, err := m.Leave(ctx, "42")
	require.NoError(t, err)
	require.False(t, st.IsMember)
	require.Nil(t, st.Role)
	require.False(t, m.Check(ctx, "42").IsMember)
	require.Equal(t, clubapi.NotificationClubMemberLeft, n.all()[0].Type)

	_, err = m.Leave(ctx, "42")
	require.True(t, apierr.IsValidation(err))
}

func TestCancel_Idempotent(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "7", "Ada", session.RoleMember)
	ctx := context.Background()

	_, err := m.Join(ctx, "42", "hi")
	require.NoError(t, err)

	st, err := m.Cancel(ctx, "42")
	require.NoError(t, err)
	require.False(t, st.IsPending)
	q, err := m.Queued(ctx)
	require.NoError(t, err)
	require.Empty(t, q)
	require.False(t, m.Check(ctx, "42").IsPending)

	st, err = m.Cancel(ctx, "42")
	require.NoError(t, err)
	require.False(t, st.IsPending)
}

func TestStatus_CopiesAreIndependent(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "3", "Grace", session.RolePresident)
	ctx := context.Background()

	st := m.Check(ctx, "42")
	*st.Role = "MEMBER"
	*st.PresidentID = "999"

	cached, ok := m.lookup("42")
	require.True(t, ok)
	require.Equal(t, clubapi.RolePresident, cached.RoleName())
	require.Equal(t, "3", cached.President())
}

func TestValidation_BeforeNetwork(t *testing.T) {
	t.Parallel()

	api := newFakeClubAPI("42", "3")
	m, _, _ := newMachine(t, api, "", "", "")
	ctx := context.Background()

	_, err := m.Join(ctx, "42", "x")
	require.True(t, apierr.IsValidation(err))
	_, err = m.Join(ctx, " ", "x")
	require.True(t, apierr.IsValidation(err))
	_, err = m.Leave(ctx, "42")
	require.True(t, apierr.IsValidation(err))
	require.Zero(t, api.calls.Load())
}
