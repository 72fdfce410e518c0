package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/metrics"
)

// Teardown reasons.
const (
	ReasonLogout          = "logout"
	ReasonRefreshRejected = "refresh_rejected"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonRestoreRejected = "restore_rejected"
)

// Refresher obtains a new token pair from the auth endpoints.
//
// Implementations wrap ErrCredentialsRejected when the endpoint answers 401/403.
type Refresher interface {
	RefreshWithToken(ctx context.Context, refreshToken string) (TokenPair, error)
	SilentRefresh(ctx context.Context, accessToken string) (TokenPair, error)
}

// Validator checks a cached access token with the server.
type Validator interface {
	Validate(ctx context.Context, accessToken string) error
}

// Navigator is the view collaborator told to show the login screen after teardown.
type Navigator interface {
	OnAuthView() bool
	RedirectToLogin(reason string)
}

// Event is delivered to subscribers once per teardown.
type Event struct {
	Reason string
	UserID string
	At     time.Time
}

// Listener receives teardown events. It runs on the tearing-down goroutine
// and must not block.
type Listener func(Event)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithNavigator sets the redirect collaborator.
func WithNavigator(n Navigator) Option {
	return func(m *Manager) { m.nav = n }
}

// WithMetrics records refreshes and teardowns.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the Token Lifecycle Manager.
//
// It is safe for concurrent use. Concurrent Refresh calls share one in-flight
// refresh; concurrent Teardown calls produce exactly one teardown.
type Manager struct {
	cfg       Config
	store     fallback.Store
	refresher Refresher
	nav       Navigator
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	life *Lifecycle
	sf   singleflight.Group

	mu   sync.RWMutex
	sess *Session
	gen  uint64

	subMu   sync.Mutex
	subs    map[uint64]Listener
	nextSub uint64

	graceMu sync.Mutex
	grace   *time.Timer
}

// New constructs a Manager. The store and refresher are required.
func New(cfg Config, store fallback.Store, refresher Refresher, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || refresher == nil {
		return nil, ErrConfig
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		log:       slog.Default(),
		now:       time.Now,
		life:      NewLifecycle(cfg.RefreshCeiling),
		subs:      make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Lifecycle exposes the read-only state view.
func (m *Manager) Lifecycle() *Lifecycle { return m.life }

// Token returns the current access token, or "" when anonymous.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.AccessToken
}

// Session returns a copy of the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

// Restore loads a cached session from the store at process start.
//
// When v is non-nil the token is checked with the server: a rejection clears
// the cache silently, a network failure keeps the cached session.
func (m *Manager) Restore(ctx context.Context, v Validator) (bool, error) {
	raw, err := m.store.Get(ctx, fallback.KeySessionToken)
	if errors.Is(err, fallback.ErrNotFound) {
		m.life.anonymous()
		return false, nil
	}
	if err != nil {
		return false, apierr.Wrap("session.restore", apierr.ErrUnknown, err)
	}
	access := strings.TrimSpace(string(raw))
	if access == "" {
		m.life.anonymous()
		return false, nil
	}

	var refresh string
	if rt, err := m.store.Get(ctx, fallback.KeyRefreshToken); err == nil {
		refresh = strings.TrimSpace(string(rt))
	}
	var profile Profile
	_, _ = fallback.LoadJSON(ctx, m.store, fallback.KeyUserProfile, &profile)

	s := buildSession(TokenPair{AccessToken: access, RefreshToken: refresh}, profile)
	m.mu.Lock()
	m.sess = &s
	m.gen++
	m.mu.Unlock()
	m.life.established()

	if v == nil {
		m.log.Info("session.restore", "user_id", s.UserID, "validated", false)
		return true, nil
	}

	if err := v.Validate(ctx, access); err != nil {
		if errors.Is(err, ErrCredentialsRejected) {
			m.log.Info("session.restore.rejected", "user_id", s.UserID)
			m.clear(ctx)
			m.metrics.ObserveTeardown(ReasonRestoreRejected)
			return false, nil
		}
		m.log.Warn("session.restore.unverified", "user_id", s.UserID, "err", err)
		return true, nil
	}
	m.log.Info("session.restore", "user_id", s.UserID, "validated", true)
	return true, nil
}

// SetSession installs pair in memory and in the store. A nil pair (or an
// empty access token) clears both without a logout signal.
func (m *Manager) SetSession(ctx context.Context, pair *TokenPair) error {
	if pair == nil || strings.TrimSpace(pair.AccessToken) == "" {
		m.clear(ctx)
		m.releaseGrace()
		return nil
	}

	var profile Profile
	m.mu.RLock()
	if m.sess != nil {
		profile = m.sess.Profile
	}
	m.mu.RUnlock()

	s := buildSession(*pair, profile)
	if profile.ID != "" && profile.ID != s.UserID {
		s = buildSession(*pair, Profile{})
	}

	m.mu.Lock()
	m.sess = &s
	m.gen++
	m.mu.Unlock()
	m.life.established()
	m.releaseGrace()

	return m.persist(ctx, s)
}

// SetProfile stores the current-user profile alongside the session.
func (m *Manager) SetProfile(ctx context.Context, p Profile) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return apierr.Wrap("session.set_profile", apierr.ErrValidation, ErrNoSession)
	}
	if p.Role == "" {
		p.Role = m.sess.Role
	} else {
		m.sess.Role = p.Role
	}
	if p.ID == "" {
		p.ID = m.sess.UserID
	} else {
		m.sess.UserID = p.ID
	}
	m.sess.Profile = p
	m.mu.Unlock()

	if err := fallback.SaveJSON(ctx, m.store, fallback.KeyUserProfile, p); err != nil {
		return apierr.Wrap("session.set_profile", apierr.ErrUnknown, err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, s Session) error {
	const op = "session.persist"
	if err := m.store.Put(ctx, fallback.KeySessionToken, []byte(s.AccessToken)); err != nil {
		return apierr.Wrap(op, apierr.ErrUnknown, err)
	}
	var err error
	if s.RefreshToken != "" {
		err = m.store.Put(ctx, fallback.KeyRefreshToken, []byte(s.RefreshToken))
	} else {
		err = m.store.Delete(ctx, fallback.KeyRefreshToken)
	}
	if err != nil {
		return apierr.Wrap(op, apierr.ErrUnknown, err)
	}
	if s.Profile.ID != "" {
		if err := fallback.SaveJSON(ctx, m.store, fallback.KeyUserProfile, s.Profile); err != nil {
			return apierr.Wrap(op, apierr.ErrUnknown, err)
		}
	}
	return nil
}

// clear drops the session from memory and the store and resets the budget.
// It reports whether a session was held.
func (m *Manager) clear(ctx context.Context) bool {
	m.mu.Lock()
	had := m.sess != nil
	m.sess = nil
	m.gen++
	m.mu.Unlock()

	for _, k := range fallback.SessionKeys {
		if err := m.store.Delete(ctx, k); err != nil {
			m.log.Warn("session.clear.store", "key", k, "err", err)
		}
	}
	m.life.anonymous()
	return had
}

// Refresh obtains a new access token. Concurrent callers share one attempt.
//
// With a refresh token the pair is exchanged at the refresh endpoint;
// without one a silent refresh is tried with the current access token.
// When the budget is spent, or the endpoint rejects the credentials, the
// session is torn down.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.sf.DoChan("refresh", func() (any, error) {
		// Shared by every waiter; one caller's cancellation must not fail the others.
		return nil, m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return apierr.Wrap("session.refresh", apierr.ErrNetwork, ctx.Err())
	case r := <-ch:
		return r.Err
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	const op = "session.refresh"

	m.mu.RLock()
	var cur Session
	held := m.sess != nil
	if held {
		cur = *m.sess
	}
	gen := m.gen
	m.mu.RUnlock()
	if !held {
		return apierr.Wrap(op, apierr.ErrAuthExpired, ErrNoSession)
	}

	attempt, ok := m.life.beginRefresh()
	if !ok {
		m.log.Warn("session.refresh.budget_exhausted", "attempts", attempt, "ceiling", m.life.Ceiling())
		m.metrics.ObserveRefresh("none", "budget_exhausted")
		m.Teardown(ctx, ReasonBudgetExhausted)
		f := apierr.Wrap(op, apierr.ErrAuthExpired, ErrBudgetExhausted)
		f.RequiresLogin = true
		return f
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	mode := "refresh_token"
	var (
		pair TokenPair
		err  error
	)
	if cur.RefreshToken != "" {
		pair, err = m.refresher.RefreshWithToken(rctx, cur.RefreshToken)
	} else {
		mode = "silent"
		pair, err = m.refresher.SilentRefresh(rctx, cur.AccessToken)
	}
	if err == nil && strings.TrimSpace(pair.AccessToken) == "" {
		err = apierr.New(op, apierr.ErrMalformed, "refresh response carried no access token")
	}

	if err != nil {
		if errors.Is(err, ErrCredentialsRejected) {
			m.log.Warn("session.refresh.rejected", "mode", mode, "attempt", attempt)
			m.metrics.ObserveRefresh(mode, "rejected")
			m.Teardown(ctx, ReasonRefreshRejected)
			f := apierr.Wrap(op, apierr.ErrAuthExpired, err)
			f.RequiresLogin = true
			return f
		}
		m.log.Warn("session.refresh.fail", "mode", mode, "attempt", attempt, "ceiling", m.life.Ceiling(), "err", err)
		m.metrics.ObserveRefresh(mode, "error")
		m.mu.RLock()
		still := m.sess != nil
		m.mu.RUnlock()
		m.life.refreshFailed(still)
		return &RefreshError{Attempt: attempt, Ceiling: m.life.Ceiling(), Err: err}
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = cur.RefreshToken
	}
	next := buildSession(pair, cur.Profile)

	m.mu.Lock()
	if m.gen != gen || m.sess == nil {
		m.mu.Unlock()
		m.life.refreshFailed(false)
		return apierr.Wrap(op, apierr.ErrAuthExpired, ErrSuperseded)
	}
	m.sess = &next
	m.gen++
	m.mu.Unlock()
	m.life.refreshSucceeded()
	m.metrics.ObserveRefresh(mode, "ok")
	m.log.Info("session.refresh.ok", "mode", mode, "user_id", next.UserID)

	if err := m.persist(ctx, next); err != nil {
		// The new token is usable in memory; the next restart falls back to a login.
		m.log.Warn("session.refresh.persist", "err", err)
	}
	return nil
}

// Teardown ends the session exactly once. It reports whether this call
// performed the teardown; false means another teardown holds the latch or
// there was no session.
//
// Subscribers are notified synchronously. The latch is held for the grace
// window, after which the navigator is asked to show the login view unless
// it already does.
func (m *Manager) Teardown(ctx context.Context, reason string) bool {
	if !m.life.acquireTeardown() {
		return false
	}

	var userID string
	m.mu.RLock()
	if m.sess != nil {
		userID = m.sess.UserID
	}
	m.mu.RUnlock()

	if !m.clear(ctx) {
		m.life.releaseTeardown()
		return false
	}

	m.metrics.ObserveTeardown(reason)
	m.log.Info("session.teardown", "reason", reason, "user_id", userID)

	m.publish(Event{Reason: reason, UserID: userID, At: m.now()})
	m.scheduleRedirect(reason)
	return true
}

// Logout is a user-initiated teardown.
func (m *Manager) Logout(ctx context.Context) bool {
	ok := m.Teardown(ctx, ReasonLogout)
	if !ok {
		m.life.anonymous()
	}
	return ok
}

func (m *Manager) scheduleRedirect(reason string) {
	redirect := m.nav != nil && !m.nav.OnAuthView()

	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	if m.grace != nil {
		m.grace.Stop()
	}
	m.grace = time.AfterFunc(m.cfg.LogoutGrace, func() {
		if redirect && !m.nav.OnAuthView() {
			m.nav.RedirectToLogin(reason)
		}
		m.life.releaseTeardown()
	})
}

// releaseGrace cancels a pending redirect and opens the latch.
func (m *Manager) releaseGrace() {
	m.graceMu.Lock()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.graceMu.Unlock()
	m.life.releaseTeardown()
}

// Subscribe registers fn for teardown events and returns its cancel func.
func (m *Manager) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	fns := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close stops the pending redirect timer.
func (m *Manager) Close() {
	m.graceMu.Lock()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.graceMu.Unlock()
}
