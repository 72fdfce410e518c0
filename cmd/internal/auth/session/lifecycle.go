package session

import (
	"sync"
	"sync/atomic"
)

// State is the token lifecycle state.
type State int32

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Lifecycle is the small state object behind a Manager: current state, the
// RetryBudget and the teardown latch. Its exported methods are read-only so
// it can be handed to observers.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	attempts int
	ceiling  int

	tearingDown atomic.Bool
}

// NewLifecycle returns an anonymous lifecycle with the given budget ceiling.
func NewLifecycle(ceiling int) *Lifecycle {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Lifecycle{ceiling: ceiling}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts returns the failed refresh attempts counted since the last success.
func (l *Lifecycle) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Ceiling returns the RetryBudget ceiling.
func (l *Lifecycle) Ceiling() int { return l.ceiling }

// TearingDown reports whether a teardown holds the latch (including its grace window).
func (l *Lifecycle) TearingDown() bool { return l.tearingDown.Load() }

// beginRefresh spends one unit of budget. It returns false, without
// spending, when the budget is already at the ceiling.
func (l *Lifecycle) beginRefresh() (attempt int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts >= l.ceiling {
		return l.attempts, false
	}
	l.attempts++
	l.state = StateRefreshing
	return l.attempts, true
}

func (l *Lifecycle) refreshSucceeded() {
	l.mu.Lock()
	l.attempts = 0
	l.state = StateAuthenticated
	l.mu.Unlock()
}

// refreshFailed leaves REFRESHING; the budget keeps the spent unit.
func (l *Lifecycle) refreshFailed(hasSession bool) {
	l.mu.Lock()
	if l.state == StateRefreshing {
		if hasSession {
			l.state = StateAuthenticated
		} else {
			l.state = StateAnonymous
		}
	}
	l.mu.Unlock()
}

// established marks a freshly set session; a new session starts with a full budget.
func (l *Lifecycle) established() {
	l.mu.Lock()
	l.state = StateAuthenticated
	l.attempts = 0
	l.mu.Unlock()
}

// anonymous resets the state and the budget.
func (l *Lifecycle) anonymous() {
	l.mu.Lock()
	l.state = StateAnonymous
	l.attempts = 0
	l.mu.Unlock()
}

func (l *Lifecycle) acquireTeardown() bool {
	return l.tearingDown.CompareAndSwap(false, true)
}

func (l *Lifecycle) releaseTeardown() {
	l.tearingDown.Store(false)
}
