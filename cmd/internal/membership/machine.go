package membership

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"clubhub/cmd/identity/ids"
	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/auth/session"
	"clubhub/cmd/internal/fallback"
	"clubhub/cmd/internal/metrics"
	"clubhub/cmd/internal/pipeline"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

// Sender is the request pipeline. *pipeline.Client implements it.
type Sender interface {
	Send(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Identity exposes the current session. *session.Manager implements it.
type Identity interface {
	Session() (session.Session, bool)
}

// Notifier delivers membership notifications. *notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, n clubapi.Notification) (clubapi.Notification, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics records transitions.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mx }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine is the membership state machine.
type Machine struct {
	api      Sender
	id       Identity
	store    fallback.Store
	notifier Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	known  map[string]Status
	ledger map[string]Request
	roster map[string][]Member
}

// New constructs a Machine. notifier may be nil, in which case no
// notifications are sent.
func New(api Sender, id Identity, store fallback.Store, notifier Notifier, opts ...Option) (*Machine, error) {
	if api == nil || id == nil || store == nil {
		return nil, errors.New("membership: sender, identity and store are required")
	}
	m := &Machine{
		api:      api,
		id:       id,
		store:    store,
		notifier: notifier,
		log:      slog.Default(),
		now:      time.Now,
		known:    make(map[string]Status),
		ledger:   make(map[string]Request),
		roster:   make(map[string][]Member),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func clubPath(clubID string, tail ...string) string {
	parts := append([]string{"api", "clubs", url.PathEscape(clubID)}, tail...)
	return "/" + strings.Join(parts, "/")
}

func (m *Machine) remember(s Status) {
	m.mu.Lock()
	m.known[s.ClubID] = s.clone()
	m.mu.Unlock()
}

func (m *Machine) lookup(clubID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.known[clubID]
	return s.clone(), ok
}

// Check returns the caller's status for clubID. It never fails: any error
// yields the zero status, overlaid with a locally queued request when one
// exists for the caller.
func (m *Machine) Check(ctx context.Context, clubID string) Status {
	st, _ := m.check(ctx, clubID)
	return st
}

// check is Check that also reports whether the status is the server's
// answer rather than a synthesized or overlaid one.
func (m *Machine) check(ctx context.Context, clubID string) (Status, bool) {
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return NoMembership(clubID), false
	}

	out := m.api.Send(ctx, pipeline.Request{Method: http.MethodGet, Path: clubPath(clubID, "membership", "check")})

	var userID string
	if s, ok := m.id.Session(); ok {
		userID = s.UserID
	}

	if !out.Success || out.Synthesized {
		st := NoMembership(clubID)
		if prev, ok := m.lookup(clubID); ok {
			st.PresidentID = prev.PresidentID
		}
		if userID != "" {
			if q, ok := m.queued(ctx, clubID, userID); ok {
				st = pendingStatus(clubID, q.PresidentID)
			}
		}
		if err := out.Error(); err != nil {
			m.log.Debug("membership.check.default", "club_id", clubID, "err", err)
		}
		return st.normalized(), false
	}

	var wire clubapi.MembershipCheck
	if err := out.Data.Decode(&wire); err != nil {
		m.log.Debug("membership.check.decode", "club_id", clubID, "err", err)
		return NoMembership(clubID), false
	}
	st := Status{IsMember: wire.IsMember, IsPending: wire.IsPending, Role: wire.Role, ClubID: clubID}
	if wire.PresidentID != nil {
		st.PresidentID = strPtr(wire.PresidentID.String())
	} else if prev, ok := m.lookup(clubID); ok {
		st.PresidentID = prev.PresidentID
	}
	st = st.normalized()

	// The server is authoritative: a resolved request leaves the local queue.
	if userID != "" && !st.IsPending {
		if removed, err := m.dequeue(ctx, clubID, userID); err != nil {
			m.log.Warn("membership.queue.reconcile", "club_id", clubID, "err", err)
		} else if removed {
			m.log.Info("membership.queue.reconciled", "club_id", clubID, "is_member", st.IsMember)
		}
	}

	m.remember(st)
	return st.clone(), true
}

// Join requests membership of clubID.
//
// The durable local copy is written before the server call and before the
// officer is notified. A network failure keeps the copy and reports the
// request as pending; a classified rejection removes it.
func (m *Machine) Join(ctx context.Context, clubID, message string) (st Status, err error) {
	const op = "membership.join"
	defer func() { m.metrics.ObserveMembership("join", err) }()

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return NoMembership(clubID), apierr.Validation(op, "club id is required")
	}
	sess, ok := m.id.Session()
	if !ok {
		return NoMembership(clubID), apierr.Validation(op, "sign in to join a club")
	}

	cur := m.Check(ctx, clubID)
	if cur.IsMember {
		return cur, apierr.Validation(op, "already a member of this club")
	}
	if cur.IsPending {
		return cur, apierr.Validation(op, "a membership request for this club is already pending")
	}

	presidentID := cur.President()
	if presidentID == "" {
		presidentID = m.approverOf(ctx, clubID)
	}

	now := m.now().UTC()
	localID, err := ids.NewLocalID(now)
	if err != nil {
		return NoMembership(clubID), apierr.Wrap(op, apierr.ErrUnknown, err)
	}
	req := Request{
		ID:          localID,
		ClubID:      clubID,
		UserID:      sess.UserID,
		UserName:    sess.Profile.Name,
		Message:     message,
		Status:      RequestPending,
		CreatedAt:   now,
		PresidentID: presidentID,
	}

	if err := m.enqueue(ctx, QueuedRequest{
		RequestID:   req.ID,
		ClubID:      clubID,
		UserID:      req.UserID,
		UserName:    req.UserName,
		Message:     message,
		Status:      RequestPending,
		RequestDate: now,
		PresidentID: presidentID,
	}); err != nil {
		return NoMembership(clubID), apierr.Wrap(op, apierr.ErrUnknown, err)
	}

	out := m.api.Send(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   clubPath(clubID, "membership", "join"),
		Body:   clubapi.JoinRequest{Message: message},
	})
	if !out.Success {
		ferr := out.Error()
		if apierr.IsNetwork(ferr) && !out.RequiresLogin {
			m.log.Warn("membership.join.queued", "club_id", clubID, "err", ferr)
		} else {
			if _, derr := m.dequeue(ctx, clubID, req.UserID); derr != nil {
				m.log.Warn("membership.queue.remove", "club_id", clubID, "err", derr)
			}
			m.log.Info("membership.join.rejected", "club_id", clubID, "status", out.Status)
			return NoMembership(clubID), ferr
		}
	} else {
		var wire clubapi.MembershipRequest
		if out.Data.Kind == pipeline.KindObject && out.Data.Decode(&wire) == nil && wire.ID != "" {
			req.ID = wire.ID.String()
			if err := m.rekey(ctx, clubID, req.UserID, req.ID); err != nil {
				m.log.Warn("membership.queue.rekey", "club_id", clubID, "err", err)
			}
		}
	}

	m.mu.Lock()
	m.ledger[req.ID] = req
	m.mu.Unlock()

	st = pendingStatus(clubID, presidentID)
	m.remember(st)
	m.log.Info("membership.join", "club_id", clubID, "request_id", req.ID, "user_id", req.UserID)

	if presidentID != "" {
		m.notify(ctx, clubapi.Notification{
			Title:      "New membership request",
			Message:    displayName(req) + " wants to join the club",
			Type:       clubapi.NotificationClubJoinRequest,
			ReceiverID: clubapi.ID(presidentID),
			SenderID:   clubapi.ID(req.UserID),
			Data:       requestData(req),
		})
	} else {
		m.log.Warn("membership.join.no_approver", "club_id", clubID)
	}
	return st.clone(), nil
}

// approverOf looks up the president (or manager) of clubID.
func (m *Machine) approverOf(ctx context.Context, clubID string) string {
	out := m.api.Send(ctx, pipeline.Request{Method: http.MethodGet, Path: clubPath(clubID)})
	if !out.Success || out.Data.Kind != pipeline.KindObject {
		return ""
	}
	var club clubapi.Club
	if err := out.Data.Decode(&club); err != nil {
		return ""
	}
	if club.PresidentID != nil && *club.PresidentID != "" {
		return club.PresidentID.String()
	}
	if club.ManagerID != nil {
		return club.ManagerID.String()
	}
	return ""
}

// Cancel withdraws the caller's pending request for clubID. Cancelling a
// request that no longer exists succeeds.
func (m *Machine) Cancel(ctx context.Context, clubID string) (st Status, err error) {
	const op = "membership.cancel"
	defer func() { m.metrics.ObserveMembership("cancel", err) }()

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return NoMembership(clubID), apierr.Validation(op, "club id is required")
	}
	sess, ok := m.id.Session()
	if !ok {
		return NoMembership(clubID), apierr.Validation(op, "sign in to manage membership requests")
	}

	removed, err := m.dequeue(ctx, clubID, sess.UserID)
	if err != nil {
		return NoMembership(clubID), apierr.Wrap(op, apierr.ErrUnknown, err)
	}
	known, _ := m.lookup(clubID)
	if !removed && !known.IsPending {
		known = m.Check(ctx, clubID)
		if !known.IsPending {
			return known, nil
		}
	}
	if known.IsMember {
		return known, apierr.Validation(op, "already a member; leave the club instead")
	}

	m.mu.Lock()
	for id, r := range m.ledger {
		if r.ClubID == clubID && r.UserID == sess.UserID && r.Status == RequestPending {
			delete(m.ledger, id)
		}
	}
	m.mu.Unlock()

	st = NoMembership(clubID)
	st.PresidentID = known.PresidentID
	m.remember(st)

	out := m.api.Send(ctx, pipeline.Request{Method: http.MethodDelete, Path: clubPath(clubID, "membership", "request")})
	if !out.Success && out.Status != http.StatusNotFound {
		return st.clone(), out.Error()
	}
	m.log.Info("membership.cancel", "club_id", clubID, "user_id", sess.UserID)
	return st.clone(), nil
}

// Leave ends the caller's membership of clubID. A club president cannot
// leave; the check runs against a fresh status before the leave request is
// sent, falling back to the last known status when the server is unreachable.
func (m *Machine) Leave(ctx context.Context, clubID string) (st Status, err error) {
	const op = "membership.leave"
	defer func() { m.metrics.ObserveMembership("leave", err) }()

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return NoMembership(clubID), apierr.Validation(op, "club id is required")
	}
	sess, ok := m.id.Session()
	if !ok {
		return NoMembership(clubID), apierr.Validation(op, "sign in to leave a club")
	}

	cur, fresh := m.check(ctx, clubID)
	if !fresh {
		if prev, ok := m.lookup(clubID); ok {
			cur = prev
		}
	}
	if cur.PresidedBy(sess.UserID) || cur.RoleName() == clubapi.RolePresident {
		return cur, apierr.Validation(op, "the club president cannot leave; transfer the role first")
	}
	if !cur.IsMember {
		return cur, apierr.Validation(op, "not a member of this club")
	}

	out := m.api.Send(ctx, pipeline.Request{Method: http.MethodDelete, Path: clubPath(clubID, "membership", "leave")})
	if !out.Success {
		return cur, out.Error()
	}

	st = NoMembership(clubID)
	st.PresidentID = cur.PresidentID
	m.remember(st)

	m.mu.Lock()
	members := m.roster[clubID]
	kept := members[:0:0]
	for _, mb := range members {
		if mb.UserID != sess.UserID {
			kept = append(kept, mb)
		}
	}
	m.roster[clubID] = kept
	m.mu.Unlock()

	m.log.Info("membership.leave", "club_id", clubID, "user_id", sess.UserID)
	if p := cur.President(); p != "" {
		m.notify(ctx, clubapi.Notification{
			Title:      "Member left",
			Message:    nameOr(sess.Profile.Name, sess.UserID) + " left the club",
			Type:       clubapi.NotificationClubMemberLeft,
			ReceiverID: clubapi.ID(p),
			SenderID:   clubapi.ID(sess.UserID),
			Data:       mustJSON(map[string]string{"clubId": clubID, "userId": sess.UserID}),
		})
	}
	return st.clone(), nil
}

// Members returns a copy of the roster entries added by approvals.
func (m *Machine) Members(clubID string) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, len(m.roster[clubID]))
	copy(out, m.roster[clubID])
	return out
}

// notify dispatches n best-effort; delivery failures are logged only.
func (m *Machine) notify(ctx context.Context, n clubapi.Notification) {
	if m.notifier == nil {
		return
	}
	if _, err := m.notifier.Dispatch(ctx, n); err != nil {
		m.log.Warn("membership.notify.fail", "type", n.Type, "receiver_id", n.ReceiverID, "err", err)
	}
}

func requestData(r Request) json.RawMessage {
	return mustJSON(map[string]string{
		"requestId": r.ID,
		"clubId":    r.ClubID,
		"userId":    r.UserID,
		"userName":  r.UserName,
		"message":   r.Message,
	})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func displayName(r Request) string {
	return nameOr(r.UserName, r.UserID)
}

func nameOr(name, fallbackName string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	if fallbackName != "" {
		return "User " + fallbackName
	}
	return "A user"
}
