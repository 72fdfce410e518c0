package membership

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/pipeline"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

// Pending lists the open requests for clubID and records them so that
// approve and reject can check their current status.
func (m *Machine) Pending(ctx context.Context, clubID string) ([]Request, error) {
	const op = "membership.pending"
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return nil, apierr.Validation(op, "club id is required")
	}

	out := m.api.Send(ctx, pipeline.Request{Method: http.MethodGet, Path: clubPath(clubID, "membership", "requests", "pending")})
	if !out.Success {
		return nil, out.Error()
	}

	wire := pipeline.DecodeList[clubapi.MembershipRequest](out.Data)
	res := make([]Request, 0, len(wire))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range wire {
		r := requestFromWire(w)
		if r.ID == "" {
			continue
		}
		if r.ClubID == "" {
			r.ClubID = clubID
		}
		if prev, ok := m.ledger[r.ID]; ok && prev.Status.Terminal() {
			// Never regress a request we already saw resolved.
			continue
		}
		m.ledger[r.ID] = r
		if r.Status == RequestPending {
			res = append(res, r)
		}
	}
	return res, nil
}

// Approve moves requestID to APPROVED, adds the requester to the roster and
// notifies them. Approving a request that is already terminal is a no-op
// success returning the same status.
func (m *Machine) Approve(ctx context.Context, requestID string) (Status, error) {
	return m.review(ctx, requestID, RequestApproved)
}

// Reject moves requestID to REJECTED and notifies the requester. Rejecting a
// request that is already terminal is a no-op success.
func (m *Machine) Reject(ctx context.Context, requestID string) (Status, error) {
	return m.review(ctx, requestID, RequestRejected)
}

func (m *Machine) review(ctx context.Context, requestID string, target RequestStatus) (st Status, err error) {
	verb := "approve"
	if target == RequestRejected {
		verb = "reject"
	}
	op := "membership." + verb
	defer func() { m.metrics.ObserveMembership(verb, err) }()

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Status{}, apierr.Validation(op, "request id is required")
	}
	sess, ok := m.id.Session()
	if !ok {
		return Status{}, apierr.Validation(op, "sign in to review membership requests")
	}

	m.mu.Lock()
	req, inLedger := m.ledger[requestID]
	m.mu.Unlock()

	if inLedger && req.Status.Terminal() {
		return m.resolvedStatus(req), nil
	}
	if !m.mayReview(sess.Role.Officer(), sess.UserID, req) {
		return Status{}, apierr.New(op, apierr.ErrAuthDenied, "only the club president, a manager or an admin can review requests")
	}

	out := m.api.Send(ctx, pipeline.Request{
		Method: http.MethodPost,
		Path:   "/api/clubs/membership/requests/" + url.PathEscape(requestID) + "/" + verb,
	})
	if !out.Success && out.Status != http.StatusConflict {
		return Status{}, out.Error()
	}

	if out.Success && out.Data.Kind == pipeline.KindObject {
		var wire clubapi.MembershipRequest
		if out.Data.Decode(&wire) == nil && wire.ID != "" {
			fromServer := requestFromWire(wire)
			if req.ClubID == "" {
				req.ClubID = fromServer.ClubID
			}
			if req.UserID == "" {
				req.UserID = fromServer.UserID
				req.UserName = fromServer.UserName
			}
		}
	}
	if req.ID == "" {
		req.ID = requestID
	}

	// Compare-and-set on the current status: of two racing reviews only the
	// first mutates local state and notifies.
	m.mu.Lock()
	cur, seen := m.ledger[requestID]
	if seen && cur.Status.Terminal() {
		m.mu.Unlock()
		return m.resolvedStatus(cur), nil
	}
	req.Status = target
	m.ledger[requestID] = req
	if target == RequestApproved && req.ClubID != "" && req.UserID != "" {
		m.addMemberLocked(req)
	}
	m.mu.Unlock()

	if req.ClubID != "" && req.UserID != "" {
		if _, err := m.dequeue(ctx, req.ClubID, req.UserID); err != nil {
			m.log.Warn("membership.queue.remove", "request_id", requestID, "err", err)
		}
	}

	m.log.Info("membership."+verb, "request_id", requestID, "club_id", req.ClubID, "user_id", req.UserID, "by", sess.UserID)

	if req.UserID != "" {
		n := clubapi.Notification{
			Type:       clubapi.NotificationClubRequestApproved,
			Title:      "Membership approved",
			Message:    "Your request to join the club was approved",
			ReceiverID: clubapi.ID(req.UserID),
			SenderID:   clubapi.ID(sess.UserID),
			Data:       requestData(req),
		}
		if target == RequestRejected {
			n.Type = clubapi.NotificationClubRequestRejected
			n.Title = "Membership rejected"
			n.Message = "Your request to join the club was rejected"
		}
		m.notify(ctx, n)
	}
	return m.resolvedStatus(req), nil
}

// mayReview applies the role gate: a platform officer role, or the
// president/officer of the request's club as last reported by Check.
func (m *Machine) mayReview(officer bool, userID string, req Request) bool {
	if officer {
		return true
	}
	if req.ClubID == "" {
		return false
	}
	if userID != "" && req.PresidentID == userID {
		return true
	}
	st, ok := m.lookup(req.ClubID)
	if !ok {
		return false
	}
	if st.PresidedBy(userID) {
		return true
	}
	switch st.RoleName() {
	case clubapi.RolePresident, clubapi.RoleManager, clubapi.RoleAdmin:
		return true
	}
	return false
}

// addMemberLocked appends the requester once. Callers hold m.mu.
func (m *Machine) addMemberLocked(r Request) {
	for _, mb := range m.roster[r.ClubID] {
		if mb.UserID == r.UserID {
			return
		}
	}
	m.roster[r.ClubID] = append(m.roster[r.ClubID], Member{
		UserID:   r.UserID,
		UserName: r.UserName,
		Role:     clubapi.RoleMember,
		JoinedAt: m.now().UTC(),
	})
}

// resolvedStatus is the requester's status implied by a terminal request.
func (m *Machine) resolvedStatus(r Request) Status {
	var president string
	if st, ok := m.lookup(r.ClubID); ok {
		president = st.President()
	}
	if president == "" {
		president = r.PresidentID
	}
	if r.Status == RequestApproved {
		return memberStatus(r.ClubID, clubapi.RoleMember, president)
	}
	st := NoMembership(r.ClubID)
	st.PresidentID = strPtr(president)
	return st
}
