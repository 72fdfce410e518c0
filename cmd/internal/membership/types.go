// Package membership drives a user's relationship to a club:
// none, pending, member or officer, and the request → approve/reject → member
// lifecycle between requester and club officers.
//
// Every value handed out is a copy; the Machine never shares mutable state
// with its callers.
package membership

import (
	"strings"
	"time"

	clubapi "clubhub/shared/contracts/clubapi/v1"
)

// Status is a user's relationship to one club.
//
// IsMember and IsPending are mutually exclusive and Role is non-nil only
// when IsMember is true.
type Status struct {
	IsMember    bool    `json:"isMember"`
	IsPending   bool    `json:"isPending"`
	Role        *string `json:"role"`
	ClubID      string  `json:"clubId"`
	PresidentID *string `json:"presidentId"`
}

// NoMembership is the zero status for clubID.
func NoMembership(clubID string) Status {
	return Status{ClubID: clubID}
}

func pendingStatus(clubID, presidentID string) Status {
	return Status{IsPending: true, ClubID: clubID, PresidentID: strPtr(presidentID)}
}

func memberStatus(clubID, role, presidentID string) Status {
	if role == "" {
		role = clubapi.RoleMember
	}
	return Status{IsMember: true, Role: strPtr(role), ClubID: clubID, PresidentID: strPtr(presidentID)}
}

// normalized enforces the Status invariants.
func (s Status) normalized() Status {
	if s.IsMember {
		s.IsPending = false
		if s.Role == nil {
			s.Role = strPtr(clubapi.RoleMember)
		}
	} else {
		s.Role = nil
	}
	return s.clone()
}

func (s Status) clone() Status {
	if s.Role != nil {
		s.Role = strPtr(*s.Role)
	}
	if s.PresidentID != nil {
		s.PresidentID = strPtr(*s.PresidentID)
	}
	return s
}

// RoleName returns the role or "".
func (s Status) RoleName() string {
	if s.Role == nil {
		return ""
	}
	return *s.Role
}

// President returns the club president id or "".
func (s Status) President() string {
	if s.PresidentID == nil {
		return ""
	}
	return *s.PresidentID
}

// PresidedBy reports whether userID is the known president. An empty id
// never matches.
func (s Status) PresidedBy(userID string) bool {
	return userID != "" && s.President() == userID
}

// RequestStatus is the lifecycle state of a membership request.
type RequestStatus string

const (
	RequestPending  RequestStatus = clubapi.RequestPending
	RequestApproved RequestStatus = clubapi.RequestApproved
	RequestRejected RequestStatus = clubapi.RequestRejected
)

// Terminal reports whether the request can no longer change.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

func parseRequestStatus(s string) RequestStatus {
	switch RequestStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case RequestApproved:
		return RequestApproved
	case RequestRejected:
		return RequestRejected
	default:
		return RequestPending
	}
}

// Request is a membership request.
type Request struct {
	ID          string        `json:"id"`
	ClubID      string        `json:"clubId"`
	UserID      string        `json:"userId"`
	UserName    string        `json:"userName"`
	Message     string        `json:"message"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	PresidentID string        `json:"presidentId,omitempty"`
}

func requestFromWire(w clubapi.MembershipRequest) Request {
	r := Request{
		ID:       w.ID.String(),
		ClubID:   w.ClubID.String(),
		UserID:   w.UserID.String(),
		UserName: w.UserName,
		Message:  w.Message,
		Status:   parseRequestStatus(w.Status),
	}
	if w.CreatedAt != nil {
		r.CreatedAt = *w.CreatedAt
	}
	if w.PresidentID != nil {
		r.PresidentID = w.PresidentID.String()
	}
	return r
}

// QueuedRequest is the durable local copy of a join request
// (pending-membership-requests).
type QueuedRequest struct {
	RequestID   string        `json:"requestId"`
	ClubID      string        `json:"clubId"`
	UserID      string        `json:"userId"`
	UserName    string        `json:"userName"`
	Message     string        `json:"message,omitempty"`
	Status      RequestStatus `json:"status"`
	RequestDate time.Time     `json:"requestDate"`
	PresidentID string        `json:"presidentId,omitempty"`
}

// Member is a roster entry appended on approval.
type Member struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
