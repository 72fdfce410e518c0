package v1

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is an identifier that accepts JSON numbers and strings and always marshals as a string.
type ID string

// UnmarshalJSON accepts 7, "7" and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Roles known to the platform.
const (
	RoleMember    = "MEMBER"
	RoleAdmin     = "ADMIN"
	RolePresident = "PRESIDENT"
	RoleManager   = "MANAGER"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /auth/refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// TokenResponse is returned by login and refresh. Older deployments send
// "token", newer ones "accessToken"; AccessValue picks whichever is set.
type TokenResponse struct {
	Token        string       `json:"token"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *UserProfile `json:"user,omitempty"`
}

// AccessValue returns the access token regardless of field name.
func (t TokenResponse) AccessValue() string {
	if t.AccessToken != "" {
		return t.AccessToken
	}
	return t.Token
}

// UserProfile is the current-user projection cached by the client.
type UserProfile struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// MembershipCheck is the body of GET /api/clubs/{id}/membership/check.
type MembershipCheck struct {
	IsMember    bool    `json:"isMember"`
	IsPending   bool    `json:"isPending"`
	Role        *string `json:"role"`
	PresidentID *ID     `json:"presidentId,omitempty"`
}

// Club is the subset of a club record the core reads.
type Club struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	PresidentID *ID    `json:"presidentId,omitempty"`
	ManagerID   *ID    `json:"managerId,omitempty"`
}

// JoinRequest is the body of POST /api/clubs/{id}/membership/join.
type JoinRequest struct {
	Message string `json:"message"`
}

// MembershipRequest is a join request as reported by the server.
type MembershipRequest struct {
	ID          ID         `json:"id"`
	ClubID      ID         `json:"clubId"`
	UserID      ID         `json:"userId"`
	UserName    string     `json:"userName"`
	Message     string     `json:"message"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	PresidentID *ID        `json:"presidentId,omitempty"`
}

// Notification types emitted by the membership lifecycle.
const (
	NotificationClubJoinRequest     = "CLUB_JOIN_REQUEST"
	NotificationClubRequestApproved = "CLUB_REQUEST_APPROVED"
	NotificationClubRequestRejected = "CLUB_REQUEST_REJECTED"
	NotificationClubMemberLeft      = "CLUB_MEMBER_LEFT"
)

// Membership request statuses.
const (
	RequestPending  = "PENDING"
	RequestApproved = "APPROVED"
	RequestRejected = "REJECTED"
)

// Notification is a notification record on the wire and in the local cache.
type Notification struct {
	ID         ID              `json:"id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Type       string          `json:"type"`
	ReceiverID ID              `json:"receiverId"`
	SenderID   ID              `json:"senderId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Read       bool            `json:"read"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ErrorBody is the Spring error payload; Message or Error may carry the text.
type ErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}
