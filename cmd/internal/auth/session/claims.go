package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the access token payload the client reads.
type Claims struct {
	UserID    string
	Email     string
	Role      Role
	ExpiresAt time.Time
}

// ErrNotJWT is returned by ParseClaims for opaque tokens.
var ErrNotJWT = errors.New("token is not a JWT")

// ParseClaims decodes the payload of a JWT access token without verifying
// its signature. The server is authoritative; the client only needs the
// subject, role and expiry for display and preconditions.
func ParseClaims(token string) (Claims, error) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, ErrNotJWT
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}

	var c Claims
	for _, k := range []string{"userId", "uid", "id"} {
		if v := claimString(mc[k]); v != "" {
			c.UserID = v
			break
		}
	}
	sub, _ := mc.GetSubject()
	if c.UserID == "" {
		c.UserID = sub
	}
	if v := claimString(mc["email"]); v != "" {
		c.Email = v
	} else if strings.Contains(sub, "@") {
		c.Email = sub
	}

	switch r := mc["role"].(type) {
	case string:
		c.Role = ParseRole(r)
	default:
		if roles, ok := mc["roles"].([]any); ok && len(roles) > 0 {
			c.Role = ParseRole(claimString(roles[0]))
		}
	}

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
