package pipeline

import (
	"net/http"
	"strings"
)

// Endpoint is the classification of a request target that drives how
// failures are absorbed.
type Endpoint string

const (
	EndpointOther           Endpoint = "other"
	EndpointLogin           Endpoint = "auth_login"
	EndpointRefresh         Endpoint = "auth_refresh"
	EndpointValidate        Endpoint = "auth_validate"
	EndpointMembershipCheck Endpoint = "membership_check"
	EndpointClubs           Endpoint = "clubs"
	EndpointEvents          Endpoint = "events"
	EndpointUsers           Endpoint = "users"
	EndpointNotifications   Endpoint = "notifications"
)

// Safe endpoints absorb malformed bodies, 401s and network failures with a
// default payload instead of surfacing an error.
func (e Endpoint) Safe() bool {
	switch e {
	case EndpointMembershipCheck, EndpointClubs, EndpointEvents, EndpointNotifications:
		return true
	}
	return false
}

// Dashboard endpoints are listings that render empty on 403.
func (e Endpoint) Dashboard() bool {
	switch e {
	case EndpointClubs, EndpointEvents, EndpointUsers:
		return true
	}
	return false
}

// Auth endpoints never trigger a refresh on 401.
func (e Endpoint) Auth() bool {
	switch e {
	case EndpointLogin, EndpointRefresh, EndpointValidate:
		return true
	}
	return false
}

// Classify maps a method and path to an Endpoint. Only reads are ever
// classified as safe or dashboard endpoints.
func Classify(method, path string) Endpoint {
	p := strings.Trim(strings.SplitN(path, "?", 2)[0], "/")
	segs := strings.Split(p, "/")

	switch p {
	case "auth/login":
		return EndpointLogin
	case "auth/refresh-token":
		return EndpointRefresh
	case "auth/validate-token":
		return EndpointValidate
	}

	if method != http.MethodGet || len(segs) < 2 || segs[0] != "api" {
		return EndpointOther
	}

	switch segs[1] {
	case "clubs":
		// api/clubs/{id}/membership/check
		if len(segs) == 5 && segs[3] == "membership" && segs[4] == "check" {
			return EndpointMembershipCheck
		}
		if len(segs) >= 4 && segs[3] == "events" {
			return EndpointEvents
		}
		if len(segs) >= 4 && (segs[3] == "members" || segs[3] == "membership") {
			return EndpointOther
		}
		return EndpointClubs
	case "events":
		return EndpointEvents
	case "users":
		return EndpointUsers
	case "notifications":
		if len(segs) == 2 {
			return EndpointNotifications
		}
	}
	return EndpointOther
}

// RequiresAuth reports whether the target is known to need a bearer token.
// Sending without one is allowed; the server stays authoritative.
func RequiresAuth(method, path string) bool {
	p := strings.Trim(strings.SplitN(path, "?", 2)[0], "/")
	switch {
	case strings.Contains(p, "/membership/"):
		return true
	case strings.HasPrefix(p, "api/notifications"):
		return !strings.HasSuffix(p, "/anonymous")
	case strings.HasPrefix(p, "api/users"):
		return true
	case strings.HasPrefix(p, "api/") && method != http.MethodGet:
		return true
	}
	return false
}
