package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"clubhub/cmd/internal/apierr"
	"clubhub/cmd/internal/auth/session"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

// AuthAPI talks to the /auth endpoints directly over the Transport so that
// a 401 there never re-enters the refresh path. It implements
// session.Refresher and session.Validator.
type AuthAPI struct {
	tr  *Transport
	log *slog.Logger
}

// NewAuthAPI builds an AuthAPI over tr.
func NewAuthAPI(tr *Transport, log *slog.Logger) *AuthAPI {
	if log == nil {
		log = slog.Default()
	}
	return &AuthAPI{tr: tr, log: log}
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Pair    session.TokenPair
	Profile session.Profile
}

// Login exchanges credentials for a token pair. identifier is an email when
// it contains '@', a username otherwise.
func (a *AuthAPI) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	const op = "auth.login"
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, apierr.Validation(op, "identifier and password are required")
	}

	body := clubapi.LoginRequest{Password: password}
	if strings.Contains(identifier, "@") {
		body.Email = identifier
	} else {
		body.Username = identifier
	}

	tr, err := a.tokenCall(ctx, op, http.MethodPost, "/auth/login", body, "")
	if err != nil {
		return LoginResult{}, err
	}

	res := LoginResult{Pair: session.TokenPair{AccessToken: tr.AccessValue(), RefreshToken: tr.RefreshToken}}
	if tr.User != nil {
		res.Profile = session.Profile{
			ID:    tr.User.ID.String(),
			Name:  tr.User.Name,
			Email: tr.User.Email,
		}
		if tr.User.Role != "" {
			res.Profile.Role = session.ParseRole(tr.User.Role)
		}
	}
	a.log.Info("auth.login.ok", "user_id", res.Profile.ID)
	return res, nil
}

// RefreshWithToken exchanges a refresh token for a new pair.
func (a *AuthAPI) RefreshWithToken(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	tr, err := a.tokenCall(ctx, "auth.refresh", http.MethodPost, "/auth/refresh-token",
		clubapi.RefreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return session.TokenPair{}, err
	}
	return session.TokenPair{AccessToken: tr.AccessValue(), RefreshToken: tr.RefreshToken}, nil
}

// SilentRefresh asks the refresh endpoint for a new pair using the current
// (possibly expired) access token as the credential.
func (a *AuthAPI) SilentRefresh(ctx context.Context, accessToken string) (session.TokenPair, error) {
	tr, err := a.tokenCall(ctx, "auth.refresh_silent", http.MethodPost, "/auth/refresh-token",
		clubapi.RefreshRequest{}, accessToken)
	if err != nil {
		return session.TokenPair{}, err
	}
	return session.TokenPair{AccessToken: tr.AccessValue(), RefreshToken: tr.RefreshToken}, nil
}

// Validate checks accessToken at /auth/validate-token.
func (a *AuthAPI) Validate(ctx context.Context, accessToken string) error {
	const op = "auth.validate"
	resp, err := a.tr.do(ctx, http.MethodGet, "/auth/validate-token", nil, nil, accessToken)
	if err != nil {
		return &apierr.Failure{Op: op, Kind: apierr.ErrNetwork, Method: http.MethodGet, URL: resp.url, Cause: err}
	}
	return a.classify(op, http.MethodGet, resp)
}

func (a *AuthAPI) tokenCall(ctx context.Context, op, method, path string, body any, bearer string) (clubapi.TokenResponse, error) {
	resp, err := a.tr.do(ctx, method, path, nil, body, bearer)
	if err != nil {
		return clubapi.TokenResponse{}, &apierr.Failure{Op: op, Kind: apierr.ErrNetwork, Method: method, URL: resp.url, Cause: err}
	}
	if err := a.classify(op, method, resp); err != nil {
		return clubapi.TokenResponse{}, err
	}

	p, err := Normalize(resp.body)
	if err != nil || p.Kind != KindObject {
		return clubapi.TokenResponse{}, &apierr.Failure{
			Op: op, Kind: apierr.ErrMalformed, Method: method, URL: resp.url, Status: resp.status,
			Message: "token response is not an object", Excerpt: apierr.Excerpt(resp.body),
		}
	}
	var tr clubapi.TokenResponse
	if err := json.Unmarshal(p.Raw, &tr); err != nil || tr.AccessValue() == "" {
		return clubapi.TokenResponse{}, &apierr.Failure{
			Op: op, Kind: apierr.ErrMalformed, Method: method, URL: resp.url, Status: resp.status,
			Message: "token response carried no token", Excerpt: apierr.Excerpt(resp.body), Cause: err,
		}
	}
	return tr, nil
}

// classify maps an auth endpoint response to nil or a Failure; 401/403
// additionally wrap session.ErrCredentialsRejected.
func (a *AuthAPI) classify(op, method string, resp rawResponse) error {
	if looksLikeHTML(resp.contentType, resp.body) {
		return &apierr.Failure{
			Op: op, Kind: apierr.ErrMalformed, Method: method, URL: resp.url, Status: resp.status,
			Message: "invalid response: expected JSON, got HTML", Excerpt: apierr.Excerpt(resp.body),
		}
	}
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	msg := serverMessage(resp.body)
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	f := &apierr.Failure{
		Op: op, Kind: apierr.KindForStatus(resp.status), Method: method, URL: resp.url,
		Status: resp.status, Message: msg, Excerpt: apierr.Excerpt(resp.body),
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		f.Cause = fmt.Errorf("%s: %w", op, session.ErrCredentialsRejected)
	}
	return f
}
