package webapi

import (
	"crypto/subtle"
	"net/http"

	"agentdeck/pkg/config"
)

// Session is the authenticated caller for one request.
type Session struct {
	UserID string
}

// Auth resolves the caller's session. A nil return means the request
// carries no recognized credentials; the server then falls back to the
// local development user so single-user deployments work without any
// auth stack in front.
type Auth interface {
	GetSession(r *http.Request) *Session
}

// LocalAuth is the default resolver for single-user deployments: every
// request maps to the local user.
type LocalAuth struct{}

// GetSession implements Auth.
func (LocalAuth) GetSession(*http.Request) *Session {
	return &Session{UserID: config.DefaultUserID}
}

// BasicAuth resolves sessions from HTTP Basic credentials. All valid
// credentials map to the local user; multi-user deployments put a real
// identity provider in front and use HeaderAuth instead.
type BasicAuth struct {
	Username string
	Password string
}

// GetSession implements Auth with a constant-time password check.
func (a BasicAuth) GetSession(r *http.Request) *Session {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) == 1
	if !userOK || !passOK {
		return nil
	}
	return &Session{UserID: config.DefaultUserID}
}

// HeaderAuth trusts an upstream reverse proxy to assert the user id in a
// header. Requests without the header get no session.
type HeaderAuth struct {
	Header string
}

// GetSession implements Auth.
func (a HeaderAuth) GetSession(r *http.Request) *Session {
	userID := r.Header.Get(a.Header)
	if userID == "" {
		return nil
	}
	return &Session{UserID: userID}
}
