package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

type sessionContextKey struct{}

// SessionName is the name of the session cookie.
const SessionName = "oauth2-capture-session"

// SessionKeyID holds the random session ID that keys pending flow state.
const SessionKeyID = "sid"

// SessionMaxAge is the maximum age of a session cookie (24 hours).
const SessionMaxAge = 86400

// SessionOptions configures the session cookie.
type SessionOptions struct {
	Secret       string
	SecureCookie bool // Set to true in production (HTTPS only)
}

// NewSessionStore creates a signed cookie session store.
func NewSessionStore(opts SessionOptions) sessions.Store {
	store := sessions.NewCookieStore([]byte(opts.Secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   SessionMaxAge,
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Session returns a middleware that loads the session cookie into the request
// context. A cookie that fails verification yields a fresh session.
func Session(store sessions.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, _ := store.Get(r, SessionName)
			ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession retrieves the session from the request context.
func GetSession(r *http.Request) *sessions.Session {
	session, ok := r.Context().Value(sessionContextKey{}).(*sessions.Session)
	if !ok {
		return nil
	}
	return session
}

// SessionID returns the request's session ID, or "" when there is none.
func SessionID(r *http.Request) string {
	session := GetSession(r)
	if session == nil {
		return ""
	}
	id, _ := session.Values[SessionKeyID].(string)
	return id
}

// EnsureSessionID returns the session ID, minting and saving a new one when
// the session has none.
func EnsureSessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := SessionID(r); id != "" {
		return id, nil
	}
	session := GetSession(r)
	if session == nil {
		return "", http.ErrNoCookie
	}
	id := uuid.NewString()
	session.Values[SessionKeyID] = id
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return id, nil
}
