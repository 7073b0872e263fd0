package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"studio/internal/domain/account"

	"github.com/gorilla/sessions"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

const sessionContextKey contextKey = "session"

// SessionCookieName names the signed session cookie.
const SessionCookieName = "studio_session"

// sessionMaxAge bounds how long a login lasts.
const sessionMaxAge = 24 * time.Hour

// Session is the authenticated user of a request.
type Session struct {
	UserID   string
	Username string
	Role     string
	LoginAt  time.Time
}

// IsAdmin reports whether the session belongs to an admin.
func (s Session) IsAdmin() bool {
	return s.Role == account.RoleAdmin
}

// Sessions keeps logins in signed cookies.
type Sessions struct {
	store sessions.Store
}

// NewSessions creates a cookie-backed session store.
// PRE: secret is at least 32 bytes
func NewSessions(secret []byte, secure bool) *Sessions {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &Sessions{store: store}
}

// Load returns the session carried by r, if any.
func (s *Sessions) Load(r *http.Request) (Session, bool) {
	sess, err := s.store.Get(r, SessionCookieName)
	if err != nil {
		return Session{}, false
	}
	userID, _ := sess.Values["user_id"].(string)
	if userID == "" {
		return Session{}, false
	}
	username, _ := sess.Values["username"].(string)
	role, _ := sess.Values["role"].(string)
	loginUnix, _ := sess.Values["login_at"].(int64)
	loginAt := time.Unix(loginUnix, 0)
	if time.Since(loginAt) > sessionMaxAge {
		return Session{}, false
	}
	return Session{UserID: userID, Username: username, Role: role, LoginAt: loginAt}, true
}

// Login writes a session cookie for u.
// POST: The response carries a signed cookie identifying the user
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, u Session) error {
	sess, _ := s.store.New(r, SessionCookieName)
	sess.Values["user_id"] = u.UserID
	sess.Values["username"] = u.Username
	sess.Values["role"] = u.Role
	sess.Values["login_at"] = time.Now().Unix()
	return sess.Save(r, w)
}

// Logout expires the session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.store.Get(r, SessionCookieName)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// UserLookup returns the stored username and role of a user; ok is false
// once the user no longer exists.
type UserLookup func(userID string) (username, role string, ok bool)

// Auth returns middleware that puts the request's session into its context.
// The cookie only names the user: username and role come from lookup, and a
// cookie of a deleted user is treated as anonymous.
// It does not block anonymous requests; handlers check with RequireSession.
func Auth(s *Sessions, lookup UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sess, ok := s.Load(r); ok {
				username, role, exists := lookup(sess.UserID)
				if exists {
					sess.Username, sess.Role = username, role
					r = r.WithContext(ContextWithSession(r.Context(), sess))
				} else {
					slog.Warn("auth_denied", "path", r.URL.Path, "user_id", sess.UserID, "reason", "user no longer exists")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession writes 401 when the request has no session.
func RequireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	sess, ok := GetSessionFromContext(r.Context())
	if !ok {
		slog.Warn("auth_denied", "path", r.URL.Path, "reason", "no session")
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return Session{}, false
	}
	return sess, true
}

// RequireAdmin writes 401 or 403 unless the request comes from an admin.
func RequireAdmin(w http.ResponseWriter, r *http.Request) (Session, bool) {
	sess, ok := RequireSession(w, r)
	if !ok {
		return Session{}, false
	}
	if !sess.IsAdmin() {
		slog.Warn("auth_denied", "path", r.URL.Path, "user_id", sess.UserID, "role", sess.Role, "required", "admin")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return Session{}, false
	}
	return sess, true
}

// GetSessionFromContext extracts the session from the request context.
func GetSessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(Session)
	return sess, ok
}

// ContextWithSession returns a context carrying sess.
func ContextWithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
