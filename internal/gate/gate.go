// Package gate intercepts inbound requests, resolves the caller's identity
// from the session cookie, and enforces the public/protected route policy.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yakshears/passgate/internal/directory"
	"github.com/yakshears/passgate/internal/models"
)

// SessionCookie is the cookie carrying the opaque session token.
const SessionCookie = "session_id"

// LoginPath is where unauthenticated requests for protected pages are sent.
const LoginPath = "/auth/login"

type contextKey struct{}

var identityKey contextKey

// Middleware wraps a handler. Pipelines are built with Chain.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares into an ordered pipeline: the first middleware
// listed sees the request first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Policy is the static set of paths reachable without authentication. Exact
// entries match the full path; prefixes cover whole subtrees such as the
// ceremony endpoints under /auth/.
type Policy struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewPolicy(exact []string, prefixes []string) Policy {
	p := Policy{
		exact:    make(map[string]struct{}, len(exact)),
		prefixes: prefixes,
	}
	for _, path := range exact {
		p.exact[path] = struct{}{}
	}
	return p
}

// Public reports whether the path is reachable without a session.
func (p Policy) Public(path string) bool {
	if _, ok := p.exact[path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequireAuth resolves the caller for every request. Public paths pass
// through untouched (identity is still attached when resolvable). Protected
// paths with no resolvable identity get a 303 to the login page rather than
// an error status, so browser navigation lands on the login form.
func RequireAuth(dir *directory.Directory, policy Policy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := IdentityFromRequest(dir, r)
			if user != nil {
				r = r.WithContext(WithIdentity(r.Context(), user))
			}
			if policy.Public(r.URL.Path) || user != nil {
				next.ServeHTTP(w, r)
				return
			}
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		})
	}
}

// IdentityFromRequest resolves the session cookie to a user record. Returns
// nil for a missing cookie, an unknown or expired token, or a token bound to
// a user that no longer exists.
func IdentityFromRequest(dir *directory.Directory, r *http.Request) *models.User {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	user, err := dir.UserBySession(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("Failed to resolve session", "error", err)
		return nil
	}
	return user
}

// WithIdentity attaches the resolved user to the context.
func WithIdentity(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, identityKey, user)
}

// Identity returns the user attached by the gate, or nil.
func Identity(ctx context.Context) *models.User {
	user, _ := ctx.Value(identityKey).(*models.User)
	return user
}

// Logging records every request with method, path, status, and duration.
func Logging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			slog.Info("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
