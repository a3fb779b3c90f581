package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/shelf/internal/auth"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/session"
)

// TokenCookie is the cookie carrying the session token for browser clients.
const TokenCookie = "shelf_token"

type sessionKey struct{}

// SessionFrom returns the session attached by RequireSession.
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*session.Session)
	return sess, ok && sess != nil
}

// WithSession attaches sess to ctx.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// RequireSession verifies the bearer token (or the shelf_token cookie),
// opens the user's session and attaches it to the request context.
// Browser requests without a valid token are redirected to loginURL when it is set,
// everything else gets 401.
func RequireSession(verifier *auth.Verifier, sessions *session.Manager, loginURL string, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			claims, err := verifier.Verify(raw)
			if err != nil {
				log.Debug("RequireSession: rejected token", logger.Error(err))
				unauthorized(w, r, loginURL, err)
				return
			}

			noteUser(r.Context(), claims.UserID)

			sess, err := sessions.Open(r.Context(), claims.UserID, session.Credential{
				Token:     raw,
				IssuedAt:  claims.IssuedAt,
				ExpiresAt: claims.ExpiresAt,
			})
			if err != nil {
				log.Warn("RequireSession: failed to open session",
					logger.String("user_id", claims.UserID),
					logger.Error(err))
				http.Error(w, "session unavailable", http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, loginURL string, err error) {
	if loginURL != "" && wantsHTML(r) {
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}
	msg := "authentication required"
	if errors.Is(err, auth.ErrExpiredToken) {
		msg = "session expired"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="shelf"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
