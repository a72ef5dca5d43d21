package httpx

import (
	"context"
	"net/http"

	"github.com/membergate/membergate/internal/domain"
)

type sessionContextKey string

const contextKeySession sessionContextKey = "membergate-session"

// SessionCookieName is the cookie carrying the opaque session token.
const SessionCookieName = "mg_session"

const loginPagePath = "/loginpage"

type contextSetter interface {
	SetContext(context.Context)
}

// requireSession gates a handler on a live session. Anonymous requests are
// redirected to the login page; missing, malformed, expired, and unknown
// tokens all look the same to the client.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		record, ok := r.identify(req)
		if !ok {
			http.Redirect(w, req, loginPagePath, http.StatusFound)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeySession, record)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// identify resolves the request's session cookie to an identity.
func (r *Router) identify(req *http.Request) (domain.Session, bool) {
	cookie, err := req.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return domain.Session{}, false
	}
	return r.auth.Identify(req.Context(), cookie.Value)
}

// identityFromContext extracts the session stored by requireSession.
func identityFromContext(ctx context.Context) (domain.Session, bool) {
	value := ctx.Value(contextKeySession)
	if value == nil {
		return domain.Session{}, false
	}
	record, ok := value.(domain.Session)
	return record, ok
}
