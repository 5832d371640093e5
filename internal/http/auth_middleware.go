package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/CuAuPro/switchyard/internal/domain"
)

type authContextKey string

type authInfo struct {
	UserID string
	Role   domain.Role
}

func (a authInfo) actor() domain.Actor {
	return domain.Actor{ID: a.UserID, Role: a.Role}
}

const contextKeyAuth authContextKey = "switchyard-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		token, err := bearerToken(header)
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		r.serveAuthorized(w, req, token, next)
	}
}

// requireStreamAuth also accepts ?token= since browsers cannot set headers on
// websocket and EventSource requests.
func (r *Router) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimSpace(req.URL.Query().Get("token"))
		if token == "" {
			var err error
			token, err = bearerToken(req.Header.Get("Authorization"))
			if err != nil {
				r.logger.Warn("stream token missing", "error", err, "path", req.URL.Path)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
		}
		r.serveAuthorized(w, req, token, next)
	}
}

func (r *Router) serveAuthorized(w http.ResponseWriter, req *http.Request, token string, next http.HandlerFunc) {
	user, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	info := authInfo{UserID: user.ID, Role: user.Role}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	next(w, req.WithContext(ctx))
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
