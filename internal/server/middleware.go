package server

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/auth"
)

const (
	msgBadCredentials  = "Bad credentials"
	msgRequiresAuth    = "Requires authentication"
	msgInternalError   = "Internal Server Error"
	accessTokenParam   = "access_token"
	corsAllowedMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	corsAllowedHeaders = "Authorization, Content-Type"
)

// cors sets CORS headers for allowed origins and answers preflight requests.
func cors(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isAllowedOrigin(origin, origins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAllowedOrigin(origin string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// requireAuth verifies the bearer token and stores its subject in the request context.
// With allowQuery the token may also come from the access_token query parameter, which
// browsers need for websocket upgrades.
func (s *Server) requireAuth(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" && allowQuery {
				token = r.URL.Query().Get(accessTokenParam)
			}
			if s.verifier == nil {
				s.logger.Error("request rejected: token verification is not configured")
				s.respondError(w, http.StatusInternalServerError, msgInternalError)
				return
			}
			subject, err := s.verifier.Verify(r.Context(), token)
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				s.respondError(w, http.StatusUnauthorized, msgRequiresAuth)
				return
			case err != nil:
				s.logger.Debug("token rejected", zap.Error(err))
				s.respondError(w, http.StatusUnauthorized, msgBadCredentials)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithSubject(r.Context(), subject)))
		})
	}
}
