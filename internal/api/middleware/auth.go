package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthConfig maps API keys to the users they authenticate. An empty map
// means no caller can pass AuthMiddleware. NewRouter installs the
// middleware whenever RouterConfig.EnableAuth is set, whether or not any
// keys are configured.
type AuthConfig struct {
	APIKeys map[string]*User
}

// AuthMiddleware validates the "Authorization: ApiKey <key>" header
// against the configured key set and, on success, attaches the resolved
// User to the request context for RBACMiddleware and rate limiting to
// read. On failure it returns 401 and never calls next.
func AuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get(AuthorizationHeader)
			if authHeader == "" {
				writeUnauthorized(w, r, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "ApiKey" {
				writeUnauthorized(w, r, "expected 'Authorization: ApiKey <key>'")
				return
			}

			user, ok := config.APIKeys[parts[1]]
			if !ok || user == nil {
				writeUnauthorized(w, r, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RBACMiddleware rejects requests whose authenticated user (set by a prior
// AuthMiddleware) does not meet requiredRole in the viewer < operator <
// admin hierarchy. Returns 401 if no user is present, 403 if the role is
// insufficient.
func RBACMiddleware(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := r.Context().Value(UserContextKey).(*User)
			if !ok || user == nil {
				writeUnauthorized(w, r, "authentication required")
				return
			}

			if !HasRequiredRole(user.Role, requiredRole) {
				writeForbidden(w, r, "role '"+user.Role+"' cannot perform this operation")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminMiddleware gates an endpoint to the admin role, e.g. forced
// instance eviction.
func AdminMiddleware(next http.Handler) http.Handler {
	return RBACMiddleware(RoleAdmin)(next)
}

// OperatorMiddleware gates an endpoint to operator role or above, e.g.
// register/deregister.
func OperatorMiddleware(next http.Handler) http.Handler {
	return RBACMiddleware(RoleOperator)(next)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeAuthError(w, r, http.StatusUnauthorized, "AUTHENTICATION_ERROR", message)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, message string) {
	writeAuthError(w, r, http.StatusForbidden, "AUTHORIZATION_ERROR", message)
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := GetRequestID(r.Context())
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// GetUser extracts the authenticated user attached by AuthMiddleware.
func GetUser(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(UserContextKey).(*User)
	return user, ok
}
