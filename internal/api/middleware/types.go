// Package middleware holds the Registry API's HTTP middleware chain:
// request IDs, structured logging, security headers, Prometheus
// instrumentation, CORS, compression, per-client rate limiting, request
// body validation, and role-tiered access control on the mutation
// endpoints.
package middleware

// contextKey namespaces values this package stores on a request context
// so they can't collide with keys set by other packages.
type contextKey string

const (
	RequestIDContextKey contextKey = "request_id"

	// UserContextKey holds the *User resolved by AuthMiddleware, if any.
	UserContextKey contextKey = "user"

	StartTimeContextKey contextKey = "start_time"
)

const (
	RequestIDHeader     = "X-Request-ID"
	AuthorizationHeader = "Authorization"

	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"

	CacheControlHeader = "Cache-Control"
	ETagHeader         = "ETag"
	IfNoneMatchHeader  = "If-None-Match"

	APIVersionHeader = "X-API-Version"
)

// User is a caller authenticated via an API key, carrying the role used
// by RBACMiddleware to gate register/deregister/evict.
type User struct {
	ID       string
	Username string
	Role     string // viewer, operator, admin
	APIKey   string
}

// Role hierarchy for the Registry API: viewer can read discovery state,
// operator can register/deregister instances, admin can also force-evict
// instances. Role checks do not consider which caller registered an
// instance.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleHierarchy = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasRequiredRole reports whether userRole's level is at or above
// requiredRole's in the hierarchy above.
func HasRequiredRole(userRole, requiredRole string) bool {
	userLevel, userExists := roleHierarchy[userRole]
	requiredLevel, requiredExists := roleHierarchy[requiredRole]

	if !userExists || !requiredExists {
		return false
	}

	return userLevel >= requiredLevel
}
