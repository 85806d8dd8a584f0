package usercontext

// Shared Locals keys and headers used across controllers and middlewares
const (
	LocalsKey        = "USER_CONTEXT"
	KeyUserID        = "user_id"
	KeyFromProtected = "from_protected"

	// HeaderUserID carries the payer identity asserted by the upstream
	// platform after it authenticated the user.
	HeaderUserID = "X-User-ID"
	// HeaderAPIKey authenticates the upstream platform itself.
	HeaderAPIKey = "X-API-Key"
)
