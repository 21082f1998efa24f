package websocket

// Request actions (client -> server).
const (
	ActionHealthCheck = "health.check"

	// Subscription management. The payload carries a topic: an event type
	// name ("pipeline:state:changed"), "session:<sessionId>" for everything
	// one CLI session emits, or "project:<projectId>" for one pipeline.
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Notification actions (server -> client). Event-plane notifications use the
// event's own type name as the action; only gateway-originated notifications
// are named here.
const (
	// ActionSessionOutputBacklog carries the buffered output lines replayed
	// once when a client subscribes to a session topic.
	ActionSessionOutputBacklog = "cli:session:output-backlog"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
