package websocket

// Protocol actions accepted by the daemon transports.
const (
	// ActionSessionSend enqueues input into a session and starts (or
	// continues) an execution. Payload: v1.Input. Response payload:
	// {"sessionId": string, "executionId": string}.
	ActionSessionSend = "session.send"

	// ActionSessionSubscribe attaches the connection to a session's event
	// stream. Payload: {"types": [string]} (empty = all).
	ActionSessionSubscribe = "session.subscribe"

	// ActionSessionUnsubscribe detaches the connection from a session's
	// event stream.
	ActionSessionUnsubscribe = "session.unsubscribe"

	// ActionSessionAbort signals cooperative cancellation of the session's
	// active execution.
	ActionSessionAbort = "session.abort"

	// ActionSessionEvent is the notification action carrying a v1.Event.
	ActionSessionEvent = "session.event"

	// ActionStatus reports daemon status: uptime, session count, jobs.
	ActionStatus = "daemon.status"

	// ActionPing is a liveness probe; the daemon answers with a response
	// of the same id.
	ActionPing = "daemon.ping"
)

// Error codes used in ErrorPayload.Code.
const (
	ErrorCodeBadRequest      = "bad_request"
	ErrorCodeValidation      = "validation_error"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeInternalError   = "internal_error"
)
