package log

// Имена полей структурированных логов.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldSessionID = "session_id"

	FieldMethod    = "method"
	FieldRequestID = "request_id"
	FieldElapsed   = "elapsed"
	FieldPending   = "pending"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldAttempt  = "attempt"
	FieldDelay    = "delay"

	FieldAddr   = "addr"
	FieldRelay  = "relay"
	FieldButton = "button"
)
