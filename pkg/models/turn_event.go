package models

// TurnEventType enumerates the canonical event envelope emitted by the
// Dispatcher for a turn. Terminal events are exactly one of done, interrupt,
// or error.
type TurnEventType string

const (
	TurnSessionCreated TurnEventType = "session_created"
	TurnTokenDelta     TurnEventType = "token_delta"
	TurnToolCall       TurnEventType = "tool_call"
	TurnToolResult     TurnEventType = "tool_result"
	TurnInterrupt      TurnEventType = "interrupt"
	TurnDone           TurnEventType = "done"
	TurnError          TurnEventType = "error"
)

// ErrorKind is the taxonomy of terminal (and one non-terminal) failure
// reasons a TurnEvent of type TurnError can carry.
type ErrorKind string

const (
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrNotFound         ErrorKind = "not_found"
	ErrNoKeyConfigured  ErrorKind = "no_key_configured"
	ErrQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrIterationLimit   ErrorKind = "iteration_limit"
	ErrSandboxUnavail   ErrorKind = "sandbox_unavailable"
	ErrModelError       ErrorKind = "model_error"
	ErrToolError        ErrorKind = "tool_error" // non-terminal: surfaces as tool_result, not a stream-ending error
	ErrCancelled        ErrorKind = "cancelled"
	ErrInternal         ErrorKind = "internal_error"
	ErrConflict         ErrorKind = "conflict"
)

// TurnEvent is the single envelope type streamed out of start_turn/resume_turn.
type TurnEvent struct {
	Type TurnEventType  `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func newTurnEvent(t TurnEventType) *TurnEvent {
	return &TurnEvent{Type: t, Data: map[string]any{}}
}

// NewSessionCreated builds a session_created event.
func NewSessionCreated(threadID string) *TurnEvent {
	e := newTurnEvent(TurnSessionCreated)
	e.Data["thread_id"] = threadID
	return e
}

// NewTokenDelta builds a token_delta event.
func NewTokenDelta(text string) *TurnEvent {
	e := newTurnEvent(TurnTokenDelta)
	e.Data["text"] = text
	return e
}

// NewTurnToolCall builds a tool_call event.
func NewTurnToolCall(id, name string, args []byte) *TurnEvent {
	e := newTurnEvent(TurnToolCall)
	e.Data["id"] = id
	e.Data["name"] = name
	e.Data["arguments"] = args
	return e
}

// NewTurnToolResult builds a tool_result event.
func NewTurnToolResult(id string, success bool, output string, errMsg string) *TurnEvent {
	e := newTurnEvent(TurnToolResult)
	e.Data["id"] = id
	e.Data["success"] = success
	e.Data["output"] = output
	if errMsg != "" {
		e.Data["error"] = errMsg
	}
	return e
}

// NewInterrupt builds an interrupt event.
func NewInterrupt(checkpointID string, pending []PendingToolCall) *TurnEvent {
	e := newTurnEvent(TurnInterrupt)
	e.Data["checkpoint_id"] = checkpointID
	e.Data["pending_tool_calls"] = pending
	return e
}

// NewDone builds a done event.
func NewDone(final Message) *TurnEvent {
	e := newTurnEvent(TurnDone)
	e.Data["final_message"] = final
	return e
}

// NewError builds an error event.
func NewError(kind ErrorKind, message string, extra map[string]any) *TurnEvent {
	e := newTurnEvent(TurnError)
	e.Data["kind"] = string(kind)
	e.Data["message"] = message
	for k, v := range extra {
		e.Data[k] = v
	}
	return e
}

// IsTerminal reports whether this event type ends the event stream.
func (t TurnEventType) IsTerminal() bool {
	switch t {
	case TurnDone, TurnInterrupt, TurnError:
		return true
	default:
		return false
	}
}
