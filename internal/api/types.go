package api

// OnlineUsersResponse is returned from GET /presence/online.
type OnlineUsersResponse struct {
	UserIDs []string `json:"userIds"`
}

// ValidateRequest is the payload for POST /session/validate.
type ValidateRequest struct {
	Token string `json:"token"`
}

// SessionInfo is returned from POST /session/validate. Valid is false
// when the server explicitly rejects the session; transport failures
// surface as errors instead so callers can fail open.
type SessionInfo struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId"`
}

// MarkDeliveredRequest is the payload for POST /conversations/{id}/delivered.
// MessageIDs may be empty, which asks the server to mark every message in
// the conversation that is still in sent status. That keeps the request
// size independent of backlog length.
type MarkDeliveredRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MarkReadRequest is the payload for POST /conversations/{id}/read.
type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// APIError represents an error response body from the relay API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
