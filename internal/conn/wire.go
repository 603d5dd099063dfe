package conn

// Gateway message types. Every frame is a JSON text message carrying an
// "op" field that names the event.

// Push event names consumed from the gateway.
const (
	OpReady               = "ready"
	OpPong                = "pong"
	OpUserOnline          = "user-online"
	OpUserOffline         = "user-offline"
	OpMessageStatus       = "message-status"
	OpMemberAdded         = "member-added"
	OpMemberRemoved       = "member-removed"
	OpMemberLeft          = "member-left"
	OpConversationUpdated = "conversation-updated"
)

// initMessage is sent as the first frame after the transport connects.
type initMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// initResponse is the gateway reply to an init message.
type initResponse struct {
	Res    string `json:"res"`
	UserID string `json:"userId"`
}

// joinMessage asks the gateway to subscribe or unsubscribe this
// connection to a conversation room.
type joinMessage struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
}

// typingMessage reports local typing activity to a conversation room.
type typingMessage struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
}

// PresenceEvent is the payload of user-online / user-offline events.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// StatusEvent is the payload of message-status events.
type StatusEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// MemberEvent is the payload of member-added / member-removed /
// member-left events.
type MemberEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ActorID        string `json:"actorId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// ConversationUpdatedEvent is the payload of conversation-updated events.
type ConversationUpdatedEvent struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title,omitempty"`
	ActorID        string `json:"actorId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
