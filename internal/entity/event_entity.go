package entity

type EventType string

const (
	EventMessageSend       EventType = "message:send"
	EventMessageNew        EventType = "message:new"
	EventMessageRead       EventType = "message:read"
	EventTypingStart       EventType = "typing:start"
	EventTypingStop        EventType = "typing:stop"
	EventPresenceUpdate    EventType = "presence:update"
	EventConversationJoin  EventType = "conversation:join"
	EventConversationLeave EventType = "conversation:leave"

	// Server to client only.
	EventConversationSnapshot EventType = "conversation:snapshot"
	EventSyncState            EventType = "sync:state"
	EventNotification         EventType = "notification:new"
	EventMessageFailed        EventType = "message:failed"
	EventError                EventType = "error"
)

// Event is both the wire envelope exchanged with websocket clients and the
// payload carried by the realtime bus. Only the fields relevant to Type are set.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationId string         `json:"conversationId,omitempty"`
	UserId         string         `json:"userId,omitempty"`
	ReceiverId     string         `json:"receiverId,omitempty"`
	Content        string         `json:"content,omitempty"`
	ClientId       string         `json:"clientId,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	MessageIds     []string       `json:"messageIds,omitempty"`
	All            bool           `json:"all,omitempty"` // read covered every message addressed to UserId
	Status         PresenceStatus `json:"status,omitempty"`
	State          string         `json:"state,omitempty"`
	Pending        bool           `json:"pending,omitempty"`
	Sound          bool           `json:"sound,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	Drafts         []MessageDraft `json:"drafts,omitempty"`
	Code           string         `json:"code,omitempty"`
	Error          string         `json:"error,omitempty"`
}
