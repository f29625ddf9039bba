package websocket

import "chatsync/internal/entity"

// IncomingEvent is a frame sent by the client. Only the fields relevant to
// Type are read.
type IncomingEvent struct {
	Type           entity.EventType `json:"type"`
	ConversationId string           `json:"conversationId"`
	ReceiverId     string           `json:"receiverId"`
	Content        string           `json:"content"`
	ClientId       string           `json:"clientId"`
	Timestamp      int64            `json:"timestamp"`
	MessageIds     []string         `json:"messageIds"`
}

func (in IncomingEvent) draft(senderId string) entity.MessageDraft {
	return entity.MessageDraft{
		SenderId:   senderId,
		ReceiverId: in.ReceiverId,
		Content:    in.Content,
		ClientId:   in.ClientId,
	}
}
