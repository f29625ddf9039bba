package websocket

import (
	"chatsync/internal/entity"
	"chatsync/pkg/apperr"
)

func errorEvent(conversationId string, err error) entity.Event {
	return entity.Event{
		Type:           entity.EventError,
		ConversationId: conversationId,
		Code:           string(apperr.CodeOf(err)),
		Error:          err.Error(),
	}
}

// failedEvent hands the composed text back so the client can restore it.
func failedEvent(in IncomingEvent, err error) entity.Event {
	return entity.Event{
		Type:           entity.EventMessageFailed,
		ConversationId: in.ConversationId,
		ReceiverId:     in.ReceiverId,
		Content:        in.Content,
		ClientId:       in.ClientId,
		Timestamp:      in.Timestamp,
		Code:           string(apperr.CodeOf(err)),
		Error:          err.Error(),
	}
}

func disconnectedEvent(conversationId string, err error) entity.Event {
	return entity.Event{
		Type:           entity.EventSyncState,
		ConversationId: conversationId,
		State:          "disconnected",
		Error:          err.Error(),
	}
}

func confirmedEvent(message entity.Message) entity.Event {
	return entity.Event{
		Type:           entity.EventMessageNew,
		ConversationId: message.ConversationId,
		UserId:         message.SenderId,
		ClientId:       message.ClientId,
		Message:        &message,
	}
}
