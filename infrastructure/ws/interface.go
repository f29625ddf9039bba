package ws

import (
	"context"

	"chatsync/internal/entity"
)

// IHub is the realtime bus. Delivery is best effort: a subscriber that is
// gone or too slow misses the event, and nothing is persisted.
type IHub interface {
	Run(ctx context.Context)
	RegisterClient(client *UserClient)
	UnregisterClient(client *UserClient)
	// Join adds the connection to the conversation room. It fails with
	// TransportUnavailable when the connection is not registered.
	Join(conversationId, connectionId string) error
	// Leave removes the connection from the room before returning.
	Leave(conversationId, connectionId string)
	// Publish fans the event out to the room, skipping excludeConnectionId.
	// It never blocks on delivery.
	Publish(conversationId string, event entity.Event, excludeConnectionId string)
	SendToUser(userId string, event entity.Event)
	Broadcast(event entity.Event)
	ClientCount() int
	RoomSize(conversationId string) int
	SetOnClientUnregister(callback func(client *UserClient) error)
}
