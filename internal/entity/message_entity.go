package entity

import (
	"strings"
	"time"
)

const MaxContentLength = 5000

type Message struct {
	Id             string    `bson:"_id" json:"id"`
	ConversationId string    `bson:"conversationId" json:"conversationId"`
	SenderId       string    `bson:"senderId" json:"senderId"`
	ReceiverId     string    `bson:"receiverId" json:"receiverId"`
	Content        string    `bson:"content" json:"content"`
	Timestamp      time.Time `bson:"timestamp" json:"timestamp"`
	ReadBy         []string  `bson:"readBy" json:"readBy"`
	ClientId       string    `bson:"clientId,omitempty" json:"clientId,omitempty"`
}

// MessageDraft is what a sender submits before the log assigns id and timestamp.
type MessageDraft struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	Content    string `json:"content"`
	ClientId   string `json:"clientId,omitempty"`
}

type AppendResult struct {
	Id        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Existing is set when the clientId matched an already persisted message.
	Existing bool `json:"-"`
}

func (m Message) IsReadBy(userId string) bool {
	for _, u := range m.ReadBy {
		if u == userId {
			return true
		}
	}
	return false
}

// Malformed reports entries a consumer must not render.
func (m Message) Malformed() bool {
	return m.Id == "" ||
		strings.TrimSpace(m.Content) == "" ||
		m.SenderId == "" ||
		m.ReceiverId == ""
}

// Less orders messages by (timestamp, id).
func (m Message) Less(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Id < other.Id
}

// Snapshot is one full, ordered materialization of a conversation's messages.
// Err is set when the stream failed; the stream ends after such a snapshot.
type Snapshot struct {
	ConversationId string
	Messages       []Message
	Err            error
}
