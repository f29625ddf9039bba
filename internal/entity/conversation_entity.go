package entity

import (
	"sort"
	"strings"
	"time"
)

type ParticipantInfo struct {
	Name       string     `bson:"name" json:"name"`
	Photo      string     `bson:"photo" json:"photo"`
	LastReadAt *time.Time `bson:"lastReadAt,omitempty" json:"lastReadAt,omitempty"`
}

type Conversation struct {
	Id              string                     `bson:"_id" json:"id"`
	Participants    []string                   `bson:"participants" json:"participants"`
	ParticipantInfo map[string]ParticipantInfo `bson:"participantInfo" json:"participantInfo"`
	LastMessage     string                     `bson:"lastMessage" json:"lastMessage"`
	LastMessageTime time.Time                  `bson:"lastMessageTime" json:"lastMessageTime"`
	UnreadCount     map[string]int             `bson:"unreadCount" json:"unreadCount"`
	CreatedAt       time.Time                  `bson:"createdAt" json:"createdAt"`
	DeletedBy       map[string]time.Time       `bson:"deletedBy,omitempty" json:"deletedBy,omitempty"`
}

// ConversationID is the deterministic id of the conversation between a and b.
// The pair is unordered: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	pair := SortedPair(a, b)
	return strings.Join(pair, "_")
}

func SortedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

func NewConversation(userA, userB string, infoA, infoB ParticipantInfo, now time.Time) Conversation {
	return Conversation{
		Id:           ConversationID(userA, userB),
		Participants: SortedPair(userA, userB),
		ParticipantInfo: map[string]ParticipantInfo{
			userA: infoA,
			userB: infoB,
		},
		UnreadCount: map[string]int{
			userA: 0,
			userB: 0,
		},
		CreatedAt: now,
	}
}

func (c Conversation) HasParticipant(userId string) bool {
	for _, p := range c.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userId, or "" when
// userId is not part of the conversation.
func (c Conversation) OtherParticipant(userId string) string {
	if !c.HasParticipant(userId) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}

// IsHiddenFor reports whether userId soft-deleted the conversation and no
// message arrived since.
func (c Conversation) IsHiddenFor(userId string) bool {
	deletedAt, ok := c.DeletedBy[userId]
	if !ok {
		return false
	}
	return !c.LastMessageTime.After(deletedAt)
}

type ConversationIndexFilter struct {
	UserId         string `bson:"userId"`
	IncludeDeleted bool   `bson:"includeDeleted"`
}
