package entity

// User is the slice of the profile directory this service reads to fill
// Conversation.ParticipantInfo. Profiles are owned elsewhere.
type User struct {
	Id    string `bson:"_id" json:"id"`
	Name  string `bson:"name" json:"name"`
	Photo string `bson:"photo" json:"photo"`
}

func (u User) ParticipantInfo() ParticipantInfo {
	return ParticipantInfo{
		Name:  u.Name,
		Photo: u.Photo,
	}
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)
