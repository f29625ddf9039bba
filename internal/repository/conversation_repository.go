package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"chatsync/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
)

const conversationsCollection = "conversations"

type ConversationRepository interface {
	Get(ctx context.Context, conversationId string) (entity.Conversation, error)
	// CreateIfAbsent inserts the conversation unless a record with the same id
	// exists. It reports whether this call created the record.
	CreateIfAbsent(ctx context.Context, conversation entity.Conversation) (bool, error)
	// FindByParticipants scans for a record between the two users regardless of
	// its id. It exists for records created before ids were deterministic.
	FindByParticipants(ctx context.Context, userId1, userId2 string) (entity.Conversation, error)
	Index(ctx context.Context, filter entity.ConversationIndexFilter) ([]entity.Conversation, error)

	// Counter operations
	ApplySend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error
	ResetUnread(ctx context.Context, conversationId, userId string, readAt *time.Time) error
	SoftDelete(ctx context.Context, conversationId, userId string, at time.Time) error
}

type conversationRepository struct {
	db mongo.Database
}

func NewConversationRepository(db mongo.Database) ConversationRepository {
	return &conversationRepository{
		db: db,
	}
}

func (r *conversationRepository) Get(ctx context.Context, conversationId string) (entity.Conversation, error) {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"_id": conversationId}

	var conversation entity.Conversation
	err := collection.FindOne(ctx, filter).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.Conversation{}, ErrConversationNotFound
		}
		return entity.Conversation{}, err
	}

	return conversation, nil
}

func (r *conversationRepository) CreateIfAbsent(ctx context.Context, conversation entity.Conversation) (bool, error) {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"_id": conversation.Id}
	update := bson.M{"$setOnInsert": conversation}

	res, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// Two concurrent upserts on the same _id: the loser sees a duplicate key.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}

	return res.UpsertedCount == 1, nil
}

func (r *conversationRepository) FindByParticipants(ctx context.Context, userId1, userId2 string) (entity.Conversation, error) {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"participants": userId1}

	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return entity.Conversation{}, err
	}
	defer cursor.Close(ctx)

	var conversations []entity.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return entity.Conversation{}, err
	}

	for _, conversation := range conversations {
		if len(conversation.Participants) == 2 && conversation.HasParticipant(userId2) {
			return conversation, nil
		}
	}

	return entity.Conversation{}, ErrConversationNotFound
}

// Index returns the user's conversations, most recent activity first.
func (r *conversationRepository) Index(ctx context.Context, filter entity.ConversationIndexFilter) ([]entity.Conversation, error) {
	collection := r.db.Collection(conversationsCollection)

	opts := options.Find().SetSort(bson.D{{Key: "lastMessageTime", Value: -1}})
	cursor, err := collection.Find(ctx, bson.M{"participants": filter.UserId}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var conversations []entity.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, err
	}

	return filterHidden(conversations, filter), nil
}

func (r *conversationRepository) ApplySend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"_id": conversationId}

	update := bson.M{
		"$set": bson.M{
			"lastMessage":     preview,
			"lastMessageTime": at,
		},
		"$inc": bson.M{
			"unreadCount." + receiverId: 1,
		},
		"$unset": bson.M{
			"deletedBy." + senderId:   "",
			"deletedBy." + receiverId: "",
		},
	}

	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConversationNotFound
	}

	return nil
}

func (r *conversationRepository) ResetUnread(ctx context.Context, conversationId, userId string, readAt *time.Time) error {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"_id": conversationId}

	set := bson.M{"unreadCount." + userId: 0}
	if readAt != nil {
		set["participantInfo."+userId+".lastReadAt"] = *readAt
	}

	res, err := collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConversationNotFound
	}

	return nil
}

func (r *conversationRepository) SoftDelete(ctx context.Context, conversationId, userId string, at time.Time) error {
	collection := r.db.Collection(conversationsCollection)
	filter := bson.M{"_id": conversationId}
	update := bson.M{
		"$set": bson.M{
			"deletedBy." + userId: at,
		},
	}

	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConversationNotFound
	}

	return nil
}

func filterHidden(conversations []entity.Conversation, filter entity.ConversationIndexFilter) []entity.Conversation {
	out := make([]entity.Conversation, 0, len(conversations))
	for _, conversation := range conversations {
		if !filter.IncludeDeleted && conversation.IsHiddenFor(filter.UserId) {
			continue
		}
		out = append(out, conversation)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}
