package repository

import (
	"context"
	"errors"

	"chatsync/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateMessage = errors.New("message with this client id already exists")
)

const messagesCollection = "messages"

type MessageRepository interface {
	Create(ctx context.Context, message entity.Message) error
	GetByClientId(ctx context.Context, conversationId, clientId string) (entity.Message, error)
	// GetByConversationId returns every message ordered by (timestamp, id) ascending.
	GetByConversationId(ctx context.Context, conversationId string) ([]entity.Message, error)
	GetLatest(ctx context.Context, conversationId string) (entity.Message, error)
	// AddReader adds userId to readBy of the given messages, or of every message
	// addressed to userId when messageIds is empty. Returns how many changed.
	AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error)
}

type messageRepository struct {
	db mongo.Database
}

func NewMessageRepository(db mongo.Database) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) Create(ctx context.Context, message entity.Message) error {
	collection := r.db.Collection(messagesCollection)

	_, err := collection.InsertOne(ctx, message)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && message.ClientId != "" {
			return ErrDuplicateMessage
		}
		return err
	}

	return nil
}

func (r *messageRepository) GetByClientId(ctx context.Context, conversationId, clientId string) (entity.Message, error) {
	collection := r.db.Collection(messagesCollection)
	filter := bson.M{
		"conversationId": conversationId,
		"clientId":       clientId,
	}

	var message entity.Message
	err := collection.FindOne(ctx, filter).Decode(&message)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.Message{}, ErrMessageNotFound
		}
		return entity.Message{}, err
	}

	return message, nil
}

func (r *messageRepository) GetByConversationId(ctx context.Context, conversationId string) ([]entity.Message, error) {
	collection := r.db.Collection(messagesCollection)
	filter := bson.M{"conversationId": conversationId}

	opts := options.Find().SetSort(bson.D{
		{Key: "timestamp", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := []entity.Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *messageRepository) GetLatest(ctx context.Context, conversationId string) (entity.Message, error) {
	collection := r.db.Collection(messagesCollection)
	filter := bson.M{"conversationId": conversationId}
	opts := options.FindOne().SetSort(bson.D{
		{Key: "timestamp", Value: -1},
		{Key: "_id", Value: -1},
	})

	var message entity.Message
	err := collection.FindOne(ctx, filter, opts).Decode(&message)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entity.Message{}, ErrMessageNotFound
		}
		return entity.Message{}, err
	}

	return message, nil
}

func (r *messageRepository) AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	collection := r.db.Collection(messagesCollection)

	filter := bson.M{
		"conversationId": conversationId,
		"readBy":         bson.M{"$ne": userId},
	}
	if len(messageIds) > 0 {
		filter["_id"] = bson.M{"$in": messageIds}
	} else {
		filter["receiverId"] = userId
	}

	update := bson.M{
		"$addToSet": bson.M{"readBy": userId},
	}

	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}

	return res.ModifiedCount, nil
}
