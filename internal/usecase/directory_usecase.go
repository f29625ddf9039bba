package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatsync/internal/entity"
	"chatsync/internal/repository"
	"chatsync/pkg/apperr"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConversationDirectory owns conversation identity: one record per unordered
// pair of users.
type ConversationDirectory interface {
	ResolveOrCreate(ctx context.Context, userA, userB string, infoA, infoB entity.ParticipantInfo) (string, error)
	Get(ctx context.Context, conversationId string) (entity.Conversation, error)
	// Authorize returns the conversation when userId takes part in it.
	Authorize(ctx context.Context, conversationId, userId string) (entity.Conversation, error)
	ListForUser(ctx context.Context, userId string) ([]entity.Conversation, error)
	SoftDelete(ctx context.Context, conversationId, userId string) error
}

type DirectoryOptions struct {
	// LegacyLookup enables the participant scan for records created before
	// ids were derived from the pair.
	LegacyLookup bool
	Now          func() time.Time
	Logger       *zap.Logger
}

type conversationDirectory struct {
	repo   repository.ConversationRepository
	legacy bool
	now    func() time.Time
	group  singleflight.Group
	logger *zap.Logger
}

func NewConversationDirectory(repo repository.ConversationRepository, opts DirectoryOptions) ConversationDirectory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &conversationDirectory{
		repo:   repo,
		legacy: opts.LegacyLookup,
		now:    opts.Now,
		logger: opts.Logger.Named("directory"),
	}
}

func validUserId(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.ContainsAny(id, ".$")
}

func (d *conversationDirectory) ResolveOrCreate(ctx context.Context, userA, userB string, infoA, infoB entity.ParticipantInfo) (string, error) {
	if !validUserId(userA) || !validUserId(userB) || userA == userB {
		return "", apperr.ErrInvalidParticipants
	}

	id := entity.ConversationID(userA, userB)
	v, err, _ := d.group.Do(id, func() (any, error) {
		return d.resolve(ctx, id, userA, userB, infoA, infoB)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *conversationDirectory) resolve(ctx context.Context, id, userA, userB string, infoA, infoB entity.ParticipantInfo) (string, error) {
	existing, err := d.repo.Get(ctx, id)
	switch {
	case err == nil:
		if !existing.HasParticipant(userA) || !existing.HasParticipant(userB) {
			// Ids containing "_" can collide under the sorted join.
			return "", apperr.InvalidParticipants("conversation id already belongs to another pair")
		}
		return id, nil
	case !errors.Is(err, repository.ErrConversationNotFound):
		return "", storageErr(err)
	}

	if d.legacy {
		legacy, err := d.repo.FindByParticipants(ctx, userA, userB)
		if err == nil {
			d.logger.Info("resolved legacy conversation",
				zap.String("conversation_id", legacy.Id),
				zap.String("user_a", userA),
				zap.String("user_b", userB))
			return legacy.Id, nil
		}
		if !errors.Is(err, repository.ErrConversationNotFound) {
			return "", storageErr(err)
		}
	}

	conversation := entity.NewConversation(userA, userB, infoA, infoB, d.now())
	created, err := d.repo.CreateIfAbsent(ctx, conversation)
	if err != nil {
		return "", storageErr(err)
	}
	if created {
		d.logger.Debug("conversation created", zap.String("conversation_id", id))
	}
	return id, nil
}

func (d *conversationDirectory) Get(ctx context.Context, conversationId string) (entity.Conversation, error) {
	conversation, err := d.repo.Get(ctx, conversationId)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return entity.Conversation{}, apperr.ErrConversationNotFound
		}
		return entity.Conversation{}, storageErr(err)
	}
	return conversation, nil
}

func (d *conversationDirectory) Authorize(ctx context.Context, conversationId, userId string) (entity.Conversation, error) {
	conversation, err := d.Get(ctx, conversationId)
	if err != nil {
		return entity.Conversation{}, err
	}
	if !conversation.HasParticipant(userId) {
		return entity.Conversation{}, apperr.ErrPermissionDenied
	}
	return conversation, nil
}

func (d *conversationDirectory) ListForUser(ctx context.Context, userId string) ([]entity.Conversation, error) {
	conversations, err := d.repo.Index(ctx, entity.ConversationIndexFilter{UserId: userId})
	if err != nil {
		return nil, storageErr(err)
	}
	return conversations, nil
}

func (d *conversationDirectory) SoftDelete(ctx context.Context, conversationId, userId string) error {
	if _, err := d.Authorize(ctx, conversationId, userId); err != nil {
		return err
	}
	if err := d.repo.SoftDelete(ctx, conversationId, userId, d.now()); err != nil {
		return storageErr(err)
	}
	return nil
}
