package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedConversationRepository_OpensAfterFailures(t *testing.T) {
	inner := NewMemoryConversationRepository()
	inner.FailWith = errors.New("connection refused")
	repo := NewGuardedConversationRepository(inner, 2, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := repo.Get(ctx, "a_b")
		require.Error(t, err)
		assert.NotEqual(t, apperr.CodeStorageUnavailable, apperr.CodeOf(err))
	}

	inner.FailWith = nil
	_, err := repo.Get(ctx, "a_b")
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}

func TestGuardedConversationRepository_NotFoundDoesNotTrip(t *testing.T) {
	repo := NewGuardedConversationRepository(NewMemoryConversationRepository(), 1, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Get(ctx, "a_b")
		assert.ErrorIs(t, err, ErrConversationNotFound)
	}

	created, err := repo.CreateIfAbsent(ctx, entity.Conversation{Id: "a_b", Participants: []string{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGuardedMessageRepository_DuplicateDoesNotTrip(t *testing.T) {
	repo := NewGuardedMessageRepository(NewMemoryMessageRepository(), 1, time.Minute, nil)
	ctx := context.Background()
	m := entity.Message{
		Id:             "m1",
		ConversationId: "a_b",
		SenderId:       "a",
		ReceiverId:     "b",
		Content:        "hi",
		ClientId:       "k1",
		Timestamp:      time.UnixMilli(1).UTC(),
	}

	require.NoError(t, repo.Create(ctx, m))
	m.Id = "m2"
	assert.ErrorIs(t, repo.Create(ctx, m), ErrDuplicateMessage)

	got, err := repo.GetByClientId(ctx, "a_b", "k1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Id)
}
