package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatsync/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePublisher struct {
	keys     []string
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, key string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
	return nil
}

func inbound() entity.Message {
	return entity.Message{
		Id:             "m1",
		ConversationId: "u1_u2",
		SenderId:       "u2",
		ReceiverId:     "u1",
		Content:        strings.Repeat("a", 200),
		Timestamp:      time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

func TestKafkaNotifier_PublishesKeyedByRecipient(t *testing.T) {
	pub := &fakePublisher{}
	n := NewKafkaNotifier(pub, nil)

	require.NoError(t, n.NotifyInbound(context.Background(), "u1", inbound()))

	require.Equal(t, []string{"u1"}, pub.keys)
	record, ok := pub.payloads[0].(InboundMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", record.MessageId)
	assert.Equal(t, "u2", record.SenderId)
	assert.Len(t, []rune(record.Preview), previewLength)
	assert.True(t, record.Sound)
}

func TestKafkaNotifier_PropagatesError(t *testing.T) {
	n := NewKafkaNotifier(&fakePublisher{err: errors.New("broker down")}, nil)

	assert.Error(t, n.NotifyInbound(context.Background(), "u1", inbound()))
}

func TestLogNotifier_Logs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.NotifyInbound(context.Background(), "u1", inbound()))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "m1", logs.All()[0].ContextMap()["message_id"])
}
