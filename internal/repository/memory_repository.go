package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/entity"
)

// MemoryConversationRepository keeps conversations in process memory. It
// mirrors the Mongo repository's semantics and backs tests and single-node
// runs without a database.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]entity.Conversation

	// FailWith, when set, is returned by every call.
	FailWith error
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]entity.Conversation),
	}
}

func (r *MemoryConversationRepository) Get(ctx context.Context, conversationId string) (entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailWith != nil {
		return entity.Conversation{}, r.FailWith
	}
	c, ok := r.conversations[conversationId]
	if !ok {
		return entity.Conversation{}, ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (r *MemoryConversationRepository) CreateIfAbsent(ctx context.Context, conversation entity.Conversation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return false, r.FailWith
	}
	if _, ok := r.conversations[conversation.Id]; ok {
		return false, nil
	}
	r.conversations[conversation.Id] = cloneConversation(conversation)
	return true, nil
}

// Put stores a record as-is. Tests use it to seed legacy records.
func (r *MemoryConversationRepository) Put(conversation entity.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conversation.Id] = cloneConversation(conversation)
}

// Len reports how many records exist.
func (r *MemoryConversationRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

func (r *MemoryConversationRepository) FindByParticipants(ctx context.Context, userId1, userId2 string) (entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailWith != nil {
		return entity.Conversation{}, r.FailWith
	}

	ids := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := r.conversations[id]
		if len(c.Participants) == 2 && c.HasParticipant(userId1) && c.HasParticipant(userId2) {
			return cloneConversation(c), nil
		}
	}
	return entity.Conversation{}, ErrConversationNotFound
}

func (r *MemoryConversationRepository) Index(ctx context.Context, filter entity.ConversationIndexFilter) ([]entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailWith != nil {
		return nil, r.FailWith
	}

	var matched []entity.Conversation
	for _, c := range r.conversations {
		if c.HasParticipant(filter.UserId) {
			matched = append(matched, cloneConversation(c))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Id < matched[j].Id })
	return filterHidden(matched, filter), nil
}

func (r *MemoryConversationRepository) ApplySend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	c, ok := r.conversations[conversationId]
	if !ok {
		return ErrConversationNotFound
	}

	c.LastMessage = preview
	c.LastMessageTime = at
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[receiverId]++
	delete(c.DeletedBy, senderId)
	delete(c.DeletedBy, receiverId)
	r.conversations[conversationId] = c
	return nil
}

func (r *MemoryConversationRepository) ResetUnread(ctx context.Context, conversationId, userId string, readAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	c, ok := r.conversations[conversationId]
	if !ok {
		return ErrConversationNotFound
	}

	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[userId] = 0
	if readAt != nil {
		if c.ParticipantInfo == nil {
			c.ParticipantInfo = make(map[string]entity.ParticipantInfo)
		}
		info := c.ParticipantInfo[userId]
		at := *readAt
		info.LastReadAt = &at
		c.ParticipantInfo[userId] = info
	}
	r.conversations[conversationId] = c
	return nil
}

func (r *MemoryConversationRepository) SoftDelete(ctx context.Context, conversationId, userId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	c, ok := r.conversations[conversationId]
	if !ok {
		return ErrConversationNotFound
	}
	if c.DeletedBy == nil {
		c.DeletedBy = make(map[string]time.Time)
	}
	c.DeletedBy[userId] = at
	r.conversations[conversationId] = c
	return nil
}

func cloneConversation(c entity.Conversation) entity.Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.ParticipantInfo != nil {
		out.ParticipantInfo = make(map[string]entity.ParticipantInfo, len(c.ParticipantInfo))
		for k, v := range c.ParticipantInfo {
			if v.LastReadAt != nil {
				at := *v.LastReadAt
				v.LastReadAt = &at
			}
			out.ParticipantInfo[k] = v
		}
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	if c.DeletedBy != nil {
		out.DeletedBy = make(map[string]time.Time, len(c.DeletedBy))
		for k, v := range c.DeletedBy {
			out.DeletedBy[k] = v
		}
	}
	return out
}

// MemoryMessageRepository is the in-process counterpart of messageRepository.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string][]entity.Message

	FailWith error
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		messages: make(map[string][]entity.Message),
	}
}

func (r *MemoryMessageRepository) Create(ctx context.Context, message entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	for _, m := range r.messages[message.ConversationId] {
		if m.Id == message.Id {
			return ErrDuplicateMessage
		}
		if message.ClientId != "" && m.ClientId == message.ClientId {
			return ErrDuplicateMessage
		}
	}
	message.ReadBy = append([]string(nil), message.ReadBy...)
	r.messages[message.ConversationId] = append(r.messages[message.ConversationId], message)
	return nil
}

// Put appends a message without validation. Tests use it to seed rows that
// the log itself would never write.
func (r *MemoryMessageRepository) Put(message entity.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[message.ConversationId] = append(r.messages[message.ConversationId], message)
}

func (r *MemoryMessageRepository) GetByClientId(ctx context.Context, conversationId, clientId string) (entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailWith != nil {
		return entity.Message{}, r.FailWith
	}
	for _, m := range r.messages[conversationId] {
		if m.ClientId != "" && m.ClientId == clientId {
			return cloneMessage(m), nil
		}
	}
	return entity.Message{}, ErrMessageNotFound
}

func (r *MemoryMessageRepository) GetByConversationId(ctx context.Context, conversationId string) ([]entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailWith != nil {
		return nil, r.FailWith
	}
	out := make([]entity.Message, 0, len(r.messages[conversationId]))
	for _, m := range r.messages[conversationId] {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (r *MemoryMessageRepository) GetLatest(ctx context.Context, conversationId string) (entity.Message, error) {
	messages, err := r.GetByConversationId(ctx, conversationId)
	if err != nil {
		return entity.Message{}, err
	}
	if len(messages) == 0 {
		return entity.Message{}, ErrMessageNotFound
	}
	return messages[len(messages)-1], nil
}

func (r *MemoryMessageRepository) AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return 0, r.FailWith
	}

	wanted := make(map[string]bool, len(messageIds))
	for _, id := range messageIds {
		wanted[id] = true
	}

	var modified int64
	messages := r.messages[conversationId]
	for i, m := range messages {
		if len(wanted) > 0 {
			if !wanted[m.Id] {
				continue
			}
		} else if m.ReceiverId != userId {
			continue
		}
		if m.IsReadBy(userId) {
			continue
		}
		messages[i].ReadBy = append(append([]string(nil), m.ReadBy...), userId)
		modified++
	}
	return modified, nil
}

func cloneMessage(m entity.Message) entity.Message {
	m.ReadBy = append([]string(nil), m.ReadBy...)
	return m
}

// MemoryUserRepository serves profiles from a fixed map.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]entity.User
}

func NewMemoryUserRepository(users ...entity.User) *MemoryUserRepository {
	r := &MemoryUserRepository{users: make(map[string]entity.User, len(users))}
	for _, u := range users {
		r.users[u.Id] = u
	}
	return r
}

func (r *MemoryUserRepository) Get(ctx context.Context, userId string) (entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userId]
	if !ok {
		return entity.User{}, ErrUserNotFound
	}
	return u, nil
}

var (
	_ ConversationRepository = (*MemoryConversationRepository)(nil)
	_ MessageRepository      = (*MemoryMessageRepository)(nil)
	_ UserRepository         = (*MemoryUserRepository)(nil)
)
