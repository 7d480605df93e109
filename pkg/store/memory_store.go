package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatvault/pkg/domain"
)

// MemoryStore keeps chats, messages and media records in-process. It backs
// local CLI imports and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]domain.Chat
	messages map[string][]domain.RawMessage
	media    map[string][]domain.MediaRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]domain.Chat),
		messages: make(map[string][]domain.RawMessage),
		media:    make(map[string][]domain.MediaRecord),
	}
}

func (m *MemoryStore) SaveChat(_ context.Context, c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

func (m *MemoryStore) ListChatsByOwner(_ context.Context, ownerID string) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Chat
	for _, c := range m.chats {
		if c.OwnerID == ownerID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) update(op, chatID string, fn func(*domain.Chat)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return wrap(op, chatID, ErrChatNotFound)
	}
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	m.chats[chatID] = c
	return nil
}

func (m *MemoryStore) UpdateChatStatus(_ context.Context, chatID string, status domain.ChatStatus, errMsg string) error {
	return m.update("update chat status", chatID, func(c *domain.Chat) {
		c.Status = status
		c.ErrorMessage = errMsg
	})
}

func (m *MemoryStore) UpdateChatStats(_ context.Context, chatID string, messageCount int, sizeBytes int64) error {
	return m.update("update chat stats", chatID, func(c *domain.Chat) {
		c.MessageCount = messageCount
		c.SizeBytes = sizeBytes
	})
}

func (m *MemoryStore) RenameChat(_ context.Context, chatID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return m.update("rename chat", chatID, func(c *domain.Chat) { c.Name = name })
}

// ReplaceMessages supersedes the chat's messages; media records go with them,
// as the foreign key cascade does in Postgres.
func (m *MemoryStore) ReplaceMessages(_ context.Context, chatID string, msgs []domain.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; !ok {
		return wrap("replace messages", chatID, ErrChatNotFound)
	}
	stored := make([]domain.RawMessage, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.Media = nil
		stored[i] = msg
	}
	m.messages[chatID] = stored
	delete(m.media, chatID)
	return nil
}

func (m *MemoryStore) ReplaceMediaRecords(_ context.Context, chatID string, recs []domain.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; !ok {
		return wrap("replace media records", chatID, ErrChatNotFound)
	}
	stored := make([]domain.MediaRecord, len(recs))
	for i, rec := range recs {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.ChatID = chatID
		stored[i] = rec
	}
	m.media[chatID] = stored
	return nil
}

func (m *MemoryStore) ListMediaRecords(_ context.Context, chatID string) ([]domain.MediaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.MediaRecord(nil), m.media[chatID]...), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]domain.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]domain.RawMessage(nil), msgs...), nil
}
