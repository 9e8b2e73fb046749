package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"dm-relay/internal/domain"
)

// MemoryMessageRepository guarda mensajes en memoria; útil para desarrollo y tests.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages []domain.Message
	byID     map[string]int
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{byID: make(map[string]int)}
}

func (r *MemoryMessageRepository) Create(_ context.Context, message domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	stampCreate(&message, time.Nanosecond)
	r.byID[message.ID] = len(r.messages)
	r.messages = append(r.messages, message)
	return message, nil
}

func (r *MemoryMessageRepository) FindLatest(_ context.Context, senderID, recipientID int64, content string) (domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest, _, ok := lo.FindLastIndexOf(r.messages, func(m domain.Message) bool {
		return m.SenderID == senderID && m.RecipientID == recipientID && m.Content == content
	})
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	return latest, nil
}

func (r *MemoryMessageRepository) ListConversation(_ context.Context, userA, userB int64) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// El slice ya está en orden de inserción, que coincide con createdAt.
	return lo.Filter(r.messages, func(m domain.Message, _ int) bool {
		return (m.SenderID == userA && m.RecipientID == userB) ||
			(m.SenderID == userB && m.RecipientID == userA)
	}), nil
}

func (r *MemoryMessageRepository) GetByID(_ context.Context, id string) (domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byID[id]
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	return r.messages[idx], nil
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, id string, at time.Time) (domain.Message, error) {
	return r.mutate(id, func(m *domain.Message) {
		if m.IsRead {
			return
		}
		m.IsRead = true
		m.UpdatedAt = at.UTC()
	})
}

func (r *MemoryMessageRepository) UpdateContent(_ context.Context, id, content string, at time.Time) (domain.Message, error) {
	return r.mutate(id, func(m *domain.Message) {
		m.Content = content
		m.UpdatedAt = at.UTC()
	})
}

func (r *MemoryMessageRepository) Delete(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[id]
	if !ok {
		return 0, nil
	}
	r.messages = append(r.messages[:idx], r.messages[idx+1:]...)
	delete(r.byID, id)
	for i := idx; i < len(r.messages); i++ {
		r.byID[r.messages[i].ID] = i
	}
	return 1, nil
}

func (r *MemoryMessageRepository) mutate(id string, fn func(*domain.Message)) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[id]
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	fn(&r.messages[idx])
	return r.messages[idx], nil
}
