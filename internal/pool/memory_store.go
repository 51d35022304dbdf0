package pool

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory channel store for demo/development mode.
// A single mutex covers Claim so the oldest-available selection and the
// assignment are one atomic step, matching the PostgreSQL semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewMemoryStore creates a new in-memory channel store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]*Channel)}
}

func (m *MemoryStore) Register(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ch
	m.channels[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, tradeID string, at time.Time) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Channel
	for _, ch := range m.channels {
		if ch.Status != StatusAvailable {
			continue
		}
		if oldest == nil || ch.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ch
		}
	}
	if oldest == nil {
		return nil, ErrNoChannels
	}

	oldest.Status = StatusAssigned
	oldest.TradeID = tradeID
	oldest.AssignedAt = &at
	oldest.CompletedAt = nil

	cp := *oldest
	return &cp, nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.TradeID == tradeID && ch.Status != StatusArchived {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, ErrNotAssigned
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to ChannelStatus, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok || ch.Status != from {
		return ErrChannelNotFound
	}

	ch.Status = to
	now := time.Now()
	switch to {
	case StatusAvailable:
		ch.TradeID = ""
		ch.AssignedAt = nil
		ch.CompletedAt = nil
		ch.InviteToken = token
	case StatusCompleted:
		ch.CompletedAt = &now
	case StatusArchived:
		ch.TradeID = ""
		ch.InviteToken = ""
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Channel
	for _, ch := range m.channels {
		if ch.Status == status {
			cp := *ch
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAssigned(ctx context.Context, limit int) ([]*Channel, error) {
	return m.List(ctx, StatusAssigned, limit)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
