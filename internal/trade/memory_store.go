package trade

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/otcbridge/otcbridge/internal/token"
)

// MemoryStore is an in-memory trade store for demo/development mode.
// It enforces the same conditional-update and global reference-uniqueness
// semantics as the PostgreSQL store.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
	refs   map[string]string // consumed reference -> trade ID, across all trades
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
		refs:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneTrade(t)
	m.trades[t.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(t), nil
}

func (m *MemoryStore) GetByChannel(ctx context.Context, channelID string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.trades {
		if t.ChannelID == channelID && !t.Status.Terminal() {
			return cloneTrade(t), nil
		}
	}
	return nil, ErrTradeNotFound
}

func (m *MemoryStore) UpdateIf(ctx context.Context, t *Trade, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Status != expect {
		return ErrConflictingState
	}
	m.trades[t.ID] = cloneTrade(t)
	return nil
}

func (m *MemoryStore) AcceptDeposit(ctx context.Context, tradeID string, acc DepositAccept) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.refs[acc.Ref]; taken {
		return nil, ErrDuplicateReference
	}

	cur, ok := m.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if cur.Status != StatusAwaitingDeposit {
		return nil, ErrConflictingState
	}

	total := new(big.Int).Add(cur.DepositedBig(), acc.Units)

	cur.DepositedUnits = total.String()
	cur.DepositedAmount = token.Format(total, acc.Decimals)
	cur.ConsumedRefs = append(cur.ConsumedRefs, acc.Ref)
	cur.LastActivityAt = time.Now()
	if total.Cmp(acc.ThresholdUnits) >= 0 {
		cur.Status = StatusDeposited
	}
	m.refs[acc.Ref] = tradeID

	return cloneTrade(cur), nil
}

func (m *MemoryStore) FindByConsumedRef(ctx context.Context, ref string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[ref], nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == status {
			result = append(result, cloneTrade(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// cloneTrade deep-copies a trade so callers never share slice backing
// arrays with the stored record.
func cloneTrade(t *Trade) *Trade {
	cp := *t
	if t.ConsumedRefs != nil {
		cp.ConsumedRefs = make([]string, len(t.ConsumedRefs))
		copy(cp.ConsumedRefs, t.ConsumedRefs)
	}
	if t.PendingAmount != nil {
		v := *t.PendingAmount
		cp.PendingAmount = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
