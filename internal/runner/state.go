package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/shopspring/decimal"
)

// State is owned by one runner goroutine and destroyed on stop.
type State struct {
	Orders        map[string]map[string]exchange.Order // accountID -> orderID -> order
	LastSnapshot  market.Snapshot
	NextActionAt  time.Time
	Failures      int
	Tier          int
	FollowRefs    map[market.Key]decimal.Decimal
	LocalRef      decimal.Decimal
	RefCapturedAt time.Time
}

func newState() *State {
	return &State{
		Orders:     make(map[string]map[string]exchange.Order),
		FollowRefs: make(map[market.Key]decimal.Decimal),
	}
}

func (s *State) track(o exchange.Order) {
	if s.Orders[o.AccountID] == nil {
		s.Orders[o.AccountID] = make(map[string]exchange.Order)
	}
	s.Orders[o.AccountID][o.ID] = o
}

func (s *State) forget(accountID, orderID string) {
	delete(s.Orders[accountID], orderID)
}

func (s *State) openCount() int {
	n := 0
	for _, book := range s.Orders {
		n += len(book)
	}
	return n
}

// tracked returns an account's orders sorted by creation time.
func (s *State) tracked(accountID string) []exchange.Order {
	book := s.Orders[accountID]
	out := make([]exchange.Order, 0, len(book))
	for _, o := range book {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *State) persisted(strategyID string, now time.Time) *Persisted {
	p := &Persisted{StrategyID: strategyID, UpdatedAt: now}
	for accountID, book := range s.Orders {
		for id, o := range book {
			p.Orders = append(p.Orders, PersistedOrder{AccountID: accountID, Pair: o.Pair, OrderID: id})
		}
	}
	sort.Slice(p.Orders, func(i, j int) bool { return p.Orders[i].OrderID < p.Orders[j].OrderID })
	return p
}

type PersistedOrder struct {
	AccountID string `json:"account_id"`
	Pair      string `json:"pair"`
	OrderID   string `json:"order_id"`
}

// Persisted is the part of State that survives an engine restart: the ids of
// orders a runner left on the exchange.
type Persisted struct {
	StrategyID string           `json:"strategy_id"`
	Orders     []PersistedOrder `json:"orders"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type StateStore interface {
	Save(ctx context.Context, p *Persisted) error
	// Load returns nil, nil when nothing is stored for strategyID.
	Load(ctx context.Context, strategyID string) (*Persisted, error)
	Delete(ctx context.Context, strategyID string) error
}

type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*Persisted
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*Persisted)}
}

func (m *MemoryStateStore) Save(_ context.Context, p *Persisted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Orders = append([]PersistedOrder(nil), p.Orders...)
	m.states[p.StrategyID] = &cp
	return nil
}

func (m *MemoryStateStore) Load(_ context.Context, strategyID string) (*Persisted, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.states[strategyID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Orders = append([]PersistedOrder(nil), p.Orders...)
	return &cp, nil
}

func (m *MemoryStateStore) Delete(_ context.Context, strategyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, strategyID)
	return nil
}
