package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Level represents a single price level in the orderbook
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Snapshot is an immutable copy of a book at a point in time.
type Snapshot struct {
	Key       Key             `json:"key"`
	Bids      []Level         `json:"bids"` // High to Low
	Asks      []Level         `json:"asks"` // Low to High
	Last      decimal.Decimal `json:"last"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Mid 优先使用盘口中间价, 单边或空盘口时退回最新成交价
func (s Snapshot) Mid() decimal.Decimal {
	if len(s.Bids) > 0 && len(s.Asks) > 0 {
		return s.Bids[0].Price.Add(s.Asks[0].Price).Div(decimal.NewFromInt(2))
	}
	return s.Last
}

func (s Snapshot) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0 && s.Last.IsZero()
}

func (s Snapshot) StaleAt(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return s.UpdatedAt.IsZero() || now.Sub(s.UpdatedAt) > maxAge
}

// Orderbook represents the in-memory state of a market
type Orderbook struct {
	key         Key
	bids        []Level
	asks        []Level
	last        decimal.Decimal
	lastUpdated time.Time
	mu          sync.RWMutex
}

func NewOrderbook(key Key) *Orderbook {
	return &Orderbook{
		key:  key,
		bids: make([]Level, 0),
		asks: make([]Level, 0),
	}
}

func (ob *Orderbook) Key() Key {
	return ob.key
}

// Replace swaps the entire book state
func (ob *Orderbook) Replace(bids, asks []Level) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = bids
	ob.asks = asks
	ob.lastUpdated = time.Now()
}

// Update processes a price/size update
// size 0 means remove level
func (ob *Orderbook) Update(side Side, priceStr, sizeStr string) error {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return err
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if side == Buy {
		ob.updateLevel(&ob.bids, price, size, true)
	} else {
		ob.updateLevel(&ob.asks, price, size, false)
	}
	ob.lastUpdated = time.Now()
	return nil
}

func (ob *Orderbook) SetLast(price decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.last = price
	ob.lastUpdated = time.Now()
}

func (ob *Orderbook) updateLevel(levels *[]Level, price, size decimal.Decimal, descending bool) {
	// 线性扫描: 做市只关心前几档, 切片足够快

	idx := -1
	for i, l := range *levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx != -1 {
			*levels = append((*levels)[:idx], (*levels)[idx+1:]...)
		}
		return
	}

	if idx != -1 {
		(*levels)[idx].Size = size
		return
	}
	*levels = append(*levels, Level{Price: price, Size: size})
	if descending {
		sort.Slice(*levels, func(i, j int) bool {
			return (*levels)[i].Price.GreaterThan((*levels)[j].Price)
		})
	} else {
		sort.Slice(*levels, func(i, j int) bool {
			return (*levels)[i].Price.LessThan((*levels)[j].Price)
		})
	}
}

// GetCopy returns a safe copy of the current state (Thread-safe read)
func (ob *Orderbook) GetCopy() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids := make([]Level, len(ob.bids))
	copy(bids, ob.bids)
	asks := make([]Level, len(ob.asks))
	copy(asks, ob.asks)
	return Snapshot{
		Key:       ob.key,
		Bids:      bids,
		Asks:      asks,
		Last:      ob.last,
		UpdatedAt: ob.lastUpdated,
	}
}
