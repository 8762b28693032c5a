package exchange

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	paperDefaultMid  = 100
	paperLevelStep   = 0.0005 // relative distance between synthetic levels
	paperPricePlaces = 8
)

type PaperOptions struct {
	Tick       time.Duration
	Volatility float64            // stddev of the per-tick relative move
	Depth      int                // synthetic levels per side
	Prices     map[string]float64 // "exchange:pair" -> initial mid
	Seed       int64
}

type paperOrder struct {
	order Order
	key   market.Key
	seq   uint64
}

type paperMarket struct {
	key  market.Key
	mid  decimal.Decimal
	last decimal.Decimal
	book *market.Orderbook
}

// PaperExchange 进程内模拟交易所: 随机游走中间价, 合成深度, 中间价穿越挂单即成交.
// It is both a Gateway provider and a market.Source.
type PaperExchange struct {
	mu         sync.Mutex
	rng        *rand.Rand
	volatility float64
	depth      int
	tick       time.Duration
	seedPrices map[string]decimal.Decimal
	markets    map[market.Key]*paperMarket
	orders     map[string]map[string]*paperOrder // accountID -> orderID -> order
	faults     map[string][]error
	seq        uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewPaperExchange(opts PaperOptions) *PaperExchange {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 5
	}
	prices := make(map[string]decimal.Decimal, len(opts.Prices))
	for k, v := range opts.Prices {
		prices[k] = decimal.NewFromFloat(v)
	}
	return &PaperExchange{
		rng:        rand.New(rand.NewSource(seed)),
		volatility: opts.Volatility,
		depth:      depth,
		tick:       opts.Tick,
		seedPrices: prices,
		markets:    make(map[market.Key]*paperMarket),
		orders:     make(map[string]map[string]*paperOrder),
		faults:     make(map[string][]error),
		stop:       make(chan struct{}),
	}
}

// Start launches the random walk. With a zero tick the market only moves via
// Step and SetMid.
func (p *PaperExchange) Start() {
	if p.tick <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.Step()
			}
		}
	}()
}

func (p *PaperExchange) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Step advances every market by one random-walk tick.
func (p *PaperExchange) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.markets {
		move := 1 + p.volatility*p.rng.NormFloat64()
		if next := m.mid.Mul(decimal.NewFromFloat(move)).Round(paperPricePlaces); next.IsPositive() {
			m.mid = next
		}
		p.matchLocked(m)
		p.publishLocked(m)
	}
}

func (p *PaperExchange) SetMid(key market.Key, mid decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.marketLocked(key)
	m.mid = mid
	p.matchLocked(m)
	p.publishLocked(m)
}

func (p *PaperExchange) Mid(key market.Key) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marketLocked(key).mid
}

// FailNext makes the next len(errs) calls for accountID return errs in order.
func (p *PaperExchange) FailNext(accountID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[accountID] = append(p.faults[accountID], errs...)
}

// Orders lists every resting order of an account across all pairs.
func (p *PaperExchange) Orders(accountID string) []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listLocked(accountID, "")
}

func (p *PaperExchange) Open(key market.Key, book *market.Orderbook) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.marketLocked(key)
	m.book = book
	p.publishLocked(m)
	return nil
}

func (p *PaperExchange) Close(key market.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.markets[key]; ok {
		m.book = nil
	}
}

// Account returns an unthrottled session bound to acct.
func (p *PaperExchange) Account(acct *model.Account) Gateway {
	return &paperAccount{ex: p, accountID: acct.ID, exchange: acct.Exchange}
}

func (p *PaperExchange) marketLocked(key market.Key) *paperMarket {
	if m, ok := p.markets[key]; ok {
		return m
	}
	mid, ok := p.seedPrices[key.String()]
	if !ok {
		mid = decimal.NewFromInt(paperDefaultMid)
	}
	m := &paperMarket{key: key, mid: mid, last: mid}
	p.markets[key] = m
	return m
}

func (p *PaperExchange) matchLocked(m *paperMarket) {
	for _, book := range p.orders {
		for id, o := range book {
			if o.key != m.key {
				continue
			}
			crossed := (o.order.Side == market.Buy && o.order.Price.GreaterThanOrEqual(m.mid)) ||
				(o.order.Side == market.Sell && o.order.Price.LessThanOrEqual(m.mid))
			if crossed {
				m.last = o.order.Price
				delete(book, id)
			}
		}
	}
}

func (p *PaperExchange) publishLocked(m *paperMarket) {
	if m.book == nil {
		return
	}
	step := m.mid.Mul(decimal.NewFromFloat(paperLevelStep))
	bids := make([]market.Level, 0, p.depth)
	asks := make([]market.Level, 0, p.depth)
	for i := 1; i <= p.depth; i++ {
		off := step.Mul(decimal.NewFromInt(int64(i)))
		size := decimal.NewFromFloat(1 + p.rng.Float64()*9).Round(4)
		if bid := m.mid.Sub(off).Round(paperPricePlaces); bid.IsPositive() {
			bids = append(bids, market.Level{Price: bid, Size: size})
		}
		asks = append(asks, market.Level{Price: m.mid.Add(off).Round(paperPricePlaces), Size: size})
	}
	m.book.Replace(bids, asks)
	m.book.SetLast(m.last)
}

func (p *PaperExchange) listLocked(accountID, pair string) []Order {
	book := p.orders[accountID]
	list := make([]*paperOrder, 0, len(book))
	for _, o := range book {
		if pair != "" && o.order.Pair != pair {
			continue
		}
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Order, len(list))
	for i, o := range list {
		out[i] = o.order
	}
	return out
}

func (p *PaperExchange) faultLocked(accountID string) error {
	errs := p.faults[accountID]
	if len(errs) == 0 {
		return nil
	}
	p.faults[accountID] = errs[1:]
	return errs[0]
}

type paperAccount struct {
	ex        *PaperExchange
	accountID string
	exchange  string
}

func (a *paperAccount) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.ex.mu.Lock()
	defer a.ex.mu.Unlock()
	return a.ex.faultLocked(a.accountID)
}

func (a *paperAccount) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() || !req.Qty.IsPositive() {
		return nil, Fatal(a.exchange, "place", errors.New("price and quantity must be positive"))
	}
	a.ex.mu.Lock()
	defer a.ex.mu.Unlock()
	if err := a.ex.faultLocked(a.accountID); err != nil {
		return nil, err
	}

	key := market.NewKey(a.exchange, req.Pair)
	a.ex.marketLocked(key)
	a.ex.seq++
	o := &paperOrder{
		order: Order{
			ID:        uuid.NewString(),
			AccountID: a.accountID,
			Pair:      key.Pair,
			Side:      req.Side,
			Price:     req.Price,
			Qty:       req.Qty,
			CreatedAt: time.Now(),
		},
		key: key,
		seq: a.ex.seq,
	}
	if a.ex.orders[a.accountID] == nil {
		a.ex.orders[a.accountID] = make(map[string]*paperOrder)
	}
	a.ex.orders[a.accountID][o.order.ID] = o
	placed := o.order
	return &placed, nil
}

func (a *paperAccount) CancelOrder(ctx context.Context, pair, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.ex.mu.Lock()
	defer a.ex.mu.Unlock()
	if err := a.ex.faultLocked(a.accountID); err != nil {
		return err
	}
	// 已成交或不存在的订单视为撤单成功
	delete(a.ex.orders[a.accountID], orderID)
	return nil
}

func (a *paperAccount) OpenOrders(ctx context.Context, pair string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.ex.mu.Lock()
	defer a.ex.mu.Unlock()
	if err := a.ex.faultLocked(a.accountID); err != nil {
		return nil, err
	}
	return a.ex.listLocked(a.accountID, market.NormalizePair(pair)), nil
}
