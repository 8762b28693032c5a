package runner

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrStaleMarket = errors.New("market data stale or missing")
	ErrNoReference = errors.New("follow reference price unavailable")
)

// Quote is one target resting order.
type Quote struct {
	AccountID string
	Side      market.Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
}

// ActiveTier 按时间轮换档位: ⌊elapsed / period⌋ mod n
func ActiveTier(q model.QtySpec, elapsed time.Duration) int {
	n := q.Tiers()
	if n <= 1 || q.ChangePeriodMinutes <= 0 || elapsed < 0 {
		return 0
	}
	period := time.Duration(q.ChangePeriodMinutes) * time.Minute
	return int(elapsed/period) % n
}

// uniform draws from [lo, hi].
func uniform(rng *rand.Rand, lo, hi decimal.Decimal) decimal.Decimal {
	if hi.LessThanOrEqual(lo) {
		return lo
	}
	span := hi.Sub(lo)
	return lo.Add(span.Mul(decimal.NewFromFloat(rng.Float64())))
}

// symmetric draws from [-1, 1].
func symmetric(rng *rand.Rand) float64 {
	return rng.Float64()*2 - 1
}

// TierQty draws a quantity uniformly within the given tier and rounds it down
// so the result never leaves the tier range.
func TierQty(rng *rand.Rand, q model.QtySpec, tier int, places int32) decimal.Decimal {
	if tier < 0 || tier >= q.Tiers() {
		tier = 0
	}
	lo, hi := q.MinList[tier], q.MaxList[tier]
	qty := uniform(rng, lo, hi).RoundFloor(places)
	if qty.LessThan(lo) {
		qty = lo
	}
	return qty
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

type quoter struct {
	cfg      *model.Strategy
	settings Settings
	rng      *rand.Rand
	started  time.Time
}

func (q *quoter) half() decimal.Decimal {
	return decimal.NewFromFloat(q.settings.QuoteSpread / 2)
}

func (q *quoter) qty(tier int) decimal.Decimal {
	return TierQty(q.rng, q.cfg.Quantity, tier, q.settings.QtyPrecision)
}

func (q *quoter) pair(mid decimal.Decimal, tier int) []Quote {
	one := decimal.NewFromInt(1)
	return []Quote{
		{AccountID: q.cfg.Account1ID, Side: market.Buy, Price: mid.Mul(one.Sub(q.half())), Qty: q.qty(tier)},
		{AccountID: q.cfg.AskAccountID(), Side: market.Sell, Price: mid.Mul(one.Add(q.half())), Qty: q.qty(tier)},
	}
}

// randomQuotes: p = U(min,max)·(1 + vol·U(-1,1)), bid/ask at p·(1∓s/2).
func (q *quoter) randomQuotes(tier int) []Quote {
	p := q.cfg.Random
	base := uniform(q.rng, p.MinMakerPrice, p.MaxMakerPrice)
	mid := base.Mul(decimal.NewFromFloat(1 + p.Volatility*symmetric(q.rng)))
	return q.pair(mid, tier)
}

// followQuotes moves the local reference by the weighted relative move of
// the source markets since the last reference capture.
func (q *quoter) followQuotes(st *State, now time.Time, local market.Snapshot, sources map[market.Key]market.Snapshot, tier int) ([]Quote, error) {
	f := q.cfg.Follow
	period := time.Duration(f.ChangePeriodMinutes) * time.Minute
	if st.RefCapturedAt.IsZero() || (period > 0 && now.Sub(st.RefCapturedAt) >= period) {
		localRef := local.Mid()
		if !localRef.IsPositive() {
			return nil, ErrNoReference
		}
		refs := make(map[market.Key]decimal.Decimal, len(f.Sources))
		for _, src := range f.Sources {
			key := market.NewKey(src.Exchange, src.Pair)
			ref := sources[key].Mid()
			if !ref.IsPositive() {
				return nil, fmt.Errorf("%w: %s", ErrNoReference, key)
			}
			refs[key] = ref
		}
		st.LocalRef = localRef
		st.FollowRefs = refs
		st.RefCapturedAt = now
	}

	move := decimal.Zero
	one := decimal.NewFromInt(1)
	for i, src := range f.Sources {
		key := market.NewKey(src.Exchange, src.Pair)
		cur := sources[key].Mid()
		ref := st.FollowRefs[key]
		if !cur.IsPositive() || !ref.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrStaleMarket, key)
		}
		w := decimal.NewFromFloat(f.Weights[i])
		move = move.Add(w.Mul(cur.Div(ref).Sub(one)))
	}
	mid := st.LocalRef.Mul(one.Add(move))
	return q.pair(mid, tier), nil
}

// orderBookQuotes mirrors the top levels of the live book, each price
// perturbed by ±volatility without crossing the mid.
func (q *quoter) orderBookQuotes(snap market.Snapshot, tier int) []Quote {
	p := q.cfg.OrderBook
	mid := snap.Mid()
	depth := p.Depth
	if depth <= 0 {
		depth = q.settings.Depth
	}
	out := make([]Quote, 0, 2*depth)
	for i, lvl := range snap.Bids {
		if i >= depth {
			break
		}
		price := lvl.Price.Mul(decimal.NewFromFloat(1 + p.Volatility*symmetric(q.rng)))
		if price.GreaterThanOrEqual(mid) {
			price = lvl.Price
		}
		out = append(out, Quote{AccountID: q.cfg.Account1ID, Side: market.Buy, Price: price, Qty: q.qty(tier)})
	}
	for i, lvl := range snap.Asks {
		if i >= depth {
			break
		}
		price := lvl.Price.Mul(decimal.NewFromFloat(1 + p.Volatility*symmetric(q.rng)))
		if price.LessThanOrEqual(mid) {
			price = lvl.Price
		}
		out = append(out, Quote{AccountID: q.cfg.AskAccountID(), Side: market.Sell, Price: price, Qty: q.qty(tier)})
	}
	return out
}

// priceBoundaryQuotes: mid = clamp(last), bid/ask = clamp(mid ∓ floating).
func (q *quoter) priceBoundaryQuotes(snap market.Snapshot, tier int) []Quote {
	p := q.cfg.PriceBoundary
	last := snap.Last
	if !last.IsPositive() {
		last = snap.Mid()
	}
	mid := clamp(last, p.MinMakerPrice, p.MaxMakerPrice)
	bid := clamp(mid.Sub(p.FloatingValue), p.MinMakerPrice, p.MaxMakerPrice)
	ask := clamp(mid.Add(p.FloatingValue), p.MinMakerPrice, p.MaxMakerPrice)
	out := []Quote{{AccountID: q.cfg.Account1ID, Side: market.Buy, Price: bid, Qty: q.qty(tier)}}
	if ask.GreaterThan(bid) {
		out = append(out, Quote{AccountID: q.cfg.Account1ID, Side: market.Sell, Price: ask, Qty: q.qty(tier)})
	}
	return out
}

// targets computes the quotes for one cycle, rounded and with non-positive
// entries dropped.
func (q *quoter) targets(st *State, now time.Time, local market.Snapshot, sources map[market.Key]market.Snapshot) ([]Quote, error) {
	tier := ActiveTier(q.cfg.Quantity, now.Sub(q.started))
	st.Tier = tier

	var raw []Quote
	switch q.cfg.Kind {
	case model.KindRandom:
		raw = q.randomQuotes(tier)
	case model.KindFollow:
		var err error
		raw, err = q.followQuotes(st, now, local, sources, tier)
		if err != nil {
			return nil, err
		}
	case model.KindOrderBook:
		raw = q.orderBookQuotes(local, tier)
	case model.KindPriceBoundary:
		raw = q.priceBoundaryQuotes(local, tier)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", q.cfg.Kind)
	}

	out := raw[:0]
	for _, t := range raw {
		t.Price = t.Price.Round(q.settings.PricePrecision)
		if !t.Price.IsPositive() || !t.Qty.IsPositive() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
