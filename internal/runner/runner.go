package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

type Settings struct {
	MaxFailures      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	QuoteSpread      float64
	RepriceTolerance float64
	PricePrecision   int32
	QtyPrecision     int32
	StaleAfter       time.Duration
	CleanupTimeout   time.Duration
	Depth            int
	Risk             RiskLimits
	// IntervalUnit scales min/max_order_interval. Seconds in production.
	IntervalUnit time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxFailures:      cfg.Engine.MaxFailures,
		BackoffBase:      cfg.Engine.BackoffBase(),
		BackoffMax:       cfg.Engine.BackoffMax(),
		QuoteSpread:      cfg.Engine.QuoteSpread,
		RepriceTolerance: cfg.Engine.RepriceTolerance,
		PricePrecision:   cfg.Engine.PricePrecision,
		QtyPrecision:     cfg.Engine.QtyPrecision,
		StaleAfter:       cfg.Market.StaleAfter(),
		CleanupTimeout:   cfg.Engine.CleanupTimeout(),
		Depth:            cfg.Market.Depth,
		Risk: RiskLimits{
			MaxOrderValue: decimal.NewFromFloat(cfg.Engine.MaxOrderValue),
			MaxDeviation:  decimal.NewFromFloat(cfg.Engine.MaxPriceDeviation),
		},
		IntervalUnit: time.Second,
	}
}

// Reporter receives failure transitions while the runner stays alive.
type Reporter interface {
	Failing(strategyID string, failures int, err error)
	Recovered(strategyID string)
}

type Deps struct {
	Cache    *market.Cache
	Store    StateStore
	Settings Settings
	Reporter Reporter
	Seed     int64
}

// Exit describes why a runner stopped. Err is nil for a requested stop.
type Exit struct {
	Err    error
	Leaked []string // order ids still resting after cleanup
}

type Info struct {
	OpenOrders   int       `json:"open_orders"`
	Failures     int       `json:"failures"`
	Tier         int       `json:"tier"`
	NextActionAt time.Time `json:"next_action_at"`
}

// Runner 每个运行中的策略对应一个 goroutine: 拉行情, 计算目标报价, 对账挂单
type Runner struct {
	cfg  *model.Strategy
	bid  *exchange.Handle
	ask  *exchange.Handle
	deps Deps
	log  *slog.Logger

	quoter *quoter
	state  *State
	keys   []market.Key
	local  market.Key

	infoMu sync.RWMutex
	info   Info

	ready chan error
	done  chan struct{}
	exit  Exit
}

// New builds a runner for cfg. ask may equal bid for single-account
// strategies.
func New(cfg *model.Strategy, bid, ask *exchange.Handle, deps Deps) *Runner {
	seed := deps.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if deps.Settings.IntervalUnit <= 0 {
		deps.Settings.IntervalUnit = time.Second
	}
	local := market.NewKey(cfg.Exchange, cfg.Pair)
	keys := []market.Key{local}
	if cfg.Follow != nil {
		for _, src := range cfg.Follow.Sources {
			k := market.NewKey(src.Exchange, src.Pair)
			if k != local {
				keys = append(keys, k)
			}
		}
	}
	return &Runner{
		cfg:  cfg,
		bid:  bid,
		ask:  ask,
		deps: deps,
		log:  logger.Component("runner").With("strategy_id", cfg.ID, "kind", string(cfg.Kind)),
		quoter: &quoter{
			cfg:      cfg,
			settings: deps.Settings,
			rng:      rand.New(rand.NewSource(seed)),
		},
		state: newState(),
		keys:  keys,
		local: local,
		ready: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

// Ready yields the result of the first tick (gateway ping + market
// subscription). nil means the runner is quoting.
func (r *Runner) Ready() <-chan error {
	return r.ready
}

func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Exit is valid once Done is closed.
func (r *Runner) Exit() Exit {
	<-r.done
	return r.exit
}

func (r *Runner) Info() Info {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	return r.info
}

func (r *Runner) handles() []*exchange.Handle {
	if r.ask == nil || r.ask.Account.ID == r.bid.Account.ID {
		return []*exchange.Handle{r.bid}
	}
	return []*exchange.Handle{r.bid, r.ask}
}

// Run blocks until ctx is canceled or the runner gives up.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	metrics.ActiveRunners.Inc()
	defer metrics.ActiveRunners.Dec()

	subscribed, err := r.firstTick(ctx)
	if err != nil {
		r.unsubscribe(subscribed)
		r.exit = Exit{Err: err}
		r.ready <- err
		return
	}
	r.ready <- nil
	r.log.Info("runner started")

	r.exit.Err = r.loop(ctx)
	r.exit.Leaked = r.cleanup()
	r.unsubscribe(subscribed)
	if len(r.exit.Leaked) > 0 && r.exit.Err == nil {
		r.exit.Err = fmt.Errorf("%d orders left resting after cleanup", len(r.exit.Leaked))
	}
	r.log.Info("runner exited", "error", r.exit.Err, "leaked", len(r.exit.Leaked))
}

func (r *Runner) firstTick(ctx context.Context) ([]market.Key, error) {
	for _, h := range r.handles() {
		if err := h.Gateway.Ping(ctx); err != nil {
			return nil, err
		}
	}
	subscribed := make([]market.Key, 0, len(r.keys))
	for _, k := range r.keys {
		if err := r.deps.Cache.Subscribe(k); err != nil {
			return subscribed, exchange.Transient(k.Exchange, "subscribe", err)
		}
		subscribed = append(subscribed, k)
	}
	r.cancelOrphans(ctx)
	r.quoter.started = time.Now()
	return subscribed, nil
}

// cancelOrphans 取消上次进程遗留的挂单 (崩溃或重启)
func (r *Runner) cancelOrphans(ctx context.Context) {
	if r.deps.Store == nil {
		return
	}
	prev, err := r.deps.Store.Load(ctx, r.cfg.ID)
	if err != nil {
		r.log.Warn("load runner state failed", "error", err)
		return
	}
	if prev == nil {
		return
	}
	for _, o := range prev.Orders {
		h := r.handleFor(o.AccountID)
		if h == nil {
			continue
		}
		if err := h.Gateway.CancelOrder(ctx, o.Pair, o.OrderID); err != nil {
			r.log.Warn("cancel orphaned order failed", "order_id", o.OrderID, "error", err)
		}
	}
	r.log.Info("orphaned orders canceled", "count", len(prev.Orders))
}

func (r *Runner) handleFor(accountID string) *exchange.Handle {
	for _, h := range r.handles() {
		if h.Account.ID == accountID {
			return h
		}
	}
	return nil
}

func (r *Runner) unsubscribe(keys []market.Key) {
	for _, k := range keys {
		r.deps.Cache.Unsubscribe(k)
	}
}

func (r *Runner) nextInterval() time.Duration {
	lo, hi := r.cfg.MinOrderInterval, r.cfg.MaxOrderInterval
	n := lo
	if hi > lo {
		n = lo + r.quoter.rng.Intn(hi-lo+1)
	}
	return time.Duration(n) * r.deps.Settings.IntervalUnit
}

func (r *Runner) loop(ctx context.Context) error {
	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		err := r.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			if r.state.Failures > 0 && r.deps.Reporter != nil {
				r.deps.Reporter.Recovered(r.cfg.ID)
			}
			r.state.Failures = 0
			wait = r.nextInterval()
			r.setInfo(wait)
			continue
		}

		r.state.Failures++
		fatal := exchange.IsFatal(err)
		reason := "transient"
		if fatal {
			reason = "fatal"
		}
		metrics.RunnerFailures.WithLabelValues(string(r.cfg.Kind), reason).Inc()
		r.log.Warn("cycle failed", "error", err, "failures", r.state.Failures, "fatal", fatal)

		if fatal || r.state.Failures >= r.deps.Settings.MaxFailures {
			return err
		}
		if r.deps.Reporter != nil {
			r.deps.Reporter.Failing(r.cfg.ID, r.state.Failures, err)
		}
		wait = Backoff(r.deps.Settings.BackoffBase, r.deps.Settings.BackoffMax, r.state.Failures)
		r.setInfo(wait)
	}
}

func (r *Runner) setInfo(wait time.Duration) {
	r.state.NextActionAt = time.Now().Add(wait)
	r.infoMu.Lock()
	r.info = Info{
		OpenOrders:   r.state.openCount(),
		Failures:     r.state.Failures,
		Tier:         r.state.Tier,
		NextActionAt: r.state.NextActionAt,
	}
	r.infoMu.Unlock()
}

func (r *Runner) snapshot(key market.Key, now time.Time) (market.Snapshot, error) {
	snap, ok := r.deps.Cache.Snapshot(key)
	if !ok || snap.Empty() || snap.StaleAt(now, r.deps.Settings.StaleAfter) {
		return snap, exchange.Transient(key.Exchange, "snapshot", fmt.Errorf("%w: %s", ErrStaleMarket, key))
	}
	return snap, nil
}

func (r *Runner) cycle(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		res := "ok"
		if err != nil {
			res = "error"
		}
		metrics.RunnerCycles.WithLabelValues(string(r.cfg.Kind), res).Inc()
		metrics.CycleLatency.WithLabelValues(string(r.cfg.Kind)).Observe(time.Since(start).Seconds())
	}()

	local, err := r.snapshot(r.local, start)
	if err != nil {
		return err
	}
	r.state.LastSnapshot = local
	sources := make(map[market.Key]market.Snapshot, len(r.keys))
	for _, k := range r.keys {
		if k == r.local {
			sources[k] = local
			continue
		}
		snap, err := r.snapshot(k, start)
		if err != nil {
			return err
		}
		sources[k] = snap
	}

	targets, err := r.quoter.targets(r.state, start, local, sources)
	if err != nil {
		if errors.Is(err, ErrNoReference) || errors.Is(err, ErrStaleMarket) {
			return exchange.Transient(r.cfg.Exchange, "quote", err)
		}
		return err
	}

	for _, h := range r.handles() {
		if err := r.reconcileAccount(ctx, h, targets); err != nil {
			r.persist()
			return err
		}
	}
	r.persist()
	return nil
}

func (r *Runner) reconcileAccount(ctx context.Context, h *exchange.Handle, targets []Quote) error {
	accountID := h.Account.ID
	pair := r.local.Pair

	if err := ctx.Err(); err != nil {
		return err
	}
	open, err := h.Gateway.OpenOrders(ctx, pair)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.ID] = true
	}
	// 交易所不再返回的挂单视为已成交
	for _, o := range r.state.tracked(accountID) {
		if !live[o.ID] {
			r.state.forget(accountID, o.ID)
		}
	}

	mine := make([]Quote, 0, len(targets))
	for _, t := range targets {
		if t.AccountID == accountID {
			mine = append(mine, t)
		}
	}
	p := reconcile(r.state.tracked(accountID), mine, r.deps.Settings.RepriceTolerance)

	for _, o := range p.cancel {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Gateway.CancelOrder(ctx, pair, o.ID); err != nil {
			return err
		}
		r.state.forget(accountID, o.ID)
	}
	for _, t := range p.place {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkQuote(r.deps.Settings.Risk, h.Account, pair, t, r.state.LastSnapshot); err != nil {
			var rj *RiskReject
			if errors.As(err, &rj) {
				r.log.Warn("quote rejected", "account_id", accountID, "side", t.Side, "price", t.Price.String(), "reason", rj.Reason)
				continue
			}
			return err
		}
		order, err := h.Gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:     pair,
			Side:     t.Side,
			Price:    t.Price,
			Qty:      t.Qty,
			PostOnly: true,
		})
		if err != nil {
			return err
		}
		r.state.track(*order)
	}
	return nil
}

func (r *Runner) persist() {
	if r.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.deps.Store.Save(ctx, r.state.persisted(r.cfg.ID, time.Now())); err != nil {
		r.log.Warn("persist runner state failed", "error", err)
	}
}

// cleanup cancels every tracked order on a detached context and returns the
// ids that are still resting afterwards.
func (r *Runner) cleanup() []string {
	timeout := r.deps.Settings.CleanupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var leaked []string
	for _, h := range r.handles() {
		accountID := h.Account.ID
		for _, o := range r.state.tracked(accountID) {
			if err := h.Gateway.CancelOrder(ctx, o.Pair, o.ID); err != nil {
				r.log.Warn("cancel on stop failed", "order_id", o.ID, "error", err)
				continue
			}
			r.state.forget(accountID, o.ID)
		}
		// 再次确认交易所侧没有残留
		open, err := h.Gateway.OpenOrders(ctx, r.local.Pair)
		if err != nil {
			for _, o := range r.state.tracked(accountID) {
				leaked = append(leaked, o.ID)
			}
			continue
		}
		stillTracked := make(map[string]bool)
		for _, o := range r.state.tracked(accountID) {
			stillTracked[o.ID] = true
		}
		for _, o := range open {
			if stillTracked[o.ID] {
				leaked = append(leaked, o.ID)
			}
		}
	}

	if r.deps.Store != nil {
		if len(leaked) == 0 {
			_ = r.deps.Store.Delete(ctx, r.cfg.ID)
		} else {
			r.persist()
		}
	}
	r.setInfo(0)
	return leaked
}
