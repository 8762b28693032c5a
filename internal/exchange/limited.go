package exchange

import (
	"context"
	"sync"

	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// throttle is the per-account call lock and rate limiter. It outlives the
// session, so a session rebuilt after a credential change still queues
// behind the one a running strategy holds.
type throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

func newThrottle(qps float64, burst int) *throttle {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttle{limiter: rate.NewLimiter(limit, burst)}
}

// limitedGateway 同一账户的调用串行化并限流, 不同账户互不影响
type limitedGateway struct {
	inner    Gateway
	t        *throttle
	exchange string
}

func newLimitedGateway(inner Gateway, exchange string, t *throttle) *limitedGateway {
	return &limitedGateway{inner: inner, t: t, exchange: exchange}
}

func (g *limitedGateway) acquire(ctx context.Context) error {
	if err := g.t.limiter.Wait(ctx); err != nil {
		return err
	}
	g.t.mu.Lock()
	return nil
}

func (g *limitedGateway) Ping(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.t.mu.Unlock()
	return g.inner.Ping(ctx)
}

func (g *limitedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.t.mu.Unlock()
	order, err := g.inner.PlaceOrder(ctx, req)
	metrics.OrdersTotal.WithLabelValues(g.exchange, "place", result(err)).Inc()
	return order, err
}

func (g *limitedGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.t.mu.Unlock()
	err := g.inner.CancelOrder(ctx, pair, orderID)
	metrics.OrdersTotal.WithLabelValues(g.exchange, "cancel", result(err)).Inc()
	return err
}

func (g *limitedGateway) OpenOrders(ctx context.Context, pair string) ([]Order, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.t.mu.Unlock()
	return g.inner.OpenOrders(ctx, pair)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsFatal(err):
		return "fatal"
	default:
		return "transient"
	}
}
