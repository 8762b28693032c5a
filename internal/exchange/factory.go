package exchange

import (
	"fmt"
	"sync"

	"github.com/GoPolymarket/mmengine/internal/model"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Connector builds a live session for an account on one exchange.
type Connector func(acct *model.Account) (Gateway, error)

// Factory 管理每个账户的网关实例 (懒加载) 以及限流包装
type Factory struct {
	mu         sync.RWMutex
	mode       string
	paper      *PaperExchange
	connectors map[string]Connector
	clients    map[string]Gateway   // Key: AccountID
	throttles  map[string]*throttle // survives Invalidate
	qps        float64
	burst      int
}

func NewFactory(mode string, paper *PaperExchange, qps float64, burst int) *Factory {
	if mode == "" {
		mode = ModePaper
	}
	return &Factory{
		mode:       mode,
		paper:      paper,
		connectors: make(map[string]Connector),
		clients:    make(map[string]Gateway),
		throttles:  make(map[string]*throttle),
		qps:        qps,
		burst:      burst,
	}
}

func (f *Factory) Mode() string {
	return f.mode
}

func (f *Factory) RegisterConnector(exchange string, c Connector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectors[exchange] = c
}

// ForAccount returns the cached gateway for acct, creating it on first use.
func (f *Factory) ForAccount(acct *model.Account) (Gateway, error) {
	f.mu.RLock()
	gw, ok := f.clients[acct.ID]
	f.mu.RUnlock()
	if ok {
		return gw, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gw, ok := f.clients[acct.ID]; ok {
		return gw, nil
	}

	var inner Gateway
	switch f.mode {
	case ModePaper:
		if f.paper == nil {
			return nil, Fatal(acct.Exchange, "connect", fmt.Errorf("paper exchange not configured"))
		}
		inner = f.paper.Account(acct)
	case ModeLive:
		connector, ok := f.connectors[acct.Exchange]
		if !ok {
			return nil, Fatal(acct.Exchange, "connect", fmt.Errorf("no live connector registered for %s", acct.Exchange))
		}
		var err error
		inner, err = connector(acct)
		if err != nil {
			return nil, err
		}
	default:
		return nil, Fatal(acct.Exchange, "connect", fmt.Errorf("unknown gateway mode %q", f.mode))
	}

	t, ok := f.throttles[acct.ID]
	if !ok {
		t = newThrottle(f.qps, f.burst)
		f.throttles[acct.ID] = t
	}
	gw = newLimitedGateway(inner, acct.Exchange, t)
	f.clients[acct.ID] = gw
	return gw, nil
}

// Invalidate drops the cached session so the next call reconnects with fresh
// credentials. The account's throttle is kept.
func (f *Factory) Invalidate(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, accountID)
}

// Forget drops the session and the throttle of a deleted account.
func (f *Factory) Forget(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, accountID)
	delete(f.throttles, accountID)
}
