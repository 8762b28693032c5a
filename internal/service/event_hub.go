package service

import (
	"sync"

	"github.com/GoPolymarket/mmengine/internal/model"
)

const (
	subscriberBuffer = 64
	recentErrorsKept = 50
)

// EventHub fans strategy lifecycle events out to websocket subscribers.
// Slow subscribers lose events rather than block the scheduler. The last
// error events are kept for the dashboard.
type EventHub struct {
	mu   sync.RWMutex
	subs map[chan model.StrategyEvent]struct{}

	rmu    sync.Mutex
	errs   []model.StrategyEvent // oldest first
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan model.StrategyEvent]struct{})}
}

func (h *EventHub) Subscribe() (<-chan model.StrategyEvent, func()) {
	ch := make(chan model.StrategyEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Publish(ev model.StrategyEvent) {
	if h == nil {
		return
	}
	if ev.Lifecycle == LifecycleError {
		h.rmu.Lock()
		h.errs = append(h.errs, ev)
		if len(h.errs) > recentErrorsKept {
			h.errs = h.errs[len(h.errs)-recentErrorsKept:]
		}
		h.rmu.Unlock()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RecentErrors returns up to n error events, newest first.
func (h *EventHub) RecentErrors(n int) []model.StrategyEvent {
	if h == nil {
		return nil
	}
	h.rmu.Lock()
	defer h.rmu.Unlock()
	if n <= 0 || n > len(h.errs) {
		n = len(h.errs)
	}
	out := make([]model.StrategyEvent, 0, n)
	for i := len(h.errs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.errs[i])
	}
	return out
}
