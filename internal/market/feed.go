package market

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	ReconnBaseDelay = 1 * time.Second
	ReconnMaxDelay  = 30 * time.Second
	PingPeriod      = 15 * time.Second // Keep-alive interval
)

var errNotConnected = errors.New("feed not connected")

// Feed is a websocket market data Source. It multiplexes every opened key
// over one connection and resubscribes after reconnects.
type Feed struct {
	url    string
	dialer *websocket.Dialer

	mu          sync.RWMutex
	conn        *websocket.Conn
	books       map[Key]*Orderbook
	isConnected bool

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewFeed(url string) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		url:    url,
		dialer: websocket.DefaultDialer,
		books:  make(map[Key]*Orderbook),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the connection loop in a background goroutine
func (f *Feed) Start() {
	go f.runLoop()
}

func (f *Feed) Stop() {
	f.cancel()
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *Feed) Open(key Key, book *Orderbook) error {
	f.mu.Lock()
	f.books[key] = book
	connected := f.isConnected
	f.mu.Unlock()

	if connected {
		// 断线期间的订阅会在重连后统一补发
		if err := f.send("subscribe", []Key{key}); err != nil {
			logger.Warn("feed subscribe deferred", "key", key.String(), "error", err)
		}
	}
	return nil
}

func (f *Feed) Close(key Key) {
	f.mu.Lock()
	delete(f.books, key)
	connected := f.isConnected
	f.mu.Unlock()

	if connected {
		_ = f.send("unsubscribe", []Key{key})
	}
}

func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isConnected
}

func (f *Feed) runLoop() {
	delay := ReconnBaseDelay

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		conn, err := f.connect()
		if err != nil {
			logger.Error("Feed connection failed", "url", f.url, "error", err, "retry_in", delay)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ReconnMaxDelay {
				delay = ReconnMaxDelay
			}
			continue
		}

		delay = ReconnBaseDelay
		f.mu.Lock()
		f.conn = conn
		f.isConnected = true
		keys := make([]Key, 0, len(f.books))
		for k := range f.books {
			keys = append(keys, k)
		}
		f.mu.Unlock()

		if len(keys) > 0 {
			if err := f.send("subscribe", keys); err != nil {
				logger.Error("Failed to resubscribe", "error", err)
				conn.Close()
				f.markDisconnected()
				continue
			}
		}

		f.readLoop(conn)
		f.markDisconnected()
	}
}

func (f *Feed) markDisconnected() {
	f.mu.Lock()
	f.isConnected = false
	f.conn = nil
	f.mu.Unlock()
}

func (f *Feed) connect() (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(f.ctx, f.url, nil)
	if err != nil {
		return nil, err
	}

	// 僵尸连接检测: PingPeriod + 缓冲时间内没有任何数据(含 Pong)即视为断开
	readTimeout := PingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-f.ctx.Done():
				return
			case <-ticker.C:
				f.writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, []byte{})
				f.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	return conn, nil
}

// FeedMessage is the wire shape of book and trade events.
type FeedMessage struct {
	EventType string          `json:"event_type"` // "book" | "trade"
	Exchange  string          `json:"exchange"`
	Pair      string          `json:"pair"`
	Snapshot  bool            `json:"snapshot,omitempty"`
	Bids      []PriceLevelRaw `json:"bids,omitempty"`
	Asks      []PriceLevelRaw `json:"asks,omitempty"`
	Price     string          `json:"price,omitempty"`
}

type PriceLevelRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type subscribeMessage struct {
	Type    string `json:"type"`
	Markets []Key  `json:"markets"`
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	readTimeout := PingPeriod + 10*time.Second

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				logger.Error("Feed read error", "error", err)
			}
			return
		}

		var msgs []FeedMessage
		if err := json.Unmarshal(message, &msgs); err != nil {
			var single FeedMessage
			if err2 := json.Unmarshal(message, &single); err2 != nil {
				continue
			}
			msgs = []FeedMessage{single}
		}

		for _, m := range msgs {
			f.apply(m)
		}
	}
}

func (f *Feed) apply(msg FeedMessage) {
	key := NewKey(msg.Exchange, msg.Pair)
	f.mu.RLock()
	book, ok := f.books[key]
	f.mu.RUnlock()
	if !ok {
		return
	}

	switch msg.EventType {
	case "book":
		if msg.Snapshot {
			book.Replace(toLevels(msg.Bids, true), toLevels(msg.Asks, false))
			return
		}
		for _, b := range msg.Bids {
			if err := book.Update(Buy, b.Price, b.Size); err != nil {
				logger.Debug("bad bid level", "key", key.String(), "error", err)
			}
		}
		for _, a := range msg.Asks {
			if err := book.Update(Sell, a.Price, a.Size); err != nil {
				logger.Debug("bad ask level", "key", key.String(), "error", err)
			}
		}
	case "trade":
		price, err := parseDecimal(msg.Price)
		if err != nil {
			return
		}
		book.SetLast(price)
	}
}

func (f *Feed) send(kind string, keys []Key) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(subscribeMessage{Type: kind, Markets: keys})
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func toLevels(raw []PriceLevelRaw, descending bool) []Level {
	levels := make([]Level, 0, len(raw))
	for _, r := range raw {
		price, err := parseDecimal(r.Price)
		if err != nil {
			continue
		}
		size, err := parseDecimal(r.Size)
		if err != nil || size.IsZero() {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
