package market

import "strings"

// Key identifies one market on one exchange.
type Key struct {
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`
}

func (k Key) String() string {
	return k.Exchange + ":" + k.Pair
}

// NormalizePair 交易对统一大写, 分隔符保持交易所原样 ("BTC/USDT", "BTC-USDT-SWAP")
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

func NewKey(exchange, pair string) Key {
	return Key{Exchange: strings.TrimSpace(exchange), Pair: NormalizePair(pair)}
}

// Source feeds a book for one key. The cache opens a key once, no matter how
// many runners subscribe, and closes it when the last one leaves.
type Source interface {
	Open(key Key, book *Orderbook) error
	Close(key Key)
}
