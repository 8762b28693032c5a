package runner

import (
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/shopspring/decimal"
)

type plan struct {
	keep   []exchange.Order
	cancel []exchange.Order
	place  []Quote
}

// within reports whether price is inside tol relative distance of target.
func within(price, target decimal.Decimal, tol float64) bool {
	if !target.IsPositive() {
		return false
	}
	dist := price.Sub(target).Abs().Div(target)
	return dist.LessThanOrEqual(decimal.NewFromFloat(tol))
}

// reconcile 保留与目标价足够接近的挂单, 其余撤单, 未匹配的目标补挂
func reconcile(open []exchange.Order, targets []Quote, tol float64) plan {
	var p plan
	matched := make([]bool, len(targets))
	for _, o := range open {
		hit := -1
		for i, t := range targets {
			if matched[i] || t.Side != o.Side || t.AccountID != o.AccountID {
				continue
			}
			if within(o.Price, t.Price, tol) {
				hit = i
				break
			}
		}
		if hit >= 0 {
			matched[hit] = true
			p.keep = append(p.keep, o)
		} else {
			p.cancel = append(p.cancel, o)
		}
	}
	for i, t := range targets {
		if !matched[i] {
			p.place = append(p.place, t)
		}
	}
	return p
}
