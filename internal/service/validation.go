package service

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

const (
	weightTolerance = 1e-3
	defaultDepth    = 5
	maxDepth        = 50
	maxLeverage     = 125
)

// 控制台允许半角与全角逗号
var csvSep = regexp.MustCompile(`[,，]`)

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := csvSep.Split(raw, -1)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ParseCSVDecimals parses a list of positive decimals such as "100,399,699".
func ParseCSVDecimals(field, raw string) ([]decimal.Decimal, error) {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil, apperrors.Validation(field, "%s is required", field)
	}
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		d, err := decimal.NewFromString(p)
		if err != nil || p == "" {
			return nil, apperrors.Validation(field, "%s: %q is not a number", field, p)
		}
		if !d.IsPositive() {
			return nil, apperrors.Validation(field, "%s: values must be positive", field)
		}
		out = append(out, d)
	}
	return out, nil
}

func ParseCSVFloats(field, raw string) ([]float64, error) {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil, apperrors.Validation(field, "%s is required", field)
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, apperrors.Validation(field, "%s: %q is not a number", field, p)
		}
		out = append(out, f)
	}
	return out, nil
}

func ParseCSVStrings(field, raw string) ([]string, error) {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil, apperrors.Validation(field, "%s is required", field)
	}
	for _, p := range parts {
		if p == "" {
			return nil, apperrors.Validation(field, "%s contains an empty entry", field)
		}
	}
	return parts, nil
}

// ValidateWeights requires non-negative weights summing to 1 within 1e-3.
func ValidateWeights(weights []float64) error {
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return apperrors.Validation("weights", "weights must not be negative")
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return apperrors.Validation("weights", "weights must sum to 1 (got %.6f)", sum)
	}
	return nil
}

func parseQty(req model.StrategyRequest, tiered bool) (model.QtySpec, error) {
	mins, err := ParseCSVDecimals("min_qty_list", req.MinQtyList)
	if err != nil {
		return model.QtySpec{}, err
	}
	maxs, err := ParseCSVDecimals("max_qty_list", req.MaxQtyList)
	if err != nil {
		return model.QtySpec{}, err
	}
	if len(mins) != len(maxs) {
		return model.QtySpec{}, apperrors.Validation("max_qty_list", "min and max quantity lists must have the same length")
	}
	if !tiered && len(mins) != 1 {
		return model.QtySpec{}, apperrors.Validation("min_qty_list", "a single quantity range is required")
	}
	for i := range mins {
		if mins[i].GreaterThan(maxs[i]) {
			return model.QtySpec{}, apperrors.Validation("max_qty_list", "tier %d: min quantity exceeds max quantity", i+1)
		}
	}
	if req.QtyChangePeriod < 0 {
		return model.QtySpec{}, apperrors.Validation("qty_change_period", "qty_change_period must not be negative")
	}
	return model.QtySpec{MinList: mins, MaxList: maxs, ChangePeriodMinutes: req.QtyChangePeriod}, nil
}

func validateVolatility(v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return apperrors.Validation("volatility", "volatility must be within [0, 1]")
	}
	return nil
}

func validatePriceRange(min, max decimal.Decimal) error {
	if !min.IsPositive() {
		return apperrors.Validation("min_maker_price", "min_maker_price must be positive")
	}
	if max.LessThan(min) {
		return apperrors.Validation("max_maker_price", "max_maker_price must not be below min_maker_price")
	}
	return nil
}

// BuildStrategy validates a console request and converts it into the typed
// union. It does not check account references.
func BuildStrategy(req model.StrategyRequest) (*model.Strategy, error) {
	kind := model.StrategyKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !kind.Valid() {
		return nil, apperrors.Validation("kind", "unknown strategy kind %q", req.Kind)
	}
	s := &model.Strategy{
		TaskID:           strings.TrimSpace(req.TaskID),
		Kind:             kind,
		Exchange:         strings.TrimSpace(req.Exchange),
		Pair:             market.NormalizePair(req.Pair),
		TransactionType:  strings.TrimSpace(req.TransactionType),
		Account1ID:       strings.TrimSpace(req.Account1ID),
		Account2ID:       strings.TrimSpace(req.Account2ID),
		MinOrderInterval: req.MinOrderInterval,
		MaxOrderInterval: req.MaxOrderInterval,
	}

	switch {
	case s.Exchange == "":
		return nil, apperrors.Validation("exchange", "exchange is required")
	case s.Pair == "":
		return nil, apperrors.Validation("pair", "pair is required")
	case s.TransactionType == "":
		return nil, apperrors.Validation("transaction_type", "transaction_type is required")
	case s.Account1ID == "":
		return nil, apperrors.Validation("account1_id", "account1_id is required")
	case s.MinOrderInterval < 1:
		return nil, apperrors.Validation("min_order_interval", "min_order_interval must be at least 1 second")
	case s.MaxOrderInterval < s.MinOrderInterval:
		return nil, apperrors.Validation("max_order_interval", "max_order_interval must not be below min_order_interval")
	}

	if kind == model.KindPriceBoundary {
		if s.Account2ID != "" {
			return nil, apperrors.Validation("account2_id", "price boundary strategies use a single account")
		}
	} else if s.Account2ID == "" {
		return nil, apperrors.Validation("account2_id", "account2_id is required")
	}

	var err error
	switch kind {
	case model.KindRandom:
		if err = validatePriceRange(req.MinMakerPrice, req.MaxMakerPrice); err != nil {
			return nil, err
		}
		if err = validateVolatility(req.Volatility); err != nil {
			return nil, err
		}
		if s.Quantity, err = parseQty(req, true); err != nil {
			return nil, err
		}
		s.Random = &model.RandomParams{
			MinMakerPrice: req.MinMakerPrice,
			MaxMakerPrice: req.MaxMakerPrice,
			Volatility:    req.Volatility,
		}

	case model.KindFollow:
		f, err := buildFollow(req)
		if err != nil {
			return nil, err
		}
		if f.FollowTransactionType == "" {
			f.FollowTransactionType = s.TransactionType
		}
		if s.Quantity, err = parseQty(req, true); err != nil {
			return nil, err
		}
		s.Follow = f

	case model.KindOrderBook:
		if err = validateVolatility(req.Volatility); err != nil {
			return nil, err
		}
		depth := req.Depth
		if depth == 0 {
			depth = defaultDepth
		}
		if depth < 1 || depth > maxDepth {
			return nil, apperrors.Validation("depth", "depth must be within [1, %d]", maxDepth)
		}
		if s.Quantity, err = parseQty(req, false); err != nil {
			return nil, err
		}
		s.OrderBook = &model.OrderBookParams{Volatility: req.Volatility, Depth: depth}

	case model.KindPriceBoundary:
		if err = validatePriceRange(req.MinMakerPrice, req.MaxMakerPrice); err != nil {
			return nil, err
		}
		if !req.FloatingValue.IsPositive() {
			return nil, apperrors.Validation("floating_value", "floating_value must be positive")
		}
		if s.Quantity, err = parseQty(req, false); err != nil {
			return nil, err
		}
		s.PriceBoundary = &model.PriceBoundaryParams{
			MinMakerPrice: req.MinMakerPrice,
			MaxMakerPrice: req.MaxMakerPrice,
			FloatingValue: req.FloatingValue,
		}
	}
	return s, nil
}

func buildFollow(req model.StrategyRequest) (*model.FollowParams, error) {
	exchanges, err := ParseCSVStrings("follow_exchanges", req.FollowExchanges)
	if err != nil {
		return nil, err
	}
	pairs, err := ParseCSVStrings("follow_pairs", req.FollowPairs)
	if err != nil {
		return nil, err
	}
	weights, err := ParseCSVFloats("weights", req.Weights)
	if err != nil {
		return nil, err
	}
	// 单个交易所可对应多个交易对
	if len(exchanges) == 1 && len(pairs) > 1 {
		for len(exchanges) < len(pairs) {
			exchanges = append(exchanges, exchanges[0])
		}
	}
	if len(exchanges) != len(pairs) {
		return nil, apperrors.Validation("follow_pairs", "follow_exchanges and follow_pairs must have the same length")
	}
	if len(weights) != len(pairs) {
		return nil, apperrors.Validation("weights", "one weight per follow source is required")
	}
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	if req.FollowChangePeriod < 0 {
		return nil, apperrors.Validation("follow_change_period", "follow_change_period must not be negative")
	}
	sources := make([]model.FollowSource, len(pairs))
	for i := range pairs {
		sources[i] = model.FollowSource{Exchange: exchanges[i], Pair: market.NormalizePair(pairs[i])}
	}
	return &model.FollowParams{
		Sources:               sources,
		Weights:               weights,
		FollowTransactionType: strings.TrimSpace(req.FollowTransactionType),
		ChangePeriodMinutes:   req.FollowChangePeriod,
	}, nil
}

// checkAccountRef enforces that the account trades on the strategy's
// exchange, permits its transaction type and may quote its pair.
func checkAccountRef(field string, acct *model.Account, s *model.Strategy) error {
	if acct.Exchange != s.Exchange {
		return apperrors.Validation(field, "account %s trades on %s, not %s", acct.ID, acct.Exchange, s.Exchange)
	}
	if !acct.Permits(s.TransactionType) {
		return apperrors.Validation(field, "account %s does not permit %s trading", acct.ID, s.TransactionType)
	}
	if !acct.TradesPair(s.Pair) {
		return apperrors.Validation(field, "account %s is not allowed to trade %s", acct.ID, s.Pair)
	}
	return nil
}
