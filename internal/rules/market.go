package rules

import (
	"fmt"
	"math"
	"sort"
	"time"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/facts"
	"krishi/internal/logging"
)

// Market recommends selling or holding produce from a price-history trend
// fit, with a storage-aware degraded path when the history is short.
type Market struct {
	cfg config.Tunables
	log logging.Logger
}

func NewMarket(cfg config.Tunables, log logging.Logger) *Market {
	return &Market{cfg: cfg, log: logging.OrNop(log)}
}

func (h *Market) Template() string {
	return "sell_or_hold_decision"
}

func (h *Market) RequiredTools() []string {
	return []string{engine.ToolPricesFetch}
}

type pricePoint struct {
	date  time.Time
	dated bool
	price float64
}

var priceDateLayouts = []string{"2006-01-02", time.RFC3339, "02/01/2006"}

func parsePriceDate(s string) (time.Time, bool) {
	for _, layout := range priceDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parsePricePoints accepts both supported price shapes: a price_history
// list of {date, price} records, or a flat list of mandi records with
// arrival_date/modal_price fields. Records without a usable price are
// skipped.
func (h *Market) parsePricePoints(data map[string]any) []pricePoint {
	records, ok := facts.SliceAt(data, "price_history")
	if !ok {
		records, ok = facts.SliceAt(data, "value", "records", "items", "series", "results")
	}
	if !ok {
		return nil
	}

	points := make([]pricePoint, 0, len(records))
	allDated := true
	for _, raw := range records {
		rec, ok := facts.AsMap(raw)
		if !ok {
			continue
		}
		price, ok := facts.FloatAt(rec, "price", "modal_price_rs_per_qtl", "modal_price")
		if !ok || price <= 0 {
			h.log.Debug("skipping price record without a usable price")
			continue
		}
		p := pricePoint{price: price}
		if s, ok := facts.StringAt(rec, "date", "arrival_date"); ok {
			if t, ok := parsePriceDate(s); ok {
				p.date = t
				p.dated = true
			}
		}
		if !p.dated {
			allDated = false
		}
		points = append(points, p)
	}

	// Only reorder when every point is dated; mixed records keep the
	// upstream order.
	if allDated && len(points) > 1 {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].date.Before(points[j].date)
		})
	}
	return points
}

func (h *Market) Evaluate(in *engine.Intent, f map[string]any) engine.HandlerResult {
	data, _, ok := facts.Lookup(f, engine.ToolPricesFetch, "mandi_prices", "prices")
	if !ok {
		return requireMoreInfo([]string{engine.ToolPricesFetch}, "no price data available")
	}

	points := h.parsePricePoints(data)
	if len(points) == 0 {
		return requireMoreInfo([]string{engine.ToolPricesFetch}, "price data present but no usable price points")
	}

	if len(points) < h.cfg.MinPricePoints {
		return h.basicRecommendation(points, f)
	}

	window := h.cfg.TrendWindowDays
	if v, ok := in.IntOpt("trend_window_days"); ok && v > 0 {
		window = v
	}
	if len(points) > window {
		points = points[len(points)-window:]
	}

	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.price
	}
	last := prices[len(prices)-1]
	slope := olsSlope(prices)
	predicted := last + slope
	expectedPct := (predicted - last) / last
	volatility := coefficientOfVariation(prices)

	decision := "sell"
	reasons := []string{
		fmt.Sprintf("trend slope %.2f over the last %d points predicts %.2f next (%.1f%% change)",
			slope, len(prices), predicted, expectedPct*100),
		fmt.Sprintf("price volatility %.3f against a %.3f ceiling", volatility, h.cfg.VolatilityCeiling),
	}
	tradeoffs := []string{}

	switch {
	case expectedPct >= h.cfg.HoldExpectedGainPct && volatility <= h.cfg.VolatilityCeiling:
		decision = "hold"
		reasons = append(reasons, fmt.Sprintf("expected gain %.1f%% clears the %.1f%% hold threshold",
			expectedPct*100, h.cfg.HoldExpectedGainPct*100))
		tradeoffs = append(tradeoffs, "holding risks an unexpected price drop")
	default:
		if cost, ok := h.storageCost(f); ok && volatility <= h.cfg.VolatilityCeiling && expectedPct > cost/last {
			decision = "hold"
			reasons = append(reasons, fmt.Sprintf("expected gain outruns the storage cost ratio %.3f", cost/last))
			tradeoffs = append(tradeoffs, "storage cost eats into the expected gain")
		} else {
			reasons = append(reasons, "expected gain does not justify holding")
			tradeoffs = append(tradeoffs, "selling now forgoes a possible late rally")
		}
	}

	base := math.Min(0.9, 0.4+0.05*float64(len(prices)))
	factor := math.Max(0, 1-3*volatility)
	hint := facts.Clamp01(base * factor)

	item := engine.DecisionItem{
		Name:      decision,
		Score:     hint,
		Reasons:   reasons,
		Tradeoffs: tradeoffs,
		Meta: map[string]any{
			"recommendation":      decision,
			"last_price":          last,
			"predicted_price":     predicted,
			"expected_pct_change": expectedPct,
			"volatility":          volatility,
			"slope":               slope,
			"n_points":            len(prices),
		},
	}

	return engine.HandlerResult{
		Action:            h.Template(),
		Items:             []engine.DecisionItem{item},
		HandlerConfidence: ptr(hint),
		Notes:             fmt.Sprintf("recommendation: %s", decision),
	}
}

// basicRecommendation is the degraded path for short price histories: the
// latest price plus storage availability decide between a short hold and
// an immediate sale.
func (h *Market) basicRecommendation(points []pricePoint, f map[string]any) engine.HandlerResult {
	last := points[len(points)-1].price

	decision := "sell_now"
	confidence := 0.3
	reasons := []string{
		fmt.Sprintf("only %d price point(s) available, below the %d needed for a trend fit", len(points), h.cfg.MinPricePoints),
	}
	if storageAvailable(f) {
		decision = "hold_short_term"
		confidence = 0.4
		reasons = append(reasons, "active storage facility available nearby")
	} else {
		reasons = append(reasons, "no active storage facility reported")
	}

	item := engine.DecisionItem{
		Name:    decision,
		Score:   confidence,
		Reasons: reasons,
		Tradeoffs: []string{
			"recommendation based on a single latest price, not a trend",
		},
		Meta: map[string]any{
			"recommendation": decision,
			"last_price":     last,
			"n_points":       len(points),
		},
	}

	return engine.HandlerResult{
		Action:     "basic_market_recommendation",
		Items:      []engine.DecisionItem{item},
		Confidence: ptr(confidence),
		Notes:      "insufficient price history for a trend-based decision",
	}
}

// storageCost finds a per-quintal storage cost in the storage facts.
func (h *Market) storageCost(f map[string]any) (float64, bool) {
	for _, fac := range storageFacilities(f) {
		if v, ok := facts.FloatAt(fac, "cost_rs_per_qtl_per_month", "cost_per_qtl", "storage_cost"); ok && v > 0 {
			return v, true
		}
	}
	data, _, ok := facts.Lookup(f, engine.ToolStorageFind, "storage")
	if ok {
		if v, ok := facts.FloatAt(data, "storage_cost", "cost_per_qtl"); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}

// olsSlope fits ordinary least squares on index vs price and returns the
// per-step slope.
func olsSlope(prices []float64) float64 {
	n := float64(len(prices))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range prices {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// coefficientOfVariation is the population standard deviation over the
// mean; 0 for a degenerate series.
func coefficientOfVariation(prices []float64) float64 {
	n := float64(len(prices))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / n
	if mean == 0 {
		return 0
	}
	var ss float64
	for _, p := range prices {
		d := p - mean
		ss += d * d
	}
	return math.Sqrt(ss/n) / mean
}
