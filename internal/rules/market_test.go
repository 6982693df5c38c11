package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krishi/internal/config"
	"krishi/internal/engine"
)

func marketIntent(extra map[string]any) *engine.Intent {
	return &engine.Intent{
		Intent:           "market_advice",
		DecisionTemplate: "sell_or_hold_decision",
		Extra:            extra,
	}
}

func priceFact(prices ...float64) map[string]any {
	history := make([]any, 0, len(prices))
	for _, p := range prices {
		history = append(history, map[string]any{"price": p})
	}
	return map[string]any{"price_history": history}
}

func TestMarketRequiresPriceData(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)

	hr := h.Evaluate(marketIntent(nil), map[string]any{})
	require.Equal(t, engine.ActionRequireMoreInfo, hr.Action)
	assert.Equal(t, []string{engine.ToolPricesFetch}, hr.Missing)

	// Tool present but with no usable points.
	hr = h.Evaluate(marketIntent(nil), map[string]any{
		"prices_fetch": map[string]any{"price_history": []any{
			map[string]any{"price": -5.0},
			map[string]any{"note": "no price here"},
		}},
	})
	require.Equal(t, engine.ActionRequireMoreInfo, hr.Action)
}

func TestMarketHoldsOnRisingLowVolatilityTrend(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	f := map[string]any{"prices_fetch": priceFact(3000, 3150, 3300)}

	hr := h.Evaluate(marketIntent(nil), f)
	require.Len(t, hr.Items, 1)
	item := hr.Items[0]

	assert.Equal(t, "sell_or_hold_decision", hr.Action)
	assert.Equal(t, "hold", item.Name)
	assert.Equal(t, "hold", item.Meta["recommendation"])

	// Slope 150/step predicts 3450 next: a 4.5% expected gain.
	assert.InDelta(t, 150.0, item.Meta["slope"], 1e-9)
	assert.InDelta(t, 3450.0, item.Meta["predicted_price"], 1e-9)
	assert.InDelta(t, 150.0/3300.0, item.Meta["expected_pct_change"], 1e-9)

	vol := item.Meta["volatility"].(float64)
	assert.Less(t, vol, 0.08)

	wantHint := math.Min(0.9, 0.4+0.05*3) * math.Max(0, 1-3*vol)
	assert.InDelta(t, wantHint, *hr.HandlerConfidence, 1e-9)
	assert.Nil(t, hr.Confidence, "trend path confidence comes from the combiner")
}

func TestMarketSellsOnFallingTrend(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	f := map[string]any{"prices_fetch": priceFact(3300, 3150, 3000)}

	hr := h.Evaluate(marketIntent(nil), f)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "sell", hr.Items[0].Name)
}

func TestMarketSortsDatedRecords(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	// Out of order, mixed layouts; sorted they form a rising series.
	f := map[string]any{"prices_fetch": map[string]any{
		"price_history": []any{
			map[string]any{"date": "2025-06-03", "price": 3300.0},
			map[string]any{"date": "01/06/2025", "price": 3000.0},
			map[string]any{"date": "2025-06-02", "price": 3150.0},
		},
	}}

	hr := h.Evaluate(marketIntent(nil), f)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "hold", hr.Items[0].Name)
	assert.InDelta(t, 3450.0, hr.Items[0].Meta["predicted_price"], 1e-9)
}

func TestMarketMandiRecordShape(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	f := map[string]any{"mandi_prices": map[string]any{
		"records": []any{
			map[string]any{"arrival_date": "2025-06-01", "modal_price_rs_per_qtl": 3000.0},
			map[string]any{"arrival_date": "2025-06-02", "modal_price_rs_per_qtl": 3150.0},
			map[string]any{"arrival_date": "2025-06-03", "modal_price_rs_per_qtl": 3300.0},
		},
	}}

	hr := h.Evaluate(marketIntent(nil), f)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "hold", hr.Items[0].Name)
}

func TestMarketStorageCostJustifiesHolding(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	// Mild rise: 0.33% expected gain, under the 3% hold bar but above the
	// storage cost ratio 5/3020.
	f := map[string]any{
		"prices_fetch": priceFact(3000, 3010, 3020),
		"storage_find": map[string]any{
			"facilities": []any{
				map[string]any{"status": "active", "cost_rs_per_qtl_per_month": 5.0},
			},
		},
	}

	hr := h.Evaluate(marketIntent(nil), f)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "hold", hr.Items[0].Name)

	// Without storage the same trend is a sell.
	delete(f, "storage_find")
	hr = h.Evaluate(marketIntent(nil), f)
	assert.Equal(t, "sell", hr.Items[0].Name)
}

func TestMarketDegradedShortHistory(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)

	f := map[string]any{"prices_fetch": priceFact(3000, 3100)}
	hr := h.Evaluate(marketIntent(nil), f)
	assert.Equal(t, "basic_market_recommendation", hr.Action)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "sell_now", hr.Items[0].Name)
	require.NotNil(t, hr.Confidence)
	assert.Equal(t, 0.3, *hr.Confidence, "degraded confidence is final")

	f["storage_find"] = map[string]any{
		"facilities": []any{map[string]any{"status": "operational"}},
	}
	hr = h.Evaluate(marketIntent(nil), f)
	assert.Equal(t, "hold_short_term", hr.Items[0].Name)
	require.NotNil(t, hr.Confidence)
	assert.Equal(t, 0.4, *hr.Confidence)
}

func TestMarketTrendWindowOverride(t *testing.T) {
	h := NewMarket(config.DefaultTunables(), nil)
	// Long falling history with a sharp recent recovery: the narrow window
	// only sees the recovery.
	prices := []float64{4000, 3900, 3800, 3700, 3600, 3000, 3150, 3300}
	f := map[string]any{"prices_fetch": priceFact(prices...)}

	hr := h.Evaluate(marketIntent(map[string]any{"trend_window_days": 3}), f)
	require.Len(t, hr.Items, 1)
	assert.Equal(t, "hold", hr.Items[0].Name)
	assert.Equal(t, 3, hr.Items[0].Meta["n_points"])
}

func TestOLSSlope(t *testing.T) {
	assert.InDelta(t, 150.0, olsSlope([]float64{3000, 3150, 3300}), 1e-9)
	assert.InDelta(t, 0.0, olsSlope([]float64{3000, 3000, 3000}), 1e-9)
	assert.Equal(t, 0.0, olsSlope([]float64{3000}))
}

func TestCoefficientOfVariation(t *testing.T) {
	assert.Equal(t, 0.0, coefficientOfVariation(nil))
	assert.Equal(t, 0.0, coefficientOfVariation([]float64{100, 100, 100}))
	got := coefficientOfVariation([]float64{3000, 3150, 3300})
	assert.InDelta(t, math.Sqrt(15000)/3150, got, 1e-9)
}
