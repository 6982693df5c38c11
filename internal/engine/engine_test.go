package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krishi/internal/config"
)

type stubHandler struct {
	template string
	required []string
	fn       func(in *Intent, f map[string]any) HandlerResult
}

func (s *stubHandler) Template() string        { return s.template }
func (s *stubHandler) RequiredTools() []string { return s.required }
func (s *stubHandler) Evaluate(in *Intent, f map[string]any) HandlerResult {
	return s.fn(in, f)
}

func newTestEngine(t *testing.T, handlers map[string]RuleHandler) *Engine {
	t.Helper()
	reg := NewRegistry()
	for intent, h := range handlers {
		reg.Register(intent, h)
	}
	return New(reg, config.DefaultTunables(), nil)
}

func okHandler() *stubHandler {
	return &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			return HandlerResult{
				Action: "test_template",
				Items: []DecisionItem{
					{Name: "go", Score: 0.8},
				},
				HandlerConfidence: func() *float64 { v := 0.8; return &v }(),
			}
		},
	}
}

func TestProcessDecisionNilPayload(t *testing.T) {
	eng := newTestEngine(t, nil)

	resp := eng.ProcessDecision(context.Background(), nil)
	assert.Equal(t, StatusInvalidInput, resp.Status)
	assert.Zero(t, resp.Confidence)
	assert.NotEmpty(t, resp.Error)
	assert.NotNil(t, resp.Result.Items)
	assert.NotNil(t, resp.Provenance)
	assert.NotNil(t, resp.Missing)
}

func TestProcessDecisionMissingRequiredFields(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent": "x",
		// decision_template absent
	})
	assert.Equal(t, StatusInvalidInput, resp.Status)
	assert.Contains(t, resp.Error, "payload invalid")
}

func TestProcessDecisionUnknownTool(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"tool_calls": []any{
			map[string]any{"tool": "crystal_ball", "output": map[string]any{}},
		},
	})
	assert.Equal(t, StatusInvalidInput, resp.Status)
	assert.Contains(t, resp.Error, "crystal_ball")
}

func TestProcessDecisionHandlerNotFound(t *testing.T) {
	eng := newTestEngine(t, nil)

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "nobody_home",
		"decision_template": "whatever",
	})
	assert.Equal(t, StatusHandlerNotFound, resp.Status)
	assert.Zero(t, resp.Confidence)
	assert.Contains(t, resp.Error, "nobody_home")
}

func TestProcessDecisionComplete(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"request_id":        "req-1",
		"tool_calls": []any{
			map[string]any{"tool": "weather_outlook", "output": map[string]any{"ok": true}},
		},
	})

	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "test_template", resp.Result.Action)
	require.Len(t, resp.Result.Items, 1)
	assert.Greater(t, resp.Confidence, 0.0)
	assert.LessOrEqual(t, resp.Confidence, 1.0)
	assert.Equal(t, resp.Confidence, resp.Result.Confidence)
	assert.NotEmpty(t, resp.DecisionTimestamp)

	require.Len(t, resp.Evidence, 1)
	assert.Equal(t, "weather_outlook", resp.Evidence[0].Tool)

	var steps []string
	for _, s := range resp.AuditTrace {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"validate", "build_facts", "evaluate", "merge_provenance", "combine_confidence"}, steps)
}

func TestProcessDecisionAuditRecordsProvenanceTrust(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"tool_calls": []any{
			map[string]any{"tool": "weather_outlook", "output": map[string]any{
				"source_id":   "imd",
				"source_type": "government",
			}},
		},
	})

	require.NotEmpty(t, resp.Provenance)
	var detail string
	for _, s := range resp.AuditTrace {
		if s.Step == "merge_provenance" {
			detail = s.Detail
		}
	}
	assert.Contains(t, detail, "1 entries")
	assert.Contains(t, detail, "mean trust 1.00")
}

func TestProcessDecisionGeneratesRequestID(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})
	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
	})
	assert.NotEmpty(t, resp.RequestID)
}

func TestProcessDecisionExplicitFactsWin(t *testing.T) {
	var seen map[string]any
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			seen = f
			return HandlerResult{Action: "test_template", Items: []DecisionItem{}}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"tool_calls": []any{
			map[string]any{"tool": "weather_outlook", "output": map[string]any{"from": "tool"}},
		},
		"facts": map[string]any{
			"weather_outlook": map[string]any{"from": "explicit"},
		},
	})

	require.NotNil(t, seen)
	weather, ok := seen["weather_outlook"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "explicit", weather["from"])
}

func TestProcessDecisionLaterToolCallsWin(t *testing.T) {
	var seen map[string]any
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			seen = f
			return HandlerResult{Action: "test_template"}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"tool_calls": []any{
			map[string]any{"tool": "weather_outlook", "output": map[string]any{"version": "stale"}},
			map[string]any{"tool": "weather_outlook", "output": map[string]any{"version": "fresh"}},
		},
	})

	weather, ok := seen["weather_outlook"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fresh", weather["version"])
}

func TestProcessDecisionRecoversHandlerPanic(t *testing.T) {
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			panic("rule bug")
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
	})

	assert.Equal(t, StatusIncomplete, resp.Status)
	assert.Zero(t, resp.Confidence)
	assert.Contains(t, resp.Result.Notes, "rule bug")
	assert.NotNil(t, resp.Result.Items)
}

func TestProcessDecisionExplicitHandlerConfidenceIsFinal(t *testing.T) {
	pinned := 0.42
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			return HandlerResult{
				Action:     "require_more_info",
				Confidence: &pinned,
				Missing:    []string{"soil_moisture"},
			}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
	})

	assert.Equal(t, StatusComplete, resp.Status, "require_more_info is a handler action, not an engine failure")
	assert.Equal(t, 0.42, resp.Confidence)
	assert.Equal(t, []string{"soil_moisture"}, resp.Missing)
}

func TestProcessDecisionDeterministic(t *testing.T) {
	eng := newTestEngine(t, map[string]RuleHandler{"x": okHandler()})
	payload := map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"request_id":        "det-1",
		"tool_calls": []any{
			map[string]any{"tool": "prices_fetch", "output": map[string]any{"confidence": 0.9}},
			map[string]any{"tool": "weather_outlook", "output": map[string]any{"confidence": 0.7}},
		},
	}

	first := eng.ProcessDecision(context.Background(), payload)
	for i := 0; i < 10; i++ {
		again := eng.ProcessDecision(context.Background(), payload)
		assert.Equal(t, first.Status, again.Status)
		assert.Equal(t, first.Confidence, again.Confidence)
		assert.Equal(t, first.Provenance, again.Provenance)
		assert.Equal(t, first.Evidence, again.Evidence)
	}
}

func TestProcessDecisionAliasToolsNotPenalized(t *testing.T) {
	h := &stubHandler{
		template: "test_template",
		required: []string{ToolPricesFetch},
		fn: func(in *Intent, f map[string]any) HandlerResult {
			return HandlerResult{
				Action: "test_template",
				Items:  []DecisionItem{{Name: "hold", Score: 0.8}},
			}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	decide := func(tool string) *DecisionResponse {
		return eng.ProcessDecision(context.Background(), map[string]any{
			"intent":            "x",
			"decision_template": "test_template",
			"tool_calls": []any{
				map[string]any{"tool": tool, "output": map[string]any{
					"price_history": []any{
						map[string]any{"price": 3000},
						map[string]any{"price": 3150},
						map[string]any{"price": 3300},
					},
				}},
			},
		})
	}

	canonical := decide("prices_fetch")
	aliased := decide("mandi_prices")

	require.Equal(t, StatusComplete, canonical.Status)
	require.Equal(t, StatusComplete, aliased.Status)
	// Identical data under a legacy tool name must score identically; the
	// alias must not count as a missing required tool.
	assert.Equal(t, canonical.Confidence, aliased.Confidence)
	assert.Greater(t, aliased.Confidence, 0.5)
}

func TestResolveRequiredTools(t *testing.T) {
	f := map[string]any{
		"mandi_prices": map[string]any{},
		"storage_find": map[string]any{},
	}
	got := resolveRequiredTools([]string{ToolPricesFetch, ToolStorageFind, ToolWeatherOutlook}, f)
	assert.Equal(t, []string{"mandi_prices", "storage_find", "weather_outlook"}, got)
}

func TestProcessDecisionItemNormalization(t *testing.T) {
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			return HandlerResult{
				Action: "test_template",
				Items: []DecisionItem{
					{Name: "overdriven", Score: 3.2},
					{Name: "negative", Score: -1},
				},
			}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	resp := eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
	})

	require.Len(t, resp.Result.Items, 2)
	assert.Equal(t, 1.0, resp.Result.Items[0].Score)
	assert.Equal(t, 0.0, resp.Result.Items[1].Score)
	for _, item := range resp.Result.Items {
		assert.NotNil(t, item.Reasons)
		assert.NotNil(t, item.Tradeoffs)
	}
}

func TestIntentExtraCarriesUnknownKeys(t *testing.T) {
	var got *Intent
	h := &stubHandler{
		template: "test_template",
		fn: func(in *Intent, f map[string]any) HandlerResult {
			got = in
			return HandlerResult{Action: "test_template"}
		},
	}
	eng := newTestEngine(t, map[string]RuleHandler{"x": h})

	eng.ProcessDecision(context.Background(), map[string]any{
		"intent":            "x",
		"decision_template": "test_template",
		"crop":              "wheat",
		"days_to_harvest":   12,
	})

	require.NotNil(t, got)
	crop, ok := got.StringOpt("crop")
	assert.True(t, ok)
	assert.Equal(t, "wheat", crop)
	dth, ok := got.FloatOpt("days_to_harvest")
	assert.True(t, ok)
	assert.Equal(t, 12.0, dth)
	if _, known := got.Extra["intent"]; known {
		t.Fatal("known payload keys must not leak into Extra")
	}
}

func TestRegistryIntentsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, intent := range []string{"zeta", "alpha", "mid"} {
		reg.Register(intent, okHandler())
	}
	got := reg.Intents()
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, got)
	assert.True(t, sortedStrings(got))
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if strings.Compare(s[i-1], s[i]) > 0 {
			return false
		}
	}
	return true
}
