// Package engine hosts the decision orchestrator: it validates an intent
// payload, normalizes tool outputs into facts, dispatches the matching rule
// handler and assembles the typed response envelope.
package engine

import (
	"github.com/spf13/cast"

	"krishi/internal/facts"
)

// Engine-level statuses.
const (
	StatusComplete        = "complete"
	StatusIncomplete      = "incomplete"
	StatusInvalidInput    = "invalid_input"
	StatusHandlerNotFound = "handler_not_found"
)

// ActionRequireMoreInfo is the handler-level outcome when required facts
// are absent. The engine status stays "complete" in that case.
const ActionRequireMoreInfo = "require_more_info"

// Canonical tool names.
const (
	ToolWeatherOutlook  = "weather_outlook"
	ToolPricesFetch     = "prices_fetch"
	ToolCalendarLookup  = "calendar_lookup"
	ToolVarietyLookup   = "variety_lookup"
	ToolPesticideLookup = "pesticide_lookup"
	ToolPolicyMatch     = "policy_match"
	ToolStorageFind     = "storage_find"
	ToolRAGSearch       = "rag_search"
	ToolWebSearch       = "web_search"
)

// KnownTools is the accepted tool-name enum, canonical names plus the
// legacy aliases older planners still emit.
var KnownTools = map[string]struct{}{
	ToolWeatherOutlook:  {},
	ToolPricesFetch:     {},
	ToolCalendarLookup:  {},
	ToolVarietyLookup:   {},
	ToolPesticideLookup: {},
	ToolPolicyMatch:     {},
	ToolStorageFind:     {},
	ToolRAGSearch:       {},
	ToolWebSearch:       {},
	"crop_calendar":     {},
	"soil_profile":      {},
	"mandi_prices":      {},
	"soil":              {},
	"soil_sample":       {},
	"soil_moisture":     {},
	"prices":            {},
	"storage":           {},
	"rag":               {},
}

// ToolAliases maps each canonical tool name to the legacy fact keys the
// handlers resolve through. A required tool counts as present when its
// facts arrive under any of these keys.
var ToolAliases = map[string][]string{
	ToolWeatherOutlook: {"weather", "forecast"},
	ToolPricesFetch:    {"mandi_prices", "prices"},
	ToolCalendarLookup: {"crop_calendar", "regional_crop_info"},
	ToolStorageFind:    {"storage"},
	ToolRAGSearch:      {"rag"},
}

// ToolCall is one resolved upstream fetch, consumed once by the fact
// normalizer and never mutated afterward.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Output any            `json:"output,omitempty"`
}

// Intent is the validated input for one decision computation.
type Intent struct {
	Intent           string         `json:"intent" validate:"required"`
	DecisionTemplate string         `json:"decision_template" validate:"required"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	Facts            map[string]any `json:"facts,omitempty"`
	Missing          []string       `json:"missing,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`

	// Extra carries unrecognized payload keys (crop, pest, crop_stage,
	// days_to_harvest, top_n, ...) that individual handlers may consult.
	Extra map[string]any `json:"-"`
}

// StringOpt returns the first non-empty string among the named extra keys.
func (in *Intent) StringOpt(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := in.Extra[key]; ok {
			if s, err := cast.ToStringE(v); err == nil && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// FloatOpt returns the first coercible numeric among the named extra keys.
func (in *Intent) FloatOpt(keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := in.Extra[key]; ok {
			if f, err := cast.ToFloat64E(v); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// IntOpt returns the first coercible integer among the named extra keys.
func (in *Intent) IntOpt(keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := in.Extra[key]; ok {
			if n, err := cast.ToIntE(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// DecisionItem is one ranked candidate in a result.
type DecisionItem struct {
	Name      string         `json:"name"`
	Score     float64        `json:"score"`
	Reasons   []string       `json:"reasons"`
	Tradeoffs []string       `json:"tradeoffs"`
	Meta      map[string]any `json:"meta,omitempty"`
	Sources   []facts.Entry  `json:"sources,omitempty"`
}

// HandlerResult is the raw outcome of one rule handler evaluation.
//
// Confidence, when set, is final (require_more_info and degraded paths).
// HandlerConfidence is only a hint; the orchestrator computes the final
// confidence through the combiner and blends the hint in.
type HandlerResult struct {
	Action            string
	Items             []DecisionItem
	HandlerConfidence *float64
	Confidence        *float64
	Notes             string
	Missing           []string
	Provenance        []facts.Entry
}

// RuleHandler is one deterministic decision procedure over facts.
type RuleHandler interface {
	// Template names the decision template this handler produces.
	Template() string
	// RequiredTools lists the canonical tool names the full procedure
	// needs; used for the completeness share of the confidence score.
	RequiredTools() []string
	// Evaluate runs the procedure. It must be pure and must not panic on
	// malformed facts; the orchestrator still guards with a recover.
	Evaluate(intent *Intent, f map[string]any) HandlerResult
}

// DecisionResult is the result block of the response envelope.
type DecisionResult struct {
	Action     string         `json:"action"`
	Items      []DecisionItem `json:"items"`
	Confidence float64        `json:"confidence"`
	Notes      string         `json:"notes"`
}

// EvidenceItem summarizes one tool's contribution to the fact map.
type EvidenceItem struct {
	Tool  string `json:"tool"`
	Facts int    `json:"facts"`
}

// AuditStep records one orchestration stage for traceability.
type AuditStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// DecisionResponse is the final output envelope, constructed fresh per
// request and never persisted.
type DecisionResponse struct {
	RequestID         string         `json:"request_id"`
	Intent            string         `json:"intent"`
	DecisionTemplate  string         `json:"decision_template"`
	DecisionTimestamp string         `json:"decision_timestamp"`
	Status            string         `json:"status"`
	Result            DecisionResult `json:"result"`
	Provenance        []facts.Entry  `json:"provenance"`
	Evidence          []EvidenceItem `json:"evidence"`
	AuditTrace        []AuditStep    `json:"audit_trace"`
	Confidence        float64        `json:"confidence"`
	Missing           []string       `json:"missing"`
	TraceID           string         `json:"trace_id,omitempty"`
	Error             string         `json:"error,omitempty"`
}
