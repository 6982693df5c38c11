package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"krishi/internal/config"
	"krishi/internal/facts"
	"krishi/internal/logging"
	"krishi/internal/observability"
)

// intentKnownKeys are the payload keys decoded into the Intent struct;
// everything else lands in Intent.Extra for handlers to consult.
var intentKnownKeys = map[string]struct{}{
	"intent":            {},
	"decision_template": {},
	"tool_calls":        {},
	"facts":             {},
	"missing":           {},
	"request_id":        {},
}

// Engine is the decision orchestrator.
type Engine struct {
	registry *Registry
	cfg      config.Tunables
	logger   logging.Logger
	validate *validator.Validate
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
}

// New creates an engine over a handler registry.
func New(registry *Registry, cfg config.Tunables, logger logging.Logger) *Engine {
	noopTracer, _ := observability.NewTracerProvider(observability.TracingConfig{})
	return &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		validate: validator.New(),
		tracer:   noopTracer,
	}
}

// WithMetrics attaches a metrics collector.
func (e *Engine) WithMetrics(m *observability.MetricsCollector) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithTracing attaches a tracer provider.
func (e *Engine) WithTracing(tp *observability.TracerProvider) *Engine {
	if tp != nil {
		e.tracer = tp
	}
	return e
}

// Registry exposes the handler registry (used by the HTTP surface to list
// supported intents).
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ProcessDecision runs one decision computation over a raw intent payload.
// It never returns an error and never panics: every failure path maps to a
// typed status on the response envelope.
func (e *Engine) ProcessDecision(ctx context.Context, payload map[string]any) *DecisionResponse {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.IncrementInflight(ctx)
		defer e.metrics.DecrementInflight(ctx)
	}

	in, rawToolCalls, verr := e.decodeIntent(payload)
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanDecisionProcess,
		observability.IntentAttrs(in.Intent, in.DecisionTemplate)...)
	defer span.End()

	resp := e.newEnvelope(in)
	finish := func(status string, confidence float64) *DecisionResponse {
		resp.Status = status
		resp.Confidence = confidence
		resp.Result.Confidence = confidence
		span.SetAttributes(observability.StatusAttrs(status)...)
		span.SetAttributes(attribute.Float64(observability.AttrConfidence, confidence))
		if e.metrics != nil {
			e.metrics.RecordDecision(ctx, in.Intent, status, confidence, time.Since(start))
		}
		return resp
	}

	if verr != nil {
		e.logger.Warn("invalid intent payload: %v", verr)
		resp.Error = verr.Error()
		resp.AuditTrace = append(resp.AuditTrace, AuditStep{Step: "validate", Detail: verr.Error()})
		span.SetAttributes(observability.ErrorAttrs(verr)...)
		return finish(StatusInvalidInput, 0)
	}
	span.SetAttributes(attribute.String(observability.AttrRequestID, in.RequestID))
	resp.AuditTrace = append(resp.AuditTrace, AuditStep{Step: "validate"})

	handler := e.registry.Get(in.Intent)
	if handler == nil {
		err := fmt.Errorf("no handler registered for intent %q", in.Intent)
		e.logger.Warn("%v", err)
		resp.Error = err.Error()
		resp.AuditTrace = append(resp.AuditTrace, AuditStep{Step: "dispatch", Detail: "handler not found"})
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return finish(StatusHandlerNotFound, 0)
	}

	_, factsSpan := e.tracer.StartSpan(ctx, observability.SpanFactsBuild)
	f := facts.Overlay(facts.Build(rawToolCalls, e.logger), in.Facts)
	factsSpan.SetAttributes(attribute.Int(observability.AttrFactCount, len(f)))
	factsSpan.End()
	if e.metrics != nil {
		e.metrics.RecordFacts(ctx, in.Intent, len(f))
	}
	span.SetAttributes(attribute.Int(observability.AttrFactCount, len(f)))
	resp.Evidence = buildEvidence(f)
	resp.AuditTrace = append(resp.AuditTrace,
		AuditStep{Step: "build_facts", Detail: fmt.Sprintf("%d facts", len(f))})

	hr, panicked := e.evaluate(ctx, handler, in, f)
	resp.AuditTrace = append(resp.AuditTrace,
		AuditStep{Step: "evaluate", Detail: handler.Template()})

	resp.Result.Action = hr.Action
	resp.Result.Items = normalizeItems(hr.Items)
	resp.Result.Notes = hr.Notes
	if hr.Missing != nil {
		resp.Missing = hr.Missing
	}

	resp.Provenance = facts.Merge(hr.Provenance, f, e.cfg.SourceTypeWeights)
	provenanceDetail := fmt.Sprintf("%d entries", len(resp.Provenance))
	if len(resp.Provenance) > 0 {
		provenanceDetail = fmt.Sprintf("%d entries, mean trust %.2f",
			len(resp.Provenance), facts.MeanWeight(resp.Provenance, e.cfg.SourceTypeWeights))
	}
	resp.AuditTrace = append(resp.AuditTrace,
		AuditStep{Step: "merge_provenance", Detail: provenanceDetail})

	confidence := e.combineConfidence(hr, resp.Result.Items, f, resolveRequiredTools(handler.RequiredTools(), f), len(resp.Provenance) > 0)
	resp.AuditTrace = append(resp.AuditTrace,
		AuditStep{Step: "combine_confidence", Detail: fmt.Sprintf("%.3f", confidence)})

	span.SetAttributes(attribute.String(observability.AttrAction, hr.Action))
	if panicked {
		return finish(StatusIncomplete, 0)
	}
	return finish(StatusComplete, confidence)
}

// decodeIntent validates the raw payload into an Intent. The raw tool_calls
// list is returned separately so the fact normalizer can keep entries the
// strict decode would flatten.
func (e *Engine) decodeIntent(payload map[string]any) (*Intent, []any, error) {
	in := &Intent{}
	if payload == nil {
		return in, nil, fmt.Errorf("payload is empty")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return in, nil, fmt.Errorf("payload not encodable: %w", err)
	}
	if err := json.Unmarshal(encoded, in); err != nil {
		return in, nil, fmt.Errorf("payload malformed: %w", err)
	}
	if err := e.validate.Struct(in); err != nil {
		return in, nil, fmt.Errorf("payload invalid: %w", err)
	}
	for _, tc := range in.ToolCalls {
		if tc.Tool == "" {
			continue // normalizer assigns a positional name
		}
		if _, ok := KnownTools[tc.Tool]; !ok {
			return in, nil, fmt.Errorf("unknown tool %q", tc.Tool)
		}
	}

	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	in.Extra = make(map[string]any)
	for k, v := range payload {
		if _, known := intentKnownKeys[k]; !known {
			in.Extra[k] = v
		}
	}

	rawToolCalls, _ := payload["tool_calls"].([]any)
	return in, rawToolCalls, nil
}

// evaluate invokes the handler under a recover so a buggy rule can never
// take the engine down.
func (e *Engine) evaluate(ctx context.Context, handler RuleHandler, in *Intent, f map[string]any) (hr HandlerResult, panicked bool) {
	_, span := e.tracer.StartSpan(ctx, observability.SpanHandlerEvaluate,
		attribute.String(observability.AttrIntent, in.Intent))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler for intent %q panicked: %v", in.Intent, r)
			zero := 0.0
			hr = HandlerResult{
				Action:     handler.Template(),
				Items:      []DecisionItem{},
				Confidence: &zero,
				Notes:      fmt.Sprintf("handler error: %v", r),
			}
			panicked = true
		}
	}()

	hr = handler.Evaluate(in, f)
	return hr, false
}

// combineConfidence computes the final confidence. An explicit handler
// confidence is final; otherwise the combiner output is blended with the
// handler's heuristic hint, the combiner favored when provenance exists.
// Per-handler confidences aggregate with a probabilistic OR, which with one
// handler per intent reduces to the single value.
func (e *Engine) combineConfidence(hr HandlerResult, items []DecisionItem, f map[string]any, required []string, hasProvenance bool) float64 {
	if hr.Confidence != nil {
		return facts.Clamp01(*hr.Confidence)
	}

	sig := facts.Signals{
		HandlerConfidence: hr.HandlerConfidence,
		NItems:            len(items),
	}
	if len(items) > 0 {
		var sum float64
		for _, item := range items {
			sum += item.Score
		}
		mean := sum / float64(len(items))
		sig.ItemsMeanScore = &mean
	}
	combined := facts.Combine(sig, f, required, e.cfg.Confidence)

	var final float64
	if hr.HandlerConfidence != nil {
		share := e.cfg.BlendWithoutProvenance
		if hasProvenance {
			share = e.cfg.BlendWithProvenance
		}
		final = facts.Blend(share, combined, *hr.HandlerConfidence)
	} else {
		final = combined
	}

	return facts.ProbOr([]float64{final})
}

// resolveRequiredTools maps each required canonical tool name onto the key
// its facts actually arrived under, so payloads using legacy aliases are
// not penalized as missing. A tool with no facts under any accepted key
// stays canonical and counts as missing.
func resolveRequiredTools(required []string, f map[string]any) []string {
	resolved := make([]string, 0, len(required))
	for _, tool := range required {
		key := tool
		if _, ok := f[tool]; !ok {
			for _, alias := range ToolAliases[tool] {
				if _, ok := f[alias]; ok {
					key = alias
					break
				}
			}
		}
		resolved = append(resolved, key)
	}
	return resolved
}

func (e *Engine) newEnvelope(in *Intent) *DecisionResponse {
	return &DecisionResponse{
		RequestID:         in.RequestID,
		Intent:            in.Intent,
		DecisionTemplate:  in.DecisionTemplate,
		DecisionTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Result: DecisionResult{
			Items: []DecisionItem{},
		},
		Provenance: []facts.Entry{},
		Evidence:   []EvidenceItem{},
		AuditTrace: []AuditStep{},
		Missing:    []string{},
	}
}

func buildEvidence(f map[string]any) []EvidenceItem {
	tools := make([]string, 0, len(f))
	for tool := range f {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	evidence := make([]EvidenceItem, 0, len(tools))
	for _, tool := range tools {
		count := 1
		if m, ok := facts.AsMap(f[tool]); ok {
			count = len(m)
		}
		evidence = append(evidence, EvidenceItem{Tool: tool, Facts: count})
	}
	return evidence
}

// normalizeItems clamps scores and replaces nil slices so the envelope
// always serializes lists and numeric defaults.
func normalizeItems(items []DecisionItem) []DecisionItem {
	if items == nil {
		return []DecisionItem{}
	}
	for i := range items {
		items[i].Score = facts.Clamp01(items[i].Score)
		if items[i].Reasons == nil {
			items[i].Reasons = []string{}
		}
		if items[i].Tradeoffs == nil {
			items[i].Tradeoffs = []string{}
		}
	}
	return items
}
