// Package rules implements the deterministic decision procedures, one
// handler per decision template. Handlers are pure functions over the fact
// map; every upstream value is treated as optionally present and
// optionally well-shaped.
package rules

import (
	"strings"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/facts"
	"krishi/internal/logging"
)

// RegisterAll binds the five built-in handlers to their intent names.
func RegisterAll(reg *engine.Registry, cfg config.Tunables, logger logging.Logger) {
	logger = logging.OrNop(logger)
	reg.Register("irrigation_decision", NewIrrigation(cfg, logger))
	reg.Register("temperature_risk", NewTemperature(cfg, logger))
	reg.Register("market_advice", NewMarket(cfg, logger))
	reg.Register("pesticide_advice", NewPesticide(cfg, logger))
	reg.Register("variety_selection", NewVariety(cfg, logger))
}

// requireMoreInfo builds the uniform insufficient-facts outcome.
func requireMoreInfo(missing []string, notes string) engine.HandlerResult {
	zero := 0.0
	return engine.HandlerResult{
		Action:     engine.ActionRequireMoreInfo,
		Items:      []engine.DecisionItem{},
		Confidence: &zero,
		Notes:      notes,
		Missing:    missing,
	}
}

func ptr(v float64) *float64 {
	return &v
}

// norm lowercases and trims a label for fuzzy matching.
func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// labelMatch reports whether two labels refer to the same thing, by
// case-insensitive containment either way.
func labelMatch(a, b string) bool {
	a, b = norm(a), norm(b)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// tolScore maps a tolerance field (textual level or numeric) to [0, 1].
func tolScore(v any) (float64, bool) {
	if f, ok := facts.Float(v); ok {
		if f > 1 {
			f /= 100 // percentage scale
		}
		return facts.Clamp01(f), true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	switch norm(s) {
	case "high", "tolerant", "resistant", "good", "excellent":
		return 1.0, true
	case "medium", "moderate", "average":
		return 0.6, true
	case "low", "poor", "susceptible", "sensitive":
		return 0.2, true
	default:
		return 0, false
	}
}

// stringList flattens a list fact into its string elements.
func stringList(v any) []string {
	items, ok := facts.AsSlice(v)
	if !ok {
		if s, sok := v.(string); sok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// calendarCrops returns the crop entries from a calendar fact.
func calendarCrops(calendar map[string]any) []map[string]any {
	raw, ok := facts.SliceAt(calendar, "crops")
	if !ok {
		return nil
	}
	crops := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := facts.AsMap(entry); ok {
			crops = append(crops, m)
		}
	}
	return crops
}

// cropStage resolves the current crop growth stage, preferring the intent
// over the calendar fact.
func cropStage(in *engine.Intent, calendar map[string]any) (string, bool) {
	if s, ok := in.StringOpt("crop_stage", "growth_stage", "stage"); ok {
		return s, true
	}
	if calendar != nil {
		if s, ok := facts.StringAt(calendar, "current_stage", "crop_stage", "stage"); ok {
			return s, true
		}
	}
	return "", false
}

// soilMoisture finds a soil-moisture percentage anywhere in the soil-ish
// facts, auto-detecting the 0-1 fraction scale.
func soilMoisture(f map[string]any) (float64, bool) {
	for _, tool := range []string{"soil", "soil_moisture", "soil_sample", "soil_profile"} {
		data, ok := facts.AsMap(f[tool])
		if !ok {
			continue
		}
		v, ok := facts.FloatAt(data, "moisture_pct", "soil_moisture_pct", "moisture", "value")
		if !ok {
			continue
		}
		if v < 0 {
			continue
		}
		if v <= 1.0 {
			v *= 100
		}
		return v, true
	}
	return 0, false
}

// ragPests collects pest names reported by search facts.
func ragPests(f map[string]any) []string {
	var pests []string
	for _, tool := range []string{engine.ToolRAGSearch, engine.ToolWebSearch, "rag"} {
		data, ok := facts.AsMap(f[tool])
		if !ok {
			continue
		}
		items, ok := facts.SliceAt(data, "passages", "results")
		if !ok {
			continue
		}
		for _, raw := range items {
			item, ok := facts.AsMap(raw)
			if !ok {
				continue
			}
			if p, ok := facts.StringAt(item, "pest", "pest_name"); ok {
				pests = append(pests, p)
			}
			if v, ok := item["pests"]; ok {
				pests = append(pests, stringList(v)...)
			}
		}
	}
	return pests
}

// storageFacilities returns the facility entries from a storage fact.
func storageFacilities(f map[string]any) []map[string]any {
	data, _, ok := facts.Lookup(f, engine.ToolStorageFind, "storage")
	if !ok {
		return nil
	}
	raw, ok := facts.SliceAt(data, "facilities", "results", "value")
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := facts.AsMap(entry); ok {
			out = append(out, m)
		}
	}
	return out
}

// storageAvailable reports whether any active storage facility was found.
func storageAvailable(f map[string]any) bool {
	for _, fac := range storageFacilities(f) {
		if status, ok := facts.StringAt(fac, "status"); ok {
			switch norm(status) {
			case "active", "operational", "open", "available":
				return true
			default:
				continue
			}
		}
		if cap, ok := facts.FloatAt(fac, "capacity_mt", "capacity"); ok && cap > 0 {
			return true
		}
	}
	return false
}
