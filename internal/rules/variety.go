package rules

import (
	"fmt"
	"math"
	"sort"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/facts"
	"krishi/internal/logging"
)

// Variety ranks candidate crop varieties on maturity fit, climate match,
// pest resistance, market preference and soil pH, averaging whichever
// sub-scores the facts allow. When no variety catalog is present it
// synthesizes pseudo-varieties from calendar crop entries.
type Variety struct {
	cfg config.Tunables
	log logging.Logger
}

func NewVariety(cfg config.Tunables, log logging.Logger) *Variety {
	return &Variety{cfg: cfg, log: logging.OrNop(log)}
}

func (h *Variety) Template() string {
	return "variety_ranked_list"
}

func (h *Variety) RequiredTools() []string {
	return []string{engine.ToolVarietyLookup, engine.ToolCalendarLookup}
}

func (h *Variety) Evaluate(in *engine.Intent, f map[string]any) engine.HandlerResult {
	calendar, _, okCalendar := facts.Lookup(f, engine.ToolCalendarLookup, "crop_calendar", "regional_crop_info")

	var varieties []map[string]any
	synthesized := false
	if lookup, _, ok := facts.Lookup(f, engine.ToolVarietyLookup); ok {
		varieties = h.normalizeVarieties(lookup)
	}
	if len(varieties) == 0 && okCalendar {
		varieties = h.varietiesFromCalendar(calendar)
		synthesized = len(varieties) > 0
	}

	if len(varieties) == 0 {
		missing := []string{engine.ToolVarietyLookup}
		if !okCalendar {
			missing = append(missing, engine.ToolCalendarLookup)
		}
		return requireMoreInfo(missing, "no variety catalog and no calendar crops to synthesize from")
	}

	typicalDays, haveTypical := h.typicalMaturityDays(calendar)
	weather, _, _ := facts.Lookup(f, engine.ToolWeatherOutlook, "weather", "forecast")
	days := normalizeForecast(weather)
	pests := ragPests(f)
	soilPH, haveSoilPH := h.soilPH(f)

	items := make([]engine.DecisionItem, 0, len(varieties))
	for _, v := range varieties {
		items = append(items, h.scoreVariety(v, typicalDays, haveTypical, days, pests, soilPH, haveSoilPH, synthesized))
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})

	topN := h.cfg.VarietyTopN
	if v, ok := in.IntOpt("top_n"); ok && v > 0 {
		topN = v
	}
	if len(items) > topN {
		items = items[:topN]
	}

	var sum float64
	for _, item := range items {
		sum += item.Score
	}
	overall := sum / float64(len(items))

	notes := fmt.Sprintf("ranked %d varieties", len(items))
	if synthesized {
		notes += " synthesized from calendar crop entries"
	}

	return engine.HandlerResult{
		Action:            h.Template(),
		Items:             items,
		HandlerConfidence: ptr(facts.Clamp01(overall)),
		Notes:             notes,
	}
}

func (h *Variety) normalizeVarieties(lookup map[string]any) []map[string]any {
	raw, ok := facts.SliceAt(lookup, "varieties", "items", "results", "value")
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

// varietiesFromCalendar maps each calendar crop entry into a pseudo-variety
// record carrying duration, temperature tolerance and water requirement.
func (h *Variety) varietiesFromCalendar(calendar map[string]any) []map[string]any {
	crops := calendarCrops(calendar)
	out := make([]map[string]any, 0, len(crops))
	for _, crop := range crops {
		name, ok := facts.StringAt(crop, "crop_name", "name")
		if !ok {
			continue
		}
		pseudo := map[string]any{
			"name":        name,
			"synthesized": true,
		}
		if v, ok := facts.FloatAt(crop, "maturity_days", "duration_days", "typical_maturity_days"); ok {
			pseudo["maturity_days"] = v
		}
		// Wide ideal-temperature ranges read as heat tolerance.
		if ideal, ok := facts.SliceAt(crop, "ideal_temp_c"); ok && len(ideal) == 2 {
			if hi, okHi := facts.Float(ideal[1]); okHi {
				if hi >= 35 {
					pseudo["heat_tolerance"] = "high"
				} else {
					pseudo["heat_tolerance"] = "medium"
				}
			}
		}
		if irr, ok := facts.StringAt(crop, "irrigation_ideal", "water_requirement"); ok {
			pseudo["water_requirement"] = irr
			switch norm(irr) {
			case "low", "rainfed":
				pseudo["drought_tolerance"] = "high"
			case "medium", "moderate":
				pseudo["drought_tolerance"] = "medium"
			case "high", "irrigated":
				pseudo["drought_tolerance"] = "low"
			}
		}
		if season, ok := facts.StringAt(crop, "season"); ok {
			pseudo["season"] = season
		}
		out = append(out, pseudo)
	}
	return out
}

func (h *Variety) typicalMaturityDays(calendar map[string]any) (float64, bool) {
	if calendar == nil {
		return 0, false
	}
	if v, ok := facts.FloatAt(calendar, "typical_maturity_days"); ok && v > 0 {
		return v, true
	}
	var sum float64
	var n int
	for _, crop := range calendarCrops(calendar) {
		if v, ok := facts.FloatAt(crop, "maturity_days", "duration_days", "typical_maturity_days"); ok && v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (h *Variety) soilPH(f map[string]any) (float64, bool) {
	for _, tool := range []string{"soil", "soil_sample", "soil_profile"} {
		data, ok := facts.AsMap(f[tool])
		if !ok {
			continue
		}
		if v, ok := facts.FloatAt(data, "ph", "soil_ph"); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func (h *Variety) scoreVariety(v map[string]any, typicalDays float64, haveTypical bool, days []forecastDay, pests []string, soilPH float64, haveSoilPH bool, synthesized bool) engine.DecisionItem {
	name, _ := facts.StringAt(v, "name", "variety_name")
	if name == "" {
		name = "unnamed variety"
	}

	var reasons, tradeoffs []string
	var scores []float64
	sub := map[string]any{}

	// Maturity closeness to the regional typical duration.
	if haveTypical {
		if vd, ok := facts.FloatAt(v, "maturity_days", "duration_days"); ok && vd > 0 {
			s := 1 - math.Min(1, math.Abs(vd-typicalDays)/typicalDays)
			scores = append(scores, s)
			sub["maturity"] = s
			reasons = append(reasons, fmt.Sprintf("maturity %.0fd vs typical %.0fd", vd, typicalDays))
		}
	}

	// Climate match: forecast hotness/dryness against declared tolerances.
	if s, ok := h.climateScore(v, days); ok {
		scores = append(scores, s)
		sub["climate"] = s
		if s < 0.5 {
			tradeoffs = append(tradeoffs, "limited tolerance for the forecast conditions")
		} else {
			reasons = append(reasons, "tolerances suit the forecast conditions")
		}
	}

	// Pest resistance for pests named in search results.
	if resist, ok := facts.MapAt(v, "pest_resistance"); ok && len(pests) > 0 {
		var sum float64
		var n int
		for _, pest := range pests {
			keys := make([]string, 0, len(resist))
			for key := range resist {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				if !labelMatch(key, pest) {
					continue
				}
				if s, ok := tolScore(resist[key]); ok {
					sum += s
					n++
				}
				break
			}
		}
		if n > 0 {
			s := sum / float64(n)
			scores = append(scores, s)
			sub["pest_resistance"] = s
			reasons = append(reasons, fmt.Sprintf("declared resistance for %d reported pest(s)", n))
		}
	}

	// Declared market preference.
	if s, ok := facts.FloatAt(v, "market_preference_score", "market_preference"); ok {
		if s > 1 {
			s /= 100
		}
		s = facts.Clamp01(s)
		scores = append(scores, s)
		sub["market_preference"] = s
	}

	// Soil pH fit against the declared range.
	if haveSoilPH {
		if lo, hi, ok := h.phRange(v); ok {
			var s float64
			switch {
			case soilPH >= lo && soilPH <= hi:
				s = 1.0
				reasons = append(reasons, fmt.Sprintf("soil pH %.1f inside preferred %.1f-%.1f", soilPH, lo, hi))
			case soilPH < lo:
				s = math.Max(0, 1-(lo-soilPH)/2)
				tradeoffs = append(tradeoffs, fmt.Sprintf("soil pH %.1f below preferred %.1f-%.1f", soilPH, lo, hi))
			default:
				s = math.Max(0, 1-(soilPH-hi)/2)
				tradeoffs = append(tradeoffs, fmt.Sprintf("soil pH %.1f above preferred %.1f-%.1f", soilPH, lo, hi))
			}
			scores = append(scores, s)
			sub["soil_ph"] = s
		}
	}

	score := 0.5
	if len(scores) > 0 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		score = sum / float64(len(scores))
	} else {
		reasons = append(reasons, "no scoring criteria available, neutral ranking")
	}

	meta := map[string]any{"sub_scores": sub}
	if synthesized {
		meta["synthesized_from_calendar"] = true
	}
	if vd, ok := facts.FloatAt(v, "maturity_days", "duration_days"); ok {
		meta["maturity_days"] = vd
	}
	if wr, ok := facts.StringAt(v, "water_requirement"); ok {
		meta["water_requirement"] = wr
	}

	return engine.DecisionItem{
		Name:      name,
		Score:     facts.Clamp01(score),
		Reasons:   reasons,
		Tradeoffs: tradeoffs,
		Meta:      meta,
	}
}

// climateScore blends forecast hotness and dryness against the variety's
// declared heat and drought tolerances.
func (h *Variety) climateScore(v map[string]any, days []forecastDay) (float64, bool) {
	if len(days) == 0 {
		return 0, false
	}

	var tmaxSum, rainSum float64
	var tmaxN int
	for _, day := range days {
		if day.TMax != nil {
			tmaxSum += *day.TMax
			tmaxN++
		}
		if day.RainMM != nil {
			rainSum += *day.RainMM
		}
	}
	if tmaxN == 0 {
		return 0, false
	}

	hotness := facts.Clamp01((tmaxSum/float64(tmaxN) - 30) / 15)
	dryness := facts.Clamp01(1 - rainSum/50)

	heatTol, haveHeat := tolScore(v["heat_tolerance"])
	droughtTol, haveDrought := tolScore(v["drought_tolerance"])
	if !haveHeat && !haveDrought {
		return 0, false
	}
	if !haveHeat {
		heatTol = 0.5
	}
	if !haveDrought {
		droughtTol = 0.5
	}

	// Penalize low tolerance only in proportion to the stress present.
	score := 1 - (hotness*(1-heatTol)+dryness*(1-droughtTol))/2
	return facts.Clamp01(score), true
}

func (h *Variety) phRange(v map[string]any) (lo, hi float64, ok bool) {
	raw, present := v["ph_range"]
	if !present {
		return 0, 0, false
	}
	if list, isList := facts.AsSlice(raw); isList && len(list) == 2 {
		l, okL := facts.Float(list[0])
		u, okU := facts.Float(list[1])
		if okL && okU && l <= u {
			return l, u, true
		}
	}
	if s, isStr := raw.(string); isStr {
		var l, u float64
		if n, err := fmt.Sscanf(s, "%f-%f", &l, &u); err == nil && n == 2 && l <= u {
			return l, u, true
		}
	}
	return 0, 0, false
}
