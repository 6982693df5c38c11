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

// Temperature assesses frost and heat risk over a lookahead window of the
// forecast, with thresholds resolved per crop stage when the calendar
// declares them.
type Temperature struct {
	cfg config.Tunables
	log logging.Logger
}

func NewTemperature(cfg config.Tunables, log logging.Logger) *Temperature {
	return &Temperature{cfg: cfg, log: logging.OrNop(log)}
}

func (h *Temperature) Template() string {
	return "frost_or_heat_risk_assessment"
}

func (h *Temperature) RequiredTools() []string {
	return []string{engine.ToolWeatherOutlook, engine.ToolCalendarLookup}
}

// breachSeverity maps a threshold breach magnitude d (degrees C) onto a
// progressive 0-1 scale: gentle up to 1 degree, steeper to 3, saturating
// beyond.
func breachSeverity(d float64) float64 {
	switch {
	case d <= 0:
		return 0
	case d <= 1:
		return 0.1 + 0.2*d
	case d <= 3:
		return 0.3 + 0.2*(d-1)
	default:
		return 0.7 + 0.3*math.Min((d-3)/7, 1)
	}
}

func (h *Temperature) Evaluate(in *engine.Intent, f map[string]any) engine.HandlerResult {
	weather, _, okWeather := facts.Lookup(f, engine.ToolWeatherOutlook, "weather", "forecast")
	calendar, _, okCalendar := facts.Lookup(f, engine.ToolCalendarLookup, "crop_calendar", "regional_crop_info")

	var missing []string
	if !okWeather {
		missing = append(missing, engine.ToolWeatherOutlook)
	}
	if !okCalendar {
		missing = append(missing, engine.ToolCalendarLookup)
	}
	if len(missing) > 0 {
		return requireMoreInfo(missing, "required tool outputs are absent")
	}

	days := normalizeForecast(weather)
	lookahead := h.cfg.LookaheadDays
	if v, ok := in.IntOpt("lookahead_days"); ok && v > 0 {
		lookahead = v
	}
	if len(days) > lookahead {
		days = days[:lookahead]
	}

	stage, _ := cropStage(in, calendar)
	frostThreshold, heatThreshold := h.resolveThresholds(calendar, stage)

	var coldest, hottest *forecastDay
	for i := range days {
		day := &days[i]
		if day.TMin != nil && (coldest == nil || *day.TMin < *coldest.TMin) {
			coldest = day
		}
		if day.TMax != nil && (hottest == nil || *day.TMax > *hottest.TMax) {
			hottest = day
		}
	}

	items := []engine.DecisionItem{}

	if coldest != nil {
		if sev := breachSeverity(frostThreshold - *coldest.TMin); sev > 0 {
			items = append(items, engine.DecisionItem{
				Name:  "frost_risk",
				Score: sev,
				Reasons: []string{
					fmt.Sprintf("minimum %.1f C on %s breaches the %.1f C frost threshold", *coldest.TMin, coldest.Date, frostThreshold),
				},
				Tradeoffs: []string{"protective measures (mulching, light irrigation) carry cost"},
				Meta: map[string]any{
					"date":              coldest.Date,
					"t_min_c":           *coldest.TMin,
					"frost_threshold_c": frostThreshold,
					"severity":          sev,
				},
			})
		}
	}

	if hottest != nil {
		if sev := breachSeverity(*hottest.TMax - heatThreshold); sev > 0 {
			items = append(items, engine.DecisionItem{
				Name:  "heat_risk",
				Score: sev,
				Reasons: []string{
					fmt.Sprintf("maximum %.1f C on %s breaches the %.1f C heat threshold", *hottest.TMax, hottest.Date, heatThreshold),
				},
				Tradeoffs: []string{"shade nets or extra irrigation carry cost"},
				Meta: map[string]any{
					"date":             hottest.Date,
					"t_max_c":          *hottest.TMax,
					"heat_threshold_c": heatThreshold,
					"severity":         sev,
				},
			})
		}
	}

	if len(items) == 0 {
		hint := 0.4
		notes := "no usable forecast temperatures in the lookahead window"
		if coldest != nil || hottest != nil {
			hint = 0.75
			notes = fmt.Sprintf("no frost or heat breach in the next %d days", lookahead)
		}
		return engine.HandlerResult{
			Action:            h.Template(),
			Items:             items,
			HandlerConfidence: ptr(hint),
			Notes:             notes,
		}
	}

	var sum float64
	for _, item := range items {
		sum += item.Score
	}
	meanSeverity := sum / float64(len(items))

	return engine.HandlerResult{
		Action:            h.Template(),
		Items:             items,
		HandlerConfidence: ptr(facts.Clamp01(meanSeverity)),
		Notes:             fmt.Sprintf("%d temperature risk(s) in the next %d days", len(items), lookahead),
	}
}

// resolveThresholds picks frost/heat thresholds from stage-specific
// calendar entries, then top-level calendar fields, then the configured
// defaults.
func (h *Temperature) resolveThresholds(calendar map[string]any, stage string) (frost, heat float64) {
	frost = h.cfg.FrostThresholdC
	heat = h.cfg.HeatThresholdC

	if calendar == nil {
		return frost, heat
	}

	if v, ok := facts.FloatAt(calendar, "frost_threshold_c", "frost_c"); ok {
		frost = v
	}
	if v, ok := facts.FloatAt(calendar, "heat_threshold_c", "heat_c"); ok {
		heat = v
	}

	if stage == "" {
		return frost, heat
	}
	for _, crop := range calendarCrops(calendar) {
		sct, ok := facts.MapAt(crop, "stage_critical_temps", "critical_temps")
		if !ok {
			continue
		}
		keys := make([]string, 0, len(sct))
		for key := range sct {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !labelMatch(key, stage) {
				continue
			}
			stageMap, ok := facts.AsMap(sct[key])
			if !ok {
				continue
			}
			if v, ok := facts.FloatAt(stageMap, "frost_c", "t_min_c", "min_c"); ok {
				frost = v
			}
			if v, ok := facts.FloatAt(stageMap, "heat_c", "t_max_c", "max_c"); ok {
				heat = v
			}
			return frost, heat
		}
	}
	return frost, heat
}
