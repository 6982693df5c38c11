package rules

import (
	"fmt"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/facts"
	"krishi/internal/logging"
)

// Irrigation decides between irrigating now and waiting for rain, from
// forecast rainfall, soil moisture and crop-stage criticality.
type Irrigation struct {
	cfg config.Tunables
	log logging.Logger
}

func NewIrrigation(cfg config.Tunables, log logging.Logger) *Irrigation {
	return &Irrigation{cfg: cfg, log: logging.OrNop(log)}
}

func (h *Irrigation) Template() string {
	return "irrigation_now_or_wait"
}

func (h *Irrigation) RequiredTools() []string {
	return []string{engine.ToolWeatherOutlook, engine.ToolCalendarLookup}
}

func (h *Irrigation) Evaluate(in *engine.Intent, f map[string]any) engine.HandlerResult {
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

	rain, haveRain := rainOutlook(weather, h.cfg.RainLookaheadHours)
	moisture, haveMoisture := soilMoisture(f)
	stage, haveStage := cropStage(in, calendar)

	if !haveRain && !haveMoisture && !haveStage {
		return requireMoreInfo(
			[]string{"forecast", "soil_moisture", "crop_stage"},
			"no forecast, soil moisture or crop stage data to decide from",
		)
	}

	meta := map[string]any{}
	if haveRain {
		meta["rain_expected_mm"] = rain
	}
	if haveMoisture {
		meta["soil_moisture_pct"] = moisture
	}
	if haveStage {
		meta["crop_stage"] = stage
	}

	var (
		recommendation string
		confidence     float64
		reasons        []string
		tradeoffs      []string
	)

	switch {
	case haveRain && rain >= h.cfg.RainThresholdMM:
		recommendation = "wait_for_rain"
		confidence = 0.9
		reasons = append(reasons, fmt.Sprintf("forecast rainfall %.1f mm over next %d h meets the %.0f mm threshold",
			rain, h.cfg.RainLookaheadHours, h.cfg.RainThresholdMM))
		tradeoffs = append(tradeoffs, "forecast rain may not materialize")

	case haveMoisture:
		threshold := h.stageThreshold(calendar, stage)
		meta["moisture_threshold_pct"] = threshold
		if moisture < threshold {
			recommendation = "irrigate_now"
			deficit := facts.Clamp01((threshold - moisture) / threshold)
			confidence = 0.6 + 0.35*deficit
			reasons = append(reasons, fmt.Sprintf("soil moisture %.1f%% is below the %.1f%% threshold", moisture, threshold))
			if haveRain {
				reasons = append(reasons, fmt.Sprintf("only %.1f mm rain expected in the next %d h", rain, h.cfg.RainLookaheadHours))
			}
			tradeoffs = append(tradeoffs, "irrigation cost if unforecast rain arrives")
		} else {
			recommendation = "wait_for_rain"
			confidence = 0.7
			reasons = append(reasons, fmt.Sprintf("soil moisture %.1f%% is at or above the %.1f%% threshold", moisture, threshold))
		}

	case haveStage && h.isCriticalStage(calendar, stage) && (!haveRain || rain < h.cfg.RainThresholdMM):
		recommendation = "irrigate_now"
		confidence = 0.65
		reasons = append(reasons, fmt.Sprintf("crop stage %q is moisture-critical and forecast rain stays below %.0f mm",
			stage, h.cfg.RainThresholdMM))
		tradeoffs = append(tradeoffs, "no soil moisture reading to confirm the deficit")

	case haveStage:
		recommendation = "wait_for_rain"
		confidence = 0.8
		reasons = append(reasons, fmt.Sprintf("crop stage %q is not moisture-critical", stage))

	default:
		// Forecast only, little rain, no moisture or stage signal.
		recommendation = "wait_for_rain"
		confidence = 0.5
		reasons = append(reasons, fmt.Sprintf("forecast rain %.1f mm is below the %.0f mm threshold but no soil or stage data confirms a deficit",
			rain, h.cfg.RainThresholdMM))
		tradeoffs = append(tradeoffs, "soil moisture reading would sharpen this call")
	}

	meta["recommendation"] = recommendation
	item := engine.DecisionItem{
		Name:      recommendation,
		Score:     facts.Clamp01(confidence),
		Reasons:   reasons,
		Tradeoffs: tradeoffs,
		Meta:      meta,
	}

	return engine.HandlerResult{
		Action:            h.Template(),
		Items:             []engine.DecisionItem{item},
		HandlerConfidence: ptr(facts.Clamp01(confidence)),
		Notes:             fmt.Sprintf("recommendation: %s", recommendation),
	}
}

// stageThreshold resolves the soil-moisture threshold, preferring a
// stage-specific override from the calendar fact.
func (h *Irrigation) stageThreshold(calendar map[string]any, stage string) float64 {
	threshold := h.cfg.SoilMoistureThresholdP
	if stage == "" || calendar == nil {
		return threshold
	}
	if overrides, ok := facts.MapAt(calendar, "stage_moisture_thresholds"); ok {
		if v, ok := facts.FloatAt(overrides, stage); ok && v > 0 {
			return v
		}
	}
	for _, crop := range calendarCrops(calendar) {
		if overrides, ok := facts.MapAt(crop, "stage_moisture_thresholds"); ok {
			if v, ok := facts.FloatAt(overrides, stage); ok && v > 0 {
				return v
			}
		}
	}
	return threshold
}

// isCriticalStage reports whether the stage appears in a critical-stage
// list anywhere in the calendar fact.
func (h *Irrigation) isCriticalStage(calendar map[string]any, stage string) bool {
	if calendar == nil || stage == "" {
		return false
	}
	if v, ok := calendar["critical_stages"]; ok {
		for _, s := range stringList(v) {
			if labelMatch(s, stage) {
				return true
			}
		}
	}
	for _, crop := range calendarCrops(calendar) {
		if v, ok := crop["critical_stages"]; ok {
			for _, s := range stringList(v) {
				if labelMatch(s, stage) {
					return true
				}
			}
		}
		// Stage-keyed critical temperature maps mark the stage as
		// sensitive even without an explicit critical_stages list.
		if sct, ok := facts.MapAt(crop, "stage_critical_temps", "critical_temps"); ok {
			for key := range sct {
				if labelMatch(key, stage) {
					return true
				}
			}
		}
	}
	return false
}
