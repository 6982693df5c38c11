package rules

import (
	"krishi/internal/facts"
)

// forecastDay is one normalized forecast entry. Pointer fields distinguish
// "absent" from zero.
type forecastDay struct {
	Date   string
	TMin   *float64
	TMax   *float64
	RainMM *float64
}

// normalizeForecast accepts both supported weather shapes: a list of
// per-day records under "forecast", or parallel arrays keyed by
// "time"/"tmin_c"/"tmax_c"/"rain_mm".
func normalizeForecast(weather map[string]any) []forecastDay {
	if weather == nil {
		return nil
	}

	if records, ok := facts.SliceAt(weather, "forecast", "daily", "days"); ok {
		out := make([]forecastDay, 0, len(records))
		for _, raw := range records {
			rec, ok := facts.AsMap(raw)
			if !ok {
				continue
			}
			day := forecastDay{}
			day.Date, _ = facts.StringAt(rec, "date", "time", "day")
			if v, ok := facts.FloatAt(rec, "t_min", "tmin", "tmin_c", "temp_min_c"); ok {
				day.TMin = ptr(v)
			}
			if v, ok := facts.FloatAt(rec, "t_max", "tmax", "tmax_c", "temp_max_c"); ok {
				day.TMax = ptr(v)
			}
			if v, ok := facts.FloatAt(rec, "rain_mm", "precip_mm", "rainfall_mm", "rain"); ok {
				day.RainMM = ptr(v)
			}
			if day.Date == "" && day.TMin == nil && day.TMax == nil && day.RainMM == nil {
				continue
			}
			out = append(out, day)
		}
		return out
	}

	times, ok := facts.SliceAt(weather, "time", "dates")
	if !ok {
		return nil
	}
	tmins, _ := facts.SliceAt(weather, "tmin_c", "t_min", "tmin")
	tmaxs, _ := facts.SliceAt(weather, "tmax_c", "t_max", "tmax")
	rains, _ := facts.SliceAt(weather, "rain_mm", "precip_mm")

	out := make([]forecastDay, 0, len(times))
	for i := range times {
		day := forecastDay{}
		if s, ok := times[i].(string); ok {
			day.Date = s
		}
		if i < len(tmins) {
			if v, ok := facts.Float(tmins[i]); ok {
				day.TMin = ptr(v)
			}
		}
		if i < len(tmaxs) {
			if v, ok := facts.Float(tmaxs[i]); ok {
				day.TMax = ptr(v)
			}
		}
		if i < len(rains) {
			if v, ok := facts.Float(rains[i]); ok {
				day.RainMM = ptr(v)
			}
		}
		out = append(out, day)
	}
	return out
}

// rainOutlook sums forecast rainfall over the next `hours` hours. An
// hourly precipitation array is summed entry by entry; a daily forecast is
// summed over the covering days.
func rainOutlook(weather map[string]any, hours int) (float64, bool) {
	if weather == nil {
		return 0, false
	}

	if hourly, ok := facts.MapAt(weather, "hourly"); ok {
		if precip, ok := facts.SliceAt(hourly, "precipitation", "rain_mm"); ok {
			var sum float64
			var counted int
			for i, raw := range precip {
				if i >= hours {
					break
				}
				if v, ok := facts.Float(raw); ok {
					sum += v
					counted++
				}
			}
			if counted > 0 {
				return sum, true
			}
		}
	}

	days := normalizeForecast(weather)
	if len(days) == 0 {
		return 0, false
	}
	nDays := (hours + 23) / 24
	var sum float64
	var counted int
	for i, day := range days {
		if i >= nDays {
			break
		}
		if day.RainMM != nil {
			sum += *day.RainMM
			counted++
		}
	}
	if counted == 0 {
		return 0, false
	}
	return sum, true
}
