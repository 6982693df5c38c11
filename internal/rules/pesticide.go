package rules

import (
	"fmt"
	"sort"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/facts"
	"krishi/internal/logging"
)

// Pesticide ranks candidate products by pest/crop compatibility and
// pre-harvest-interval safety, hard-excluding anything whose PHI would be
// violated.
type Pesticide struct {
	cfg config.Tunables
	log logging.Logger
}

func NewPesticide(cfg config.Tunables, log logging.Logger) *Pesticide {
	return &Pesticide{cfg: cfg, log: logging.OrNop(log)}
}

func (h *Pesticide) Template() string {
	return "pesticide_safe_recommendation"
}

func (h *Pesticide) RequiredTools() []string {
	return []string{engine.ToolPesticideLookup}
}

type pesticideCandidate struct {
	item       engine.DecisionItem
	confidence float64
	phiDays    *float64
}

func (h *Pesticide) Evaluate(in *engine.Intent, f map[string]any) engine.HandlerResult {
	data, _, ok := facts.Lookup(f, engine.ToolPesticideLookup)
	if !ok {
		return requireMoreInfo([]string{engine.ToolPesticideLookup}, "no pesticide catalog data available")
	}

	products := h.normalizeProducts(data)
	if len(products) == 0 {
		return requireMoreInfo([]string{}, "no products found in pesticide catalog output")
	}

	crop, _ := in.StringOpt("crop", "crop_name")
	if crop == "" {
		if calendar, _, ok := facts.Lookup(f, engine.ToolCalendarLookup, "crop_calendar"); ok {
			if crops := calendarCrops(calendar); len(crops) > 0 {
				crop, _ = facts.StringAt(crops[0], "crop_name", "name")
			}
		}
	}

	pests := ragPests(f)
	if p, ok := in.StringOpt("pest", "pest_name", "target_pest"); ok {
		pests = append([]string{p}, pests...)
	}

	daysToHarvest, haveDTH := in.FloatOpt("days_to_harvest")
	if !haveDTH {
		if calendar, _, ok := facts.Lookup(f, engine.ToolCalendarLookup, "crop_calendar"); ok {
			daysToHarvest, haveDTH = facts.FloatAt(calendar, "days_to_harvest", "days_until_harvest")
		}
	}

	candidates := make([]pesticideCandidate, 0, len(products))
	for _, product := range products {
		candidates = append(candidates, h.scoreProduct(product, crop, pests, daysToHarvest, haveDTH, f))
	}

	// Hard PHI exclusion when the harvest horizon is known.
	filtered := candidates[:0]
	for _, c := range candidates {
		if haveDTH && c.phiDays != nil && *c.phiDays > daysToHarvest {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return requireMoreInfo([]string{}, "all available products incompatible with the pre-harvest interval")
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].confidence > filtered[j].confidence
	})

	topN := h.cfg.PesticideTopN
	if v, ok := in.IntOpt("top_n"); ok && v > 0 {
		topN = v
	}
	if len(filtered) > topN {
		filtered = filtered[:topN]
	}

	items := make([]engine.DecisionItem, 0, len(filtered))
	var sum float64
	for _, c := range filtered {
		items = append(items, c.item)
		sum += c.confidence
	}
	overall := sum / float64(len(items))

	return engine.HandlerResult{
		Action:            h.Template(),
		Items:             items,
		HandlerConfidence: ptr(facts.Clamp01(overall)),
		Notes:             "products filtered by pest, crop compatibility and PHI constraints where available",
	}
}

// normalizeProducts extracts candidate product maps from the catalog fact,
// accepting the usual list keys and a bare wrapped list.
func (h *Pesticide) normalizeProducts(data map[string]any) []map[string]any {
	raw, ok := facts.SliceAt(data, "items", "products", "results", "matched", "value")
	if !ok {
		return nil
	}
	products := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := facts.AsMap(entry); ok {
			products = append(products, m)
		}
	}
	return products
}

func (h *Pesticide) scoreProduct(product map[string]any, crop string, pests []string, daysToHarvest float64, haveDTH bool, f map[string]any) pesticideCandidate {
	name, _ := facts.StringAt(product, "name", "product_name", "active_ingredient")
	if name == "" {
		name = "unnamed product"
	}

	var reasons, tradeoffs []string
	signals := map[string]any{}

	// Crop compatibility: 1.0 match, 0.0 declared mismatch, 0.5 unknown.
	cropSignal := 0.5
	allowedCrops := h.productCrops(product)
	if crop != "" && len(allowedCrops) > 0 {
		cropSignal = 0.0
		for _, c := range allowedCrops {
			if labelMatch(c, crop) {
				cropSignal = 1.0
				reasons = append(reasons, fmt.Sprintf("registered for crop %q", crop))
				break
			}
		}
		if cropSignal == 0 {
			tradeoffs = append(tradeoffs, fmt.Sprintf("not registered for crop %q", crop))
		}
	}
	signals["crop_match"] = cropSignal

	// Pest match, same grading.
	pestSignal := 0.5
	targets := h.productPests(product)
	if len(pests) > 0 && len(targets) > 0 {
		pestSignal = 0.0
		for _, target := range targets {
			for _, pest := range pests {
				if labelMatch(target, pest) {
					pestSignal = 1.0
					reasons = append(reasons, fmt.Sprintf("targets pest %q", pest))
					break
				}
			}
			if pestSignal == 1.0 {
				break
			}
		}
		if pestSignal == 0 {
			tradeoffs = append(tradeoffs, "declared targets do not include the reported pest")
		}
	}
	signals["pest_match"] = pestSignal

	// PHI safety: safe 1.0, violation 0.0, unknown 0.5.
	phiSignal := 0.5
	var phiDays *float64
	if v, ok := facts.FloatAt(product, "pre_harvest_interval_days", "phi_days", "pre_harvest_interval"); ok {
		phiDays = ptr(v)
		if haveDTH {
			if v <= daysToHarvest {
				phiSignal = 1.0
				reasons = append(reasons, "pre-harvest interval fits the harvest horizon")
			} else {
				phiSignal = 0.0
				tradeoffs = append(tradeoffs, fmt.Sprintf("PHI %.0fd exceeds days to harvest %.0f", v, daysToHarvest))
			}
		}
	}
	signals["phi_ok"] = phiSignal

	restricted := false
	if v, ok := product["restricted"]; ok {
		if b, okb := v.(bool); okb {
			restricted = b
		}
	}
	if restricted {
		tradeoffs = append(tradeoffs, "restricted use product")
	}

	toxicity, hasTox := facts.StringAt(product, "toxicity_category", "toxicity", "who_class")
	toxSignal := 0.8
	if hasTox {
		if tv, ok := facts.Float(toxicity); ok {
			if tv > 3.0 {
				toxSignal = 0.0
			} else {
				toxSignal = 1.0
			}
		} else {
			switch {
			case labelMatch(toxicity, "high"):
				toxSignal = 0.0
			case labelMatch(toxicity, "medium"):
				toxSignal = 0.5
			default:
				toxSignal = 1.0
			}
		}
		if toxSignal == 0 {
			tradeoffs = append(tradeoffs, fmt.Sprintf("high toxicity category %q", toxicity))
		}
	}
	signals["restricted_ok"] = !restricted
	signals["toxicity_ok"] = toxSignal

	heuristic := h.cfg.PestMatchWeight*pestSignal + h.cfg.CropMatchWeight*cropSignal + h.cfg.PHIWeight*phiSignal
	heuristic /= h.cfg.PestMatchWeight + h.cfg.CropMatchWeight + h.cfg.PHIWeight

	// Blend with the combiner, favoring it when the product itself carries
	// provenance.
	helper := facts.Combine(facts.Signals{
		HandlerConfidence: ptr(heuristic),
		ItemsMeanScore:    ptr(heuristic),
	}, f, nil, h.cfg.Confidence)
	confidence := facts.Blend(1-h.cfg.ProductBlend, helper, heuristic)
	if len(h.productSources(product)) > 0 {
		confidence = facts.Blend(h.cfg.ProductBlend, helper, heuristic)
	}

	meta := map[string]any{
		"signals":    signals,
		"restricted": restricted,
	}
	if v, ok := facts.StringAt(product, "active_ingredient"); ok {
		meta["active_ingredient"] = v
	}
	if phiDays != nil {
		meta["phi_days"] = *phiDays
	}
	if hasTox {
		meta["toxicity_category"] = toxicity
	}
	if len(allowedCrops) > 0 {
		meta["allowed_crops"] = allowedCrops
	}

	return pesticideCandidate{
		item: engine.DecisionItem{
			Name:      name,
			Score:     facts.Clamp01(confidence),
			Reasons:   reasons,
			Tradeoffs: tradeoffs,
			Meta:      meta,
			Sources:   h.productSources(product),
		},
		confidence: facts.Clamp01(confidence),
		phiDays:    phiDays,
	}
}

func (h *Pesticide) productCrops(product map[string]any) []string {
	if v, ok := product["crops"]; ok {
		if crops := stringList(v); len(crops) > 0 {
			return crops
		}
	}
	if s, ok := facts.StringAt(product, "crop_name", "crop"); ok {
		return []string{s}
	}
	return nil
}

func (h *Pesticide) productPests(product map[string]any) []string {
	if v, ok := product["target_pests"]; ok {
		if pests := stringList(v); len(pests) > 0 {
			return pests
		}
	}
	if s, ok := facts.StringAt(product, "target", "target_pest"); ok {
		return []string{s}
	}
	return nil
}

func (h *Pesticide) productSources(product map[string]any) []facts.Entry {
	var entries []facts.Entry
	if id, ok := facts.StringAt(product, "source_id", "source"); ok {
		st, _ := facts.StringAt(product, "source_type")
		if st == "" {
			st = "seed_catalog"
		}
		entries = append(entries, facts.Entry{SourceID: id, SourceType: st, Tool: engine.ToolPesticideLookup})
	}
	return entries
}
