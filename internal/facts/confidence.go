package facts

import (
	"math"

	"krishi/internal/config"
)

// Signals are the per-decision inputs to the confidence combiner.
type Signals struct {
	// HandlerConfidence is the handler's own confidence hint, when it
	// reported one.
	HandlerConfidence *float64
	// ItemsMeanScore is the mean score across ranked decision items.
	ItemsMeanScore *float64
	// NItems is the number of ranked items in the result.
	NItems int
}

// MeanToolConfidence averages the per-tool "confidence" or "score" fields
// found directly inside fact values. The second return is false when no
// tool reported one.
func MeanToolConfidence(f map[string]any) (float64, bool) {
	var sum float64
	var n int
	for _, v := range f {
		data, ok := AsMap(v)
		if !ok {
			continue
		}
		if c, ok := FloatAt(data, "confidence", "score"); ok {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Combine turns the available signals into a final confidence.
//
// When required tools are missing from the facts, the best available weak
// signal (items mean, then handler confidence, then 0.5) is penalized by
// the missing fraction and returned directly. Otherwise present signals are
// blended with their configured weights, renormalized so absent signals do
// not drag the result down; with no signals at all the combiner falls back
// to the mean per-tool confidence, then to a neutral 0.5. The blend is
// boosted slightly for evidence richness and clamped to [0, 1].
func Combine(sig Signals, f map[string]any, required []string, w config.ConfidenceWeights) float64 {
	if len(required) > 0 {
		missing := 0
		for _, tool := range required {
			if _, ok := f[tool]; !ok {
				missing++
			}
		}
		if missing > 0 {
			base := 0.5
			switch {
			case sig.ItemsMeanScore != nil:
				base = Clamp01(*sig.ItemsMeanScore)
			case sig.HandlerConfidence != nil:
				base = Clamp01(*sig.HandlerConfidence)
			}
			return Clamp01(base * (1 - float64(missing)/float64(len(required))))
		}
	}

	factsMean, haveFactsMean := MeanToolConfidence(f)

	var weighted, totalWeight float64
	if sig.HandlerConfidence != nil {
		weighted += w.Handler * Clamp01(*sig.HandlerConfidence)
		totalWeight += w.Handler
	}
	if sig.ItemsMeanScore != nil {
		weighted += w.ItemsMean * Clamp01(*sig.ItemsMeanScore)
		totalWeight += w.ItemsMean
	}
	if haveFactsMean {
		weighted += w.FactsMean * Clamp01(factsMean)
		totalWeight += w.FactsMean
	}

	var base float64
	switch {
	case totalWeight > 0:
		base = weighted / totalWeight
	case haveFactsMean:
		base = Clamp01(factsMean)
	default:
		base = 0.5
	}

	boost := 1 + math.Min(0.10, float64(len(f))/10.0) + math.Min(0.05, float64(sig.NItems)/20.0)
	return Clamp01(base * boost)
}

// Blend mixes the combiner's output with a handler's heuristic confidence.
// combinerShare is the combiner's fraction; the remainder goes to the
// heuristic.
func Blend(combinerShare, combined, heuristic float64) float64 {
	return Clamp01(combinerShare*combined + (1-combinerShare)*heuristic)
}

// ProbOr aggregates confidences with a probabilistic OR: the chance that
// at least one contributing signal is right.
func ProbOr(confs []float64) float64 {
	acc := 1.0
	for _, c := range confs {
		acc *= 1 - Clamp01(c)
	}
	return Clamp01(1 - acc)
}
