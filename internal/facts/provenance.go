package facts

import (
	"sort"
)

// Entry is a single provenance record tying a fact back to its source.
type Entry struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Tool       string `json:"tool"`
}

// listFactKeys are the nested list fields whose elements may carry
// per-item source attribution.
var listFactKeys = []string{"results", "varieties", "matched", "items", "series"}

// Extract scans a fact map for source attribution: top-level
// source_id/source and source_type/provider fields, plus per-item fields
// inside known list shapes, labeled "tool.subkey". Tool keys are visited in
// sorted order so output is deterministic.
func Extract(f map[string]any) []Entry {
	tools := make([]string, 0, len(f))
	for tool := range f {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var entries []Entry
	for _, tool := range tools {
		data, ok := AsMap(f[tool])
		if !ok {
			continue
		}

		if e, ok := entryFromMap(data, tool); ok {
			entries = append(entries, e)
		}

		for _, key := range listFactKeys {
			items, ok := SliceAt(data, key)
			if !ok {
				continue
			}
			for _, raw := range items {
				item, ok := AsMap(raw)
				if !ok {
					continue
				}
				if e, ok := entryFromMap(item, tool+"."+key); ok {
					entries = append(entries, e)
				}
			}
		}
	}

	return dedupe(entries)
}

func entryFromMap(m map[string]any, tool string) (Entry, bool) {
	id, _ := StringAt(m, "source_id", "source")
	st, _ := StringAt(m, "source_type", "provider")
	if id == "" && st == "" {
		return Entry{}, false
	}
	return Entry{SourceID: id, SourceType: st, Tool: tool}, true
}

// Merge combines handler-reported provenance with what Extract finds in
// the facts. Handler entries come first. Entries missing a source type are
// backfilled from another entry with the same source id, then default to
// "unknown". The result is deduped and ordered by descending source-type
// weight, ties keeping first-seen order.
func Merge(handler []Entry, f map[string]any, weights map[string]float64) []Entry {
	merged := make([]Entry, 0, len(handler)+4)
	merged = append(merged, handler...)
	merged = append(merged, Extract(f)...)

	typeByID := make(map[string]string)
	for _, e := range merged {
		if e.SourceID != "" && e.SourceType != "" {
			if _, seen := typeByID[e.SourceID]; !seen {
				typeByID[e.SourceID] = e.SourceType
			}
		}
	}
	for i := range merged {
		if merged[i].SourceType == "" {
			if st, ok := typeByID[merged[i].SourceID]; ok && merged[i].SourceID != "" {
				merged[i].SourceType = st
			} else {
				merged[i].SourceType = "unknown"
			}
		}
	}

	return Prioritize(dedupe(merged), weights)
}

// Prioritize orders entries by descending source-type weight. The sort is
// stable so equal weights keep their first-seen order.
func Prioritize(entries []Entry, weights map[string]float64) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return Weight(weights, entries[i].SourceType) > Weight(weights, entries[j].SourceType)
	})
	return entries
}

// Weight looks up the trust weight for a source type, falling back to the
// "unknown" weight, then 0.5.
func Weight(weights map[string]float64, sourceType string) float64 {
	if w, ok := weights[sourceType]; ok {
		return w
	}
	if w, ok := weights["unknown"]; ok {
		return w
	}
	return 0.5
}

// MeanWeight averages the trust weights of entries; 0 when empty.
func MeanWeight(entries []Entry, weights map[string]float64) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += Weight(weights, e.SourceType)
	}
	return sum / float64(len(entries))
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[Entry]struct{}, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
