package facts

import (
	"testing"

	"krishi/internal/config"
)

func TestExtractFindsTopLevelAndNestedSources(t *testing.T) {
	f := map[string]any{
		"prices_fetch": map[string]any{
			"source":   "agmarknet",
			"provider": "government",
			"results": []any{
				map[string]any{"source_id": "rec1", "source_type": "market_portal"},
				map[string]any{"modal_price": 3000.0}, // no attribution, skipped
			},
		},
		"web_search": map[string]any{
			"results": []any{
				map[string]any{"source_id": "blog1", "source_type": "news_blog"},
			},
		},
	}

	got := Extract(f)
	want := []Entry{
		{SourceID: "agmarknet", SourceType: "government", Tool: "prices_fetch"},
		{SourceID: "rec1", SourceType: "market_portal", Tool: "prices_fetch.results"},
		{SourceID: "blog1", SourceType: "news_blog", Tool: "web_search.results"},
	}
	if len(got) != len(want) {
		t.Fatalf("Extract() returned %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Extract()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	f := map[string]any{
		"a": map[string]any{"source_id": "s1", "source_type": "vendor"},
		"b": map[string]any{"source_id": "s2", "source_type": "vendor"},
		"c": map[string]any{"source_id": "s3", "source_type": "vendor"},
	}
	first := Extract(f)
	for i := 0; i < 20; i++ {
		again := Extract(f)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("Extract() order changed between runs: %+v vs %+v", first, again)
			}
		}
	}
}

func TestMergeOrdersByTrustAndBackfillsTypes(t *testing.T) {
	weights := config.DefaultTunables().SourceTypeWeights
	f := map[string]any{
		"web_search": map[string]any{
			"results": []any{
				map[string]any{"source_id": "blog1", "source_type": "news_blog"},
			},
		},
		"prices_fetch": map[string]any{
			"source": "agmarknet", "provider": "government",
		},
	}
	handler := []Entry{
		{SourceID: "icar-advisory", SourceType: "research_institute", Tool: "handler"},
		// Same id as the facts entry but no type: backfilled from it.
		{SourceID: "agmarknet", Tool: "handler"},
	}

	got := Merge(handler, f, weights)

	if got[0].SourceType != "government" {
		t.Fatalf("highest-trust entry first, got %+v", got[0])
	}
	if got[len(got)-1].SourceType != "news_blog" {
		t.Fatalf("lowest-trust entry last, got %+v", got[len(got)-1])
	}
	for _, e := range got {
		if e.SourceType == "" {
			t.Fatalf("entry left without a source type: %+v", e)
		}
		if e.SourceID == "agmarknet" && e.Tool == "handler" && e.SourceType != "government" {
			t.Fatalf("backfill by source id failed: %+v", e)
		}
	}
}

func TestMergeDefaultsUnknownTypeAndDedupes(t *testing.T) {
	weights := config.DefaultTunables().SourceTypeWeights
	handler := []Entry{
		{SourceID: "mystery", Tool: "handler"},
		{SourceID: "mystery", Tool: "handler"},
	}

	got := Merge(handler, map[string]any{}, weights)
	if len(got) != 1 {
		t.Fatalf("Merge() kept %d entries, want 1 after dedupe: %+v", len(got), got)
	}
	if got[0].SourceType != "unknown" {
		t.Fatalf("untyped entry should default to unknown, got %q", got[0].SourceType)
	}
}

func TestWeightFallsBackToUnknown(t *testing.T) {
	weights := map[string]float64{"government": 1.0, "unknown": 0.5}
	if Weight(weights, "government") != 1.0 {
		t.Fatal("known type weight wrong")
	}
	if Weight(weights, "carrier_pigeon") != 0.5 {
		t.Fatal("unlisted type should use the unknown weight")
	}
	if Weight(map[string]float64{}, "anything") != 0.5 {
		t.Fatal("empty weight table should fall back to 0.5")
	}
}

func TestMeanWeight(t *testing.T) {
	weights := config.DefaultTunables().SourceTypeWeights
	entries := []Entry{
		{SourceType: "government"}, // 1.00
		{SourceType: "vendor"},     // 0.60
	}
	if got := MeanWeight(entries, weights); got != 0.8 {
		t.Fatalf("MeanWeight() = %v, want 0.8", got)
	}
	if MeanWeight(nil, weights) != 0 {
		t.Fatal("MeanWeight() on empty input should be 0")
	}
}
