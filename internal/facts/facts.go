// Package facts normalizes raw tool-call outputs into the fact map the
// rule handlers consume, and carries the provenance and confidence
// helpers shared by the engine.
package facts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"krishi/internal/logging"
)

// Build flattens raw tool-call entries into a fact map keyed by tool name.
// Later entries for the same tool overwrite earlier ones. Entries are never
// dropped for being malformed: a missing tool name falls back to a "name"
// field or a positional tool_<idx> key, and non-map outputs are wrapped as
// {"value": output}.
func Build(toolCalls []any, logger logging.Logger) map[string]any {
	logger = logging.OrNop(logger)
	out := make(map[string]any, len(toolCalls))

	for idx, raw := range toolCalls {
		name := fmt.Sprintf("tool_%d", idx)
		var payload any = raw

		if entry, ok := AsMap(raw); ok {
			if s, ok := StringAt(entry, "tool", "name"); ok {
				name = s
			}
			payload = nil
			for _, key := range []string{"output", "result", "response", "data"} {
				if v, ok := entry[key]; ok && v != nil {
					payload = v
					break
				}
			}
		} else {
			logger.Debug("tool call %d is not an object, keeping raw value", idx)
		}

		out[name] = normalizeOutput(name, payload, logger)
	}

	return out
}

func normalizeOutput(tool string, output any, logger logging.Logger) any {
	switch v := output.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		if parsed, ok := parseJSONString(v); ok {
			return parsed
		}
		logger.Debug("tool %s output is a non-JSON string, wrapping raw", tool)
		return map[string]any{"value": v}
	default:
		return map[string]any{"value": v}
	}
}

// parseJSONString decodes a string payload that carries embedded JSON,
// repairing it first when it does not decode as-is.
func parseJSONString(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded, true
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// Overlay merges explicit facts over the normalized tool facts. Explicit
// entries always win on key collision.
func Overlay(base, explicit map[string]any) map[string]any {
	if len(explicit) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(explicit))
	}
	for k, v := range explicit {
		base[k] = v
	}
	return base
}
