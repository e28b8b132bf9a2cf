package probesuite

import "encoding/json"

// parseJSON decodes raw into out, reporting success rather than an error —
// a probe payload that doesn't even parse as JSON is simply not usable for
// metric-path derivation, which is a fail-soft condition here, not a fatal
// one (spec §4.5: "each step's failure records that capability as
// unavailable and proceeds where possible").
func parseJSON(raw []byte, out *map[string]any) bool {
	return json.Unmarshal(raw, out) == nil
}
