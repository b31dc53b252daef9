// Package tier classifies an organization's baseline tier from observed risk
// signals. Selection is a pure function: monotonic in worst-case severity,
// never averaged down.
package tier

import (
	"stagegate/internal/domain"
)

type Tier string

const (
	Minimal  Tier = "minimal"
	Standard Tier = "standard"
	Strict   Tier = "strict"
)

var ordered = []Tier{Minimal, Standard, Strict}

// severityRank orders signal severities. Unknown severities rank highest so a
// malformed scanner record escalates rather than silently relaxing policy.
func severityRank(severity string) int {
	switch severity {
	case "low":
		return 0
	case "medium":
		return 1
	case "high":
		return 2
	case "critical":
		return 3
	default:
		return 3
	}
}

// Select returns the lowest tier whose guarantees dominate the highest
// observed severity.
func Select(signals []domain.RiskSignal) Tier {
	worst := -1
	for _, s := range signals {
		if r := severityRank(s.Severity); r > worst {
			worst = r
		}
	}
	switch {
	case worst <= 0:
		return Minimal
	case worst == 1:
		return Standard
	default:
		return Strict
	}
}

// Template is a recommended baseline for a tier.
type Template struct {
	Tier          Tier           `json:"tier"`
	SchemaVersion string         `json:"schema_version"`
	Defaults      map[string]any `json:"defaults"`
}

// Recommended returns the baseline template for a tier.
func Recommended(t Tier) Template {
	switch t {
	case Strict:
		return Template{
			Tier:          Strict,
			SchemaVersion: "1.0",
			Defaults: map[string]any{
				"autonomy_mode":       "manual",
				"approval_level":      "security",
				"audit_log":           true,
				"tool_allowlist_only": true,
				"max_session_minutes": 30,
			},
		}
	case Standard:
		return Template{
			Tier:          Standard,
			SchemaVersion: "1.0",
			Defaults: map[string]any{
				"autonomy_mode":       "supervised",
				"approval_level":      "peer",
				"audit_log":           true,
				"tool_allowlist_only": false,
				"max_session_minutes": 120,
			},
		}
	default:
		return Template{
			Tier:          Minimal,
			SchemaVersion: "1.0",
			Defaults: map[string]any{
				"autonomy_mode":       "assisted",
				"approval_level":      "",
				"audit_log":           false,
				"tool_allowlist_only": false,
				"max_session_minutes": 480,
			},
		}
	}
}

// All returns every tier template, lowest first.
func All() []Template {
	out := make([]Template, 0, len(ordered))
	for _, t := range ordered {
		out = append(out, Recommended(t))
	}
	return out
}

// AtLeast reports whether a dominates b in the tier ordering.
func AtLeast(a, b Tier) bool {
	return rank(a) >= rank(b)
}

func rank(t Tier) int {
	for i, v := range ordered {
		if v == t {
			return i
		}
	}
	return 0
}
