// Package compiler merges an org baseline, an environment's overrides, and an
// application's declared constraints into one sealed policy document.
//
// The merge is shallow per top-level key: the last writer for a key wins
// entirely, nested structures are not deep-merged. Operators must be able to
// reason about precedence without recursive merge semantics.
package compiler

import (
	"fmt"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
	"stagegate/internal/seal"
)

// Draft is the compiled output before persistence.
type Draft struct {
	Policy    map[string]any
	Integrity domain.Integrity
}

// Compile layers baseline defaults, the baseline's overrides for the
// profile's environment, and the app spec's constraints (final precedence),
// validates the result against the profile, and seals it.
func Compile(baseline *domain.OrgBaseline, profile *domain.EnvironmentProfile, appSpec *domain.AppSpec, now time.Time) (Draft, error) {
	if baseline == nil {
		return Draft{}, apperr.NotFoundError{Kind: "org baseline"}
	}
	if profile == nil {
		return Draft{}, apperr.NotFoundError{Kind: "environment profile"}
	}
	merged := make(map[string]any, len(baseline.Defaults))
	for k, v := range baseline.Defaults {
		merged[k] = v
	}
	if envDefaults, ok := baseline.EnvOverrides[profile.Environment]; ok {
		for k, v := range envDefaults {
			merged[k] = v
		}
	}
	if appSpec != nil {
		for k, v := range appSpec.Constraints {
			merged[k] = v
		}
	}
	if err := validate(merged, profile); err != nil {
		return Draft{}, err
	}
	integ, err := seal.Seal(merged, now)
	if err != nil {
		return Draft{}, fmt.Errorf("seal policy: %w", err)
	}
	return Draft{Policy: merged, Integrity: integ}, nil
}

// validate enforces profile invariants over the merged document.
func validate(doc map[string]any, profile *domain.EnvironmentProfile) error {
	if overlap := intersect(profile.AllowedCaps, profile.BlockedCaps); len(overlap) > 0 {
		return apperr.ValidationError{
			Field:    "environment_profile.capabilities",
			Expected: "disjoint allow/block lists",
			Actual:   fmt.Sprintf("overlap %v", overlap),
			Message:  "allowed and blocked capability lists intersect",
		}
	}
	allowed := stringSlice(doc["allowed_capabilities"])
	blocked := stringSlice(doc["blocked_capabilities"])
	if overlap := intersect(allowed, blocked); len(overlap) > 0 {
		return apperr.ValidationError{
			Field:    "policy.capabilities",
			Expected: "disjoint allow/block lists",
			Actual:   fmt.Sprintf("overlap %v", overlap),
			Message:  "merged policy allows and blocks the same capability",
		}
	}
	return nil
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []string
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

// stringSlice tolerates both []string and decoded-JSON []any values.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
