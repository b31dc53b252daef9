package tier

import (
	"testing"

	"stagegate/internal/domain"
)

func sig(severity string) domain.RiskSignal {
	return domain.RiskSignal{Severity: severity, Category: "test"}
}

func TestSelectEmptyIsMinimal(t *testing.T) {
	if got := Select(nil); got != Minimal {
		t.Fatalf("empty signal set: got %s", got)
	}
}

func TestSelectByWorstSeverity(t *testing.T) {
	cases := []struct {
		severities []string
		want       Tier
	}{
		{[]string{"low"}, Minimal},
		{[]string{"low", "low"}, Minimal},
		{[]string{"medium"}, Standard},
		{[]string{"low", "medium", "low"}, Standard},
		{[]string{"high"}, Strict},
		{[]string{"critical"}, Strict},
		{[]string{"low", "low", "low", "critical"}, Strict},
	}
	for _, c := range cases {
		var signals []domain.RiskSignal
		for _, s := range c.severities {
			signals = append(signals, sig(s))
		}
		if got := Select(signals); got != c.want {
			t.Fatalf("%v: got %s want %s", c.severities, got, c.want)
		}
	}
}

func TestSelectMonotonic(t *testing.T) {
	base := []domain.RiskSignal{sig("low"), sig("medium")}
	before := Select(base)
	for _, extra := range []string{"medium", "high", "critical"} {
		after := Select(append(append([]domain.RiskSignal{}, base...), sig(extra)))
		if !AtLeast(after, before) {
			t.Fatalf("adding %s downgraded tier %s -> %s", extra, before, after)
		}
	}
}

func TestUnknownSeverityEscalates(t *testing.T) {
	if got := Select([]domain.RiskSignal{sig("bogus")}); got != Strict {
		t.Fatalf("unknown severity should escalate, got %s", got)
	}
}

func TestTemplatesCoverAllTiers(t *testing.T) {
	all := All()
	if len(all) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(all))
	}
	if all[0].Tier != Minimal || all[2].Tier != Strict {
		t.Fatalf("templates out of order: %v", all)
	}
	for _, tpl := range all {
		if tpl.SchemaVersion == "" || len(tpl.Defaults) == 0 {
			t.Fatalf("template %s incomplete", tpl.Tier)
		}
	}
}
