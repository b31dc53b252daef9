package compiler

import (
	"errors"
	"testing"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testBaseline() *domain.OrgBaseline {
	return &domain.OrgBaseline{
		ID:            "base_00000000000000aa",
		OrgID:         "org_00000000000000aa",
		Revision:      1,
		SchemaVersion: "1.0",
		Defaults: map[string]any{
			"model":               "small",
			"audit_log":           false,
			"max_session_minutes": 480,
		},
		EnvOverrides: map[string]map[string]any{
			"staging": {"audit_log": true},
			"prod":    {"audit_log": true, "model": "large"},
		},
	}
}

func testProfile(env string) *domain.EnvironmentProfile {
	return &domain.EnvironmentProfile{
		ID:          "env_00000000000000aa",
		ProjectID:   "proj_00000000000000aa",
		Environment: env,
		Stage:       env,
		RiskLevel:   "medium",
	}
}

func TestMergePrecedence(t *testing.T) {
	appSpec := &domain.AppSpec{
		ID:            "spec_00000000000000aa",
		ProjectID:     "proj_00000000000000aa",
		SchemaVersion: "1.0",
		Constraints:   map[string]any{"model": "custom"},
	}
	draft, err := Compile(testBaseline(), testProfile("prod"), appSpec, testNow)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// app constraint beats env override beats baseline default
	if draft.Policy["model"] != "custom" {
		t.Fatalf("model: %v", draft.Policy["model"])
	}
	if draft.Policy["audit_log"] != true {
		t.Fatalf("audit_log should come from env override: %v", draft.Policy["audit_log"])
	}
	if draft.Policy["max_session_minutes"] != 480 {
		t.Fatalf("max_session_minutes should come from baseline: %v", draft.Policy["max_session_minutes"])
	}
}

func TestMergeIsShallow(t *testing.T) {
	b := testBaseline()
	b.Defaults["limits"] = map[string]any{"rpm": 60, "tpm": 1000}
	b.EnvOverrides["prod"]["limits"] = map[string]any{"rpm": 10}
	draft, err := Compile(b, testProfile("prod"), nil, testNow)
	if err != nil {
		t.Fatal(err)
	}
	limits, ok := draft.Policy["limits"].(map[string]any)
	if !ok {
		t.Fatalf("limits type: %T", draft.Policy["limits"])
	}
	// last writer wins for the whole key; tpm must not survive
	if _, present := limits["tpm"]; present {
		t.Fatalf("expected shallow replace, got deep merge: %v", limits)
	}
	if limits["rpm"] != 10 {
		t.Fatalf("rpm: %v", limits["rpm"])
	}
}

func TestMergeUnknownEnvironmentUsesDefaults(t *testing.T) {
	draft, err := Compile(testBaseline(), testProfile("dev"), nil, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Policy["audit_log"] != false {
		t.Fatalf("dev has no override; audit_log: %v", draft.Policy["audit_log"])
	}
}

func TestCompileSealsOutput(t *testing.T) {
	d1, err := Compile(testBaseline(), testProfile("staging"), nil, testNow)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Compile(testBaseline(), testProfile("staging"), nil, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Integrity.Hash == "" || d1.Integrity.Hash != d2.Integrity.Hash {
		t.Fatalf("hash not deterministic: %s vs %s", d1.Integrity.Hash, d2.Integrity.Hash)
	}
	if d1.Integrity.Signed {
		t.Fatalf("signed must be false")
	}
	if d1.Integrity.HashAlg != "sha256" {
		t.Fatalf("hash_alg: %s", d1.Integrity.HashAlg)
	}
}

func TestCompileRejectsOverlappingProfileCaps(t *testing.T) {
	p := testProfile("prod")
	p.AllowedCaps = []string{"net.fetch", "fs.read"}
	p.BlockedCaps = []string{"fs.read"}
	_, err := Compile(testBaseline(), p, nil, testNow)
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompileRejectsOverlappingPolicyCaps(t *testing.T) {
	appSpec := &domain.AppSpec{
		Constraints: map[string]any{
			"allowed_capabilities": []string{"net.fetch"},
			"blocked_capabilities": []string{"net.fetch"},
		},
	}
	_, err := Compile(testBaseline(), testProfile("prod"), appSpec, testNow)
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompileMissingInputs(t *testing.T) {
	var nf apperr.NotFoundError
	if _, err := Compile(nil, testProfile("dev"), nil, testNow); !errors.As(err, &nf) {
		t.Fatalf("nil baseline: %v", err)
	}
	if _, err := Compile(testBaseline(), nil, nil, testNow); !errors.As(err, &nf) {
		t.Fatalf("nil profile: %v", err)
	}
}
