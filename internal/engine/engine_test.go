package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Org     domain.Organization
	Project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("acme"))
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	org, err := eng.CreateOrg(ctx, engine.OrgCreateOptions{Name: "Acme", Slug: "acme", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	proj, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{OrgID: org.ID, Name: "assistant", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Org: org, Project: proj}
}

func (env testEnv) seedBaseline(t *testing.T) domain.OrgBaseline {
	t.Helper()
	b, err := env.Engine.SetBaseline(env.Ctx, engine.BaselineSetOptions{
		OrgID:         env.Org.ID,
		SchemaVersion: "1.0",
		Defaults:      map[string]any{"model": "small", "audit_log": false},
		EnvOverrides: map[string]map[string]any{
			"prod": {"audit_log": true},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("set baseline: %v", err)
	}
	return b
}

func (env testEnv) seedProfile(t *testing.T, environment, stage string) domain.EnvironmentProfile {
	t.Helper()
	p, err := env.Engine.UpsertProfile(env.Ctx, engine.ProfileUpsertOptions{
		ProjectID:   env.Project.ID,
		Environment: environment,
		Stage:       stage,
		RiskLevel:   "medium",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	return p
}

func TestBaselineRevisionsAreAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	b1 := env.seedBaseline(t)
	if b1.Revision != 1 {
		t.Fatalf("first revision: %d", b1.Revision)
	}
	if b1.Integrity == nil || b1.Integrity.Hash == "" {
		t.Fatalf("baseline not sealed: %+v", b1.Integrity)
	}
	b2, err := env.Engine.SetBaseline(env.Ctx, engine.BaselineSetOptions{
		OrgID:         env.Org.ID,
		SchemaVersion: "1.1",
		Defaults:      map[string]any{"model": "large"},
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("second baseline: %v", err)
	}
	if b2.Revision != 2 {
		t.Fatalf("second revision: %d", b2.Revision)
	}
	// first revision is still readable, untouched
	got, err := env.Engine.Repo.GetBaseline(env.Ctx, b1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Defaults["model"] != "small" {
		t.Fatalf("revision 1 mutated: %v", got.Defaults)
	}
}

func TestSetBaselineRejectsBadSchemaVersion(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetBaseline(env.Ctx, engine.BaselineSetOptions{
		OrgID:         env.Org.ID,
		SchemaVersion: "v1",
		Defaults:      map[string]any{"model": "small"},
	})
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompileSupersedesPriorPackage(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")

	pkg1, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{
		ProjectID: env.Project.ID, Environment: "prod", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if pkg1.Integrity.Hash == "" || pkg1.Integrity.Signed {
		t.Fatalf("integrity: %+v", pkg1.Integrity)
	}
	if pkg1.Policy["audit_log"] != true {
		t.Fatalf("prod override lost: %v", pkg1.Policy["audit_log"])
	}
	pkg2, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{
		ProjectID: env.Project.ID, Environment: "prod", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	old, err := env.Engine.Repo.GetPackage(env.Ctx, pkg1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !old.Superseded {
		t.Fatalf("first package should be superseded")
	}
	live, err := env.Engine.Repo.LivePackage(env.Ctx, env.Project.ID, "prod")
	if err != nil {
		t.Fatal(err)
	}
	if live.ID != pkg2.ID {
		t.Fatalf("live package: %s, want %s", live.ID, pkg2.ID)
	}
}

func TestCompileTierFollowsWorstSignal(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")

	pkg, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Tier != "minimal" {
		t.Fatalf("tier with no signals: %s", pkg.Tier)
	}
	if _, err := env.Engine.IngestSignal(env.Ctx, engine.SignalIngestOptions{
		ProjectID: env.Project.ID, Severity: "critical", Category: "data_exposure", ActorID: "scanner",
	}); err != nil {
		t.Fatal(err)
	}
	pkg, err = env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Tier != "strict" {
		t.Fatalf("tier after critical signal: %s", pkg.Tier)
	}
	// strict template floor survives where the baseline is silent
	if pkg.Policy["tool_allowlist_only"] != true {
		t.Fatalf("strict floor lost: %v", pkg.Policy["tool_allowlist_only"])
	}
	// baseline still wins over the template where it speaks
	if pkg.Policy["model"] != "small" {
		t.Fatalf("baseline default lost: %v", pkg.Policy["model"])
	}
}

func TestPromotionWalksTheLadder(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")
	pkg, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}

	// skipping dev -> prod is rejected
	_, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg.ID, ToStage: "prod", ApprovalType: "security", Approver: "sec-team", UseCaseRef: "UC-1",
	})
	var pv apperr.PolicyViolation
	if !errors.As(err, &pv) || pv.Condition != "no_stage_skipping" {
		t.Fatalf("skip: %v", err)
	}

	// staging needs peer approval
	_, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{PackageID: pkg.ID, ToStage: "staging"})
	if !errors.As(err, &pv) || pv.Condition != "approval_required" {
		t.Fatalf("missing approval: %v", err)
	}
	pkg, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg.ID, ToStage: "staging", ApprovalType: "peer", Approver: "reviewer",
	})
	if err != nil {
		t.Fatalf("to staging: %v", err)
	}
	if pkg.Stage != "staging" {
		t.Fatalf("stage: %s", pkg.Stage)
	}

	// prod needs security approval and a use-case reference
	_, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg.ID, ToStage: "prod", ApprovalType: "security", Approver: "sec-team",
	})
	if !errors.As(err, &pv) || pv.Condition != "use_case_ref_required" {
		t.Fatalf("missing use case: %v", err)
	}
	pkg, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg.ID, ToStage: "prod", ApprovalType: "security", Approver: "sec-team", UseCaseRef: "UC-1",
	})
	if err != nil {
		t.Fatalf("to prod: %v", err)
	}
	if pkg.Stage != "prod" {
		t.Fatalf("stage: %s", pkg.Stage)
	}
}

func TestDemotionAlwaysAllowedAndLoggedDistinctly(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "staging")
	pkg, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod", CorrelationID: "cabc123def456"})
	if err != nil {
		t.Fatal(err)
	}
	pkg, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg.ID, ToStage: "dev", ActorID: "oncall", CorrelationID: "cabc123def456",
	})
	if err != nil {
		t.Fatalf("demotion must not require approval: %v", err)
	}
	if pkg.Stage != "dev" {
		t.Fatalf("stage: %s", pkg.Stage)
	}
	evts, err := env.Engine.Events.List(env.Ctx, env.Org.ID, "cabc123def456", 10)
	if err != nil {
		t.Fatal(err)
	}
	var sawDemoted bool
	for _, ev := range evts {
		if ev.Type == "package.demoted" {
			sawDemoted = true
		}
		if ev.Type == "package.promoted" {
			t.Fatalf("demotion logged as promotion")
		}
	}
	if !sawDemoted {
		t.Fatalf("no package.demoted event in %d events", len(evts))
	}
}

func TestPromoteSupersededPackageRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")
	pkg1, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.PromotePackage(env.Ctx, engine.PromoteOptions{
		PackageID: pkg1.ID, ToStage: "staging", ApprovalType: "peer", Approver: "reviewer",
	})
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("promote of superseded package: %v", err)
	}
}

func TestAppSpecConstraintsTakeFinalPrecedence(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")
	if _, err := env.Engine.PutAppSpec(env.Ctx, engine.AppSpecPutOptions{
		ProjectID:     env.Project.ID,
		SchemaVersion: "1.0",
		Constraints:   map[string]any{"model": "pinned", "audit_log": true},
		ActorID:       "tester",
	}); err != nil {
		t.Fatal(err)
	}
	pkg, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Policy["model"] != "pinned" {
		t.Fatalf("app constraint lost: %v", pkg.Policy["model"])
	}
}

func TestVerifyPackageDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	env.seedBaseline(t)
	env.seedProfile(t, "prod", "dev")
	pkg, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	ok, _, err := env.Engine.VerifyPackage(env.Ctx, pkg.ID)
	if err != nil || !ok {
		t.Fatalf("fresh package must verify: ok=%v err=%v", ok, err)
	}
	// tamper with the stored policy behind the seal's back
	if _, err := env.Engine.DB.Exec(`UPDATE compiled_packages SET policy_json=? WHERE id=?`,
		`{"model":"tampered"}`, pkg.ID); err != nil {
		t.Fatal(err)
	}
	ok, _, err = env.Engine.VerifyPackage(env.Ctx, pkg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("tampered package must not verify")
	}
}

func TestPreviewTierTracksSignals(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewTier(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if preview.Tier != "minimal" || preview.SignalCount != 0 {
		t.Fatalf("empty preview: %+v", preview)
	}
	if _, err := env.Engine.IngestSignal(env.Ctx, engine.SignalIngestOptions{
		ProjectID: env.Project.ID, Severity: "medium", Category: "prompt_injection", ActorID: "scanner",
	}); err != nil {
		t.Fatal(err)
	}
	preview, err = env.Engine.PreviewTier(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if preview.Tier != "standard" || preview.SignalCount != 1 {
		t.Fatalf("preview after medium signal: %+v", preview)
	}
	if preview.Defaults["approval_level"] != "peer" {
		t.Fatalf("standard template defaults: %v", preview.Defaults)
	}
}

func TestCompileWithoutProfileOrBaseline(t *testing.T) {
	env := newTestEnv(t)
	var nf apperr.NotFoundError
	_, err := env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if !errors.As(err, &nf) {
		t.Fatalf("no baseline: %v", err)
	}
	env.seedBaseline(t)
	_, err = env.Engine.CompilePackage(env.Ctx, engine.CompileOptions{ProjectID: env.Project.ID, Environment: "prod"})
	if !errors.As(err, &nf) {
		t.Fatalf("no profile: %v", err)
	}
}
