// Package engine orchestrates the stagegate core: it owns transactions,
// calls the pure compiler/ladder/tier components, and appends the audit
// events that ride with every state change.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/compiler"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/ladder"
	"stagegate/internal/repo"
	"stagegate/internal/seal"
	"stagegate/internal/tier"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// OrgCreateOptions are parameters for creating an organization.
type OrgCreateOptions struct {
	Name          string
	Slug          string
	Description   string
	Settings      map[string]any
	ActorID       string
	CorrelationID string
}

// CreateOrg creates an organization and seeds its promotion ladder from the
// loaded config so a fresh org is never implicitly unguarded.
func (e Engine) CreateOrg(ctx context.Context, opts OrgCreateOptions) (domain.Organization, error) {
	if opts.Name == "" {
		return domain.Organization{}, apperr.ValidationError{Field: "name", Message: "name is required"}
	}
	if opts.Slug == "" {
		return domain.Organization{}, apperr.ValidationError{Field: "slug", Message: "slug is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	o := domain.Organization{
		ID:          domain.NewID("org"),
		Name:        opts.Name,
		Slug:        opts.Slug,
		Settings:    opts.Settings,
		Description: opts.Description,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org: %w", err)
	}
	if e.Config != nil && len(e.Config.Ladder.Stages) > 0 {
		stages := stagesFromConfig(o.ID, e.Config.Ladder.Stages)
		if _, err := ladder.New(o.ID, stages); err != nil {
			return domain.Organization{}, err
		}
		if err := e.Repo.ReplaceLadder(ctx, tx, o.ID, stages); err != nil {
			return domain.Organization{}, fmt.Errorf("seed ladder: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "org.created", OrgID: o.ID, EntityKind: "organization", EntityID: o.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"slug": o.Slug}); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	OrgID         string
	Name          string
	Description   string
	ActorID       string
	CorrelationID string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, apperr.ValidationError{Field: "name", Message: "name is required"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          domain.NewID("proj"),
		OrgID:       opts.OrgID,
		Name:        opts.Name,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.created", OrgID: p.OrgID, EntityKind: "project", EntityID: p.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// BaselineSetOptions are parameters for publishing a new baseline revision.
type BaselineSetOptions struct {
	OrgID         string
	SchemaVersion string
	Defaults      map[string]any
	EnvOverrides  map[string]map[string]any
	ActorID       string
	CorrelationID string
}

// SetBaseline publishes a new immutable baseline revision for an org.
// Existing revisions are never edited; compiled packages keep pointing at the
// revision they were sealed against.
func (e Engine) SetBaseline(ctx context.Context, opts BaselineSetOptions) (domain.OrgBaseline, error) {
	if !domain.ValidSchemaVersion(opts.SchemaVersion) {
		return domain.OrgBaseline{}, apperr.ValidationError{
			Field:    "schema_version",
			Expected: "MAJOR.MINOR or MAJOR.MINOR.PATCH",
			Actual:   opts.SchemaVersion,
			Message:  "schema version must be a two- or three-part version string",
		}
	}
	if len(opts.Defaults) == 0 {
		return domain.OrgBaseline{}, apperr.ValidationError{Field: "defaults", Message: "defaults must not be empty"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.OrgBaseline{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrgBaseline{}, err
	}
	defer tx.Rollback()

	rev, err := e.Repo.MaxBaselineRevision(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.OrgBaseline{}, err
	}
	b := domain.OrgBaseline{
		ID:            domain.NewID("base"),
		OrgID:         opts.OrgID,
		Revision:      rev + 1,
		SchemaVersion: opts.SchemaVersion,
		Defaults:      opts.Defaults,
		EnvOverrides:  opts.EnvOverrides,
		CreatedAt:     e.ts(),
	}
	integ, err := seal.Seal(baselineDoc(b), e.now())
	if err != nil {
		return domain.OrgBaseline{}, fmt.Errorf("seal baseline: %w", err)
	}
	b.Integrity = &integ
	if err := e.Repo.InsertBaseline(ctx, tx, b); err != nil {
		return domain.OrgBaseline{}, fmt.Errorf("insert baseline: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "baseline.published", OrgID: b.OrgID, EntityKind: "org_baseline", EntityID: b.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"revision": b.Revision, "hash": integ.Hash}); err != nil {
		return domain.OrgBaseline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrgBaseline{}, err
	}
	return b, nil
}

func baselineDoc(b domain.OrgBaseline) map[string]any {
	overrides := make(map[string]any, len(b.EnvOverrides))
	for env, vals := range b.EnvOverrides {
		overrides[env] = vals
	}
	return map[string]any{
		"schema_version": b.SchemaVersion,
		"defaults":       b.Defaults,
		"env_overrides":  overrides,
	}
}

// AppSpecPutOptions are parameters for declaring a project's app spec.
type AppSpecPutOptions struct {
	ProjectID     string
	SchemaVersion string
	Constraints   map[string]any
	ActorID       string
	CorrelationID string
}

// PutAppSpec creates or replaces the project's single app spec.
func (e Engine) PutAppSpec(ctx context.Context, opts AppSpecPutOptions) (domain.AppSpec, error) {
	if !domain.ValidSchemaVersion(opts.SchemaVersion) {
		return domain.AppSpec{}, apperr.ValidationError{
			Field:    "schema_version",
			Expected: "MAJOR.MINOR or MAJOR.MINOR.PATCH",
			Actual:   opts.SchemaVersion,
			Message:  "schema version must be a two- or three-part version string",
		}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.AppSpec{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppSpec{}, err
	}
	defer tx.Rollback()

	ts := e.ts()
	s := domain.AppSpec{
		ID:            domain.NewID("spec"),
		ProjectID:     opts.ProjectID,
		SchemaVersion: opts.SchemaVersion,
		Constraints:   opts.Constraints,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if existing, err := e.Repo.GetAppSpec(ctx, opts.ProjectID); err == nil {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	if err := e.Repo.UpsertAppSpec(ctx, tx, s); err != nil {
		return domain.AppSpec{}, fmt.Errorf("upsert app spec: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "appspec.updated", OrgID: p.OrgID, EntityKind: "app_spec", EntityID: s.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"project_id": p.ID, "schema_version": s.SchemaVersion}); err != nil {
		return domain.AppSpec{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AppSpec{}, err
	}
	return s, nil
}

// ProfileUpsertOptions are parameters for defining an environment profile.
type ProfileUpsertOptions struct {
	ProjectID     string
	Environment   string
	Stage         string
	RiskLevel     string
	AutonomyMode  string
	AllowedCaps   []string
	BlockedCaps   []string
	ApprovalLevel string
	ActorID       string
	CorrelationID string
}

// UpsertProfile creates or updates the profile for a project+environment.
// The profile's stage must exist on the org's ladder.
func (e Engine) UpsertProfile(ctx context.Context, opts ProfileUpsertOptions) (domain.EnvironmentProfile, error) {
	if opts.Environment == "" {
		return domain.EnvironmentProfile{}, apperr.ValidationError{Field: "environment", Message: "environment is required"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.EnvironmentProfile{}, err
	}
	lad, err := e.loadLadder(ctx, p.OrgID)
	if err != nil {
		return domain.EnvironmentProfile{}, err
	}
	stage := opts.Stage
	if stage == "" {
		stage = lad.First().Name
	} else if _, err := lad.Stage(stage); err != nil {
		return domain.EnvironmentProfile{}, err
	}
	riskLevel := opts.RiskLevel
	if riskLevel == "" {
		riskLevel = "medium"
	}
	autonomy := opts.AutonomyMode
	if autonomy == "" {
		autonomy = "supervised"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EnvironmentProfile{}, err
	}
	defer tx.Rollback()

	ts := e.ts()
	prof := domain.EnvironmentProfile{
		ID:            domain.NewID("env"),
		ProjectID:     opts.ProjectID,
		Environment:   opts.Environment,
		Stage:         stage,
		RiskLevel:     riskLevel,
		AutonomyMode:  autonomy,
		AllowedCaps:   opts.AllowedCaps,
		BlockedCaps:   opts.BlockedCaps,
		ApprovalLevel: opts.ApprovalLevel,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if existing, err := e.Repo.GetProfile(ctx, opts.ProjectID, opts.Environment); err == nil {
		prof.ID = existing.ID
		prof.CreatedAt = existing.CreatedAt
	}
	if err := e.Repo.UpsertProfile(ctx, tx, prof); err != nil {
		return domain.EnvironmentProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "profile.updated", OrgID: p.OrgID, EntityKind: "environment_profile", EntityID: prof.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"project_id": p.ID, "environment": prof.Environment}); err != nil {
		return domain.EnvironmentProfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EnvironmentProfile{}, err
	}
	return prof, nil
}

// PutLadder replaces an org's promotion ladder. The swap happens in one
// transaction; a concurrent promote sees either the old or the new ladder,
// never a mix.
func (e Engine) PutLadder(ctx context.Context, orgID string, stages []domain.LadderStage, actorID, correlationID string) ([]domain.LadderStage, error) {
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i].OrgID = orgID
	}
	lad, err := ladder.New(orgID, stages)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.ReplaceLadder(ctx, tx, orgID, lad.Stages); err != nil {
		return nil, fmt.Errorf("replace ladder: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "ladder.updated", OrgID: orgID, EntityKind: "ladder", EntityID: orgID,
		ActorID: actorID, CorrelationID: correlationID,
	}, events.EventPayload{"stages": len(lad.Stages)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lad.Stages, nil
}

func (e Engine) loadLadder(ctx context.Context, orgID string) (*ladder.Ladder, error) {
	stages, err := e.Repo.ListLadderStages(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return ladder.New(orgID, stages)
}

// CompileOptions are parameters for compiling a policy package.
type CompileOptions struct {
	ProjectID     string
	Environment   string
	ActorID       string
	CorrelationID string
}

// CompilePackage selects the org's tier from observed risk signals, merges
// tier template, baseline, environment overrides and app constraints, seals
// the result, and records it as the live package for the environment. The
// previous live package is superseded, never edited.
func (e Engine) CompilePackage(ctx context.Context, opts CompileOptions) (domain.CompiledPackage, error) {
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	baseline, err := e.Repo.LatestBaseline(ctx, p.OrgID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	profile, err := e.Repo.GetProfile(ctx, opts.ProjectID, opts.Environment)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	var appSpec *domain.AppSpec
	if s, err := e.Repo.GetAppSpec(ctx, opts.ProjectID); err == nil {
		appSpec = &s
	} else {
		var nf apperr.NotFoundError
		if !errors.As(err, &nf) {
			return domain.CompiledPackage{}, err
		}
	}
	signals, err := e.Repo.ListRiskSignals(ctx, opts.ProjectID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	selected := tier.Select(signals)
	// The tier template is the floor of the merge; the baseline layers over
	// it, so org defaults can tighten but templates keep the minimum posture.
	effective := baseline
	effective.Defaults = overlay(tier.Recommended(selected).Defaults, baseline.Defaults)

	draft, err := compiler.Compile(&effective, &profile, appSpec, e.now())
	if err != nil {
		return domain.CompiledPackage{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	defer tx.Rollback()

	pkg := domain.CompiledPackage{
		ID:            domain.NewID("pkg"),
		ProjectID:     p.ID,
		Environment:   profile.Environment,
		BaselineID:    baseline.ID,
		ProfileID:     profile.ID,
		Stage:         profile.Stage,
		Tier:          string(selected),
		SchemaVersion: baseline.SchemaVersion,
		Policy:        draft.Policy,
		Integrity:     draft.Integrity,
		CreatedAt:     e.ts(),
	}
	if err := e.Repo.SupersedePackages(ctx, tx, p.ID, profile.Environment); err != nil {
		return domain.CompiledPackage{}, fmt.Errorf("supersede packages: %w", err)
	}
	if err := e.Repo.InsertPackage(ctx, tx, pkg); err != nil {
		return domain.CompiledPackage{}, fmt.Errorf("insert package: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "package.compiled", OrgID: p.OrgID, EntityKind: "compiled_package", EntityID: pkg.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{
		"project_id": p.ID, "environment": pkg.Environment,
		"tier": pkg.Tier, "hash": pkg.Integrity.Hash, "baseline_revision": baseline.Revision,
	}); err != nil {
		return domain.CompiledPackage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompiledPackage{}, err
	}
	return pkg, nil
}

func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// PromoteOptions are parameters for moving a package between stages.
type PromoteOptions struct {
	PackageID     string
	ToStage       string
	ApprovalType  string
	Approver      string
	UseCaseRef    string
	ActorID       string
	CorrelationID string
}

// PromotePackage asks the org ladder whether the package may move, then
// records the move. Demotions are always allowed but logged under their own
// event type.
func (e Engine) PromotePackage(ctx context.Context, opts PromoteOptions) (domain.CompiledPackage, error) {
	pkg, err := e.Repo.GetPackage(ctx, opts.PackageID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	if pkg.Superseded {
		return domain.CompiledPackage{}, apperr.ValidationError{
			Field:    "package_id",
			Expected: "live package",
			Actual:   "superseded",
			Message:  "cannot promote a superseded package; recompile first",
		}
	}
	p, err := e.Repo.GetProject(ctx, pkg.ProjectID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	lad, err := e.loadLadder(ctx, p.OrgID)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	req := ladder.Request{
		FromStage:  pkg.Stage,
		ToStage:    opts.ToStage,
		UseCaseRef: opts.UseCaseRef,
	}
	if opts.ApprovalType != "" || opts.Approver != "" {
		req.Approval = &ladder.Approval{Type: opts.ApprovalType, Approver: opts.Approver}
	}
	decision, err := lad.Validate(req)
	if err != nil {
		return domain.CompiledPackage{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompiledPackage{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetPackageStage(ctx, tx, pkg.ID, opts.ToStage); err != nil {
		return domain.CompiledPackage{}, err
	}
	evtType := "package.promoted"
	if decision.Demotion {
		evtType = "package.demoted"
	}
	payload := events.EventPayload{
		"from_stage": pkg.Stage, "to_stage": opts.ToStage,
		"from_order": decision.FromOrder, "to_order": decision.ToOrder,
	}
	if req.Approval != nil {
		payload["approval_type"] = req.Approval.Type
		payload["approver"] = req.Approval.Approver
	}
	if opts.UseCaseRef != "" {
		payload["use_case_ref"] = opts.UseCaseRef
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: evtType, OrgID: p.OrgID, EntityKind: "compiled_package", EntityID: pkg.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, payload); err != nil {
		return domain.CompiledPackage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompiledPackage{}, err
	}
	pkg.Stage = opts.ToStage
	return pkg, nil
}

// SignalIngestOptions are parameters for recording a risk signal.
type SignalIngestOptions struct {
	ProjectID     string
	Severity      string
	Category      string
	Context       string
	ActorID       string
	CorrelationID string
}

// IngestSignal records a risk signal. Signals only ever escalate the tier of
// later compilations; ingestion never relaxes an existing package.
func (e Engine) IngestSignal(ctx context.Context, opts SignalIngestOptions) (domain.RiskSignal, error) {
	switch opts.Severity {
	case "low", "medium", "high", "critical":
	default:
		return domain.RiskSignal{}, apperr.ValidationError{
			Field:    "severity",
			Expected: "low, medium, high or critical",
			Actual:   opts.Severity,
			Message:  "unknown severity",
		}
	}
	if opts.Category == "" {
		return domain.RiskSignal{}, apperr.ValidationError{Field: "category", Message: "category is required"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	defer tx.Rollback()

	s := domain.RiskSignal{
		ID:        domain.NewID("sig"),
		ProjectID: opts.ProjectID,
		Severity:  opts.Severity,
		Category:  opts.Category,
		Context:   opts.Context,
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertRiskSignal(ctx, tx, s); err != nil {
		return domain.RiskSignal{}, fmt.Errorf("insert risk signal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "signal.ingested", OrgID: p.OrgID, EntityKind: "risk_signal", EntityID: s.ID,
		ActorID: opts.ActorID, CorrelationID: opts.CorrelationID,
	}, events.EventPayload{"severity": s.Severity, "category": s.Category}); err != nil {
		return domain.RiskSignal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskSignal{}, err
	}
	return s, nil
}

func stagesFromConfig(orgID string, stages []config.StageConfig) []domain.LadderStage {
	out := make([]domain.LadderStage, 0, len(stages))
	for _, s := range stages {
		out = append(out, domain.LadderStage{
			OrgID:              orgID,
			Name:               s.Name,
			OrderIndex:         s.OrderIndex,
			RiskLevel:          s.RiskLevel,
			RequiresApproval:   s.RequiresApproval,
			ApprovalType:       s.ApprovalType,
			UseCaseRefRequired: s.UseCaseRefRequired,
		})
	}
	return out
}

// TierPreview reports which baseline tier the project's observed risk
// signals currently select, before any compile commits to it.
type TierPreview struct {
	Tier        string
	Defaults    map[string]any
	SignalCount int
}

// PreviewTier runs tier selection over the stored risk signals and returns
// the recommended template without compiling anything.
func (e Engine) PreviewTier(ctx context.Context, projectID string) (TierPreview, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return TierPreview{}, err
	}
	signals, err := e.Repo.ListRiskSignals(ctx, projectID)
	if err != nil {
		return TierPreview{}, err
	}
	selected := tier.Select(signals)
	return TierPreview{
		Tier:        string(selected),
		Defaults:    tier.Recommended(selected).Defaults,
		SignalCount: len(signals),
	}, nil
}

// VerifyPackage recomputes the content hash over a stored package's policy
// and compares it with the sealed integrity record. A mismatch means the
// stored document drifted after sealing.
func (e Engine) VerifyPackage(ctx context.Context, packageID string) (bool, domain.CompiledPackage, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return false, domain.CompiledPackage{}, err
	}
	hash, err := seal.Hash(pkg.Policy)
	if err != nil {
		return false, pkg, err
	}
	return hash == pkg.Integrity.Hash, pkg, nil
}
