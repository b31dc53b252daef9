package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
)

// Repo is the narrow persistence contract the core depends on. The core
// never issues raw queries outside this package.
type Repo struct {
	DB *sql.DB
}

func notFound(kind, id string) error {
	return apperr.NotFoundError{Kind: kind, ID: id}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

// --- organizations ---

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Organization) error {
	settings, err := marshalJSON(o.Settings)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO organizations(id,name,slug,settings_json,description,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, o.Slug, settings, nullable(o.Description), o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	return scanOrg(r.DB.QueryRowContext(ctx,
		`SELECT id,name,slug,settings_json,COALESCE(description,''),created_at FROM organizations WHERE id=?`, id), id)
}

func (r Repo) GetOrgBySlug(ctx context.Context, slug string) (domain.Organization, error) {
	return scanOrg(r.DB.QueryRowContext(ctx,
		`SELECT id,name,slug,settings_json,COALESCE(description,''),created_at FROM organizations WHERE slug=?`, slug), slug)
}

func scanOrg(row *sql.Row, ref string) (domain.Organization, error) {
	var o domain.Organization
	var settings sql.NullString
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &settings, &o.Description, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, notFound("organization", ref)
	}
	if err != nil {
		return o, err
	}
	o.Settings = unmarshalMap(settings)
	return o, nil
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,slug,settings_json,COALESCE(description,''),created_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		var settings sql.NullString
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &settings, &o.Description, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Settings = unmarshalMap(settings)
		res = append(res, o)
	}
	return res, rows.Err()
}

// SingleOrg returns the org when exactly one exists, used by the CLI to
// infer the target org in single-tenant workspaces.
func (r Repo) SingleOrg(ctx context.Context) (domain.Organization, error) {
	orgs, err := r.ListOrgs(ctx)
	if err != nil {
		return domain.Organization{}, err
	}
	if len(orgs) != 1 {
		return domain.Organization{}, notFound("organization", "")
	}
	return orgs[0], nil
}

// --- org configs ---

// SaveOrgConfig stores the imported operating config YAML for an org so other
// workspaces pointed at the same DB resolve the same ladder and knobs.
func (r Repo) SaveOrgConfig(ctx context.Context, tx *sql.Tx, orgID, configYAML string) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	_, err := exec(ctx, r.DB, tx, `INSERT INTO org_configs(org_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(org_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		orgID, configYAML, ts, ts)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (string, error) {
	var yaml string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM org_configs WHERE org_id=?`, orgID).Scan(&yaml)
	if err == sql.ErrNoRows {
		return "", notFound("org config", orgID)
	}
	return yaml, err
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO projects(id,org_id,name,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,org_id,name,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, notFound("project", id)
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = []string{"org_id=?"}
		args = append(args, orgID)
	}
	query := `SELECT id,org_id,name,status,COALESCE(description,''),created_at FROM projects WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- org baselines ---

// InsertBaseline stores a new baseline revision. History is never mutated;
// the caller assigns Revision as previous max + 1.
func (r Repo) InsertBaseline(ctx context.Context, tx *sql.Tx, b domain.OrgBaseline) error {
	defaults, err := marshalJSON(b.Defaults)
	if err != nil {
		return err
	}
	overrides, err := marshalJSON(b.EnvOverrides)
	if err != nil {
		return err
	}
	integrity, err := marshalJSON(b.Integrity)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO org_baselines(id,org_id,revision,schema_version,defaults_json,env_overrides_json,integrity_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.OrgID, b.Revision, b.SchemaVersion, defaults, overrides, integrity, b.CreatedAt)
	return err
}

func (r Repo) GetBaseline(ctx context.Context, id string) (domain.OrgBaseline, error) {
	return scanBaseline(r.DB.QueryRowContext(ctx, baselineSelect+` WHERE id=?`, id), id)
}

// LatestBaseline returns the highest revision for an org.
func (r Repo) LatestBaseline(ctx context.Context, orgID string) (domain.OrgBaseline, error) {
	return scanBaseline(r.DB.QueryRowContext(ctx, baselineSelect+` WHERE org_id=? ORDER BY revision DESC LIMIT 1`, orgID), orgID)
}

// MaxBaselineRevision returns the current max revision for an org (0 if none).
func (r Repo) MaxBaselineRevision(ctx context.Context, tx *sql.Tx, orgID string) (int, error) {
	var rev int
	err := queryRow(ctx, r.DB, tx, `SELECT COALESCE(MAX(revision),0) FROM org_baselines WHERE org_id=?`, orgID).Scan(&rev)
	return rev, err
}

const baselineSelect = `SELECT id,org_id,revision,schema_version,defaults_json,env_overrides_json,integrity_json,created_at FROM org_baselines`

func scanBaseline(row *sql.Row, ref string) (domain.OrgBaseline, error) {
	var b domain.OrgBaseline
	var defaults string
	var overrides, integrity sql.NullString
	err := row.Scan(&b.ID, &b.OrgID, &b.Revision, &b.SchemaVersion, &defaults, &overrides, &integrity, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, notFound("org baseline", ref)
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(defaults), &b.Defaults); err != nil {
		return b, fmt.Errorf("decode baseline defaults: %w", err)
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &b.EnvOverrides); err != nil {
			return b, fmt.Errorf("decode baseline overrides: %w", err)
		}
	}
	if integrity.Valid && integrity.String != "" {
		var integ domain.Integrity
		if err := json.Unmarshal([]byte(integrity.String), &integ); err != nil {
			return b, fmt.Errorf("decode baseline integrity: %w", err)
		}
		b.Integrity = &integ
	}
	return b, nil
}

// --- app specs ---

func (r Repo) UpsertAppSpec(ctx context.Context, tx *sql.Tx, s domain.AppSpec) error {
	constraints, err := marshalJSON(s.Constraints)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO app_specs(id,project_id,schema_version,constraints_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET schema_version=excluded.schema_version, constraints_json=excluded.constraints_json, updated_at=excluded.updated_at`,
		s.ID, s.ProjectID, s.SchemaVersion, constraints, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetAppSpec(ctx context.Context, projectID string) (domain.AppSpec, error) {
	var s domain.AppSpec
	var constraints string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,project_id,schema_version,constraints_json,created_at,updated_at FROM app_specs WHERE project_id=?`, projectID).
		Scan(&s.ID, &s.ProjectID, &s.SchemaVersion, &constraints, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, notFound("app spec", projectID)
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(constraints), &s.Constraints); err != nil {
		return s, fmt.Errorf("decode app spec constraints: %w", err)
	}
	return s, nil
}

// --- environment profiles ---

func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.EnvironmentProfile) error {
	allowed, err := marshalJSON(p.AllowedCaps)
	if err != nil {
		return err
	}
	blocked, err := marshalJSON(p.BlockedCaps)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO environment_profiles(id,project_id,environment,stage,risk_level,autonomy_mode,allowed_caps_json,blocked_caps_json,approval_level,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id, environment) DO UPDATE SET
stage=excluded.stage, risk_level=excluded.risk_level, autonomy_mode=excluded.autonomy_mode,
allowed_caps_json=excluded.allowed_caps_json, blocked_caps_json=excluded.blocked_caps_json,
approval_level=excluded.approval_level, updated_at=excluded.updated_at`,
		p.ID, p.ProjectID, p.Environment, p.Stage, p.RiskLevel, p.AutonomyMode, allowed, blocked, nullable(p.ApprovalLevel), p.CreatedAt, p.UpdatedAt)
	return err
}

const profileSelect = `SELECT id,project_id,environment,stage,risk_level,autonomy_mode,allowed_caps_json,blocked_caps_json,COALESCE(approval_level,''),created_at,updated_at FROM environment_profiles`

func (r Repo) GetProfile(ctx context.Context, projectID, environment string) (domain.EnvironmentProfile, error) {
	var p domain.EnvironmentProfile
	var allowed, blocked sql.NullString
	err := r.DB.QueryRowContext(ctx, profileSelect+` WHERE project_id=? AND environment=?`, projectID, environment).
		Scan(&p.ID, &p.ProjectID, &p.Environment, &p.Stage, &p.RiskLevel, &p.AutonomyMode, &allowed, &blocked, &p.ApprovalLevel, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, notFound("environment profile", projectID+"/"+environment)
	}
	if err != nil {
		return p, err
	}
	p.AllowedCaps = unmarshalStrings(allowed)
	p.BlockedCaps = unmarshalStrings(blocked)
	return p, nil
}

func (r Repo) ListProfiles(ctx context.Context, projectID string) ([]domain.EnvironmentProfile, error) {
	rows, err := r.DB.QueryContext(ctx, profileSelect+` WHERE project_id=? ORDER BY environment`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EnvironmentProfile
	for rows.Next() {
		var p domain.EnvironmentProfile
		var allowed, blocked sql.NullString
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Environment, &p.Stage, &p.RiskLevel, &p.AutonomyMode, &allowed, &blocked, &p.ApprovalLevel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AllowedCaps = unmarshalStrings(allowed)
		p.BlockedCaps = unmarshalStrings(blocked)
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- ladder stages ---

// ReplaceLadder swaps an org's full stage list inside one transaction so a
// concurrent promote never observes a half-written ladder.
func (r Repo) ReplaceLadder(ctx context.Context, tx *sql.Tx, orgID string, stages []domain.LadderStage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ladder_stages WHERE org_id=?`, orgID); err != nil {
		return err
	}
	for _, s := range stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ladder_stages(org_id,name,order_index,risk_level,requires_approval,approval_type,use_case_ref_required)
VALUES (?,?,?,?,?,?,?)`,
			orgID, s.Name, s.OrderIndex, s.RiskLevel, boolInt(s.RequiresApproval), nullable(s.ApprovalType), boolInt(s.UseCaseRefRequired)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListLadderStages(ctx context.Context, orgID string) ([]domain.LadderStage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT org_id,name,order_index,risk_level,requires_approval,COALESCE(approval_type,''),use_case_ref_required FROM ladder_stages WHERE org_id=? ORDER BY order_index`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LadderStage
	for rows.Next() {
		var s domain.LadderStage
		var approval, useCase int
		if err := rows.Scan(&s.OrgID, &s.Name, &s.OrderIndex, &s.RiskLevel, &approval, &s.ApprovalType, &useCase); err != nil {
			return nil, err
		}
		s.RequiresApproval = approval != 0
		s.UseCaseRefRequired = useCase != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- compiled packages ---

func (r Repo) InsertPackage(ctx context.Context, tx *sql.Tx, p domain.CompiledPackage) error {
	policy, err := marshalJSON(p.Policy)
	if err != nil {
		return err
	}
	integrity, err := marshalJSON(p.Integrity)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO compiled_packages(id,project_id,environment,baseline_id,profile_id,stage,tier,schema_version,policy_json,integrity_json,superseded,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,0,?)`,
		p.ID, p.ProjectID, p.Environment, p.BaselineID, p.ProfileID, p.Stage, p.Tier, p.SchemaVersion, policy, integrity, p.CreatedAt)
	return err
}

// SupersedePackages marks all live packages for a project+environment as
// superseded. Rows are retained for audit, never deleted.
func (r Repo) SupersedePackages(ctx context.Context, tx *sql.Tx, projectID, environment string) error {
	_, err := exec(ctx, r.DB, tx, `UPDATE compiled_packages SET superseded=1 WHERE project_id=? AND environment=? AND superseded=0`,
		projectID, environment)
	return err
}

// SetPackageStage records the stage a package currently occupies.
func (r Repo) SetPackageStage(ctx context.Context, tx *sql.Tx, id, stage string) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE compiled_packages SET stage=? WHERE id=?`, stage, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("compiled package", id)
	}
	return nil
}

const packageSelect = `SELECT id,project_id,environment,baseline_id,profile_id,stage,tier,schema_version,policy_json,integrity_json,superseded,created_at FROM compiled_packages`

func (r Repo) GetPackage(ctx context.Context, id string) (domain.CompiledPackage, error) {
	return scanPackage(r.DB.QueryRowContext(ctx, packageSelect+` WHERE id=?`, id), id)
}

// LivePackage returns the non-superseded package for a project+environment.
func (r Repo) LivePackage(ctx context.Context, projectID, environment string) (domain.CompiledPackage, error) {
	return scanPackage(r.DB.QueryRowContext(ctx,
		packageSelect+` WHERE project_id=? AND environment=? AND superseded=0 ORDER BY created_at DESC LIMIT 1`,
		projectID, environment), projectID+"/"+environment)
}

func (r Repo) ListPackages(ctx context.Context, projectID string, includeSuperseded bool) ([]domain.CompiledPackage, error) {
	query := packageSelect + ` WHERE project_id=?`
	if !includeSuperseded {
		query += ` AND superseded=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompiledPackage
	for rows.Next() {
		p, err := scanPackageRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanPackage(row *sql.Row, ref string) (domain.CompiledPackage, error) {
	var p domain.CompiledPackage
	var policy, integrity string
	var superseded int
	err := row.Scan(&p.ID, &p.ProjectID, &p.Environment, &p.BaselineID, &p.ProfileID, &p.Stage, &p.Tier, &p.SchemaVersion, &policy, &integrity, &superseded, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, notFound("compiled package", ref)
	}
	if err != nil {
		return p, err
	}
	return decodePackage(p, policy, integrity, superseded)
}

func scanPackageRow(rows *sql.Rows) (domain.CompiledPackage, error) {
	var p domain.CompiledPackage
	var policy, integrity string
	var superseded int
	if err := rows.Scan(&p.ID, &p.ProjectID, &p.Environment, &p.BaselineID, &p.ProfileID, &p.Stage, &p.Tier, &p.SchemaVersion, &policy, &integrity, &superseded, &p.CreatedAt); err != nil {
		return p, err
	}
	return decodePackage(p, policy, integrity, superseded)
}

func decodePackage(p domain.CompiledPackage, policy, integrity string, superseded int) (domain.CompiledPackage, error) {
	if err := json.Unmarshal([]byte(policy), &p.Policy); err != nil {
		return p, fmt.Errorf("decode package policy: %w", err)
	}
	if err := json.Unmarshal([]byte(integrity), &p.Integrity); err != nil {
		return p, fmt.Errorf("decode package integrity: %w", err)
	}
	p.Superseded = superseded != 0
	return p, nil
}

// --- risk signals ---

func (r Repo) InsertRiskSignal(ctx context.Context, tx *sql.Tx, s domain.RiskSignal) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO risk_signals(id,project_id,severity,category,context,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Severity, s.Category, nullable(s.Context), s.CreatedAt)
	return err
}

func (r Repo) ListRiskSignals(ctx context.Context, projectID string) ([]domain.RiskSignal, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,severity,category,COALESCE(context,''),created_at FROM risk_signals WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskSignal
	for rows.Next() {
		var s domain.RiskSignal
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Severity, &s.Category, &s.Context, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- helpers ---

func exec(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func queryRow(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) *sql.Row {
	if tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return db.QueryRowContext(ctx, query, args...)
}
