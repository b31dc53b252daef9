package server

import (
	"stagegate/internal/domain"
)

type CreateOrgRequest struct {
	Name        string         `json:"name" example:"Acme"`
	Slug        string         `json:"slug" example:"acme"`
	Description *string        `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

type OrgResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug"`
	Settings    map[string]any `json:"settings,omitempty"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

func orgResponse(o domain.Organization) OrgResponse {
	return OrgResponse{
		ID:          o.ID,
		Name:        o.Name,
		Slug:        o.Slug,
		Settings:    o.Settings,
		Description: o.Description,
		CreatedAt:   o.CreatedAt,
	}
}

func mapOrgs(items []domain.Organization) []OrgResponse {
	out := make([]OrgResponse, 0, len(items))
	for _, o := range items {
		out = append(out, orgResponse(o))
	}
	return out
}

type CreateProjectRequest struct {
	Name        string  `json:"name" example:"assistant"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OrgID:       p.OrgID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type SetBaselineRequest struct {
	SchemaVersion string                    `json:"schema_version" example:"1.0"`
	Defaults      map[string]any            `json:"defaults"`
	EnvOverrides  map[string]map[string]any `json:"env_overrides,omitempty"`
}

type BaselineResponse struct {
	ID            string                    `json:"id"`
	OrgID         string                    `json:"org_id"`
	Revision      int                       `json:"revision"`
	SchemaVersion string                    `json:"schema_version"`
	Defaults      map[string]any            `json:"defaults"`
	EnvOverrides  map[string]map[string]any `json:"env_overrides,omitempty"`
	Integrity     *domain.Integrity         `json:"integrity,omitempty"`
	CreatedAt     string                    `json:"created_at"`
}

func baselineResponse(b domain.OrgBaseline) BaselineResponse {
	return BaselineResponse{
		ID:            b.ID,
		OrgID:         b.OrgID,
		Revision:      b.Revision,
		SchemaVersion: b.SchemaVersion,
		Defaults:      b.Defaults,
		EnvOverrides:  b.EnvOverrides,
		Integrity:     b.Integrity,
		CreatedAt:     b.CreatedAt,
	}
}

type PutAppSpecRequest struct {
	SchemaVersion string         `json:"schema_version" example:"1.0"`
	Constraints   map[string]any `json:"constraints"`
}

type AppSpecResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	SchemaVersion string         `json:"schema_version"`
	Constraints   map[string]any `json:"constraints"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

func appSpecResponse(s domain.AppSpec) AppSpecResponse {
	return AppSpecResponse{
		ID:            s.ID,
		ProjectID:     s.ProjectID,
		SchemaVersion: s.SchemaVersion,
		Constraints:   s.Constraints,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

type PutProfileRequest struct {
	Stage         string   `json:"stage,omitempty"`
	RiskLevel     string   `json:"risk_level,omitempty" enum:"low,medium,high,critical"`
	AutonomyMode  string   `json:"autonomy_mode,omitempty" enum:"manual,assisted,supervised,autonomous"`
	AllowedCaps   []string `json:"allowed_capabilities,omitempty"`
	BlockedCaps   []string `json:"blocked_capabilities,omitempty"`
	ApprovalLevel string   `json:"approval_level,omitempty"`
}

type ProfileResponse struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Environment   string   `json:"environment"`
	Stage         string   `json:"stage"`
	RiskLevel     string   `json:"risk_level"`
	AutonomyMode  string   `json:"autonomy_mode"`
	AllowedCaps   []string `json:"allowed_capabilities,omitempty"`
	BlockedCaps   []string `json:"blocked_capabilities,omitempty"`
	ApprovalLevel string   `json:"approval_level,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

func profileResponse(p domain.EnvironmentProfile) ProfileResponse {
	return ProfileResponse{
		ID:            p.ID,
		ProjectID:     p.ProjectID,
		Environment:   p.Environment,
		Stage:         p.Stage,
		RiskLevel:     p.RiskLevel,
		AutonomyMode:  p.AutonomyMode,
		AllowedCaps:   p.AllowedCaps,
		BlockedCaps:   p.BlockedCaps,
		ApprovalLevel: p.ApprovalLevel,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func mapProfiles(items []domain.EnvironmentProfile) []ProfileResponse {
	out := make([]ProfileResponse, 0, len(items))
	for _, p := range items {
		out = append(out, profileResponse(p))
	}
	return out
}

type StageRequest struct {
	Name               string `json:"name" example:"staging"`
	OrderIndex         int    `json:"order_index"`
	RiskLevel          string `json:"risk_level" enum:"low,medium,high,critical"`
	RequiresApproval   bool   `json:"requires_approval,omitempty"`
	ApprovalType       string `json:"approval_type,omitempty"`
	UseCaseRefRequired bool   `json:"use_case_ref_required,omitempty"`
}

type PutLadderRequest struct {
	Stages []StageRequest `json:"stages"`
}

type StageResponse struct {
	Name               string `json:"name"`
	OrderIndex         int    `json:"order_index"`
	RiskLevel          string `json:"risk_level"`
	RequiresApproval   bool   `json:"requires_approval"`
	ApprovalType       string `json:"approval_type,omitempty"`
	UseCaseRefRequired bool   `json:"use_case_ref_required"`
}

func mapStages(items []domain.LadderStage) []StageResponse {
	out := make([]StageResponse, 0, len(items))
	for _, s := range items {
		out = append(out, StageResponse{
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

func stagesFromRequest(items []StageRequest) []domain.LadderStage {
	out := make([]domain.LadderStage, 0, len(items))
	for _, s := range items {
		out = append(out, domain.LadderStage{
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

type CompileRequest struct {
	Environment string `json:"environment" example:"prod"`
}

type PackageResponse struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"project_id"`
	Environment   string           `json:"environment"`
	BaselineID    string           `json:"baseline_id"`
	ProfileID     string           `json:"profile_id"`
	Stage         string           `json:"stage"`
	Tier          string           `json:"tier"`
	SchemaVersion string           `json:"schema_version"`
	Policy        map[string]any   `json:"policy"`
	Integrity     domain.Integrity `json:"integrity"`
	Superseded    bool             `json:"superseded"`
	CreatedAt     string           `json:"created_at"`
}

func packageResponse(p domain.CompiledPackage) PackageResponse {
	return PackageResponse{
		ID:            p.ID,
		ProjectID:     p.ProjectID,
		Environment:   p.Environment,
		BaselineID:    p.BaselineID,
		ProfileID:     p.ProfileID,
		Stage:         p.Stage,
		Tier:          p.Tier,
		SchemaVersion: p.SchemaVersion,
		Policy:        p.Policy,
		Integrity:     p.Integrity,
		Superseded:    p.Superseded,
		CreatedAt:     p.CreatedAt,
	}
}

func mapPackages(items []domain.CompiledPackage) []PackageResponse {
	out := make([]PackageResponse, 0, len(items))
	for _, p := range items {
		out = append(out, packageResponse(p))
	}
	return out
}

type PromoteRequest struct {
	ToStage      string `json:"to_stage" example:"staging"`
	ApprovalType string `json:"approval_type,omitempty" example:"peer"`
	Approver     string `json:"approver,omitempty"`
	UseCaseRef   string `json:"use_case_ref,omitempty" example:"UC-142"`
}

type SignalRequest struct {
	Severity string `json:"severity" enum:"low,medium,high,critical"`
	Category string `json:"category" example:"prompt_injection"`
	Context  string `json:"context,omitempty"`
}

type SignalResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Context   string `json:"context,omitempty"`
	CreatedAt string `json:"created_at"`
}

func signalResponse(s domain.RiskSignal) SignalResponse {
	return SignalResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Severity:  s.Severity,
		Category:  s.Category,
		Context:   s.Context,
		CreatedAt: s.CreatedAt,
	}
}

func mapSignals(items []domain.RiskSignal) []SignalResponse {
	out := make([]SignalResponse, 0, len(items))
	for _, s := range items {
		out = append(out, signalResponse(s))
	}
	return out
}

type SubmitPacketRequest struct {
	ProjectID   string         `json:"project_id"`
	Environment string         `json:"environment,omitempty"`
	Kind        string         `json:"kind" example:"compile"`
	Data        map[string]any `json:"data,omitempty"`
}

type JobResponse struct {
	ID            string            `json:"id"`
	PacketID      string            `json:"packet_id,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
	Type          string            `json:"type"`
	Status        string            `json:"status"`
	ResultRef     *string           `json:"result_ref,omitempty"`
	Errors        []domain.JobError `json:"errors,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     string            `json:"created_at"`
	StartedAt     *string           `json:"started_at,omitempty"`
	FinishedAt    *string           `json:"finished_at,omitempty"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		PacketID:      j.PacketID,
		ProjectID:     j.ProjectID,
		Type:          j.Type,
		Status:        j.Status,
		ResultRef:     j.ResultRef,
		Errors:        j.Errors,
		CorrelationID: j.CorrelationID,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

func mapJobs(items []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

type EventResponse struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	OrgID         string `json:"org_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:            e.ID,
			TS:            e.TS,
			Type:          e.Type,
			OrgID:         e.OrgID,
			EntityKind:    e.EntityKind,
			EntityID:      e.EntityID,
			ActorID:       e.ActorID,
			CorrelationID: e.CorrelationID,
			Payload:       e.Payload,
		})
	}
	return out
}

type VerifyResponse struct {
	PackageID string `json:"package_id"`
	Verified  bool   `json:"verified"`
	Hash      string `json:"hash"`
	HashAlg   string `json:"hash_alg"`
}

type TierPreviewResponse struct {
	ProjectID   string         `json:"project_id"`
	Tier        string         `json:"tier" enum:"minimal,standard,strict"`
	Defaults    map[string]any `json:"defaults" jsonschema:"type=object,additionalProperties=true"`
	SignalCount int            `json:"signal_count"`
}
