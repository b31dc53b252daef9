package domain

type Organization struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug"`
	Settings    map[string]any `json:"settings,omitempty"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,paused,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// OrgBaseline is one revision of an organization's default policy document.
// Revisions referenced by a sealed CompiledPackage are never mutated; edits
// insert a new revision.
type OrgBaseline struct {
	ID            string                    `json:"id"`
	OrgID         string                    `json:"org_id"`
	Revision      int                       `json:"revision"`
	SchemaVersion string                    `json:"schema_version"`
	Defaults      map[string]any            `json:"defaults"`
	EnvOverrides  map[string]map[string]any `json:"env_overrides,omitempty"`
	Integrity     *Integrity                `json:"integrity,omitempty"`
	CreatedAt     string                    `json:"created_at" format:"date-time"`
}

// AppSpec carries an application's declared policy constraints. At most one
// per project; constraints take final precedence in compilation.
type AppSpec struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	SchemaVersion string         `json:"schema_version"`
	Constraints   map[string]any `json:"constraints"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type EnvironmentProfile struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Environment   string   `json:"environment"`
	Stage         string   `json:"stage"`
	RiskLevel     string   `json:"risk_level" enum:"low,medium,high,critical"`
	AutonomyMode  string   `json:"autonomy_mode" enum:"manual,assisted,supervised,autonomous"`
	AllowedCaps   []string `json:"allowed_capabilities,omitempty"`
	BlockedCaps   []string `json:"blocked_capabilities,omitempty"`
	ApprovalLevel string   `json:"approval_level,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// LadderStage is one rung of an organization's promotion ladder.
type LadderStage struct {
	OrgID              string `json:"org_id"`
	Name               string `json:"name"`
	OrderIndex         int    `json:"order_index"`
	RiskLevel          string `json:"risk_level" enum:"low,medium,high,critical"`
	RequiresApproval   bool   `json:"requires_approval"`
	ApprovalType       string `json:"approval_type,omitempty"`
	UseCaseRefRequired bool   `json:"use_case_ref_required"`
}

// Integrity attests to a sealed document's content.
type Integrity struct {
	Signed     bool   `json:"signed"`
	Hash       string `json:"hash"`
	HashAlg    string `json:"hash_alg"`
	CompiledAt string `json:"compiled_at" format:"date-time"`
}

// CompiledPackage is the sealed merger output for one project+environment.
// Immutable once sealed; recompilation supersedes, never edits.
type CompiledPackage struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Environment   string         `json:"environment"`
	BaselineID    string         `json:"baseline_id"`
	ProfileID     string         `json:"profile_id"`
	Stage         string         `json:"stage"`
	Tier          string         `json:"tier" enum:"minimal,standard,strict"`
	SchemaVersion string         `json:"schema_version"`
	Policy        map[string]any `json:"policy"`
	Integrity     Integrity      `json:"integrity"`
	Superseded    bool           `json:"superseded"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type TaskPacket struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Environment   string         `json:"environment,omitempty"`
	Kind          string         `json:"kind"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Job struct {
	ID            string     `json:"id"`
	PacketID      string     `json:"packet_id,omitempty"`
	ProjectID     string     `json:"project_id,omitempty"`
	Type          string     `json:"type"`
	Status        string     `json:"status" enum:"queued,running,succeeded,failed,cancelled"`
	ResultRef     *string    `json:"result_ref,omitempty"`
	Errors        []JobError `json:"errors,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	StartedAt     *string    `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *string    `json:"finished_at,omitempty" format:"date-time"`
}

// IdempotencyRecord maps a request hash to the response it produced.
// Consulted, never mutated, on replay.
type IdempotencyRecord struct {
	KeyHash   string `json:"key_hash"`
	Endpoint  string `json:"endpoint"`
	Status    int    `json:"status"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type RiskSignal struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Severity  string `json:"severity" enum:"low,medium,high,critical"`
	Category  string `json:"category"`
	Context   string `json:"context,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	OrgID         string `json:"org_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
