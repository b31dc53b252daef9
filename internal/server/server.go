package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/idem"
	"stagegate/internal/jobs"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Coordinator    *jobs.Coordinator
	BasePath       string
	Auth           AuthConfig
	IdempotencyTTL time.Duration
}

type apiErrorBody struct {
	Code          string         `json:"code" example:"policy_violation"`
	Message       string         `json:"message" example:"stage prod requires security approval"`
	Details       map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type requestKey struct{}
type bodyBytesKey struct{}
type correlationKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stagegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request shape errors are the caller's 400, not a domain 422.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(correlationMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newIdempotencyMiddleware(basePath, idem.Guard{
		Repo: cfg.Engine.Repo,
		TTL:  cfg.IdempotencyTTL,
		Now:  cfg.Engine.Now,
	}))
	hcfg := huma.DefaultConfig("Stagegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrgs(group, cfg.Engine)
	registerBaselines(group, cfg.Engine)
	registerLadder(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerAppSpecs(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerPackages(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerJobs(group, cfg.Engine, cfg.Coordinator)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// correlationMiddleware assigns every request a correlation ID, propagated
// through the engine into events and echoed on the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if corrID == "" {
			corrID = domain.NewCorrelationID()
		}
		w.Header().Set("X-Correlation-Id", corrID)
		ctx := context.WithValue(r.Context(), correlationKey{}, corrID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// responseRecorder buffers a downstream response so the idempotency guard
// can store and replay it.
type responseRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func (r *responseRecorder) Header() http.Header { return r.header }
func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}
func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.buf.Write(p)
}

// passThrough carries a non-recordable downstream response out of the guard.
type passThrough struct {
	status int
	header http.Header
	body   []byte
}

func (p *passThrough) Error() string { return "non-idempotent response" }

// newIdempotencyMiddleware guards every POST under the base path. The key is
// the explicit Idempotency-Key header when present, otherwise a digest of
// the method+path and the canonicalized request body. Error responses are
// never recorded; only a successful first execution replays.
func newIdempotencyMiddleware(basePath string, guard idem.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			endpoint := r.Method + " " + r.URL.Path
			explicitKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			raw := bodyBytes(r.Context())
			var body any
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &body); err != nil {
					body = string(raw)
				}
			}
			res, err := guard.Execute(r.Context(), endpoint, explicitKey, body, func(ctx context.Context) (int, string, error) {
				rec := &responseRecorder{header: w.Header().Clone()}
				next.ServeHTTP(rec, r)
				if rec.status >= 400 {
					return 0, "", &passThrough{status: rec.status, header: rec.header, body: rec.buf.Bytes()}
				}
				copyHeader(w.Header(), rec.header)
				return rec.status, rec.buf.String(), nil
			})
			var pt *passThrough
			if errors.As(err, &pt) {
				copyHeader(w.Header(), pt.header)
				w.WriteHeader(pt.status)
				w.Write(pt.body)
				return
			}
			var ce apperr.ConflictError
			if errors.As(err, &ce) {
				respondStatusError(w, newAPIError(http.StatusConflict, "conflict", ce.Error(), map[string]any{"key_hash": ce.KeyHash}))
				return
			}
			if err != nil {
				respondStatusError(w, handleError(r.Context(), err))
				return
			}
			if res.Replayed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
			}
			w.WriteHeader(res.Status)
			io.WriteString(w, res.Body)
		})
	}
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		dst[k] = vals
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps core error kinds onto the HTTP envelope. Validation and
// policy errors carry enough structure to be self-correcting; internal
// errors stay generic but keep the correlation ID for support traceability.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	corrID := correlationFromContext(ctx)
	var ve apperr.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		if ve.Expected != "" {
			details["expected"] = ve.Expected
		}
		if ve.Actual != "" {
			details["actual"] = ve.Actual
		}
		return tagged(newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details), corrID)
	}
	var nf apperr.NotFoundError
	if errors.As(err, &nf) {
		return tagged(newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind}), corrID)
	}
	var pv apperr.PolicyViolation
	if errors.As(err, &pv) {
		return tagged(newAPIError(http.StatusUnprocessableEntity, "policy_violation", err.Error(), map[string]any{
			"stage":     pv.Stage,
			"condition": pv.Condition,
		}), corrID)
	}
	var ce apperr.ConflictError
	if errors.As(err, &ce) {
		return tagged(newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"key_hash": ce.KeyHash}), corrID)
	}
	var we apperr.WorkerError
	if errors.As(err, &we) {
		return tagged(newAPIError(http.StatusInternalServerError, "worker_error", "job execution failed", map[string]any{"job_type": we.JobType}), corrID)
	}
	return tagged(newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil), corrID)
}

func tagged(err huma.StatusError, corrID string) huma.StatusError {
	if ae, ok := err.(*apiError); ok {
		ae.Body.CorrelationID = corrID
	}
	return err
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stagegate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body OrgResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		o, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
			Name:          input.Body.Name,
			Slug:          input.Body.Slug,
			Description:   desc,
			Settings:      input.Body.Settings,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: orgResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List organizations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrgResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrgs(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []OrgResponse `json:"body"`
		}{Body: mapOrgs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: orgResponse(o)}, nil
	})
}

func registerBaselines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "set-baseline",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/baselines",
		Summary:       "Publish baseline revision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  SetBaselineRequest `json:"body"`
	}) (*struct {
		Body BaselineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SetBaseline(ctx, engine.BaselineSetOptions{
			OrgID:         input.OrgID,
			SchemaVersion: input.Body.SchemaVersion,
			Defaults:      input.Body.Defaults,
			EnvOverrides:  input.Body.EnvOverrides,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body BaselineResponse `json:"body"`
		}{Body: baselineResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-latest-baseline",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/baselines/latest",
		Summary:     "Get latest baseline revision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body BaselineResponse `json:"body"`
	}, error) {
		b, err := e.Repo.LatestBaseline(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body BaselineResponse `json:"body"`
		}{Body: baselineResponse(b)}, nil
	})
}

func registerLadder(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-ladder",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/ladder",
		Summary:     "Replace promotion ladder",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  PutLadderRequest `json:"body"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stages, err := e.PutLadder(ctx, input.OrgID, stagesFromRequest(input.Body.Stages), actorID, correlationFromContext(ctx))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(stages)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ladder",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/ladder",
		Summary:     "Get promotion ladder",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		stages, err := e.Repo.ListLadderStages(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if len(stages) == 0 {
			return nil, handleError(ctx, apperr.NotFoundError{Kind: "promotion ladder", ID: input.OrgID})
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(stages)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			OrgID:         input.OrgID,
			Name:          input.Body.Name,
			Description:   desc,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerAppSpecs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-app-spec",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/appspec",
		Summary:     "Declare app spec",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      PutAppSpecRequest `json:"body"`
	}) (*struct {
		Body AppSpecResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.PutAppSpec(ctx, engine.AppSpecPutOptions{
			ProjectID:     input.ProjectID,
			SchemaVersion: input.Body.SchemaVersion,
			Constraints:   input.Body.Constraints,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body AppSpecResponse `json:"body"`
		}{Body: appSpecResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-app-spec",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/appspec",
		Summary:     "Get app spec",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body AppSpecResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetAppSpec(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body AppSpecResponse `json:"body"`
		}{Body: appSpecResponse(s)}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-profile",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/profiles/{environment}",
		Summary:     "Create or update environment profile",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID   string            `path:"project_id"`
		Environment string            `path:"environment"`
		Body        PutProfileRequest `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpsertProfile(ctx, engine.ProfileUpsertOptions{
			ProjectID:     input.ProjectID,
			Environment:   input.Environment,
			Stage:         input.Body.Stage,
			RiskLevel:     input.Body.RiskLevel,
			AutonomyMode:  input.Body.AutonomyMode,
			AllowedCaps:   input.Body.AllowedCaps,
			BlockedCaps:   input.Body.BlockedCaps,
			ApprovalLevel: input.Body.ApprovalLevel,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/profiles",
		Summary:     "List environment profiles",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ProfileResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProfiles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []ProfileResponse `json:"body"`
		}{Body: mapProfiles(items)}, nil
	})
}

func registerPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compile-package",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/compile",
		Summary:       "Compile and seal a policy package",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      CompileRequest `json:"body"`
	}) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Environment == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "environment is required", nil)
		}
		pkg, err := e.CompilePackage(ctx, engine.CompileOptions{
			ProjectID:     input.ProjectID,
			Environment:   input.Body.Environment,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(pkg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/packages",
		Summary:     "List compiled packages",
	}, func(ctx context.Context, input *struct {
		ProjectID         string `path:"project_id"`
		IncludeSuperseded bool   `query:"include_superseded"`
	}) (*struct {
		Body []PackageResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPackages(ctx, input.ProjectID, input.IncludeSuperseded)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []PackageResponse `json:"body"`
		}{Body: mapPackages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}",
		Summary:     "Get compiled package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		pkg, err := e.Repo.GetPackage(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(pkg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-package",
		Method:      http.MethodGet,
		Path:        "/packages/{package_id}/verify",
		Summary:     "Verify package integrity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackageID string `path:"package_id"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		ok, pkg, err := e.VerifyPackage(ctx, input.PackageID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{
			PackageID: pkg.ID,
			Verified:  ok,
			Hash:      pkg.Integrity.Hash,
			HashAlg:   pkg.Integrity.HashAlg,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-package",
		Method:      http.MethodPost,
		Path:        "/packages/{package_id}/promote",
		Summary:     "Promote or demote a package",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PackageID string         `path:"package_id"`
		Body      PromoteRequest `json:"body"`
	}) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		pkg, err := e.PromotePackage(ctx, engine.PromoteOptions{
			PackageID:     input.PackageID,
			ToStage:       input.Body.ToStage,
			ApprovalType:  input.Body.ApprovalType,
			Approver:      input.Body.Approver,
			UseCaseRef:    input.Body.UseCaseRef,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(pkg)}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-signal",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/signals",
		Summary:       "Ingest risk signal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      SignalRequest `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.IngestSignal(ctx, engine.SignalIngestOptions{
			ProjectID:     input.ProjectID,
			Severity:      input.Body.Severity,
			Category:      input.Body.Category,
			Context:       input.Body.Context,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/signals",
		Summary:     "List risk signals",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []SignalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRiskSignals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []SignalResponse `json:"body"`
		}{Body: mapSignals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-tier",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tier",
		Summary:     "Preview selected baseline tier",
		Description: "Runs tier selection over the project's stored risk signals and returns the recommended baseline template without compiling.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body TierPreviewResponse `json:"body"`
	}, error) {
		preview, err := e.PreviewTier(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body TierPreviewResponse `json:"body"`
		}{Body: TierPreviewResponse{
			ProjectID:   input.ProjectID,
			Tier:        preview.Tier,
			Defaults:    preview.Defaults,
			SignalCount: preview.SignalCount,
		}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine, c *jobs.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-packet",
		Method:        http.MethodPost,
		Path:          "/packets",
		Summary:       "Submit task packet",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitPacketRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		if _, err := e.Repo.GetProject(ctx, input.Body.ProjectID); err != nil {
			return nil, handleError(ctx, err)
		}
		job, err := c.Submit(ctx, domain.TaskPacket{
			ProjectID:     input.Body.ProjectID,
			Environment:   input.Body.Environment,
			Kind:          input.Body.Kind,
			Data:          input.Body.Data,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,running,succeeded,failed,cancelled"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobs(ctx, input.Status)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		job, err := c.Cancel(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		OrgID         string `query:"org_id"`
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Events.List(ctx, input.OrgID, input.CorrelationID, limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
