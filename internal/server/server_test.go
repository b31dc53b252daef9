package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/jobs"
	"stagegate/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("acme"))
	reg := jobs.NewRegistry()
	reg.Register("scan", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		return "scan/ok", nil
	}))
	coord := jobs.NewCoordinator(e.Repo, events.Writer{DB: conn}, reg, time.Minute)
	handler, err := New(Config{
		Engine:      e,
		Coordinator: coord,
		BasePath:    "/v1",
		Auth:        AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedOrgProject(t *testing.T, srv *testServer) (orgID, projectID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"name": "Acme", "slug": "acme",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d %s", res.StatusCode, string(data))
	}
	var org OrgResponse
	if err := json.Unmarshal(data, &org); err != nil {
		t.Fatalf("unmarshal org: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+org.ID+"/projects", map[string]any{
		"name": "assistant",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var proj ProjectResponse
	if err := json.Unmarshal(data, &proj); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return org.ID, proj.ID
}

func TestCompileAndPromoteFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	orgID, projectID := seedOrgProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+orgID+"/baselines", map[string]any{
		"schema_version": "1.0",
		"defaults":       map[string]any{"model": "small", "audit_log": false},
		"env_overrides":  map[string]any{"prod": map[string]any{"audit_log": true}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("set baseline: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/profiles/prod", map[string]any{
		"stage": "dev", "risk_level": "medium",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put profile: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/compile", map[string]any{
		"environment": "prod",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("compile: %d %s", res.StatusCode, string(data))
	}
	var pkg PackageResponse
	if err := json.Unmarshal(data, &pkg); err != nil {
		t.Fatalf("unmarshal package: %v", err)
	}
	if pkg.Integrity.Hash == "" || pkg.Integrity.HashAlg != "sha256" || pkg.Integrity.Signed {
		t.Fatalf("integrity: %+v", pkg.Integrity)
	}
	if pkg.Policy["audit_log"] != true {
		t.Fatalf("prod override lost: %v", pkg.Policy["audit_log"])
	}

	// promotion without approval is a structured 422 policy violation
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packages/"+pkg.ID+"/promote", map[string]any{
		"to_stage": "staging",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "policy_violation" || envelope.Error.Details["condition"] != "approval_required" {
		t.Fatalf("envelope: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packages/"+pkg.ID+"/promote", map[string]any{
		"to_stage": "staging", "approval_type": "peer", "approver": "reviewer",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d %s", res.StatusCode, string(data))
	}
	var promoted PackageResponse
	_ = json.Unmarshal(data, &promoted)
	if promoted.Stage != "staging" {
		t.Fatalf("stage: %s", promoted.Stage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/"+pkg.ID+"/verify", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	_ = json.Unmarshal(data, &verify)
	if !verify.Verified {
		t.Fatalf("package must verify: %s", string(data))
	}
}

func TestIdempotentCompileReplays(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	orgID, projectID := seedOrgProject(t, srv)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+orgID+"/baselines", map[string]any{
		"schema_version": "1.0", "defaults": map[string]any{"model": "small"},
	}, nil)
	doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/profiles/prod", map[string]any{
		"stage": "dev",
	}, nil)

	headers := map[string]string{"Idempotency-Key": "compile-1"}
	res1, data1 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/compile", map[string]any{
		"environment": "prod",
	}, headers)
	if res1.StatusCode != http.StatusCreated {
		t.Fatalf("first compile: %d %s", res1.StatusCode, string(data1))
	}
	res2, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/compile", map[string]any{
		"environment": "prod",
	}, headers)
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("replayed compile: %d %s", res2.StatusCode, string(data2))
	}
	if res2.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("second response not marked as replay")
	}
	var p1, p2 PackageResponse
	_ = json.Unmarshal(data1, &p1)
	_ = json.Unmarshal(data2, &p2)
	if p1.ID != p2.ID {
		t.Fatalf("duplicate request created a second package: %s vs %s", p1.ID, p2.ID)
	}
	pkgs, err := srv.Engine.Repo.ListPackages(context.Background(), projectID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected exactly one package, got %d", len(pkgs))
	}
}

func TestErrorResponsesAreNotReplayed(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	orgID, projectID := seedOrgProject(t, srv)

	// no baseline yet: compile 404s and must not be recorded
	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/compile", map[string]any{
		"environment": "prod",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+orgID+"/baselines", map[string]any{
		"schema_version": "1.0", "defaults": map[string]any{"model": "small"},
	}, nil)
	doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/profiles/prod", map[string]any{
		"stage": "dev",
	}, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/compile", map[string]any{
		"environment": "prod",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("retry after fix: %d %s", res.StatusCode, string(data))
	}
}

func TestCorrelationPropagatesToEvents(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	headers := map[string]string{"X-Correlation-Id": "ctest12345678"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"name": "Acme", "slug": "acme",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Correlation-Id") != "ctest12345678" {
		t.Fatalf("correlation header not echoed: %q", res.Header.Get("X-Correlation-Id"))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?correlation_id=ctest12345678", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("no events recorded for correlation id")
	}
	for _, ev := range evts {
		if ev.CorrelationID != "ctest12345678" {
			t.Fatalf("event correlation: %s", ev.CorrelationID)
		}
	}
}

func TestSubmitPacketRunsJob(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	_, projectID := seedOrgProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets", map[string]any{
		"project_id": projectID, "kind": "scan",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit packet: %d %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get job: %d %s", res.StatusCode, string(data))
		}
		var got JobResponse
		_ = json.Unmarshal(data, &got)
		if got.Status == "succeeded" {
			if got.ResultRef == nil || *got.ResultRef != "scan/ok" {
				t.Fatalf("result ref: %v", got.ResultRef)
			}
			break
		}
		if got.Status == "failed" || got.Status == "cancelled" {
			t.Fatalf("job ended %s: %s", got.Status, string(data))
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %s", string(data))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// unknown packet kind rejected with structured validation error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/packets", map[string]any{
		"project_id": projectID, "kind": "nope",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown kind: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/orgs", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res2.StatusCode)
	}
}
