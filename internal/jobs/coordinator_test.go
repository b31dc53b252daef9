package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/jobs"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

func newCoordinator(t *testing.T, timeout time.Duration) (*jobs.Coordinator, *jobs.Registry) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	seedProject(t, r)
	reg := jobs.NewRegistry()
	c := jobs.NewCoordinator(r, events.Writer{DB: conn}, reg, timeout)
	return c, reg
}

func seedProject(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	ts := time.Now().UTC().Format(time.RFC3339)
	err := r.InsertOrg(ctx, nil, domain.Organization{ID: "org_00000000000000aa", Name: "Acme", Slug: "acme", CreatedAt: ts})
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}
	err = r.InsertProject(ctx, nil, domain.Project{ID: "proj_00000000000000aa", OrgID: "org_00000000000000aa", Name: "assistant", Status: "active", CreatedAt: ts})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func waitTerminal(t *testing.T, c *jobs.Coordinator, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.Repo.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		switch job.Status {
		case "succeeded", "failed", "cancelled":
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.Job{}
}

func TestSubmitRunsWorkerToSuccess(t *testing.T) {
	c, reg := newCoordinator(t, 0)
	var gotPacket domain.TaskPacket
	reg.Register("scan", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		gotPacket = p
		return "scan/result/1", nil
	}))
	job, err := c.Submit(context.Background(), domain.TaskPacket{
		ProjectID:     "proj_00000000000000aa",
		Kind:          "scan",
		Data:          map[string]any{"depth": 2},
		CorrelationID: "c1a2b3c4d5e6f",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != "queued" {
		t.Fatalf("submit snapshot status: %s", job.Status)
	}
	done := waitTerminal(t, c, job.ID)
	if done.Status != "succeeded" {
		t.Fatalf("status: %s errors: %v", done.Status, done.Errors)
	}
	if done.ResultRef == nil || *done.ResultRef != "scan/result/1" {
		t.Fatalf("result ref: %v", done.ResultRef)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatalf("timestamps missing: %+v", done)
	}
	if done.CorrelationID != "c1a2b3c4d5e6f" || gotPacket.CorrelationID != "c1a2b3c4d5e6f" {
		t.Fatalf("correlation lost: job=%s packet=%s", done.CorrelationID, gotPacket.CorrelationID)
	}
}

func TestWorkerFailureMarksJobFailed(t *testing.T) {
	c, reg := newCoordinator(t, 0)
	reg.Register("scan", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		return "", errors.New("upstream unreachable")
	}))
	job, err := c.Submit(context.Background(), domain.TaskPacket{ProjectID: "proj_00000000000000aa", Kind: "scan"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, c, job.ID)
	if done.Status != "failed" {
		t.Fatalf("status: %s", done.Status)
	}
	if len(done.Errors) != 1 || done.Errors[0].Kind != "worker_error" {
		t.Fatalf("errors: %+v", done.Errors)
	}
}

func TestTimeoutMarksJobFailedWithTimeoutKind(t *testing.T) {
	c, reg := newCoordinator(t, 20*time.Millisecond)
	reg.Register("slow", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	}))
	job, err := c.Submit(context.Background(), domain.TaskPacket{ProjectID: "proj_00000000000000aa", Kind: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, c, job.ID)
	if done.Status != "failed" {
		t.Fatalf("status: %s", done.Status)
	}
	if len(done.Errors) != 1 || done.Errors[0].Kind != "timeout" {
		t.Fatalf("errors: %+v", done.Errors)
	}
}

func TestCancelRunningJob(t *testing.T) {
	c, reg := newCoordinator(t, 0)
	started := make(chan struct{})
	reg.Register("long", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))
	job, err := c.Submit(context.Background(), domain.TaskPacket{ProjectID: "proj_00000000000000aa", Kind: "long"})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancelled, err := c.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("status after cancel: %s", cancelled.Status)
	}
	if cancelled.FinishedAt == nil {
		t.Fatalf("cancelled job missing finished_at")
	}
}

func TestTerminalStateAbsorbs(t *testing.T) {
	c, reg := newCoordinator(t, 0)
	reg.Register("quick", jobs.WorkerFunc(func(ctx context.Context, p domain.TaskPacket) (string, error) {
		return "done", nil
	}))
	job, err := c.Submit(context.Background(), domain.TaskPacket{ProjectID: "proj_00000000000000aa", Kind: "quick"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, c, job.ID)
	_, err = c.Cancel(context.Background(), job.ID)
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("cancel of terminal job: %v", err)
	}
	after, err := c.Repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != done.Status {
		t.Fatalf("terminal state mutated: %s -> %s", done.Status, after.Status)
	}
}

func TestSubmitUnregisteredKind(t *testing.T) {
	c, _ := newCoordinator(t, 0)
	_, err := c.Submit(context.Background(), domain.TaskPacket{ProjectID: "proj_00000000000000aa", Kind: "nope"})
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	list, err := c.Repo.ListJobs(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected submit persisted %d jobs", len(list))
	}
}
