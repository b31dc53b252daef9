// Package jobs runs the asynchronous side of the system: task packets are
// dispatched to registered workers, and each resulting job walks
// queued → running → one terminal state. Terminal states absorb; nothing
// transitions out of them.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// Worker executes one task packet. Implementations must be safe for
// concurrent invocations; each call is independent. Cancellation and
// timeouts arrive through ctx and must be observed at safe points.
type Worker interface {
	Execute(ctx context.Context, packet domain.TaskPacket) (resultRef string, err error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, packet domain.TaskPacket) (string, error)

func (f WorkerFunc) Execute(ctx context.Context, packet domain.TaskPacket) (string, error) {
	return f(ctx, packet)
}

// Registry maps job-type identifiers to workers. It is constructed
// explicitly and handed to a coordinator; registration after the
// coordinator starts dispatching is allowed but unusual.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(jobType string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[jobType] = w
}

func (r *Registry) lookup(jobType string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[jobType]
	return w, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for t := range r.workers {
		out = append(out, t)
	}
	return out
}

// Coordinator owns job lifecycle state. The mutex serializes transitions so
// a cancel racing a completion resolves to exactly one terminal state.
type Coordinator struct {
	Repo     repo.Repo
	Events   events.Writer
	Registry *Registry
	Timeout  time.Duration
	Now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    sync.WaitGroup
}

func NewCoordinator(r repo.Repo, ev events.Writer, reg *Registry, timeout time.Duration) *Coordinator {
	return &Coordinator{
		Repo:     r,
		Events:   ev,
		Registry: reg,
		Timeout:  timeout,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Submit accepts a task packet, records it with a queued job, and dispatches
// asynchronously. The returned job reflects the queued snapshot; callers
// poll GetJob for progress. An unregistered packet kind is rejected before
// anything is persisted.
func (c *Coordinator) Submit(ctx context.Context, packet domain.TaskPacket) (domain.Job, error) {
	worker, ok := c.Registry.lookup(packet.Kind)
	if !ok {
		return domain.Job{}, apperr.ValidationError{
			Field:    "kind",
			Expected: "registered job type",
			Actual:   packet.Kind,
			Message:  "no worker registered for packet kind",
		}
	}
	ts := c.now().UTC().Format(time.RFC3339)
	if packet.ID == "" {
		packet.ID = domain.NewID("pkt")
	}
	if packet.CorrelationID == "" {
		packet.CorrelationID = domain.NewCorrelationID()
	}
	packet.CreatedAt = ts
	job := domain.Job{
		ID:            domain.NewID("job"),
		PacketID:      packet.ID,
		ProjectID:     packet.ProjectID,
		Type:          packet.Kind,
		Status:        "queued",
		CorrelationID: packet.CorrelationID,
		CreatedAt:     ts,
	}
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertPacket(ctx, tx, packet); err != nil {
		return domain.Job{}, err
	}
	if err := c.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if err := c.Events.Append(ctx, tx, events.Entry{
		Type: "job.queued", EntityKind: "job", EntityID: job.ID,
		ActorID: "coordinator", CorrelationID: job.CorrelationID,
	}, events.EventPayload{"type": job.Type, "packet_id": packet.ID}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	c.dispatch(job, packet, worker)
	return job, nil
}

func (c *Coordinator) dispatch(job domain.Job, packet domain.TaskPacket, worker Worker) {
	// Jobs outlive the submitting request; execution runs on Background,
	// bounded by the configured timeout and the job's own cancel func.
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.done.Add(1)
	go func() {
		defer c.done.Done()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, job.ID)
			c.mu.Unlock()
			cancel()
		}()
		if ok := c.transition(context.Background(), job.ID, "running", nil, nil); !ok {
			return // finalized while still queued
		}
		execCtx := runCtx
		if c.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			execCtx, cancelTimeout = context.WithTimeout(runCtx, c.Timeout)
			defer cancelTimeout()
		}
		resultRef, err := worker.Execute(execCtx, packet)
		switch {
		case err == nil:
			c.transition(context.Background(), job.ID, "succeeded", &resultRef, nil)
		case errors.Is(err, context.Canceled):
			c.transition(context.Background(), job.ID, "cancelled", nil, nil)
		case errors.Is(err, context.DeadlineExceeded):
			c.transition(context.Background(), job.ID, "failed", nil, []domain.JobError{
				{Kind: "timeout", Message: "job exceeded configured execution timeout"},
			})
		default:
			werr := apperr.WorkerError{JobType: job.Type, Err: err}
			c.transition(context.Background(), job.ID, "failed", nil, []domain.JobError{
				{Kind: "worker_error", Message: werr.Error()},
			})
		}
	}()
}

// transition moves a job to the given status under the coordinator mutex.
// Returns false without writing when the job is already terminal.
func (c *Coordinator) transition(ctx context.Context, jobID, status string, resultRef *string, jobErrs []domain.JobError) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.Repo.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	if terminal(job.Status) {
		return false
	}
	ts := c.now().UTC().Format(time.RFC3339)
	switch status {
	case "running":
		job.StartedAt = &ts
	case "succeeded", "failed", "cancelled":
		job.FinishedAt = &ts
	}
	job.Status = status
	if resultRef != nil {
		job.ResultRef = resultRef
	}
	if jobErrs != nil {
		job.Errors = jobErrs
	}
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateJob(ctx, tx, job); err != nil {
		return false
	}
	if err := c.Events.Append(ctx, tx, events.Entry{
		Type: "job." + status, EntityKind: "job", EntityID: job.ID,
		ActorID: "coordinator", CorrelationID: job.CorrelationID,
	}, events.EventPayload{"type": job.Type}); err != nil {
		return false
	}
	return tx.Commit() == nil
}

// Cancel requests cooperative cancellation. Only queued or running jobs can
// be cancelled; a terminal job is left untouched and reported as a policy
// violation so callers can distinguish "already done" from "cancelled now".
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	c.mu.Lock()
	job, err := c.Repo.GetJob(ctx, jobID)
	if err != nil {
		c.mu.Unlock()
		return domain.Job{}, err
	}
	if terminal(job.Status) {
		c.mu.Unlock()
		return job, apperr.ValidationError{
			Field:    "status",
			Expected: "queued or running",
			Actual:   job.Status,
			Message:  "job already reached a terminal state",
		}
	}
	cancel, running := c.cancels[jobID]
	c.mu.Unlock()
	if running {
		// The worker goroutine observes ctx and records the terminal state.
		cancel()
		return c.awaitTerminal(ctx, jobID)
	}
	// No live goroutine (e.g. restart left the row queued): finalize directly.
	if c.transition(ctx, jobID, "cancelled", nil, nil) {
		return c.Repo.GetJob(ctx, jobID)
	}
	return c.Repo.GetJob(ctx, jobID)
}

// awaitTerminal polls briefly so Cancel can return the settled state.
// Cancellation is cooperative; a worker that ignores ctx keeps the job
// running and the caller sees that honestly.
func (c *Coordinator) awaitTerminal(ctx context.Context, jobID string) (domain.Job, error) {
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		job, err := c.Repo.GetJob(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if terminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-deadline:
			return job, nil
		case <-tick.C:
		}
	}
}

// Wait blocks until all dispatched jobs have finished. Used on shutdown and
// in tests.
func (c *Coordinator) Wait() {
	c.done.Wait()
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}
