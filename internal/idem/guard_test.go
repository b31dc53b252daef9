package idem_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/db"
	"stagegate/internal/idem"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

func newGuard(t *testing.T) idem.Guard {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return idem.Guard{Repo: repo.Repo{DB: conn}, TTL: time.Hour}
}

func TestExecuteOncePerBody(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	var calls int
	fn := func(ctx context.Context) (int, string, error) {
		calls++
		return 201, fmt.Sprintf(`{"call":%d}`, calls), nil
	}
	body := map[string]any{"name": "alpha", "n": 1}
	first, err := g.Execute(ctx, "POST /orgs", "", body, fn)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Replayed || first.Status != 201 {
		t.Fatalf("first result: %+v", first)
	}
	second, err := g.Execute(ctx, "POST /orgs", "", body, fn)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay, got %+v", second)
	}
	if second.Body != first.Body {
		t.Fatalf("replay body mismatch: %s vs %s", second.Body, first.Body)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestKeyIgnoresJSONKeyOrder(t *testing.T) {
	a, err := idem.KeyHash("POST /orgs", "", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := idem.KeyHash("POST /orgs", "", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("semantically equal bodies hashed apart")
	}
	other, err := idem.KeyHash("POST /projects", "", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if a == other {
		t.Fatalf("endpoint must participate in the key")
	}
}

func TestExplicitKeyScopesToEndpoint(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	var calls int
	fn := func(ctx context.Context) (int, string, error) {
		calls++
		return 200, "{}", nil
	}
	if _, err := g.Execute(ctx, "POST /orgs", "key-1", map[string]any{"x": 1}, fn); err != nil {
		t.Fatal(err)
	}
	// same explicit key, different body: still a duplicate
	res, err := g.Execute(ctx, "POST /orgs", "key-1", map[string]any{"x": 2}, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed {
		t.Fatalf("explicit key must dominate body: %+v", res)
	}
	// same key, different endpoint: independent
	if _, err := g.Execute(ctx, "POST /projects", "key-1", map[string]any{"x": 1}, fn); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestConcurrentDuplicatesRunOnce(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	var sideEffects atomic.Int64
	fn := func(ctx context.Context) (int, string, error) {
		sideEffects.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 201, `{"ok":true}`, nil
	}
	body := map[string]any{"name": "race"}
	var wg sync.WaitGroup
	var replays, conflicts atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Execute(ctx, "POST /orgs", "", body, fn)
			var ce apperr.ConflictError
			switch {
			case errors.As(err, &ce):
				conflicts.Add(1)
			case err != nil:
				t.Errorf("execute: %v", err)
			case res.Replayed:
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := sideEffects.Load(); got != 1 {
		t.Fatalf("side effect ran %d times", got)
	}
	if replays.Load()+conflicts.Load() != 7 {
		t.Fatalf("replays=%d conflicts=%d", replays.Load(), conflicts.Load())
	}
}

func TestHandlerFailureAllowsRetry(t *testing.T) {
	g := newGuard(t)
	ctx := context.Background()
	var calls int
	fn := func(ctx context.Context) (int, string, error) {
		calls++
		if calls == 1 {
			return 0, "", errors.New("transient")
		}
		return 201, "{}", nil
	}
	body := map[string]any{"name": "retry"}
	if _, err := g.Execute(ctx, "POST /orgs", "", body, fn); err == nil {
		t.Fatalf("expected first execution to fail")
	}
	res, err := g.Execute(ctx, "POST /orgs", "", body, fn)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Replayed || res.Status != 201 {
		t.Fatalf("retry should execute fresh: %+v", res)
	}
}

func TestExpiredRecordRunsFresh(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	g.TTL = time.Minute
	ctx := context.Background()
	var calls int
	fn := func(ctx context.Context) (int, string, error) {
		calls++
		return 200, "{}", nil
	}
	body := map[string]any{"name": "ttl"}
	if _, err := g.Execute(ctx, "POST /orgs", "", body, fn); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	res, err := g.Execute(ctx, "POST /orgs", "", body, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Fatalf("expired record must not replay")
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times", calls)
	}
}
