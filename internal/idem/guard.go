// Package idem implements the idempotency guard for mutating operations.
//
// Every guarded request resolves to a key hash: either an explicit
// Idempotency-Key provided by the caller, or a digest of the endpoint plus
// the canonical form of the request body. The first execution for a key runs
// the handler and stores its response; every later execution replays the
// stored response without re-running side effects.
package idem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
	"stagegate/internal/repo"
	"stagegate/internal/seal"
)

// Handler produces the response for the first execution of a key.
type Handler func(ctx context.Context) (status int, body string, err error)

// Result is what the guard hands back to the transport layer.
type Result struct {
	Status   int
	Body     string
	Replayed bool
}

type Guard struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time
}

// KeyHash derives the record key. An explicit caller key scopes to the
// endpoint so the same key on two endpoints never collides; otherwise the
// canonical body digest stands in, making byte-different but semantically
// identical JSON bodies hash alike.
func KeyHash(endpoint, explicitKey string, body any) (string, error) {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	if explicitKey != "" {
		h.Write([]byte(explicitKey))
	} else {
		canonical, err := seal.Canonical(body)
		if err != nil {
			return "", fmt.Errorf("canonicalize request body: %w", err)
		}
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Execute runs fn at most once per key. Concurrent duplicates race on a
// single conflict-free insert; exactly one wins and runs fn, the losers see
// the in-flight record and get a ConflictError until the winner's response
// lands, after which they replay it.
func (g Guard) Execute(ctx context.Context, endpoint, explicitKey string, body any, fn Handler) (Result, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	keyHash, err := KeyHash(endpoint, explicitKey, body)
	if err != nil {
		return Result{}, err
	}
	// Two attempts at most: a lost race against an expired record retires
	// the stale row and retries the insert once.
	for attempt := 0; attempt < 2; attempt++ {
		ts := now().UTC()
		rec := domain.IdempotencyRecord{
			KeyHash:   keyHash,
			Endpoint:  endpoint,
			Status:    0, // in flight until finalized
			CreatedAt: ts.Format(time.RFC3339),
			ExpiresAt: ts.Add(g.ttl()).Format(time.RFC3339),
		}
		inserted, err := g.Repo.TryInsertIdempotency(ctx, rec)
		if err != nil {
			return Result{}, err
		}
		if !inserted {
			res, stale, err := g.replay(ctx, keyHash, ts)
			if stale {
				continue
			}
			return res, err
		}
		status, respBody, err := fn(ctx)
		if err != nil {
			// A failed first execution must not poison retries.
			_ = g.Repo.DeleteIdempotency(ctx, keyHash)
			return Result{}, err
		}
		if err := g.Repo.FinalizeIdempotency(ctx, keyHash, status, respBody); err != nil {
			return Result{}, err
		}
		return Result{Status: status, Body: respBody}, nil
	}
	return Result{}, apperr.ConflictError{KeyHash: keyHash}
}

func (g Guard) replay(ctx context.Context, keyHash string, now time.Time) (Result, bool, error) {
	stored, err := g.Repo.GetIdempotency(ctx, keyHash)
	if err != nil {
		return Result{}, false, err
	}
	if expired(stored.ExpiresAt, now) {
		if err := g.Repo.DeleteIdempotency(ctx, keyHash); err != nil {
			return Result{}, false, err
		}
		return Result{}, true, nil
	}
	if stored.Status == 0 {
		return Result{}, false, apperr.ConflictError{KeyHash: keyHash}
	}
	return Result{Status: stored.Status, Body: stored.Body, Replayed: true}, false, nil
}

func (g Guard) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return 24 * time.Hour
}

func expired(expiresAt string, now time.Time) bool {
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !now.Before(t)
}
