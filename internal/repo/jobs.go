package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

// --- task packets ---

func (r Repo) InsertPacket(ctx context.Context, tx *sql.Tx, p domain.TaskPacket) error {
	data, err := marshalJSON(p.Data)
	if err != nil {
		return err
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO task_packets(id,project_id,environment,kind,data_json,correlation_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, nullable(p.Environment), p.Kind, data, p.CorrelationID, p.CreatedAt)
	return err
}

func (r Repo) GetPacket(ctx context.Context, id string) (domain.TaskPacket, error) {
	var p domain.TaskPacket
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,project_id,COALESCE(environment,''),kind,data_json,correlation_id,created_at FROM task_packets WHERE id=?`, id).
		Scan(&p.ID, &p.ProjectID, &p.Environment, &p.Kind, &data, &p.CorrelationID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, notFound("task packet", id)
	}
	if err != nil {
		return p, err
	}
	p.Data = unmarshalMap(data)
	return p, nil
}

// --- jobs ---

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	errs, err := marshalErrors(j.Errors)
	if err != nil {
		return err
	}
	var resultRef any
	if j.ResultRef != nil {
		resultRef = *j.ResultRef
	}
	_, err = exec(ctx, r.DB, tx, `INSERT INTO jobs(id,packet_id,project_id,type,status,result_ref,errors_json,correlation_id,created_at,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, nullable(j.PacketID), nullable(j.ProjectID), j.Type, j.Status, resultRef, errs, j.CorrelationID, j.CreatedAt, j.StartedAt, j.FinishedAt)
	return err
}

// UpdateJob persists the full mutable portion of a job row.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	errs, err := marshalErrors(j.Errors)
	if err != nil {
		return err
	}
	var resultRef any
	if j.ResultRef != nil {
		resultRef = *j.ResultRef
	}
	res, err := exec(ctx, r.DB, tx, `UPDATE jobs SET status=?, result_ref=?, errors_json=?, started_at=?, finished_at=? WHERE id=?`,
		j.Status, resultRef, errs, j.StartedAt, j.FinishedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", j.ID)
	}
	return nil
}

const jobSelect = `SELECT id,COALESCE(packet_id,''),COALESCE(project_id,''),type,status,result_ref,errors_json,correlation_id,created_at,started_at,finished_at FROM jobs`

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, jobSelect+` WHERE id=?`, id), id)
}

func (r Repo) ListJobs(ctx context.Context, status string) ([]domain.Job, error) {
	query := jobSelect
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var resultRef, errs sql.NullString
		if err := rows.Scan(&j.ID, &j.PacketID, &j.ProjectID, &j.Type, &j.Status, &resultRef, &errs, &j.CorrelationID, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		decorateJob(&j, resultRef, errs)
		res = append(res, j)
	}
	return res, rows.Err()
}

func scanJob(row *sql.Row, ref string) (domain.Job, error) {
	var j domain.Job
	var resultRef, errs sql.NullString
	err := row.Scan(&j.ID, &j.PacketID, &j.ProjectID, &j.Type, &j.Status, &resultRef, &errs, &j.CorrelationID, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err == sql.ErrNoRows {
		return j, notFound("job", ref)
	}
	if err != nil {
		return j, err
	}
	decorateJob(&j, resultRef, errs)
	return j, nil
}

func decorateJob(j *domain.Job, resultRef, errs sql.NullString) {
	if resultRef.Valid {
		v := resultRef.String
		j.ResultRef = &v
	}
	if errs.Valid && errs.String != "" {
		_ = json.Unmarshal([]byte(errs.String), &j.Errors)
	}
}

func marshalErrors(errs []domain.JobError) (any, error) {
	if len(errs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("marshal job errors: %w", err)
	}
	return string(b), nil
}

// --- idempotency records ---

// TryInsertIdempotency performs the atomic check-and-set for an idempotency
// key. It returns true when this call inserted the row (first writer) and
// false when a record already existed. ON CONFLICT DO NOTHING makes the two
// outcomes mutually exclusive under concurrency without an explicit lock.
func (r Repo) TryInsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO idempotency_records(key_hash,endpoint,status,body,created_at,expires_at)
VALUES (?,?,?,?,?,?) ON CONFLICT(key_hash) DO NOTHING`,
		rec.KeyHash, rec.Endpoint, rec.Status, rec.Body, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinalizeIdempotency records the response captured for the key's first
// execution. Subsequent calls replay this stored response verbatim.
func (r Repo) FinalizeIdempotency(ctx context.Context, keyHash string, status int, body string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE idempotency_records SET status=?, body=? WHERE key_hash=?`,
		status, body, keyHash)
	return err
}

func (r Repo) GetIdempotency(ctx context.Context, keyHash string) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.DB.QueryRowContext(ctx,
		`SELECT key_hash,endpoint,status,body,created_at,expires_at FROM idempotency_records WHERE key_hash=?`, keyHash).
		Scan(&rec.KeyHash, &rec.Endpoint, &rec.Status, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return rec, notFound("idempotency record", keyHash)
	}
	return rec, err
}

// DeleteIdempotency removes a record so a retry can execute, used when the
// guarded handler failed before producing a response worth replaying.
func (r Repo) DeleteIdempotency(ctx context.Context, keyHash string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key_hash=?`, keyHash)
	return err
}

// PurgeExpiredIdempotency drops records whose TTL has passed.
func (r Repo) PurgeExpiredIdempotency(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
