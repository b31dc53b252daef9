package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stagegate/internal/domain"
)

// Writer appends to the append-only audit trail. Events ride in the same
// transaction as the state change they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies the event being appended. CorrelationID carries the
// request's correlation end to end; empty means the event was not
// request-driven.
type Entry struct {
	Type          string
	OrgID         string
	EntityKind    string
	EntityID      string
	ActorID       string
	CorrelationID string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,correlation_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.OrgID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.CorrelationID), string(data))
	return err
}

// List reads back recent events, newest first, optionally filtered by org
// and/or correlation ID.
func (w Writer) List(ctx context.Context, orgID, correlationID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(correlation_id,''),payload_json FROM events`
	var clauses []string
	var args []any
	if orgID != "" {
		clauses = append(clauses, `org_id=?`)
		args = append(args, orgID)
	}
	if correlationID != "" {
		clauses = append(clauses, `correlation_id=?`)
		args = append(args, correlationID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.CorrelationID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
