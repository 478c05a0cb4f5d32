package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Execer is satisfied by both *sql.DB and *sql.Tx, so entries can be written
// inside the transaction that performs the audited state change.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes e through ex. Callers pass the *sql.Tx of the state change.
func Insert(ctx context.Context, ex Execer, e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO audit_log (id, tenant_id, action, actor, resource_type, resource_id, status, details, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err = ex.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		string(e.Action),
		e.Actor,
		e.ResourceType,
		e.ResourceID,
		string(e.Status),
		string(details),
		e.Timestamp,
	)
	return err
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, e *Entry) error {
	return Insert(ctx, s.db, e)
}

func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	clauses := []string{"1=1"}
	args := []any{}
	idx := 1
	add := func(clause string, v any) {
		clauses = append(clauses, clause+" $"+strconv.Itoa(idx))
		args = append(args, v)
		idx++
	}
	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.ResourceType != "" {
		add("resource_type =", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id =", f.ResourceID)
	}
	if f.Action != "" {
		add("action =", string(f.Action))
	}
	if !f.Since.IsZero() {
		add("ts >=", f.Since)
	}
	query := "SELECT id, tenant_id, action, actor, resource_type, resource_id, status, details, ts" +
		" FROM audit_log WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY ts DESC LIMIT " + strconv.Itoa(f.EffectiveLimit())
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Actor, &e.ResourceType,
			&e.ResourceID, &e.Status, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
