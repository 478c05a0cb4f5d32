package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"opsgate/internal/audit"
	"opsgate/internal/incidents"
)

// Repository persists approval requests together with the incident
// transition and audit entry of each step.
type Repository interface {
	// Open inserts req and saves inc in one transaction.
	Open(ctx context.Context, req *Request, inc *incidents.Incident, entry *audit.Entry) error
	// Resolve moves req out of pending and saves inc (if non-nil) in one
	// transaction. A request that already left pending yields
	// ErrAlreadyDecided.
	Resolve(ctx context.Context, req *Request, inc *incidents.Incident, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, f ListFilter) ([]Request, error)
	// DuePending lists pending requests whose expiry is at or before now.
	DuePending(ctx context.Context, now time.Time) ([]Request, error)
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const requestColumns = `id, tenant_id, incident_id, runbook_id, risk_level, requested_by,
	status, created_at, expires_at, decided_at, decided_by, decision_notes`

func (s *Store) Open(ctx context.Context, req *Request, inc *incidents.Incident, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,'','')
	`
	_, err = tx.ExecContext(ctx, q,
		req.ID,
		req.TenantID,
		req.IncidentID,
		req.RunbookID,
		string(req.RiskLevel),
		req.RequestedBy,
		string(req.Status),
		req.CreatedAt,
		req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	if err := incidents.UpdateInTx(ctx, tx, inc); err != nil {
		return err
	}
	if err := audit.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("audit approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version++
	return nil
}

func (s *Store) Resolve(ctx context.Context, req *Request, inc *incidents.Incident, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
		UPDATE approval_requests
		SET status = $1, decided_at = $2, decided_by = $3, decision_notes = $4
		WHERE id = $5 AND status = 'pending'
	`
	res, err := tx.ExecContext(ctx, q, string(req.Status), req.DecidedAt, req.DecidedBy, req.DecisionNotes, req.ID)
	if err != nil {
		return fmt.Errorf("resolve approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrAlreadyDecided
	}
	if inc != nil {
		if err := incidents.UpdateInTx(ctx, tx, inc); err != nil {
			return err
		}
	}
	if err := audit.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("audit approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if inc != nil {
		inc.Version++
	}
	return nil
}

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var r Request
	var decided sql.NullTime
	err := row.Scan(&r.ID, &r.TenantID, &r.IncidentID, &r.RunbookID, &r.RiskLevel,
		&r.RequestedBy, &r.Status, &r.CreatedAt, &r.ExpiresAt, &decided,
		&r.DecidedBy, &r.DecisionNotes)
	if err != nil {
		return r, err
	}
	if decided.Valid {
		t := decided.Time
		r.DecidedAt = &t
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM approval_requests WHERE id = $1", id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Request, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		clauses = append(clauses, "tenant_id = $"+strconv.Itoa(len(args)))
	}
	if f.IncidentID != "" {
		args = append(args, f.IncidentID)
		clauses = append(clauses, "incident_id = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	query := "SELECT " + requestColumns + " FROM approval_requests WHERE " +
		strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC LIMIT " + strconv.Itoa(f.EffectiveLimit())
	return s.query(ctx, query, args...)
}

func (s *Store) DuePending(ctx context.Context, now time.Time) ([]Request, error) {
	const q = "SELECT " + requestColumns + " FROM approval_requests" +
		" WHERE status = 'pending' AND expires_at <= $1 ORDER BY expires_at"
	return s.query(ctx, q, now)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
