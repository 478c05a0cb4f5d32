package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"opsgate/internal/apperr"
	"opsgate/internal/audit"
)

var (
	ErrNotFound          = apperr.NotFound("alert_not_found", "alert not found")
	ErrDuplicateDelivery = apperr.Conflict("duplicate_delivery", "delivery already ingested")
)

// Repository is the persistence contract for alerts.
type Repository interface {
	// Insert persists a and its audit entry atomically. A repeated
	// (tenant, delivery_id) pair yields ErrDuplicateDelivery.
	Insert(ctx context.Context, a *Alert, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, f Filter) ([]Alert, error)
	// ListUncorrelated returns alerts without an incident received at or after
	// since, oldest first.
	ListUncorrelated(ctx context.Context, tenantID string, since time.Time) ([]Alert, error)
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func (s *Store) Insert(ctx context.Context, a *Alert, entry *audit.Entry) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO alerts (id, tenant_id, asset_name, signature, severity, message, tool_source, received_at, delivery_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err = tx.ExecContext(ctx, q,
		a.ID,
		a.TenantID,
		a.AssetName,
		a.Signature,
		string(a.Severity),
		a.Message,
		a.ToolSource,
		a.ReceivedAt,
		nullString(a.DeliveryID),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return fmt.Errorf("audit alert: %w", err)
		}
	}
	return tx.Commit()
}

const alertColumns = "id, tenant_id, asset_name, signature, severity, message, tool_source, received_at, delivery_id, correlated_incident_id"

func scanAlert(row interface{ Scan(...any) error }) (Alert, error) {
	var a Alert
	var delivery, incident sql.NullString
	err := row.Scan(&a.ID, &a.TenantID, &a.AssetName, &a.Signature, &a.Severity, &a.Message,
		&a.ToolSource, &a.ReceivedAt, &delivery, &incident)
	a.DeliveryID = delivery.String
	a.CorrelatedIncidentID = incident.String
	return a, err
}

func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = $1", id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) List(ctx context.Context, f Filter) ([]Alert, error) {
	clauses := []string{"1=1"}
	args := []any{}
	argIdx := 1
	add := func(clause string, v any) {
		clauses = append(clauses, clause+" $"+itoa(argIdx))
		args = append(args, v)
		argIdx++
	}
	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.AssetName != "" {
		add("asset_name =", f.AssetName)
	}
	if f.Signature != "" {
		add("signature =", f.Signature)
	}
	if f.Severity != "" {
		add("severity =", string(f.Severity))
	}
	if f.Uncorrelated {
		clauses = append(clauses, "correlated_incident_id IS NULL")
	}
	if !f.Since.IsZero() {
		add("received_at >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("received_at <=", f.Until)
	}
	query := "SELECT " + alertColumns + " FROM alerts WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY received_at DESC LIMIT " + itoa(f.EffectiveLimit())
	return s.query(ctx, query, args...)
}

func (s *Store) ListUncorrelated(ctx context.Context, tenantID string, since time.Time) ([]Alert, error) {
	const q = "SELECT " + alertColumns + ` FROM alerts
		WHERE tenant_id = $1 AND correlated_incident_id IS NULL AND received_at >= $2
		ORDER BY received_at ASC, id ASC`
	return s.query(ctx, q, tenantID, since)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
