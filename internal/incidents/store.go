package incidents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"opsgate/internal/audit"
)

// Repository persists incidents. Every write that changes state takes the
// audit entry describing it and commits both together; a nil entry is only
// used for derived fields such as the priority score.
type Repository interface {
	// Create inserts inc with Version 1 and claims inc.AlertIDs. An alert
	// already claimed by another incident yields ErrConflict.
	Create(ctx context.Context, inc *Incident, entry *audit.Entry) error
	// Append saves inc, which already carries alertIDs, and claims them.
	// It fails with ErrConflict if the stored version differs or the
	// incident was resolved meanwhile.
	Append(ctx context.Context, inc *Incident, alertIDs []string, entry *audit.Entry) error
	// Update saves inc conditionally on inc.Version and bumps it.
	Update(ctx context.Context, inc *Incident, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Incident, error)
	ActiveByKey(ctx context.Context, tenantID, key string) ([]Incident, error)
	List(ctx context.Context, f ListFilter) ([]Incident, error)
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const incidentColumns = `id, tenant_id, aggregation_key, asset_name, signature, severity,
	priority_score, status, alert_ids, tool_sources, asset_critical, assigned_to,
	runbook_id, version, created_at, updated_at, resolved_at`

func (s *Store) Create(ctx context.Context, inc *Incident, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$15,$16)
	`
	_, err = tx.ExecContext(ctx, q,
		inc.ID,
		inc.TenantID,
		inc.AggregationKey,
		inc.AssetName,
		inc.Signature,
		string(inc.Severity),
		inc.PriorityScore,
		string(inc.Status),
		pq.Array(inc.AlertIDs),
		pq.Array(inc.ToolSources),
		inc.AssetCritical,
		inc.AssignedTo,
		inc.RunbookID,
		inc.CreatedAt,
		inc.UpdatedAt,
		inc.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	if err := claimAlerts(ctx, tx, inc.TenantID, inc.ID, inc.AlertIDs); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version = 1
	return nil
}

func (s *Store) Append(ctx context.Context, inc *Incident, alertIDs []string, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := UpdateInTx(ctx, tx, inc); err != nil {
		return err
	}
	if err := claimAlerts(ctx, tx, inc.TenantID, inc.ID, alertIDs); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version++
	return nil
}

func (s *Store) Update(ctx context.Context, inc *Incident, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := UpdateInTx(ctx, tx, inc); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version++
	return nil
}

// UpdateInTx writes inc inside tx if the stored row still has inc.Version.
// The caller bumps inc.Version after committing. Resolved incidents are
// frozen: only a row that is not yet resolved can be updated.
func UpdateInTx(ctx context.Context, tx *sql.Tx, inc *Incident) error {
	const q = `
		UPDATE incidents SET
			severity = $1, priority_score = $2, status = $3, alert_ids = $4,
			tool_sources = $5, asset_critical = $6, assigned_to = $7, runbook_id = $8,
			updated_at = $9, resolved_at = $10, version = version + 1
		WHERE id = $11 AND version = $12 AND status <> 'resolved'
	`
	res, err := tx.ExecContext(ctx, q,
		string(inc.Severity),
		inc.PriorityScore,
		string(inc.Status),
		pq.Array(inc.AlertIDs),
		pq.Array(inc.ToolSources),
		inc.AssetCritical,
		inc.AssignedTo,
		inc.RunbookID,
		inc.UpdatedAt,
		inc.ResolvedAt,
		inc.ID,
		inc.Version,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// claimAlerts sets correlated_incident_id exactly once per alert.
func claimAlerts(ctx context.Context, tx *sql.Tx, tenantID, incidentID string, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	const q = `
		UPDATE alerts SET correlated_incident_id = $1
		WHERE tenant_id = $2 AND id = ANY($3) AND correlated_incident_id IS NULL
	`
	res, err := tx.ExecContext(ctx, q, incidentID, tenantID, pq.Array(alertIDs))
	if err != nil {
		return fmt.Errorf("claim alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(alertIDs) {
		return ErrConflict
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry *audit.Entry) error {
	if entry == nil {
		return nil
	}
	if err := audit.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("audit incident: %w", err)
	}
	return nil
}

func scanIncident(row interface{ Scan(...any) error }) (Incident, error) {
	var inc Incident
	var ids, tools pq.StringArray
	var resolved sql.NullTime
	err := row.Scan(&inc.ID, &inc.TenantID, &inc.AggregationKey, &inc.AssetName,
		&inc.Signature, &inc.Severity, &inc.PriorityScore, &inc.Status, &ids, &tools,
		&inc.AssetCritical, &inc.AssignedTo, &inc.RunbookID, &inc.Version,
		&inc.CreatedAt, &inc.UpdatedAt, &resolved)
	if err != nil {
		return inc, err
	}
	inc.AlertIDs = []string(ids)
	inc.ToolSources = []string(tools)
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return inc, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+incidentColumns+" FROM incidents WHERE id = $1", id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inc, nil
}

func (s *Store) ActiveByKey(ctx context.Context, tenantID, key string) ([]Incident, error) {
	return s.List(ctx, ListFilter{
		TenantID:       tenantID,
		AggregationKey: key,
		Statuses:       ActiveStatuses,
		Limit:          500,
	})
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	clauses := []string{"1=1"}
	args := []any{}
	idx := 1
	add := func(clause string, v any) {
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+itoa(idx)))
		args = append(args, v)
		idx++
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.AggregationKey != "" {
		add("aggregation_key = ?", f.AggregationKey)
	}
	if f.AssetName != "" {
		add("asset_name = ?", f.AssetName)
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY(?)", pq.Array(statuses))
	}
	query := "SELECT " + incidentColumns + " FROM incidents WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY priority_score DESC, created_at DESC LIMIT " + itoa(f.EffectiveLimit())
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
