package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"opsgate/internal/audit"
)

// Repository persists tenants. Create and Update write the audit entry in the
// same transaction; Update is conditional on t.Version and bumps it.
type Repository interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByKeyHash(ctx context.Context, hash string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Create(ctx context.Context, t *Tenant, entry *audit.Entry) error
	Update(ctx context.Context, t *Tenant, entry *audit.Entry) error
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// securityRecord is the persisted form of WebhookSecurity, secret included.
type securityRecord struct {
	HMACEnabled             bool   `json:"hmac_enabled"`
	HMACSecret              string `json:"hmac_secret"`
	MaxTimestampDiffSeconds int    `json:"max_timestamp_diff_seconds"`
}

const tenantColumns = "id, name, api_key_hash, correlation, rate_limit, security, critical_assets, version, updated_at"

func scanTenant(row interface{ Scan(...any) error }) (*Tenant, error) {
	var t Tenant
	var corr, rl, sec []byte
	var assets pq.StringArray
	if err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &corr, &rl, &sec, &assets, &t.Version, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(corr, &t.Correlation); err != nil {
		return nil, fmt.Errorf("decode correlation config: %w", err)
	}
	if err := json.Unmarshal(rl, &t.RateLimit); err != nil {
		return nil, fmt.Errorf("decode rate limit config: %w", err)
	}
	var sr securityRecord
	if err := json.Unmarshal(sec, &sr); err != nil {
		return nil, fmt.Errorf("decode webhook security: %w", err)
	}
	t.Security = WebhookSecurity(sr)
	t.CriticalAssets = []string(assets)
	return &t, nil
}

func (s *Store) get(ctx context.Context, where string, arg any) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE "+where+" = $1", arg)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.get(ctx, "id", id)
}

func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Tenant, error) {
	return s.get(ctx, "api_key_hash", hash)
}

func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

func marshalConfigs(t *Tenant) (corr, rl, sec []byte, err error) {
	if corr, err = json.Marshal(t.Correlation); err != nil {
		return
	}
	if rl, err = json.Marshal(t.RateLimit); err != nil {
		return
	}
	sec, err = json.Marshal(securityRecord(t.Security))
	return
}

func (s *Store) Create(ctx context.Context, t *Tenant, entry *audit.Entry) error {
	corr, rl, sec, err := marshalConfigs(t)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t.Version = 1
	t.UpdatedAt = time.Now().UTC()
	const q = `
		INSERT INTO tenants (id, name, api_key_hash, correlation, rate_limit, security, critical_assets, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	if _, err := tx.ExecContext(ctx, q, t.ID, t.Name, t.APIKeyHash, string(corr), string(rl), string(sec),
		pq.Array(t.CriticalAssets), t.Version, t.UpdatedAt); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Update(ctx context.Context, t *Tenant, entry *audit.Entry) error {
	corr, rl, sec, err := marshalConfigs(t)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const q = `
		UPDATE tenants
		SET name=$1, api_key_hash=$2, correlation=$3, rate_limit=$4, security=$5, critical_assets=$6,
		    version=version+1, updated_at=$7
		WHERE id=$8 AND version=$9
	`
	res, err := tx.ExecContext(ctx, q, t.Name, t.APIKeyHash, string(corr), string(rl), string(sec),
		pq.Array(t.CriticalAssets), now, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	if entry != nil {
		if err := audit.Insert(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}
