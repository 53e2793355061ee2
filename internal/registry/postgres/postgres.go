// Package postgres implements registry.Registry on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

const columns = `id, user_id, organization_id, name, provider, region, server_type,
	max_concurrent_jobs, credential, api_key_hash, status, status_reason,
	status_detail, provider_server_id, ip_address, last_heartbeat, cpu_usage, memory_usage,
	created_at, updated_at`

// Store is a PostgreSQL-backed runner registry.
type Store struct {
	db *sql.DB
}

// Compile-time check that Store satisfies the registry.Registry interface.
var _ registry.Registry = (*Store)(nil)

// Open connects to databaseURL, verifies the connection and, when
// migrate is true, applies pending migrations.
func Open(ctx context.Context, databaseURL string, migrate bool) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if migrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, r *runner.Runner) error {
	query := `
		INSERT INTO runners (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.UserID,
		r.OrganizationID,
		r.Name,
		r.Provider,
		r.Region,
		r.ServerType,
		r.MaxConcurrentJobs,
		r.Credential,
		r.APIKeyHash,
		string(r.Status),
		r.StatusReason,
		r.StatusDetail,
		r.ProviderServerID,
		r.IPAddress,
		r.LastHeartbeat,
		r.CPUUsage,
		r.MemoryUsage,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert runner: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*runner.Runner, error) {
	query := `SELECT ` + columns + ` FROM runners WHERE id = $1`

	r, err := scanRunner(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return r, err
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*runner.Runner, error) {
	query := `SELECT ` + columns + ` FROM runners WHERE user_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, query, userID)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...runner.Status) ([]*runner.Runner, error) {
	query := `SELECT ` + columns + ` FROM runners WHERE status = ANY($1) ORDER BY updated_at`
	return s.list(ctx, query, statusArray(statuses))
}

// Update builds the SET clause from the non-nil patch fields.  With
// expected statuses the WHERE clause carries the compare-and-set.
func (s *Store) Update(ctx context.Context, id string, p runner.Patch, expect ...runner.Status) (*runner.Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.StatusReason != nil {
		set("status_reason", *p.StatusReason)
	}
	if p.StatusDetail != nil {
		set("status_detail", *p.StatusDetail)
	}
	if p.ProviderServerID != nil {
		set("provider_server_id", *p.ProviderServerID)
	}
	if p.IPAddress != nil {
		set("ip_address", *p.IPAddress)
	}
	if p.APIKeyHash != nil {
		set("api_key_hash", *p.APIKeyHash)
	}
	if p.Credential != nil {
		set("credential", p.Credential)
	}
	if p.LastHeartbeat != nil {
		set("last_heartbeat", *p.LastHeartbeat)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if len(expect) > 0 {
		args = append(args, statusArray(expect))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `UPDATE runners SET ` + strings.Join(sets, ", ") +
		` WHERE ` + where + ` RETURNING ` + columns

	r, err := scanRunner(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update runner %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, id string, hb runner.Heartbeat, expect ...runner.Status) error {
	query := `
		UPDATE runners
		SET last_heartbeat = $1, cpu_usage = $2, memory_usage = $3
		WHERE id = $4 AND status = ANY($5)`

	result, err := s.db.ExecContext(ctx, query, hb.At, hb.CPUUsage, hb.MemoryUsage, id, statusArray(expect))
	if err != nil {
		return fmt.Errorf("record heartbeat %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// missOrConflict explains a conditional write that touched no row.
func (s *Store) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runners WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return registry.ErrNotFound
	}
	return registry.ErrConflict
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*runner.Runner, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*runner.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunner(row scanner) (*runner.Runner, error) {
	var (
		r        runner.Runner
		status   string
		orgID    sql.NullString
		serverID sql.NullString
		ip       sql.NullString
		hb       sql.NullTime
		cpu      sql.NullFloat64
		mem      sql.NullFloat64
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&orgID,
		&r.Name,
		&r.Provider,
		&r.Region,
		&r.ServerType,
		&r.MaxConcurrentJobs,
		&r.Credential,
		&r.APIKeyHash,
		&status,
		&r.StatusReason,
		&r.StatusDetail,
		&serverID,
		&ip,
		&hb,
		&cpu,
		&mem,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = runner.Status(status)
	if orgID.Valid {
		r.OrganizationID = &orgID.String
	}
	if serverID.Valid {
		r.ProviderServerID = &serverID.String
	}
	if ip.Valid {
		r.IPAddress = &ip.String
	}
	if hb.Valid {
		r.LastHeartbeat = &hb.Time
	}
	if cpu.Valid {
		r.CPUUsage = &cpu.Float64
	}
	if mem.Valid {
		r.MemoryUsage = &mem.Float64
	}
	return &r, nil
}

func statusArray(statuses []runner.Status) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}
