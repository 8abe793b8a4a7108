package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/common/db"
	"warden/internal/workload/model"
)

var (
	ErrWorkloadNotFound = errors.New("workload not found")
	ErrWorkloadExists   = errors.New("workload already exists")
	ErrVersionConflict  = errors.New("workload version conflict")
)

// LedgerRepository persists workload records. Save uses optimistic
// concurrency: every write bumps the row version and fails when the
// loaded version is stale.
type LedgerRepository interface {
	Create(ctx context.Context, tx db.Transaction, w *model.Workload) error
	GetByID(ctx context.Context, tx db.Transaction, id string) (*model.Workload, error)
	Save(ctx context.Context, tx db.Transaction, w *model.Workload) error
	ListByOwner(ctx context.Context, tx db.Transaction, ownerID int64) ([]*model.Workload, error)
	CountActiveByOwner(ctx context.Context, tx db.Transaction, ownerID int64) (int, error)
	ListByStatus(ctx context.Context, tx db.Transaction, statuses ...model.Status) ([]*model.Workload, error)
}

// MySQLLedgerRepository implements LedgerRepository with MySQL.
type MySQLLedgerRepository struct {
	dbProvider db.Provider
}

// NewLedgerRepository creates a ledger repository.
func NewLedgerRepository(provider db.Provider) LedgerRepository {
	return &MySQLLedgerRepository{dbProvider: provider}
}

const workloadColumns = "id, owner_id, plan, code_ref, secret_ref, entrypoint, status, sleep_reason, sleep_since, remaining_seconds, power_remaining, power_max, restart_count, restart_window_start, last_restart_at, auto_recovery_used, auto_recovery_at, container_handle, started_at, cpu_percent, memory_mb, last_checked_at, created_at, updated_at, version"

// Create inserts a workload row at version 1.
func (r *MySQLLedgerRepository) Create(ctx context.Context, tx db.Transaction, w *model.Workload) error {
	if w == nil {
		return errors.New("workload is nil")
	}
	if w.ID == "" {
		return errors.New("workload id is required")
	}
	if w.OwnerID <= 0 {
		return errors.New("owner id is required")
	}
	if w.Plan == "" {
		return errors.New("plan is required")
	}
	if w.CodeRef == "" {
		return errors.New("code ref is required")
	}
	if len(w.Entrypoint) == 0 {
		return errors.New("entrypoint is required")
	}
	if w.CreatedAt.IsZero() || w.UpdatedAt.IsZero() {
		return errors.New("timestamps are required")
	}

	entrypoint, err := marshalEntrypoint(w.Entrypoint)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO workloads
		(id, owner_id, plan, code_ref, secret_ref, entrypoint, status, sleep_reason, sleep_since,
		 remaining_seconds, power_remaining, power_max,
		 restart_count, restart_window_start, last_restart_at,
		 auto_recovery_used, auto_recovery_at,
		 container_handle, started_at, cpu_percent, memory_mb, last_checked_at,
		 created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return err
	}
	_, err = querier.Exec(
		ctx,
		query,
		w.ID,
		w.OwnerID,
		w.Plan,
		w.CodeRef,
		w.SecretRef,
		entrypoint,
		w.Status,
		w.SleepReason,
		nullTimePtr(w.SleepSince),
		w.RemainingSeconds,
		w.PowerRemaining,
		w.PowerMax,
		w.RestartCount,
		nullTime(w.RestartWindowStart),
		nullTime(w.LastRestartAt),
		w.AutoRecoveryUsed,
		nullTime(w.AutoRecoveryAt),
		w.ContainerHandle,
		nullTime(w.StartedAt),
		w.CPUPercent,
		w.MemoryMB,
		nullTime(w.LastCheckedAt),
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return ErrWorkloadExists
		}
		return err
	}
	w.Version = 1
	return nil
}

// GetByID retrieves a workload by id, deleted rows included.
func (r *MySQLLedgerRepository) GetByID(ctx context.Context, tx db.Transaction, id string) (*model.Workload, error) {
	if id == "" {
		return nil, errors.New("workload id is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + workloadColumns + " FROM workloads WHERE id = ?"
	w, err := scanWorkload(querier.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrWorkloadNotFound
		}
		return nil, err
	}
	return w, nil
}

// Save writes all mutable fields guarded by the loaded version. The
// stored version is bumped and mirrored into w on success. Zero rows
// affected means the version went stale: rows are never physically
// removed, so a missing id surfaces on the caller's reload instead.
func (r *MySQLLedgerRepository) Save(ctx context.Context, tx db.Transaction, w *model.Workload) error {
	if w == nil {
		return errors.New("workload is nil")
	}
	if w.ID == "" {
		return errors.New("workload id is required")
	}
	if w.Version <= 0 {
		return errors.New("workload version is required")
	}
	if w.UpdatedAt.IsZero() {
		return errors.New("updated timestamp is required")
	}

	query := `
		UPDATE workloads SET
			status = ?, sleep_reason = ?, sleep_since = ?,
			remaining_seconds = ?, power_remaining = ?, power_max = ?,
			restart_count = ?, restart_window_start = ?, last_restart_at = ?,
			auto_recovery_used = ?, auto_recovery_at = ?,
			container_handle = ?, started_at = ?,
			cpu_percent = ?, memory_mb = ?, last_checked_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return err
	}
	result, err := querier.Exec(
		ctx,
		query,
		w.Status,
		w.SleepReason,
		nullTimePtr(w.SleepSince),
		w.RemainingSeconds,
		w.PowerRemaining,
		w.PowerMax,
		w.RestartCount,
		nullTime(w.RestartWindowStart),
		nullTime(w.LastRestartAt),
		w.AutoRecoveryUsed,
		nullTime(w.AutoRecoveryAt),
		w.ContainerHandle,
		nullTime(w.StartedAt),
		w.CPUPercent,
		w.MemoryMB,
		nullTime(w.LastCheckedAt),
		w.UpdatedAt,
		w.ID,
		w.Version,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	w.Version++
	return nil
}

// ListByOwner returns the owner's workloads, newest first, deleted
// rows excluded.
func (r *MySQLLedgerRepository) ListByOwner(ctx context.Context, tx db.Transaction, ownerID int64) ([]*model.Workload, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + workloadColumns + " FROM workloads WHERE owner_id = ? AND status != ? ORDER BY created_at DESC"
	rows, err := querier.Query(ctx, query, ownerID, model.StatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkloads(rows)
}

// CountActiveByOwner counts the owner's non-deleted workloads for
// plan admission.
func (r *MySQLLedgerRepository) CountActiveByOwner(ctx context.Context, tx db.Transaction, ownerID int64) (int, error) {
	if ownerID <= 0 {
		return 0, errors.New("owner id is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM workloads WHERE owner_id = ? AND status != ?"
	var count int
	if err := querier.QueryRow(ctx, query, ownerID, model.StatusDeleted).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListByStatus returns workloads in any of the given states, used by
// recovery sweeps at daemon boot.
func (r *MySQLLedgerRepository) ListByStatus(ctx context.Context, tx db.Transaction, statuses ...model.Status) ([]*model.Workload, error) {
	if len(statuses) == 0 {
		return nil, errors.New("at least one status is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, tx)
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, s)
	}
	query := fmt.Sprintf("SELECT %s FROM workloads WHERE status IN (%s) ORDER BY created_at", workloadColumns, placeholders)
	rows, err := querier.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkloads(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkload(row rowScanner) (*model.Workload, error) {
	var (
		w                  model.Workload
		entrypoint         string
		sleepSince         sql.NullTime
		restartWindowStart sql.NullTime
		lastRestartAt      sql.NullTime
		autoRecoveryAt     sql.NullTime
		startedAt          sql.NullTime
		lastCheckedAt      sql.NullTime
	)
	err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Plan,
		&w.CodeRef,
		&w.SecretRef,
		&entrypoint,
		&w.Status,
		&w.SleepReason,
		&sleepSince,
		&w.RemainingSeconds,
		&w.PowerRemaining,
		&w.PowerMax,
		&w.RestartCount,
		&restartWindowStart,
		&lastRestartAt,
		&w.AutoRecoveryUsed,
		&autoRecoveryAt,
		&w.ContainerHandle,
		&startedAt,
		&w.CPUPercent,
		&w.MemoryMB,
		&lastCheckedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
		&w.Version,
	)
	if err != nil {
		return nil, err
	}
	if w.Entrypoint, err = unmarshalEntrypoint(entrypoint); err != nil {
		return nil, err
	}
	if sleepSince.Valid {
		t := sleepSince.Time
		w.SleepSince = &t
	}
	if restartWindowStart.Valid {
		w.RestartWindowStart = restartWindowStart.Time
	}
	if lastRestartAt.Valid {
		w.LastRestartAt = lastRestartAt.Time
	}
	if autoRecoveryAt.Valid {
		w.AutoRecoveryAt = autoRecoveryAt.Time
	}
	if startedAt.Valid {
		w.StartedAt = startedAt.Time
	}
	if lastCheckedAt.Valid {
		w.LastCheckedAt = lastCheckedAt.Time
	}
	return &w, nil
}

func collectWorkloads(rows db.Rows) ([]*model.Workload, error) {
	var out []*model.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalEntrypoint(argv []string) (string, error) {
	payload, err := json.Marshal(argv)
	if err != nil {
		return "", fmt.Errorf("marshal entrypoint: %w", err)
	}
	return string(payload), nil
}

func unmarshalEntrypoint(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var argv []string
	if err := json.Unmarshal([]byte(data), &argv); err != nil {
		return nil, fmt.Errorf("unmarshal entrypoint: %w", err)
	}
	return argv, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
