package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"warden/internal/common/cache"
	appErr "warden/pkg/errors"
)

const (
	statusKeyPrefix  = "workload:status:"
	defaultStatusTTL = 30 * time.Second
)

// LiveStatus is the supervisor's latest telemetry snapshot for one
// workload. It expires on its own when polling stops.
type LiveStatus struct {
	WorkloadID       string    `json:"workload_id"`
	Status           string    `json:"status"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryMB         float64   `json:"memory_mb"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	PowerRemaining   float64   `json:"power_remaining"`
	CheckedAt        time.Time `json:"checked_at"`
}

// StatusCache keeps live telemetry in Redis so status reads skip the
// ledger.
type StatusCache struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusCache creates a status cache. A non-positive ttl falls
// back to the default.
func NewStatusCache(cacheClient cache.Cache, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusCache{cache: cacheClient, TTL: ttl}
}

// Get returns the cached snapshot for a workload.
func (r *StatusCache) Get(ctx context.Context, workloadID string) (LiveStatus, error) {
	if workloadID == "" {
		return LiveStatus{}, appErr.ValidationError("workload_id", "required")
	}
	if r.cache == nil {
		return LiveStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+workloadID)
	if err != nil || val == "" {
		return LiveStatus{}, appErr.New(appErr.NotFound).WithMessage("workload status not cached")
	}
	var status LiveStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return LiveStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists a telemetry snapshot.
func (r *StatusCache) Save(ctx context.Context, status LiveStatus) error {
	if status.WorkloadID == "" {
		return appErr.ValidationError("workload_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.WorkloadID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// Drop removes the snapshot after a workload stops running.
func (r *StatusCache) Drop(ctx context.Context, workloadID string) error {
	if workloadID == "" {
		return appErr.ValidationError("workload_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if err := r.cache.Del(ctx, statusKeyPrefix+workloadID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "drop status failed")
	}
	return nil
}
