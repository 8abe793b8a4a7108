// Package service is the command facade in front of the lifecycle engine:
// it resolves the caller from the JWT claims, enforces ownership and role,
// and writes the audit trail. State semantics live in the engine; this
// layer only decides who may ask for what.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/internal/workload/engine"
	"warden/internal/workload/model"
	"warden/internal/workload/repository"
	appErr "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

// RoleAdmin is the JWT role allowed to act on other owners' workloads and
// to adjust ledgers.
const RoleAdmin = "admin"

const (
	defaultCommandTimeout = 30 * time.Second
	defaultStatusTimeout  = 2 * time.Second
)

// LifecycleEngine is the slice of the engine the command facade drives.
type LifecycleEngine interface {
	Admit(ctx context.Context, req engine.AdmitRequest) (*model.Workload, error)
	Start(ctx context.Context, id string, requestedBy int64) error
	Stop(ctx context.Context, id string, requestedBy int64, graceful bool) error
	Delete(ctx context.Context, id string, requestedBy int64) error
	AdjustLedger(ctx context.Context, id string, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error)
	Get(ctx context.Context, id string) (*model.Workload, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.Workload, error)
}

// StatusReader serves live telemetry snapshots for running workloads.
type StatusReader interface {
	Get(ctx context.Context, workloadID string) (repository.LiveStatus, error)
}

// TimeoutConfig bounds the facade's calls into the engine and the status
// cache. Zero values fall back to defaults.
type TimeoutConfig struct {
	Command time.Duration
	Status  time.Duration
}

// Config holds workload service dependencies and settings.
type Config struct {
	Engine   LifecycleEngine
	Status   StatusReader
	Timeouts TimeoutConfig
}

// WorkloadService authorizes and forwards workload commands.
type WorkloadService struct {
	engine   LifecycleEngine
	status   StatusReader
	timeouts TimeoutConfig
}

// Caller identifies the authenticated principal behind a command, as
// resolved by the auth middleware.
type Caller struct {
	UserID int64
	Role   string
}

func (c Caller) admin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

// CreateInput describes a workload admission request. OwnerID is only
// honored for admins; everyone else admits under their own account.
type CreateInput struct {
	OwnerID    int64
	CodeRef    string
	SecretRef  string
	Entrypoint []string
	Plan       string
}

// NewWorkloadService creates a new workload service.
func NewWorkloadService(cfg Config) (*WorkloadService, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("lifecycle engine is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("status reader is required")
	}
	if cfg.Timeouts.Command <= 0 {
		cfg.Timeouts.Command = defaultCommandTimeout
	}
	if cfg.Timeouts.Status <= 0 {
		cfg.Timeouts.Status = defaultStatusTimeout
	}
	return &WorkloadService{
		engine:   cfg.Engine,
		status:   cfg.Status,
		timeouts: cfg.Timeouts,
	}, nil
}

// Create admits a new workload under the caller's (or, for admins, the
// requested) owner account.
func (s *WorkloadService) Create(ctx context.Context, caller Caller, input CreateInput) (*model.Workload, error) {
	if caller.UserID <= 0 {
		return nil, appErr.New(appErr.Unauthorized)
	}

	ownerID := caller.UserID
	if input.OwnerID > 0 && input.OwnerID != caller.UserID {
		if !caller.admin() {
			return nil, appErr.New(appErr.Forbidden).WithMessage("cannot admit workloads for another owner")
		}
		ownerID = input.OwnerID
	}
	plan := strings.TrimSpace(input.Plan)
	if plan == "" {
		plan = model.PlanFree
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	w, err := s.engine.Admit(ctxCmd.ctx, engine.AdmitRequest{
		OwnerID:    ownerID,
		CodeRef:    strings.TrimSpace(input.CodeRef),
		SecretRef:  strings.TrimSpace(input.SecretRef),
		Entrypoint: input.Entrypoint,
		Plan:       plan,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "create", w.ID, caller)
	return w, nil
}

// Start launches the workload's container.
func (s *WorkloadService) Start(ctx context.Context, caller Caller, workloadID string) error {
	if _, err := s.authorize(ctx, caller, workloadID); err != nil {
		return err
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	if err := s.engine.Start(ctxCmd.ctx, workloadID, caller.UserID); err != nil {
		return err
	}
	s.audit(ctx, "start", workloadID, caller)
	return nil
}

// Stop brings the workload down. Resubmitting against an already stopped
// workload is a no-op.
func (s *WorkloadService) Stop(ctx context.Context, caller Caller, workloadID string, graceful bool) error {
	if _, err := s.authorize(ctx, caller, workloadID); err != nil {
		return err
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	if err := s.engine.Stop(ctxCmd.ctx, workloadID, caller.UserID, graceful); err != nil {
		return err
	}
	s.audit(ctx, "stop", workloadID, caller)
	return nil
}

// Delete removes the workload permanently.
func (s *WorkloadService) Delete(ctx context.Context, caller Caller, workloadID string) error {
	if _, err := s.authorize(ctx, caller, workloadID); err != nil {
		return err
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	if err := s.engine.Delete(ctxCmd.ctx, workloadID, caller.UserID); err != nil {
		return err
	}
	s.audit(ctx, "delete", workloadID, caller)
	return nil
}

// Adjust applies budget deltas to a workload's ledger. Admin only; the
// reason lands in the audit trail.
func (s *WorkloadService) Adjust(ctx context.Context, caller Caller, workloadID string, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error) {
	if caller.UserID <= 0 {
		return nil, appErr.New(appErr.Unauthorized)
	}
	if !caller.admin() {
		return nil, appErr.New(appErr.Forbidden).WithMessage("ledger adjustments require the admin role")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErr.ValidationError("reason", "required")
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	w, err := s.engine.AdjustLedger(ctxCmd.ctx, workloadID, deltaSeconds, deltaPower, reason)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "workload command accepted",
		zap.String("command", "adjust_ledger"),
		zap.String("workload_id", workloadID),
		zap.Int64("caller_id", caller.UserID),
		zap.String("caller_role", caller.Role),
		zap.Int64("delta_seconds", deltaSeconds),
		zap.Float64("delta_power", deltaPower),
		zap.String("reason", reason))
	return w, nil
}

// Get returns the workload's ledger record.
func (s *WorkloadService) Get(ctx context.Context, caller Caller, workloadID string) (*model.Workload, error) {
	return s.authorize(ctx, caller, workloadID)
}

// List returns the non-deleted workloads of an owner. A non-positive
// ownerID means the caller's own; other owners require the admin role.
func (s *WorkloadService) List(ctx context.Context, caller Caller, ownerID int64) ([]*model.Workload, error) {
	if caller.UserID <= 0 {
		return nil, appErr.New(appErr.Unauthorized)
	}
	if ownerID <= 0 {
		ownerID = caller.UserID
	}
	if ownerID != caller.UserID && !caller.admin() {
		return nil, appErr.New(appErr.Forbidden).WithMessage("cannot list another owner's workloads")
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	return s.engine.ListByOwner(ctxCmd.ctx, ownerID)
}

// LiveStatus returns the latest telemetry snapshot for a workload. When no
// supervisor is feeding the cache the snapshot is synthesized from the
// ledger record, so the call never fails just because the workload is not
// running.
func (s *WorkloadService) LiveStatus(ctx context.Context, caller Caller, workloadID string) (repository.LiveStatus, error) {
	w, err := s.authorize(ctx, caller, workloadID)
	if err != nil {
		return repository.LiveStatus{}, err
	}

	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	if status, err := s.status.Get(ctxStatus.ctx, workloadID); err == nil {
		return status, nil
	}

	return repository.LiveStatus{
		WorkloadID:       w.ID,
		Status:           string(w.Status),
		CPUPercent:       w.CPUPercent,
		MemoryMB:         w.MemoryMB,
		RemainingSeconds: w.RemainingSeconds,
		PowerRemaining:   w.PowerRemaining,
		CheckedAt:        w.LastCheckedAt,
	}, nil
}

// authorize loads the workload and verifies the caller owns it or holds
// the admin role. Ownership never changes, so the check cannot go stale
// between here and the engine applying the command.
func (s *WorkloadService) authorize(ctx context.Context, caller Caller, workloadID string) (*model.Workload, error) {
	if caller.UserID <= 0 {
		return nil, appErr.New(appErr.Unauthorized)
	}
	if workloadID == "" {
		return nil, appErr.ValidationError("workload_id", "required")
	}

	ctxCmd := withTimeout(ctx, s.timeouts.Command)
	defer ctxCmd.cancel()
	w, err := s.engine.Get(ctxCmd.ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != caller.UserID && !caller.admin() {
		return nil, appErr.New(appErr.Forbidden).WithMessage("workload belongs to another owner")
	}
	return w, nil
}

func (s *WorkloadService) audit(ctx context.Context, command, workloadID string, caller Caller) {
	logger.Info(ctx, "workload command accepted",
		zap.String("command", command),
		zap.String("workload_id", workloadID),
		zap.Int64("caller_id", caller.UserID),
		zap.String("caller_role", caller.Role))
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
