package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"warden/internal/workload/accounting"
	"warden/internal/workload/driver"
	"warden/internal/workload/model"
	"warden/internal/workload/notify"
	"warden/internal/workload/policy"
	"warden/internal/workload/repository"
	appErr "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

// errActorClosed signals that the actor shut down between lookup and
// delivery; dispatch retries against a fresh actor.
var errActorClosed = errors.New("workload actor closed")

type message struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// actor is the single writer for one workload. All state mutation flows
// through its inbox and runs in its goroutine, one message at a time, so
// concurrent commands and supervisor events can never interleave. The
// closing channel is closed exactly once, by Engine.removeActor, after
// which no new message can land.
type actor struct {
	eng *Engine
	id  string

	inbox   chan message
	closing chan struct{}

	// Owned by the actor goroutine.
	w              *model.Workload
	restartTimer   *time.Timer
	restartPending bool
	supCancel      context.CancelFunc
	lowTimeSent    bool
}

func newActor(e *Engine, w *model.Workload) *actor {
	return &actor{
		eng:     e,
		id:      w.ID,
		inbox:   make(chan message, e.cfg.MailboxSize),
		closing: make(chan struct{}),
		w:       w,
	}
}

// do delivers fn into the actor and blocks for the reply. Handlers run on
// the engine's base context, so a caller timeout abandons the wait without
// aborting the mutation mid-flight.
func (a *actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	msg := message{fn: fn, reply: make(chan error, 1)}
	select {
	case a.inbox <- msg:
	case <-a.closing:
		return errActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-a.closing:
		// The message may have raced the shutdown drain; prefer its reply.
		select {
		case err := <-msg.reply:
			return err
		default:
			return errActorClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers fn without waiting for a reply. Used by supervisors and
// restart timers; a message that misses a closing actor is dropped, the
// next boot's Recover reconciles whatever it would have reported.
func (a *actor) post(fn func(ctx context.Context) error) {
	select {
	case a.inbox <- message{fn: fn}:
	case <-a.closing:
	case <-a.eng.baseCtx.Done():
	}
}

func (a *actor) run() {
	idle := time.NewTimer(a.eng.cfg.IdleActorTTL)
	defer idle.Stop()

	for {
		select {
		case msg := <-a.inbox:
			err := msg.fn(a.eng.baseCtx)
			if msg.reply != nil {
				msg.reply <- err
			}
			if a.w.Status == model.StatusDeleted {
				a.eng.removeActor(a)
				a.drainInbox()
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.eng.cfg.IdleActorTTL)

		case <-idle.C:
			if a.idleOut() {
				a.eng.removeActor(a)
				a.drainInbox()
				return
			}
			idle.Reset(a.eng.cfg.IdleActorTTL)

		case <-a.eng.baseCtx.Done():
			a.shutdown()
			a.eng.removeActor(a)
			a.drainInbox()
			return
		}
	}
}

// idleOut reports whether the actor can be torn down: nothing running,
// nothing scheduled, nothing queued. State is rebuilt from the ledger on
// the next command.
func (a *actor) idleOut() bool {
	if a.supCancel != nil || a.restartTimer != nil || a.restartPending {
		return false
	}
	switch a.w.Status {
	case model.StatusStarting, model.StatusRunning, model.StatusStopping:
		return false
	}
	return len(a.inbox) == 0
}

func (a *actor) shutdown() {
	a.detachSupervisor()
	a.cancelRestartTimer()
}

// drainInbox answers every message that landed before closing was closed.
// Senders that raced past the drain see closing and give up on their own.
func (a *actor) drainInbox() {
	for {
		select {
		case msg := <-a.inbox:
			if msg.reply != nil {
				msg.reply <- errActorClosed
			}
		default:
			return
		}
	}
}

// mutate applies fn to a copy of the workload and persists it; the copy
// becomes current only after the save lands, so a failed write never
// leaves divergent in-memory state. On a version conflict the row is
// reloaded and fn replayed once before the conflict surfaces.
func (a *actor) mutate(ctx context.Context, fn func(w *model.Workload) error) error {
	for attempt := 0; ; attempt++ {
		next := *a.w
		if err := fn(&next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now()

		err := a.eng.ledger.Save(ctx, nil, &next)
		if err == nil {
			a.w = &next
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return appErr.Wrapf(err, appErr.LedgerSaveFailed, "persist workload %s failed", a.id)
		}
		if attempt > 0 {
			return appErr.New(appErr.LedgerVersionConflict)
		}

		logger.Warn(ctx, "workload row changed underneath, reloading",
			zap.String("workload_id", a.id),
			zap.Int64("version", a.w.Version))
		fresh, lerr := a.eng.ledger.GetByID(ctx, nil, a.id)
		if lerr != nil {
			if errors.Is(lerr, repository.ErrWorkloadNotFound) {
				return appErr.New(appErr.WorkloadNotFound)
			}
			return appErr.Wrapf(lerr, appErr.DatabaseError, "reload workload %s failed", a.id)
		}
		a.w = fresh
	}
}

// handleStart stages the bundle and launches a run. Reached from user
// commands and from restart timers (requestedBy 0).
func (a *actor) handleStart(ctx context.Context, requestedBy int64) error {
	a.restartPending = false
	a.cancelRestartTimer()

	switch a.w.Status {
	case model.StatusDeleted:
		return appErr.New(appErr.WorkloadNotFound)
	case model.StatusStopped, model.StatusSleeping:
	default:
		return appErr.InvalidStateError("start", string(a.w.Status))
	}
	if a.w.Depleted() {
		return appErr.DepletedError(a.w.RemainingSeconds, a.w.PowerRemaining)
	}

	dir, err := a.eng.bundles.Stage(ctx, a.w.CodeRef)
	if err != nil {
		return err
	}

	if err := a.mutate(ctx, func(w *model.Workload) error {
		if w.Status != model.StatusStopped && w.Status != model.StatusSleeping {
			return appErr.InvalidStateError("start", string(w.Status))
		}
		if w.Depleted() {
			return appErr.DepletedError(w.RemainingSeconds, w.PowerRemaining)
		}
		w.Status = model.StatusStarting
		w.WakeForStart()
		return nil
	}); err != nil {
		return err
	}

	initialRemaining := a.w.RemainingSeconds
	handle, err := a.eng.drv.Launch(ctx, driver.LaunchSpec{
		WorkloadID: a.w.ID,
		OwnerID:    a.w.OwnerID,
		BundleDir:  dir,
		Entrypoint: a.w.Entrypoint,
		SecretRef:  a.w.SecretRef,
		Limits:     a.eng.cfg.RunLimits,
	})
	if err != nil {
		if perr := a.mutate(ctx, func(w *model.Workload) error {
			w.Status = model.StatusStopped
			w.ClearRun()
			return nil
		}); perr != nil {
			logger.Error(ctx, "rollback after failed launch did not persist",
				zap.String("workload_id", a.id), zap.Error(perr))
		}
		return err
	}

	now := time.Now()
	if err := a.mutate(ctx, func(w *model.Workload) error {
		w.Status = model.StatusRunning
		w.ContainerHandle = handle
		w.StartedAt = now
		w.LastCheckedAt = now
		w.CPUPercent = 0
		w.MemoryMB = 0
		return nil
	}); err != nil {
		_ = a.eng.drv.Stop(ctx, handle, 0)
		return err
	}

	a.lowTimeSent = false
	deadline := now.Add(time.Duration(initialRemaining)*time.Second + a.eng.cfg.DeadlineGrace)
	a.attachSupervisor(handle, deadline)

	a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventStarted, a.w.ID, a.w.OwnerID, map[string]interface{}{
		"requested_by":      requestedBy,
		"remaining_seconds": a.w.RemainingSeconds,
		"power_remaining":   a.w.PowerRemaining,
	}))
	logger.Info(ctx, "workload started",
		zap.String("workload_id", a.id),
		zap.String("handle", handle),
		zap.Int64("requested_by", requestedBy))
	return nil
}

// handleStop lands the workload in stopped. Idempotent from stopped and
// sleeping, where it only cancels a pending restart.
func (a *actor) handleStop(ctx context.Context, requestedBy int64, graceful bool) error {
	a.restartPending = false
	a.cancelRestartTimer()

	switch a.w.Status {
	case model.StatusDeleted:
		return appErr.New(appErr.WorkloadNotFound)
	case model.StatusStopped, model.StatusSleeping:
		return nil
	}
	return a.stopRun(ctx, requestedBy, graceful)
}

// stopRun forces the active run down and persists stopped. The driver
// losing the container is fine; the ledger is settled either way.
func (a *actor) stopRun(ctx context.Context, requestedBy int64, graceful bool) error {
	handle := a.w.ContainerHandle
	a.detachSupervisor()

	if handle != "" {
		if err := a.mutate(ctx, func(w *model.Workload) error {
			w.Status = model.StatusStopping
			return nil
		}); err != nil {
			return err
		}
		var grace time.Duration
		if graceful {
			grace = a.eng.cfg.StopGrace
		}
		if err := a.eng.drv.Stop(ctx, handle, grace); err != nil && !appErr.Is(err, appErr.DriverNotFound) {
			logger.Warn(ctx, "driver stop failed, clearing run anyway",
				zap.String("workload_id", a.id),
				zap.String("handle", handle),
				zap.Error(err))
		}
	}

	if err := a.mutate(ctx, func(w *model.Workload) error {
		w.Status = model.StatusStopped
		w.ClearRun()
		return nil
	}); err != nil {
		return err
	}
	a.dropStatus(ctx)

	a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventStopped, a.w.ID, a.w.OwnerID, map[string]interface{}{
		"requested_by": requestedBy,
	}))
	logger.Info(ctx, "workload stopped",
		zap.String("workload_id", a.id),
		zap.Int64("requested_by", requestedBy))
	return nil
}

// handleDelete performs a best-effort stop and marks the workload
// deleted. The run loop tears the actor down right after.
func (a *actor) handleDelete(ctx context.Context, requestedBy int64) error {
	a.restartPending = false
	a.cancelRestartTimer()

	if a.w.Status == model.StatusDeleted {
		return appErr.New(appErr.WorkloadNotFound)
	}

	if a.w.RunActive() || a.w.Status == model.StatusStopping {
		if err := a.stopRun(ctx, requestedBy, false); err != nil {
			logger.Warn(ctx, "stop before delete failed",
				zap.String("workload_id", a.id), zap.Error(err))
		}
	} else {
		a.detachSupervisor()
	}

	if err := a.mutate(ctx, func(w *model.Workload) error {
		w.Status = model.StatusDeleted
		w.ClearRun()
		w.SleepReason = ""
		w.SleepSince = nil
		return nil
	}); err != nil {
		return err
	}
	a.dropStatus(ctx)

	logger.Info(ctx, "workload deleted",
		zap.String("workload_id", a.id),
		zap.Int64("requested_by", requestedBy))
	return nil
}

// handleAdjust applies budget deltas with clamps and returns a snapshot
// of the updated workload.
func (a *actor) handleAdjust(ctx context.Context, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error) {
	if a.w.Status == model.StatusDeleted {
		return nil, appErr.New(appErr.WorkloadNotFound)
	}

	if err := a.mutate(ctx, func(w *model.Workload) error {
		w.RemainingSeconds += deltaSeconds
		if w.RemainingSeconds < 0 {
			w.RemainingSeconds = 0
		}
		w.PowerRemaining += deltaPower
		if w.PowerRemaining < 0 {
			w.PowerRemaining = 0
		}
		if w.PowerRemaining > w.PowerMax {
			w.PowerRemaining = w.PowerMax
		}
		return nil
	}); err != nil {
		return nil, err
	}

	logger.Info(ctx, "workload ledger adjusted",
		zap.String("workload_id", a.id),
		zap.Int64("delta_seconds", deltaSeconds),
		zap.Float64("delta_power", deltaPower),
		zap.String("reason", reason),
		zap.Int64("remaining_seconds", a.w.RemainingSeconds),
		zap.Float64("power_remaining", a.w.PowerRemaining))

	snapshot := *a.w
	return &snapshot, nil
}

// handleReportExit settles a run that ended on its own. Exit reports for
// a handle that is no longer current are stale supervisor echoes and are
// dropped.
func (a *actor) handleReportExit(ctx context.Context, handle string, exitCode int, cause model.ExitCause) error {
	if a.w.ContainerHandle == "" || a.w.ContainerHandle != handle {
		logger.Debug(ctx, "ignoring stale exit report",
			zap.String("workload_id", a.id),
			zap.String("handle", handle))
		return nil
	}
	a.detachSupervisor()
	return a.applyExit(ctx, exitCode, cause)
}

// handleTick applies one accounting step. Ticks for a stale handle or a
// non-running workload are dropped.
func (a *actor) handleTick(ctx context.Context, handle string, stats driver.Stats, at time.Time) error {
	if a.w.Status != model.StatusRunning || a.w.ContainerHandle != handle {
		return nil
	}

	// Drain whole seconds only; the sub-second remainder stays in the
	// checkpoint and is charged by a later tick.
	delta := at.Sub(a.w.LastCheckedAt)
	if delta < 0 {
		delta = 0
	}
	elapsed := int64(delta / time.Second)
	checkpoint := a.w.LastCheckedAt.Add(time.Duration(elapsed) * time.Second)

	res := a.eng.accountant.Apply(a.w.RemainingSeconds, a.w.PowerRemaining, accounting.Sample{
		CPUPercent:     stats.CPUPercent,
		ElapsedSeconds: elapsed,
	})

	if err := a.mutate(ctx, func(w *model.Workload) error {
		w.RemainingSeconds = res.RemainingSeconds
		w.PowerRemaining = res.PowerRemaining
		w.CPUPercent = stats.CPUPercent
		w.MemoryMB = stats.MemoryMB
		w.LastCheckedAt = checkpoint
		return nil
	}); err != nil {
		return err
	}

	if err := a.eng.status.Save(ctx, repository.LiveStatus{
		WorkloadID:       a.id,
		Status:           string(a.w.Status),
		CPUPercent:       stats.CPUPercent,
		MemoryMB:         stats.MemoryMB,
		RemainingSeconds: a.w.RemainingSeconds,
		PowerRemaining:   a.w.PowerRemaining,
		CheckedAt:        at,
	}); err != nil {
		logger.Warn(ctx, "status snapshot not published",
			zap.String("workload_id", a.id), zap.Error(err))
	}

	if res.Depleted {
		logger.Info(ctx, "budget depleted, forcing stop",
			zap.String("workload_id", a.id),
			zap.Int64("remaining_seconds", res.RemainingSeconds),
			zap.Float64("power_remaining", res.PowerRemaining))
		return a.budgetKill(ctx, handle)
	}

	if res.LowTime && !a.lowTimeSent {
		a.lowTimeSent = true
		a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventLowTime, a.w.ID, a.w.OwnerID, map[string]interface{}{
			"remaining_seconds": res.RemainingSeconds,
		}))
	}
	return nil
}

// handleDeadline is the redundant budget enforcement path: the run blew
// past its admitted wall-clock allotment plus grace, regardless of what
// accounting says. Handle matching makes repeats no-ops.
func (a *actor) handleDeadline(ctx context.Context, handle string) error {
	if a.w.Status != model.StatusRunning || a.w.ContainerHandle != handle {
		return nil
	}
	logger.Warn(ctx, "run exceeded its deadline, forcing stop",
		zap.String("workload_id", a.id),
		zap.String("handle", handle))
	return a.budgetKill(ctx, handle)
}

// handleRecover reconciles a workload the previous daemon process left in
// an active state: probe the run, re-supervise it if alive, settle it as
// lost if gone.
func (a *actor) handleRecover(ctx context.Context) error {
	switch a.w.Status {
	case model.StatusStarting, model.StatusRunning, model.StatusStopping:
	default:
		return nil
	}

	if a.w.ContainerHandle == "" {
		// Interrupted before a run was attached; settle as stopped.
		return a.mutate(ctx, func(w *model.Workload) error {
			w.Status = model.StatusStopped
			w.ClearRun()
			return nil
		})
	}

	handle := a.w.ContainerHandle
	if _, err := a.eng.drv.Stats(ctx, handle); err != nil {
		if appErr.Is(err, appErr.DriverNotFound) {
			logger.Info(ctx, "run did not survive the restart",
				zap.String("workload_id", a.id),
				zap.String("handle", handle))
			return a.handleReportExit(ctx, handle, -1, model.ExitLost)
		}
		logger.Warn(ctx, "recovery probe failed, re-supervising anyway",
			zap.String("workload_id", a.id),
			zap.String("handle", handle),
			zap.Error(err))
	}

	now := time.Now()
	if err := a.mutate(ctx, func(w *model.Workload) error {
		// Reconciliation writes running directly: the run is live no
		// matter which phase the previous process died in. Downtime is
		// not drained; accounting resumes from now.
		w.Status = model.StatusRunning
		if w.StartedAt.IsZero() {
			w.StartedAt = now
		}
		w.LastCheckedAt = now
		return nil
	}); err != nil {
		return err
	}

	a.lowTimeSent = false
	deadline := now.Add(time.Duration(a.w.RemainingSeconds)*time.Second + a.eng.cfg.DeadlineGrace)
	a.attachSupervisor(handle, deadline)
	logger.Info(ctx, "workload run recovered",
		zap.String("workload_id", a.id),
		zap.String("handle", handle))
	return nil
}

// budgetKill ends the current run for budget reasons: the container is
// killed without grace and the exit settles as killed_by_budget, which
// the policy maps to sleeping (depleted) with restart counters untouched.
func (a *actor) budgetKill(ctx context.Context, handle string) error {
	a.detachSupervisor()
	if err := a.eng.drv.Stop(ctx, handle, 0); err != nil && !appErr.Is(err, appErr.DriverNotFound) {
		logger.Warn(ctx, "driver stop failed during budget kill",
			zap.String("workload_id", a.id),
			zap.String("handle", handle),
			zap.Error(err))
	}
	return a.applyExit(ctx, -1, model.ExitKilledByBudget)
}

// applyExit runs the restart policy for an ended run and applies the
// decision: sleep, or schedule a restart after backoff.
func (a *actor) applyExit(ctx context.Context, exitCode int, cause model.ExitCause) error {
	now := time.Now()
	decision := a.eng.policy.Decide(a.w, cause, now)

	logger.Info(ctx, "workload run exited",
		zap.String("workload_id", a.id),
		zap.Int("exit_code", exitCode),
		zap.String("cause", string(cause)),
		zap.String("outcome", string(decision.Outcome)),
		zap.Int("restart_count", decision.RestartCount))

	switch decision.Outcome {
	case policy.OutcomeSleep:
		if err := a.mutate(ctx, func(w *model.Workload) error {
			decision.ApplyTo(w)
			w.Sleep(decision.SleepReason, now)
			return nil
		}); err != nil {
			return err
		}
		a.dropStatus(ctx)
		a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventSleeping, a.w.ID, a.w.OwnerID, map[string]interface{}{
			"reason":    string(decision.SleepReason),
			"exit_code": exitCode,
			"cause":     string(cause),
		}))

	case policy.OutcomeRestart:
		if err := a.mutate(ctx, func(w *model.Workload) error {
			decision.ApplyTo(w)
			w.Status = model.StatusStopped
			w.ClearRun()
			return nil
		}); err != nil {
			return err
		}
		a.dropStatus(ctx)
		a.scheduleRestart(decision.Backoff)
		if decision.Recovered {
			a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventRecovered, a.w.ID, a.w.OwnerID, map[string]interface{}{
				"remaining_seconds": a.w.RemainingSeconds,
				"power_remaining":   a.w.PowerRemaining,
			}))
		}
		a.eng.sink.Notify(ctx, notify.NewEvent(notify.EventRestartScheduled, a.w.ID, a.w.OwnerID, map[string]interface{}{
			"delay_seconds": decision.Backoff.Seconds(),
			"restart_count": decision.RestartCount,
			"cause":         string(cause),
		}))
	}
	return nil
}

// scheduleRestart arms the restart timer. The fired timer goes through
// the inbox like any other message; restartPending gates it so an
// intervening Stop or Delete wins even when the timer already fired.
func (a *actor) scheduleRestart(delay time.Duration) {
	a.cancelRestartTimer()
	a.restartPending = true
	a.restartTimer = time.AfterFunc(delay, func() {
		a.post(func(ctx context.Context) error {
			if !a.restartPending {
				return nil
			}
			if err := a.handleStart(ctx, 0); err != nil {
				logger.Warn(ctx, "scheduled restart failed",
					zap.String("workload_id", a.id), zap.Error(err))
			}
			return nil
		})
	})
}

func (a *actor) cancelRestartTimer() {
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
}

func (a *actor) attachSupervisor(handle string, deadline time.Time) {
	a.detachSupervisor()
	ctx, cancel := context.WithCancel(a.eng.baseCtx)
	a.supCancel = cancel
	sup := &supervisor{actor: a, handle: handle, deadline: deadline}
	a.eng.wg.Add(1)
	go func() {
		defer a.eng.wg.Done()
		sup.run(ctx)
	}()
}

// detachSupervisor cancels the poll loop without waiting for it: the
// supervisor may be blocked posting into this very actor, so waiting here
// would deadlock. Stale posts are dropped by handle matching.
func (a *actor) detachSupervisor() {
	if a.supCancel != nil {
		a.supCancel()
		a.supCancel = nil
	}
}

func (a *actor) dropStatus(ctx context.Context) {
	if err := a.eng.status.Drop(ctx, a.id); err != nil {
		logger.Warn(ctx, "status snapshot not dropped",
			zap.String("workload_id", a.id), zap.Error(err))
	}
}
