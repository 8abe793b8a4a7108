// Package engine hosts the workload lifecycle engine. Every workload is
// owned by a single actor that applies commands and supervisor events one
// at a time, persisting each step through the versioned ledger; running
// containers are watched by one supervisor goroutine each, feeding
// accounting ticks and exit reports back through the owning actor.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
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

// BundleStager stages an admitted code bundle onto local disk and returns
// the directory the driver launches from.
type BundleStager interface {
	Stage(ctx context.Context, codeRef string) (string, error)
}

// StatusWriter receives live telemetry snapshots so status reads skip the
// ledger.
type StatusWriter interface {
	Save(ctx context.Context, status repository.LiveStatus) error
	Drop(ctx context.Context, workloadID string) error
}

// Config wires the engine's dependencies and tunables.
type Config struct {
	Ledger  repository.LedgerRepository
	Status  StatusWriter
	Driver  driver.Driver
	Bundles BundleStager
	Sink    notify.Sink

	// Plans maps plan names to the limits workloads are admitted under.
	// Empty falls back to the built-in plan table.
	Plans map[string]model.PlanLimits

	Accounting accounting.Config
	Policy     policy.Config

	// RunLimits apply to every launched container.
	RunLimits driver.Limits

	// PollInterval is the supervisor tick period per running workload.
	PollInterval time.Duration

	// StatsAttempts bounds the stats retries inside one supervisor tick
	// before the run is treated as gone.
	StatsAttempts int

	// StopGrace is how long a graceful stop lets the run shut down on
	// its own before it is killed. Budget kills never grant grace.
	StopGrace time.Duration

	// DeadlineGrace pads the run deadline past the admitted time budget.
	DeadlineGrace time.Duration

	// MailboxSize is the per-actor command queue depth.
	MailboxSize int

	// IdleActorTTL is how long an actor with no run, no pending restart
	// and no traffic stays resident before it is torn down. It is rebuilt
	// from the ledger on the next command.
	IdleActorTTL time.Duration
}

const (
	defaultPollInterval  = 10 * time.Second
	defaultStatsAttempts = 3
	defaultStopGrace     = 10 * time.Second
	defaultDeadlineGrace = 10 * time.Second
	defaultMailboxSize   = 64
	defaultIdleActorTTL  = 15 * time.Minute
)

var defaultRunLimits = driver.Limits{MemoryMB: 512, PIDs: 64, OutputMB: 64}

// Engine is the public command surface over the per-workload actors.
type Engine struct {
	cfg        Config
	ledger     repository.LedgerRepository
	status     StatusWriter
	drv        driver.Driver
	bundles    BundleStager
	sink       notify.Sink
	plans      map[string]model.PlanLimits
	accountant *accounting.Accountant
	policy     *policy.Engine

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	wg sync.WaitGroup
}

// New creates an engine from cfg, filling optional fields with defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger repository is required")
	}
	if cfg.Status == nil {
		return nil, errors.New("status writer is required")
	}
	if cfg.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if cfg.Bundles == nil {
		return nil, errors.New("bundle stager is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.NopSink{}
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = model.DefaultPlanLimits()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StatsAttempts <= 0 {
		cfg.StatsAttempts = defaultStatsAttempts
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.DeadlineGrace <= 0 {
		cfg.DeadlineGrace = defaultDeadlineGrace
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.IdleActorTTL <= 0 {
		cfg.IdleActorTTL = defaultIdleActorTTL
	}
	if cfg.RunLimits == (driver.Limits{}) {
		cfg.RunLimits = defaultRunLimits
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		ledger:     cfg.Ledger,
		status:     cfg.Status,
		drv:        cfg.Driver,
		bundles:    cfg.Bundles,
		sink:       cfg.Sink,
		plans:      cfg.Plans,
		accountant: accounting.New(cfg.Accounting),
		policy:     policy.New(cfg.Policy),
		baseCtx:    baseCtx,
		cancel:     cancel,
		actors:     make(map[string]*actor),
	}, nil
}

// AdmitRequest carries the inputs for admitting a new workload. Code
// scanning and secret handling happen upstream; the engine only records
// the references.
type AdmitRequest struct {
	OwnerID    int64
	CodeRef    string
	SecretRef  string
	Entrypoint []string
	Plan       string
}

// Admit creates a stopped workload seeded from the owner's plan.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*model.Workload, error) {
	if err := e.guardClosed(); err != nil {
		return nil, err
	}
	if req.OwnerID <= 0 {
		return nil, appErr.ValidationError("owner_id", "required")
	}
	if req.CodeRef == "" {
		return nil, appErr.ValidationError("code_ref", "required")
	}
	if len(req.Entrypoint) == 0 {
		return nil, appErr.ValidationError("entrypoint", "required")
	}
	limits, ok := e.plans[req.Plan]
	if !ok {
		return nil, appErr.Newf(appErr.UnknownPlan, "unknown plan %q", req.Plan)
	}

	active, err := e.ledger.CountActiveByOwner(ctx, nil, req.OwnerID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "count owner workloads failed")
	}
	if active >= limits.MaxWorkloads {
		return nil, appErr.Newf(appErr.PlanLimitExceeded, "plan %q allows at most %d workloads", req.Plan, limits.MaxWorkloads)
	}

	now := time.Now()
	w := &model.Workload{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Plan:             req.Plan,
		CodeRef:          req.CodeRef,
		SecretRef:        req.SecretRef,
		Entrypoint:       req.Entrypoint,
		Status:           model.StatusStopped,
		RemainingSeconds: limits.TimeSeconds,
		PowerRemaining:   limits.Power,
		PowerMax:         limits.Power,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.ledger.Create(ctx, nil, w); err != nil {
		if errors.Is(err, repository.ErrWorkloadExists) {
			return nil, appErr.New(appErr.WorkloadAlreadyExists)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "create workload failed")
	}

	logger.Info(ctx, "workload admitted",
		zap.String("workload_id", w.ID),
		zap.Int64("owner_id", w.OwnerID),
		zap.String("plan", w.Plan),
		zap.Int64("time_seconds", w.RemainingSeconds),
		zap.Float64("power", w.PowerMax))
	return w, nil
}

// Start launches the workload's container. Valid from stopped and
// sleeping; fails with ResourceDepleted when either budget is exhausted.
func (e *Engine) Start(ctx context.Context, id string, requestedBy int64) error {
	return e.dispatch(ctx, id, func(hctx context.Context, a *actor) error {
		return a.handleStart(hctx, requestedBy)
	})
}

// Stop brings a running workload down. Stopping an already stopped or
// sleeping workload is a no-op, but it still cancels a pending restart.
func (e *Engine) Stop(ctx context.Context, id string, requestedBy int64, graceful bool) error {
	return e.dispatch(ctx, id, func(hctx context.Context, a *actor) error {
		return a.handleStop(hctx, requestedBy, graceful)
	})
}

// Delete stops the workload if needed and marks it deleted. Terminal:
// every later command on the id fails with WorkloadNotFound.
func (e *Engine) Delete(ctx context.Context, id string, requestedBy int64) error {
	return e.dispatch(ctx, id, func(hctx context.Context, a *actor) error {
		return a.handleDelete(hctx, requestedBy)
	})
}

// AdjustLedger applies admin or grant deltas to the workload's budgets.
// Seconds floor at zero; power is clamped to [0, PowerMax]. Returns the
// updated workload.
func (e *Engine) AdjustLedger(ctx context.Context, id string, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error) {
	var out *model.Workload
	err := e.dispatch(ctx, id, func(hctx context.Context, a *actor) error {
		w, herr := a.handleAdjust(hctx, deltaSeconds, deltaPower, reason)
		if herr != nil {
			return herr
		}
		out = w
		return nil
	})
	return out, err
}

// Get returns the workload's ledger row. Deleted workloads read as
// WorkloadNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*model.Workload, error) {
	if id == "" {
		return nil, appErr.ValidationError("workload_id", "required")
	}
	w, err := e.ledger.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repository.ErrWorkloadNotFound) {
			return nil, appErr.New(appErr.WorkloadNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load workload failed")
	}
	if w.Status == model.StatusDeleted {
		return nil, appErr.New(appErr.WorkloadNotFound)
	}
	return w, nil
}

// ListByOwner returns the owner's non-deleted workloads, newest first.
func (e *Engine) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Workload, error) {
	if ownerID <= 0 {
		return nil, appErr.ValidationError("owner_id", "required")
	}
	workloads, err := e.ledger.ListByOwner(ctx, nil, ownerID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list workloads failed")
	}
	return workloads, nil
}

// Recover reconciles workloads the previous process left in an active
// state: runs that survived are re-supervised, runs that vanished are
// reported as lost, half-finished transitions settle back to stopped.
// Called once at boot before the command API is exposed.
func (e *Engine) Recover(ctx context.Context) error {
	workloads, err := e.ledger.ListByStatus(ctx, nil, model.StatusStarting, model.StatusRunning, model.StatusStopping)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "list active workloads failed")
	}
	if len(workloads) == 0 {
		return nil
	}
	logger.Info(ctx, "recovering active workloads", zap.Int("count", len(workloads)))

	var wg sync.WaitGroup
	for _, w := range workloads {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := e.dispatch(ctx, id, func(hctx context.Context, a *actor) error {
				return a.handleRecover(hctx)
			})
			if err != nil {
				logger.Error(ctx, "workload recovery failed", zap.String("workload_id", id), zap.Error(err))
			}
		}(w.ID)
	}
	wg.Wait()
	return nil
}

// Close stops intake, cancels supervisors and restart timers, and drains
// the actors. Running containers are left to the driver's own lifetime
// handling; the next boot reconciles them through Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info(ctx, "workload engine closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) guardClosed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("engine is shutting down")
	}
	return nil
}

// dispatch routes fn into the workload's actor, resolving the actor first.
// When the actor shut down between lookup and delivery the dispatch is
// retried once against a fresh actor.
func (e *Engine) dispatch(ctx context.Context, id string, fn func(ctx context.Context, a *actor) error) error {
	if id == "" {
		return appErr.ValidationError("workload_id", "required")
	}
	for attempt := 0; ; attempt++ {
		a, err := e.actorFor(ctx, id)
		if err != nil {
			return err
		}
		err = a.do(ctx, func(hctx context.Context) error {
			return fn(hctx, a)
		})
		if errors.Is(err, errActorClosed) {
			if attempt == 0 {
				continue
			}
			return appErr.New(appErr.ServiceUnavailable).WithMessage("workload actor is restarting")
		}
		return err
	}
}

// actorFor returns the live actor for id, creating one from the ledger
// row when none is resident. The ledger read happens outside the engine
// lock so a slow row load never stalls other workloads.
func (e *Engine) actorFor(ctx context.Context, id string) (*actor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("engine is shutting down")
	}
	if a, ok := e.actors[id]; ok {
		e.mu.Unlock()
		return a, nil
	}
	e.mu.Unlock()

	w, err := e.ledger.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repository.ErrWorkloadNotFound) {
			return nil, appErr.New(appErr.WorkloadNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load workload failed")
	}
	if w.Status == model.StatusDeleted {
		return nil, appErr.New(appErr.WorkloadNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("engine is shutting down")
	}
	if a, ok := e.actors[id]; ok {
		return a, nil
	}
	a := newActor(e, w)
	e.actors[id] = a
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.run()
	}()
	return a, nil
}

// removeActor unregisters a and closes its intake. Exactly one caller per
// actor lifetime: the actor itself, on its way out of run.
func (e *Engine) removeActor(a *actor) {
	e.mu.Lock()
	if cur, ok := e.actors[a.id]; ok && cur == a {
		delete(e.actors, a.id)
	}
	e.mu.Unlock()
	close(a.closing)
}
