package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"warden/internal/common/db"
	"warden/internal/workload/driver"
	"warden/internal/workload/model"
	"warden/internal/workload/notify"
	"warden/internal/workload/policy"
	"warden/internal/workload/repository"
	appErr "warden/pkg/errors"
)

// fakeLedger is an in-memory LedgerRepository with real optimistic
// concurrency: Save compares versions and fails stale writers the way the
// MySQL implementation does.
type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]model.Workload
	preSave   func()
	stickyPre bool
	conflicts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]model.Workload)}
}

func cloneRow(w model.Workload) model.Workload {
	out := w
	if w.Entrypoint != nil {
		out.Entrypoint = append([]string(nil), w.Entrypoint...)
	}
	if w.SleepSince != nil {
		t := *w.SleepSince
		out.SleepSince = &t
	}
	return out
}

func (l *fakeLedger) Create(ctx context.Context, tx db.Transaction, w *model.Workload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[w.ID]; ok {
		return repository.ErrWorkloadExists
	}
	w.Version = 1
	l.rows[w.ID] = cloneRow(*w)
	return nil
}

func (l *fakeLedger) GetByID(ctx context.Context, tx db.Transaction, id string) (*model.Workload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return nil, repository.ErrWorkloadNotFound
	}
	out := cloneRow(row)
	return &out, nil
}

func (l *fakeLedger) Save(ctx context.Context, tx db.Transaction, w *model.Workload) error {
	l.mu.Lock()
	hook := l.preSave
	if !l.stickyPre {
		l.preSave = nil
	}
	l.mu.Unlock()
	if hook != nil {
		hook()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[w.ID]
	if !ok || row.Version != w.Version {
		l.conflicts++
		return repository.ErrVersionConflict
	}
	next := cloneRow(*w)
	next.Version++
	l.rows[w.ID] = next
	w.Version++
	return nil
}

func (l *fakeLedger) ListByOwner(ctx context.Context, tx db.Transaction, ownerID int64) ([]*model.Workload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Workload
	for _, row := range l.rows {
		if row.OwnerID == ownerID && row.Status != model.StatusDeleted {
			w := cloneRow(row)
			out = append(out, &w)
		}
	}
	return out, nil
}

func (l *fakeLedger) CountActiveByOwner(ctx context.Context, tx db.Transaction, ownerID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, row := range l.rows {
		if row.OwnerID == ownerID && row.Status != model.StatusDeleted {
			count++
		}
	}
	return count, nil
}

func (l *fakeLedger) ListByStatus(ctx context.Context, tx db.Transaction, statuses ...model.Status) ([]*model.Workload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Workload
	for _, row := range l.rows {
		for _, s := range statuses {
			if row.Status == s {
				w := cloneRow(row)
				out = append(out, &w)
				break
			}
		}
	}
	return out, nil
}

func (l *fakeLedger) seed(w model.Workload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.Version == 0 {
		w.Version = 1
	}
	l.rows[w.ID] = cloneRow(w)
}

func (l *fakeLedger) row(t *testing.T, id string) model.Workload {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		t.Fatalf("no ledger row for %s", id)
	}
	return cloneRow(row)
}

func (l *fakeLedger) setPreSave(fn func(), sticky bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.preSave = fn
	l.stickyPre = sticky
}

func (l *fakeLedger) bumpVersion(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.rows[id]; ok {
		w.Version++
		l.rows[id] = w
	}
}

func (l *fakeLedger) conflictCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflicts
}

// fakeDriver tracks launches and stops. When autoExit is set every launch
// dies immediately with that code, so the first poll reports the exit.
type fakeDriver struct {
	mu          sync.Mutex
	seq         int
	launches    []driver.LaunchSpec
	stops       []stopCall
	alive       map[string]bool
	exits       map[string]int
	cpu         float64
	launchErr   error
	launchDelay time.Duration
	autoExit    *int
}

type stopCall struct {
	handle string
	grace  time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{alive: make(map[string]bool), exits: make(map[string]int), cpu: 10}
}

func (d *fakeDriver) Launch(ctx context.Context, spec driver.LaunchSpec) (string, error) {
	if d.launchDelay > 0 {
		time.Sleep(d.launchDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErr != nil {
		return "", d.launchErr
	}
	d.seq++
	handle := fmt.Sprintf("run-%d", d.seq)
	d.launches = append(d.launches, spec)
	if d.autoExit != nil {
		d.exits[handle] = *d.autoExit
	} else {
		d.alive[handle] = true
	}
	return handle, nil
}

func (d *fakeDriver) Stats(ctx context.Context, handle string) (driver.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive[handle] {
		return driver.Stats{}, appErr.Newf(appErr.DriverNotFound, "no container %s", handle)
	}
	return driver.Stats{CPUPercent: d.cpu, MemoryMB: 32}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops = append(d.stops, stopCall{handle: handle, grace: grace})
	if !d.alive[handle] {
		return appErr.Newf(appErr.DriverNotFound, "no container %s", handle)
	}
	delete(d.alive, handle)
	return nil
}

func (d *fakeDriver) ExitInfo(handle string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.exits[handle]
	if ok {
		delete(d.exits, handle)
	}
	return code, ok
}

func (d *fakeDriver) markAlive(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[handle] = true
}

func (d *fakeDriver) launchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launches)
}

func (d *fakeDriver) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stops)
}

func (d *fakeDriver) lastStop(t *testing.T) stopCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stops) == 0 {
		t.Fatal("no stops recorded")
	}
	return d.stops[len(d.stops)-1]
}

func (d *fakeDriver) lastLaunch(t *testing.T) driver.LaunchSpec {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.launches) == 0 {
		t.Fatal("no launches recorded")
	}
	return d.launches[len(d.launches)-1]
}

type fakeStager struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (s *fakeStager) Stage(ctx context.Context, codeRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.refs = append(s.refs, codeRef)
	return "/tmp/staged/" + codeRef, nil
}

func (s *fakeStager) stageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

type fakeStatus struct {
	mu    sync.Mutex
	saved []repository.LiveStatus
	drops []string
}

func (f *fakeStatus) Save(ctx context.Context, status repository.LiveStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, status)
	return nil
}

func (f *fakeStatus) Drop(ctx context.Context, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, workloadID)
	return nil
}

func (f *fakeStatus) savedFor(workloadID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, s := range f.saved {
		if s.WorkloadID == workloadID {
			count++
		}
	}
	return count
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(ctx context.Context, event notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) countFor(name, workloadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Name == name && e.WorkloadID == workloadID {
			n++
		}
	}
	return n
}

type testEnv struct {
	eng    *Engine
	ledger *fakeLedger
	drv    *fakeDriver
	stager *fakeStager
	status *fakeStatus
	sink   *recordingSink
}

func newTestEnv(t *testing.T, mod func(cfg *Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger: newFakeLedger(),
		drv:    newFakeDriver(),
		stager: &fakeStager{},
		status: &fakeStatus{},
		sink:   &recordingSink{},
	}
	cfg := Config{
		Ledger:  env.ledger,
		Status:  env.status,
		Driver:  env.drv,
		Bundles: env.stager,
		Sink:    env.sink,
		Policy: policy.Config{
			MaxRestartsPerWindow: 3,
			Window:               time.Hour,
			BaseDelay:            5 * time.Millisecond,
			MaxDelay:             20 * time.Millisecond,
			RestartTimeCost:      60,
			RestartPowerCost:     2.0,
		},
		PollInterval:  10 * time.Millisecond,
		StatsAttempts: 2,
		StopGrace:     2 * time.Second,
		DeadlineGrace: time.Minute,
		IdleActorTTL:  time.Hour,
	}
	if mod != nil {
		mod(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.eng = eng
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			t.Errorf("close engine: %v", err)
		}
	})
	return env
}

func (e *testEnv) admit(t *testing.T, ownerID int64) *model.Workload {
	t.Helper()
	w, err := e.eng.Admit(context.Background(), AdmitRequest{
		OwnerID:    ownerID,
		CodeRef:    "bundles/app.tar.zst",
		Entrypoint: []string{"python3", "main.py"},
		Plan:       model.PlanFree,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return w
}

func (e *testEnv) get(t *testing.T, id string) *model.Workload {
	t.Helper()
	w, err := e.eng.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return w
}

// forge delivers an internal event through the workload's actor, the same
// way a supervisor would, but synchronously.
func (e *testEnv) forge(t *testing.T, id string, fn func(ctx context.Context, a *actor) error) error {
	t.Helper()
	a, err := e.eng.actorFor(context.Background(), id)
	if err != nil {
		t.Fatalf("actor for %s: %v", id, err)
	}
	return a.do(context.Background(), func(hctx context.Context) error {
		return fn(hctx, a)
	})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestAdmitSeedsFromPlan(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.admit(t, 7)
	if w.Status != model.StatusStopped {
		t.Fatalf("status = %s, want stopped", w.Status)
	}
	if w.RemainingSeconds != 86400 || w.PowerRemaining != 30.0 || w.PowerMax != 30.0 {
		t.Fatalf("unexpected seeded budgets: %d / %.1f / %.1f", w.RemainingSeconds, w.PowerRemaining, w.PowerMax)
	}
	if w.Version != 1 {
		t.Fatalf("version = %d, want 1", w.Version)
	}

	_, err := env.eng.Admit(context.Background(), AdmitRequest{
		OwnerID: 7, CodeRef: "x", Entrypoint: []string{"run"}, Plan: "platinum",
	})
	if !appErr.Is(err, appErr.UnknownPlan) {
		t.Fatalf("unknown plan error = %v", err)
	}
}

func TestAdmitEnforcesPlanWorkloadCap(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		env.admit(t, 9)
	}
	_, err := env.eng.Admit(context.Background(), AdmitRequest{
		OwnerID: 9, CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"}, Plan: model.PlanFree,
	})
	if !appErr.Is(err, appErr.PlanLimitExceeded) {
		t.Fatalf("expected PlanLimitExceeded, got %v", err)
	}

	// A different owner is unaffected.
	env.admit(t, 10)
}

func TestStartLaunchesRun(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)

	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := env.get(t, w.ID)
	if got.Status != model.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.ContainerHandle == "" || got.StartedAt.IsZero() {
		t.Fatalf("run not attached: handle=%q startedAt=%v", got.ContainerHandle, got.StartedAt)
	}
	if env.stager.stageCount() != 1 {
		t.Fatalf("stage count = %d, want 1", env.stager.stageCount())
	}
	spec := env.drv.lastLaunch(t)
	if spec.WorkloadID != w.ID || len(spec.Entrypoint) != 2 || spec.BundleDir == "" {
		t.Fatalf("unexpected launch spec: %+v", spec)
	}
	if env.sink.countFor(notify.EventStarted, w.ID) != 1 {
		t.Fatalf("started events = %d, want 1", env.sink.countFor(notify.EventStarted, w.ID))
	}

	// Running workloads cannot be started again.
	err := env.eng.Start(context.Background(), w.ID, 7)
	if !appErr.Is(err, appErr.InvalidState) {
		t.Fatalf("second start error = %v", err)
	}
}

func TestConcurrentStartsLaunchOnce(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {})
	env.drv.launchDelay = 20 * time.Millisecond
	w := env.admit(t, 7)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.eng.Start(context.Background(), w.ID, 7)
		}()
	}
	wg.Wait()
	close(errs)

	ok, invalid := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case appErr.Is(err, appErr.InvalidState):
			invalid++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if ok != 1 || invalid != callers-1 {
		t.Fatalf("ok=%d invalid=%d, want 1/%d", ok, invalid, callers-1)
	}
	if env.drv.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", env.drv.launchCount())
	}
}

func TestStartRejectedWhenDepleted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ledger.seed(model.Workload{
		ID: "w-dry", OwnerID: 7, Plan: model.PlanFree,
		CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"},
		Status: model.StatusSleeping, SleepReason: model.SleepDepleted,
		RemainingSeconds: 0, PowerRemaining: 5, PowerMax: 30,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	err := env.eng.Start(context.Background(), "w-dry", 7)
	if !appErr.Is(err, appErr.ResourceDepleted) {
		t.Fatalf("expected ResourceDepleted, got %v", err)
	}
	if env.drv.launchCount() != 0 {
		t.Fatal("depleted workload must not launch")
	}
}

func TestStartRollsBackOnLaunchFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	env.drv.launchErr = appErr.Newf(appErr.LaunchFailed, "boom")

	err := env.eng.Start(context.Background(), w.ID, 7)
	if !appErr.Is(err, appErr.LaunchFailed) {
		t.Fatalf("expected LaunchFailed, got %v", err)
	}
	got := env.get(t, w.ID)
	if got.Status != model.StatusStopped || got.ContainerHandle != "" {
		t.Fatalf("rollback landed in %s handle=%q", got.Status, got.ContainerHandle)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.eng.Stop(context.Background(), w.ID, 7, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := env.get(t, w.ID)
	if got.Status != model.StatusStopped || got.ContainerHandle != "" {
		t.Fatalf("after stop: %s handle=%q", got.Status, got.ContainerHandle)
	}
	if env.drv.stopCount() != 1 {
		t.Fatalf("driver stops = %d, want 1", env.drv.stopCount())
	}
	// The graceful flag turns into the configured grace period.
	if grace := env.drv.lastStop(t).grace; grace != 2*time.Second {
		t.Fatalf("stop grace = %v, want 2s", grace)
	}
	if env.sink.countFor(notify.EventStopped, w.ID) != 1 {
		t.Fatalf("stopped events = %d, want 1", env.sink.countFor(notify.EventStopped, w.ID))
	}

	// Stopping again changes nothing.
	if err := env.eng.Stop(context.Background(), w.ID, 7, true); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if env.drv.stopCount() != 1 || env.sink.countFor(notify.EventStopped, w.ID) != 1 {
		t.Fatal("second stop must be a no-op")
	}
}

func TestBudgetDepletionSleepsWorkload(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	handle := env.get(t, w.ID).ContainerHandle

	// One huge tick drains the whole time budget.
	at := env.get(t, w.ID).LastCheckedAt.Add(100000 * time.Second)
	err := env.forge(t, w.ID, func(ctx context.Context, a *actor) error {
		return a.handleTick(ctx, handle, driver.Stats{CPUPercent: 50}, at)
	})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}

	row := env.ledger.row(t, w.ID)
	if row.Status != model.StatusSleeping || row.SleepReason != model.SleepDepleted {
		t.Fatalf("after depletion: %s/%s", row.Status, row.SleepReason)
	}
	if row.RemainingSeconds != 0 {
		t.Fatalf("remaining = %d, want 0", row.RemainingSeconds)
	}
	if row.RestartCount != 0 {
		t.Fatalf("budget kill must not touch restart counters, got %d", row.RestartCount)
	}
	if env.drv.stopCount() == 0 {
		t.Fatal("budget kill must stop the container")
	}
	if grace := env.drv.lastStop(t).grace; grace != 0 {
		t.Fatalf("budget kill grace = %v, want 0", grace)
	}
	if env.sink.countFor(notify.EventSleeping, w.ID) != 1 {
		t.Fatalf("sleeping events = %d, want 1", env.sink.countFor(notify.EventSleeping, w.ID))
	}

	// Only a manual start resumes a sleeping workload, and it needs budget.
	err = env.eng.Start(context.Background(), w.ID, 7)
	if !appErr.Is(err, appErr.ResourceDepleted) {
		t.Fatalf("start after depletion = %v", err)
	}
	if _, err := env.eng.AdjustLedger(context.Background(), w.ID, 7200, 10, "top-up"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start after top-up: %v", err)
	}
	got := env.get(t, w.ID)
	if got.Status != model.StatusRunning || got.SleepReason != "" {
		t.Fatalf("after wake: %s/%s", got.Status, got.SleepReason)
	}
}

func TestDeadlineEnforcedOncePerRun(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	handle := env.get(t, w.ID).ContainerHandle

	// A stale handle is ignored outright.
	if err := env.forge(t, w.ID, func(ctx context.Context, a *actor) error {
		return a.handleDeadline(ctx, "run-stale")
	}); err != nil {
		t.Fatalf("stale deadline: %v", err)
	}
	if env.get(t, w.ID).Status != model.StatusRunning {
		t.Fatal("stale deadline event must not touch the run")
	}

	for i := 0; i < 2; i++ {
		if err := env.forge(t, w.ID, func(ctx context.Context, a *actor) error {
			return a.handleDeadline(ctx, handle)
		}); err != nil {
			t.Fatalf("deadline %d: %v", i, err)
		}
	}

	row := env.ledger.row(t, w.ID)
	if row.Status != model.StatusSleeping || row.SleepReason != model.SleepDepleted {
		t.Fatalf("after deadline: %s/%s", row.Status, row.SleepReason)
	}
	if row.RestartCount != 0 {
		t.Fatal("deadline kill must not touch restart counters")
	}
	// The second event hit a cleared handle and did nothing.
	if env.sink.countFor(notify.EventSleeping, w.ID) != 1 {
		t.Fatalf("sleeping events = %d, want 1", env.sink.countFor(notify.EventSleeping, w.ID))
	}
}

func TestCrashLoopSleepsWithAntiLoop(t *testing.T) {
	env := newTestEnv(t, nil)
	code := 1
	env.drv.autoExit = &code
	w := env.admit(t, 7)

	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Exits 1..3 schedule restarts; the 4th inside the window sleeps.
	waitUntil(t, 5*time.Second, func() bool {
		row := env.ledger.row(t, w.ID)
		return row.Status == model.StatusSleeping && row.SleepReason == model.SleepAntiLoop
	}, "workload should end up sleeping with anti_loop")

	if got := env.drv.launchCount(); got != 4 {
		t.Fatalf("launches = %d, want 4 (initial + 3 restarts)", got)
	}
	if got := env.sink.countFor(notify.EventRestartScheduled, w.ID); got != 3 {
		t.Fatalf("restart_scheduled events = %d, want 3", got)
	}
	if got := env.sink.countFor(notify.EventSleeping, w.ID); got != 1 {
		t.Fatalf("sleeping events = %d, want 1", got)
	}

	row := env.ledger.row(t, w.ID)
	if row.RestartCount != 4 {
		t.Fatalf("restart count = %d, want 4", row.RestartCount)
	}
	// Three scheduled restarts each cost time and power.
	if row.RemainingSeconds != 86400-3*60 {
		t.Fatalf("remaining = %d, want %d", row.RemainingSeconds, 86400-3*60)
	}
	if row.PowerRemaining != 30.0-3*2.0 {
		t.Fatalf("power = %.1f, want %.1f", row.PowerRemaining, 30.0-3*2.0)
	}
}

func TestNormalExitSchedulesRestart(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Policy.MaxRestartsPerWindow = 100
	})
	code := 0
	env.drv.autoExit = &code
	w := env.admit(t, 7)

	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Clean exits restart just like crashes.
	waitUntil(t, 5*time.Second, func() bool {
		return env.drv.launchCount() >= 3
	}, "normal exits should keep restarting")
}

func TestStopCancelsScheduledRestart(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Policy.BaseDelay = 300 * time.Millisecond
		cfg.Policy.MaxDelay = 300 * time.Millisecond
	})
	code := 0
	env.drv.autoExit = &code
	w := env.admit(t, 7)

	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return env.sink.countFor(notify.EventRestartScheduled, w.ID) == 1
	}, "first exit should schedule a restart")

	// Stop while the restart timer is pending: stopped workloads make it a
	// no-op state-wise, but the timer must die.
	if err := env.eng.Stop(context.Background(), w.ID, 7, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	if got := env.drv.launchCount(); got != 1 {
		t.Fatalf("launches = %d, want 1 (restart must be cancelled)", got)
	}
	if got := env.get(t, w.ID).Status; got != model.StatusStopped {
		t.Fatalf("status = %s, want stopped", got)
	}
}

func TestAdjustLedgerClamps(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)

	got, err := env.eng.AdjustLedger(context.Background(), w.ID, -100000, 50, "clamp check")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.RemainingSeconds != 0 {
		t.Fatalf("seconds = %d, want 0", got.RemainingSeconds)
	}
	if got.PowerRemaining != got.PowerMax {
		t.Fatalf("power = %.1f, want clamped to max %.1f", got.PowerRemaining, got.PowerMax)
	}

	got, err = env.eng.AdjustLedger(context.Background(), w.ID, 3600, -100, "drain")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.RemainingSeconds != 3600 || got.PowerRemaining != 0 {
		t.Fatalf("after second adjust: %d / %.1f", got.RemainingSeconds, got.PowerRemaining)
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.eng.Delete(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if env.drv.stopCount() == 0 {
		t.Fatal("delete must stop the running container")
	}

	if _, err := env.eng.Get(context.Background(), w.ID); !appErr.Is(err, appErr.WorkloadNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
	if err := env.eng.Start(context.Background(), w.ID, 7); !appErr.Is(err, appErr.WorkloadNotFound) {
		t.Fatalf("start after delete = %v", err)
	}
	if _, err := env.eng.AdjustLedger(context.Background(), w.ID, 10, 0, "late"); !appErr.Is(err, appErr.WorkloadNotFound) {
		t.Fatalf("adjust after delete = %v", err)
	}
	if err := env.eng.Delete(context.Background(), w.ID, 7); !appErr.Is(err, appErr.WorkloadNotFound) {
		t.Fatalf("second delete = %v", err)
	}

	// The row survives as a soft-deleted tombstone.
	row := env.ledger.row(t, w.ID)
	if row.Status != model.StatusDeleted {
		t.Fatalf("row status = %s, want deleted", row.Status)
	}

	// The actor tears itself down.
	waitUntil(t, time.Second, func() bool {
		env.eng.mu.Lock()
		defer env.eng.mu.Unlock()
		_, ok := env.eng.actors[w.ID]
		return !ok
	}, "actor should be removed after delete")
}

func TestVersionConflictReloadsAndRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)

	// Another writer bumps the row between load and save.
	env.ledger.setPreSave(func() { env.ledger.bumpVersion(w.ID) }, false)

	got, err := env.eng.AdjustLedger(context.Background(), w.ID, -1000, 0, "concurrent")
	if err != nil {
		t.Fatalf("adjust should survive one conflict: %v", err)
	}
	if got.RemainingSeconds != 86400-1000 {
		t.Fatalf("remaining = %d, want %d", got.RemainingSeconds, 86400-1000)
	}
	if env.ledger.conflictCount() != 1 {
		t.Fatalf("conflicts = %d, want 1", env.ledger.conflictCount())
	}
}

func TestVersionConflictSurfacesAfterRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)

	env.ledger.setPreSave(func() { env.ledger.bumpVersion(w.ID) }, true)

	_, err := env.eng.AdjustLedger(context.Background(), w.ID, -1000, 0, "hostile")
	if !appErr.Is(err, appErr.LedgerVersionConflict) {
		t.Fatalf("expected LedgerVersionConflict, got %v", err)
	}
}

func TestLowTimeWarnsOncePerRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ledger.seed(model.Workload{
		ID: "w-low", OwnerID: 7, Plan: model.PlanFree,
		CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"},
		Status:           model.StatusStopped,
		RemainingSeconds: 700, PowerRemaining: 30, PowerMax: 30,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err := env.eng.Start(context.Background(), "w-low", 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	handle := env.get(t, "w-low").ContainerHandle

	tick := func(seconds int64) {
		t.Helper()
		at := env.ledger.row(t, "w-low").LastCheckedAt.Add(time.Duration(seconds) * time.Second)
		if err := env.forge(t, "w-low", func(ctx context.Context, a *actor) error {
			return a.handleTick(ctx, handle, driver.Stats{CPUPercent: 1}, at)
		}); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	tick(50) // 650 left, above the 600s threshold
	if got := env.sink.countFor(notify.EventLowTime, "w-low"); got != 0 {
		t.Fatalf("low_time too early: %d events", got)
	}
	tick(60) // 590 left
	if got := env.sink.countFor(notify.EventLowTime, "w-low"); got != 1 {
		t.Fatalf("low_time events = %d, want 1", got)
	}
	tick(10) // still low, already warned
	if got := env.sink.countFor(notify.EventLowTime, "w-low"); got != 1 {
		t.Fatalf("low_time must fire once per run, got %d", got)
	}

	// Idle CPU discounts power drain but time drains in full.
	row := env.ledger.row(t, "w-low")
	if row.RemainingSeconds != 580 {
		t.Fatalf("remaining = %d, want 580", row.RemainingSeconds)
	}
	if row.PowerRemaining >= 30 {
		t.Fatal("power should have drained a little")
	}
}

func TestRecoverReconcilesActiveRows(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Now()

	env.ledger.seed(model.Workload{
		ID: "w-alive", OwnerID: 7, Plan: model.PlanFree,
		CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"},
		Status: model.StatusRunning, ContainerHandle: "run-alive",
		StartedAt: now.Add(-time.Minute), LastCheckedAt: now.Add(-time.Minute),
		RemainingSeconds: 3600, PowerRemaining: 20, PowerMax: 30,
		CreatedAt: now, UpdatedAt: now,
	})
	env.drv.markAlive("run-alive")

	env.ledger.seed(model.Workload{
		ID: "w-gone", OwnerID: 7, Plan: model.PlanFree,
		CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"},
		Status: model.StatusRunning, ContainerHandle: "run-gone",
		StartedAt: now.Add(-time.Minute), LastCheckedAt: now.Add(-time.Minute),
		RemainingSeconds: 3600, PowerRemaining: 20, PowerMax: 30,
		CreatedAt: now, UpdatedAt: now,
	})

	env.ledger.seed(model.Workload{
		ID: "w-limbo", OwnerID: 7, Plan: model.PlanFree,
		CodeRef: "bundles/app.tar.zst", Entrypoint: []string{"run"},
		Status:           model.StatusStarting,
		RemainingSeconds: 3600, PowerRemaining: 20, PowerMax: 30,
		CreatedAt: now, UpdatedAt: now,
	})

	if err := env.eng.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	// Survivor: still running, supervisor re-attached and feeding status.
	if got := env.get(t, "w-alive"); got.Status != model.StatusRunning || got.ContainerHandle != "run-alive" {
		t.Fatalf("w-alive = %s handle=%q", got.Status, got.ContainerHandle)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return env.status.savedFor("w-alive") > 0
	}, "recovered run should publish status snapshots")

	// Vanished run: reported lost, restart policy takes over.
	if got := env.sink.countFor(notify.EventRestartScheduled, "w-gone"); got != 1 {
		t.Fatalf("w-gone restart_scheduled = %d, want 1", got)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return env.get(t, "w-gone").Status == model.StatusRunning
	}, "lost run should restart after backoff")

	// Half-finished transition with no run attached settles as stopped.
	if got := env.get(t, "w-limbo"); got.Status != model.StatusStopped {
		t.Fatalf("w-limbo = %s, want stopped", got.Status)
	}
}

func TestCloseRejectsNewCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.admit(t, 7)
	if err := env.eng.Start(context.Background(), w.ID, 7); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := env.eng.Start(context.Background(), w.ID, 7); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("start after close = %v", err)
	}
	if _, err := env.eng.Admit(context.Background(), AdmitRequest{
		OwnerID: 7, CodeRef: "x", Entrypoint: []string{"run"}, Plan: model.PlanFree,
	}); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("admit after close = %v", err)
	}

	// Closing twice is fine.
	if err := env.eng.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
