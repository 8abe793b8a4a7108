package driver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	pkgerrors "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

// Bounds caps how long each driver call may run. A zero field falls
// back to the matching default.
type Bounds struct {
	Launch time.Duration `yaml:"launch" json:"launch"`
	Stop   time.Duration `yaml:"stop" json:"stop"`
	Stats  time.Duration `yaml:"stats" json:"stats"`
}

// DefaultBounds returns the production call budgets.
func DefaultBounds() Bounds {
	return Bounds{
		Launch: 30 * time.Second,
		Stop:   15 * time.Second,
		Stats:  5 * time.Second,
	}
}

// stopKillSlack covers the kill and reap that follow an expired grace.
const stopKillSlack = 5 * time.Second

// Bounded wraps a Driver with per-call deadlines and uniform error
// classification. Every call that overruns its budget comes back as a
// transient driver error so callers can retry instead of giving up.
type Bounded struct {
	inner  Driver
	bounds Bounds
}

// NewBounded wraps inner. Zero bounds fields are defaulted.
func NewBounded(inner Driver, bounds Bounds) *Bounded {
	def := DefaultBounds()
	if bounds.Launch <= 0 {
		bounds.Launch = def.Launch
	}
	if bounds.Stop <= 0 {
		bounds.Stop = def.Stop
	}
	if bounds.Stats <= 0 {
		bounds.Stats = def.Stats
	}
	return &Bounded{inner: inner, bounds: bounds}
}

// Launch runs the inner launch under the launch budget.
func (b *Bounded) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	bctx, cancel := context.WithTimeout(ctx, b.bounds.Launch)
	defer cancel()

	start := time.Now()
	handle, err := b.inner.Launch(bctx, spec)
	logger.Debug(ctx, "driver launch finished",
		zap.String("workload_id", spec.WorkloadID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return "", b.classify(err, bctx, "launch", pkgerrors.LaunchFailed)
	}
	return handle, nil
}

// Stats runs the inner stats call under the stats budget.
func (b *Bounded) Stats(ctx context.Context, handle string) (Stats, error) {
	bctx, cancel := context.WithTimeout(ctx, b.bounds.Stats)
	defer cancel()

	start := time.Now()
	st, err := b.inner.Stats(bctx, handle)
	logger.Debug(ctx, "driver stats finished",
		zap.String("handle", handle),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return Stats{}, b.classify(err, bctx, "stats", pkgerrors.StatsFailed)
	}
	return st, nil
}

// Stop runs the inner stop call under the stop budget. The budget is
// raised when it would not outlast the grace granted to the run.
func (b *Bounded) Stop(ctx context.Context, handle string, grace time.Duration) error {
	bctx, cancel := context.WithTimeout(ctx, b.stopBudget(grace))
	defer cancel()

	start := time.Now()
	err := b.inner.Stop(bctx, handle, grace)
	logger.Debug(ctx, "driver stop finished",
		zap.String("handle", handle),
		zap.Duration("grace", grace),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return b.classify(err, bctx, "stop", pkgerrors.StopFailed)
	}
	return nil
}

func (b *Bounded) stopBudget(grace time.Duration) time.Duration {
	budget := b.bounds.Stop
	if grace > 0 && budget < grace+stopKillSlack {
		budget = grace + stopKillSlack
	}
	return budget
}

// ExitInfo forwards to the inner driver when it reports exits.
func (b *Bounded) ExitInfo(handle string) (int, bool) {
	if r, ok := b.inner.(ExitReporter); ok {
		return r.ExitInfo(handle)
	}
	return 0, false
}

// classify maps an inner error to the shared error vocabulary.
// Deadline overruns become transient; structured errors pass through
// untouched so DriverNotFound keeps its meaning.
func (b *Bounded) classify(err error, bctx context.Context, op string, fallback pkgerrors.ErrorCode) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return pkgerrors.TransientDriver(err, op)
	}
	var perr *pkgerrors.Error
	if errors.As(err, &perr) {
		return perr
	}
	return pkgerrors.Wrapf(err, fallback, "driver %s failed", op)
}

var _ Driver = (*Bounded)(nil)
var _ ExitReporter = (*Bounded)(nil)
