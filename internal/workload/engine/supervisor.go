package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"warden/internal/workload/driver"
	"warden/internal/workload/model"
	appErr "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

// supervisor watches one container run: periodic stats become accounting
// ticks, a vanished container becomes exactly one exit report, and the
// run deadline is enforced independently of the accounting math. All of
// it lands in the owning actor's inbox; the supervisor itself never
// touches workload state.
type supervisor struct {
	actor    *actor
	handle   string
	deadline time.Time
}

func (s *supervisor) run(ctx context.Context) {
	eng := s.actor.eng
	ticker := time.NewTicker(eng.cfg.PollInterval)
	defer ticker.Stop()

	logger.Debug(ctx, "supervisor attached",
		zap.String("workload_id", s.actor.id),
		zap.String("handle", s.handle),
		zap.Time("deadline", s.deadline))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Deadline first: even if stats keep flowing, the run must not
		// outlive its admitted time budget plus grace.
		if !s.deadline.IsZero() && time.Now().After(s.deadline) {
			logger.Warn(ctx, "run deadline exceeded",
				zap.String("workload_id", s.actor.id),
				zap.String("handle", s.handle))
			s.actor.post(func(hctx context.Context) error {
				return s.actor.handleDeadline(hctx, s.handle)
			})
			return
		}

		stats, err := s.pollStats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exitCode, cause := s.classifyExit(err)
			logger.Info(ctx, "supervisor reporting exit",
				zap.String("workload_id", s.actor.id),
				zap.String("handle", s.handle),
				zap.Int("exit_code", exitCode),
				zap.String("cause", string(cause)),
				zap.Error(err))
			s.actor.post(func(hctx context.Context) error {
				return s.actor.handleReportExit(hctx, s.handle, exitCode, cause)
			})
			return
		}

		at := time.Now()
		s.actor.post(func(hctx context.Context) error {
			return s.actor.handleTick(hctx, s.handle, stats, at)
		})
	}
}

// pollStats reads the run's stats, retrying transient failures with
// exponential backoff so one flaky read does not count a live run as
// lost. A vanished container is permanent and returns immediately.
func (s *supervisor) pollStats(ctx context.Context) (driver.Stats, error) {
	eng := s.actor.eng
	var stats driver.Stats
	op := func() error {
		var err error
		stats, err = eng.drv.Stats(ctx, s.handle)
		if err != nil {
			if appErr.Is(err, appErr.DriverNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(eng.cfg.StatsAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, bo)
	return stats, err
}

// classifyExit turns a failed poll into an exit report. A vanished
// container with a recorded exit code was reaped cleanly; one without a
// record, or a run whose stats stayed unreadable, is lost.
func (s *supervisor) classifyExit(err error) (int, model.ExitCause) {
	if !appErr.Is(err, appErr.DriverNotFound) {
		return -1, model.ExitLost
	}
	reporter, ok := s.actor.eng.drv.(driver.ExitReporter)
	if !ok {
		return -1, model.ExitLost
	}
	code, ok := reporter.ExitInfo(s.handle)
	if !ok {
		return -1, model.ExitLost
	}
	if code == 0 {
		return 0, model.ExitNormal
	}
	return code, model.ExitCrashed
}
