// Package policy decides what happens after a workload run exits: schedule a
// restart with backoff, put the workload to sleep, or grant the one-time
// auto-recovery bonus. Decisions are pure; the actor persists the outcome.
package policy

import (
	"time"

	"warden/internal/workload/model"
)

// Config holds the restart policy constants. All of them are deployment
// tunables.
type Config struct {
	// MaxRestartsPerWindow bounds scheduled restarts inside one window: exits
	// 1..Max restart with backoff, the (Max+1)-th exit sleeps with anti_loop.
	MaxRestartsPerWindow int           `yaml:"maxRestartsPerWindow"`
	Window               time.Duration `yaml:"window"`

	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`

	// Fixed cost deducted from the ledger for every scheduled restart.
	RestartTimeCost  int64   `yaml:"restartTimeCost"`
	RestartPowerCost float64 `yaml:"restartPowerCost"`

	// One-time bonus granted when a restart is otherwise unaffordable. The
	// grant becomes available again RecoveryResetWindow after last use.
	RecoveryBonusSeconds       int64         `yaml:"recoveryBonusSeconds"`
	RecoveryBonusPowerFraction float64       `yaml:"recoveryBonusPowerFraction"`
	RecoveryResetWindow        time.Duration `yaml:"recoveryResetWindow"`
}

// DefaultConfig returns the stock restart policy.
func DefaultConfig() Config {
	return Config{
		MaxRestartsPerWindow:       3,
		Window:                     time.Hour,
		BaseDelay:                  time.Second,
		MaxDelay:                   5 * time.Minute,
		RestartTimeCost:            60,
		RestartPowerCost:           2.0,
		RecoveryBonusSeconds:       3600,
		RecoveryBonusPowerFraction: 0.20,
		RecoveryResetWindow:        24 * time.Hour,
	}
}

// Outcome names what the actor does with the workload after an exit.
type Outcome string

const (
	OutcomeRestart Outcome = "restart"
	OutcomeSleep   Outcome = "sleep"
)

// Decision carries everything the actor applies after an exit report: the
// outcome, the backoff delay for restarts, and the updated ledger/counter
// values. Fields the algorithm does not touch pass through unchanged.
type Decision struct {
	Outcome     Outcome
	SleepReason model.SleepReason
	Backoff     time.Duration

	RemainingSeconds   int64
	PowerRemaining     float64
	RestartCount       int
	RestartWindowStart time.Time
	LastRestartAt      time.Time
	AutoRecoveryUsed   bool
	AutoRecoveryAt     time.Time

	// Recovered is set when the auto-recovery bonus fired as part of this
	// decision.
	Recovered bool
}

// ApplyTo copies the decided ledger and counter values onto the workload.
// Status transitions stay with the actor.
func (d Decision) ApplyTo(w *model.Workload) {
	w.RemainingSeconds = d.RemainingSeconds
	w.PowerRemaining = d.PowerRemaining
	w.RestartCount = d.RestartCount
	w.RestartWindowStart = d.RestartWindowStart
	w.LastRestartAt = d.LastRestartAt
	w.AutoRecoveryUsed = d.AutoRecoveryUsed
	w.AutoRecoveryAt = d.AutoRecoveryAt
}

// Engine evaluates exit reports against the restart policy.
type Engine struct {
	cfg Config
}

// New creates a policy engine, filling zero config fields from DefaultConfig.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxRestartsPerWindow <= 0 {
		cfg.MaxRestartsPerWindow = def.MaxRestartsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RestartTimeCost <= 0 {
		cfg.RestartTimeCost = def.RestartTimeCost
	}
	if cfg.RestartPowerCost <= 0 {
		cfg.RestartPowerCost = def.RestartPowerCost
	}
	if cfg.RecoveryBonusSeconds <= 0 {
		cfg.RecoveryBonusSeconds = def.RecoveryBonusSeconds
	}
	if cfg.RecoveryBonusPowerFraction <= 0 {
		cfg.RecoveryBonusPowerFraction = def.RecoveryBonusPowerFraction
	}
	if cfg.RecoveryResetWindow <= 0 {
		cfg.RecoveryResetWindow = def.RecoveryResetWindow
	}
	return &Engine{cfg: cfg}
}

// Decide evaluates an exit report. It reads the workload but never mutates
// it; the caller applies the returned decision.
func (e *Engine) Decide(w *model.Workload, cause model.ExitCause, now time.Time) Decision {
	d := Decision{
		RemainingSeconds:   w.RemainingSeconds,
		PowerRemaining:     w.PowerRemaining,
		RestartCount:       w.RestartCount,
		RestartWindowStart: w.RestartWindowStart,
		LastRestartAt:      w.LastRestartAt,
		AutoRecoveryUsed:   w.AutoRecoveryUsed,
		AutoRecoveryAt:     w.AutoRecoveryAt,
	}

	// A budget kill already decided the workload's fate; counters untouched.
	if cause == model.ExitKilledByBudget {
		d.Outcome = OutcomeSleep
		d.SleepReason = model.SleepDepleted
		return d
	}

	if d.RestartWindowStart.IsZero() || now.Sub(d.RestartWindowStart) > e.cfg.Window {
		d.RestartWindowStart = now
		d.RestartCount = 0
	}
	d.RestartCount++

	if d.RestartCount > e.cfg.MaxRestartsPerWindow {
		d.Outcome = OutcomeSleep
		d.SleepReason = model.SleepAntiLoop
		return d
	}

	d.Backoff = ComputeBackoff(d.RestartCount, e.cfg.BaseDelay, e.cfg.MaxDelay)

	if d.RemainingSeconds < e.cfg.RestartTimeCost || d.PowerRemaining < e.cfg.RestartPowerCost {
		if e.recoveryAvailable(d.AutoRecoveryUsed, d.AutoRecoveryAt, now) {
			d.RemainingSeconds += e.cfg.RecoveryBonusSeconds
			d.PowerRemaining += e.cfg.RecoveryBonusPowerFraction * w.PowerMax
			if d.PowerRemaining > w.PowerMax {
				d.PowerRemaining = w.PowerMax
			}
			d.AutoRecoveryUsed = true
			d.AutoRecoveryAt = now
			d.Recovered = true
		} else {
			d.Outcome = OutcomeSleep
			d.SleepReason = model.SleepDepleted
			return d
		}
	}

	d.RemainingSeconds -= e.cfg.RestartTimeCost
	if d.RemainingSeconds < 0 {
		d.RemainingSeconds = 0
	}
	d.PowerRemaining -= e.cfg.RestartPowerCost
	if d.PowerRemaining < 0 {
		d.PowerRemaining = 0
	}
	d.LastRestartAt = now
	d.Outcome = OutcomeRestart
	return d
}

func (e *Engine) recoveryAvailable(used bool, lastAt time.Time, now time.Time) bool {
	if !used {
		return true
	}
	return !lastAt.IsZero() && now.Sub(lastAt) > e.cfg.RecoveryResetWindow
}

// ComputeBackoff returns the doubling delay for the n-th scheduled restart
// in a window, capped at max.
func ComputeBackoff(count int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if count <= 1 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 1; i < count; i++ {
		if max > 0 && delay >= max {
			return max
		}
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
