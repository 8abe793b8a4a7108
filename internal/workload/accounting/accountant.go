// Package accounting turns elapsed wall time plus a CPU sample into ledger
// drains. It is pure computation: it never mutates workload state and never
// talks to the driver; the caller acts on the returned signals.
package accounting

// Config holds the drain policy constants. These are plan-level tunables, so
// every deployment can override them.
type Config struct {
	// DrainFactor scales CPU-weighted power drain per busy second.
	DrainFactor float64 `yaml:"drainFactor"`

	// IdleCPUThreshold is the CPU percentage below which a workload counts
	// as idle. Idle workloads still burn wall-clock time in full but their
	// power drain is discounted.
	IdleCPUThreshold    float64 `yaml:"idleCPUThreshold"`
	IdleDrainMultiplier float64 `yaml:"idleDrainMultiplier"`

	// LowTimeWarnSeconds is the remaining-time threshold for the low-time
	// warning signal.
	LowTimeWarnSeconds int64 `yaml:"lowTimeWarnSeconds"`
}

// DefaultConfig returns the stock drain policy.
func DefaultConfig() Config {
	return Config{
		DrainFactor:         0.02,
		IdleCPUThreshold:    2.0,
		IdleDrainMultiplier: 0.2,
		LowTimeWarnSeconds:  600,
	}
}

// Sample is one supervisor observation of a running container.
type Sample struct {
	CPUPercent     float64
	ElapsedSeconds int64
}

// Result carries the post-drain ledger values and the signals the caller
// must act on.
type Result struct {
	RemainingSeconds int64
	PowerRemaining   float64
	PowerDrain       float64

	// Depleted is set when either budget reached its floor; the caller must
	// stop the run and put the workload to sleep.
	Depleted bool

	// LowTime is set while the time budget is positive but at or below the
	// warning threshold.
	LowTime bool
}

// Accountant applies the drain policy to ledger values.
type Accountant struct {
	cfg Config
}

// New creates an accountant, filling zero config fields from DefaultConfig.
func New(cfg Config) *Accountant {
	def := DefaultConfig()
	if cfg.DrainFactor <= 0 {
		cfg.DrainFactor = def.DrainFactor
	}
	if cfg.IdleCPUThreshold <= 0 {
		cfg.IdleCPUThreshold = def.IdleCPUThreshold
	}
	if cfg.IdleDrainMultiplier <= 0 {
		cfg.IdleDrainMultiplier = def.IdleDrainMultiplier
	}
	if cfg.LowTimeWarnSeconds <= 0 {
		cfg.LowTimeWarnSeconds = def.LowTimeWarnSeconds
	}
	return &Accountant{cfg: cfg}
}

// Apply drains one tick's worth of budget.
//
// Wall-clock time depletes unconditionally: idle workloads still consume
// their time allotment. Power drains proportionally to observed CPU, with an
// idle discount below the idle threshold. Both values floor at zero.
func (a *Accountant) Apply(remainingSeconds int64, powerRemaining float64, sample Sample) Result {
	cpu := sample.CPUPercent
	if cpu < 0 {
		cpu = 0
	}
	if cpu > 100 {
		cpu = 100
	}
	elapsed := sample.ElapsedSeconds
	if elapsed < 0 {
		elapsed = 0
	}

	drain := (cpu / 100) * float64(elapsed) * a.cfg.DrainFactor
	if cpu < a.cfg.IdleCPUThreshold {
		drain *= a.cfg.IdleDrainMultiplier
	}

	remaining := remainingSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	power := powerRemaining - drain
	if power < 0 {
		power = 0
	}

	return Result{
		RemainingSeconds: remaining,
		PowerRemaining:   power,
		PowerDrain:       drain,
		Depleted:         remaining <= 0 || power <= 0,
		LowTime:          remaining > 0 && remaining <= a.cfg.LowTimeWarnSeconds,
	}
}
