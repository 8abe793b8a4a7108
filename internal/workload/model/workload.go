// Package model defines the workload ledger entity, its lifecycle states and
// the plan limits workloads are seeded from.
package model

import "time"

// Status represents the lifecycle state of a workload.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusSleeping Status = "sleeping"
	StatusDeleted  Status = "deleted"
)

// SleepReason explains why a sleeping workload went to sleep.
type SleepReason string

const (
	SleepAntiLoop SleepReason = "anti_loop"
	SleepDepleted SleepReason = "depleted"
	SleepManual   SleepReason = "manual"
)

// ExitCause classifies how a container run ended.
type ExitCause string

const (
	ExitNormal         ExitCause = "normal"
	ExitCrashed        ExitCause = "crashed"
	ExitLost           ExitCause = "lost"
	ExitKilledByBudget ExitCause = "killed_by_budget"
)

// Workload is the durable ledger record for one hosted workload. It is
// mutated only by the owning actor; everything else reads snapshots.
type Workload struct {
	ID        string `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	Plan      string `json:"plan"`
	CodeRef   string `json:"code_ref"`
	SecretRef string `json:"secret_ref"`

	// Entrypoint is the argv the driver executes inside the staged bundle,
	// declared at admission. Example: ["python3", "main.py"].
	Entrypoint []string `json:"entrypoint"`

	Status      Status      `json:"status"`
	SleepReason SleepReason `json:"sleep_reason,omitempty"`
	SleepSince  *time.Time  `json:"sleep_since,omitempty"`

	// Budgets. RemainingSeconds is wall-clock time left; PowerRemaining is
	// the CPU-weighted budget, never above PowerMax and never negative.
	RemainingSeconds int64   `json:"remaining_seconds"`
	PowerRemaining   float64 `json:"power_remaining"`
	PowerMax         float64 `json:"power_max"`

	// Restart policy bookkeeping.
	RestartCount       int       `json:"restart_count"`
	RestartWindowStart time.Time `json:"restart_window_start"`
	LastRestartAt      time.Time `json:"last_restart_at"`
	AutoRecoveryUsed   bool      `json:"auto_recovery_used"`
	AutoRecoveryAt     time.Time `json:"auto_recovery_at"`

	// Run state. ContainerHandle is non-empty only while a container run is
	// active (starting/running/stopping); StartedAt marks the launch time of
	// the current run.
	ContainerHandle string    `json:"container_handle,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`

	// Telemetry cache from the last supervisor tick. Advisory only.
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	LastCheckedAt time.Time `json:"last_checked_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// validTransitions is the lifecycle edge set. Deleted is terminal and is
// reachable from every non-deleted state (checked in CanTransition).
var validTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopped, StatusSleeping},
	StatusRunning:  {StatusStopping, StatusSleeping},
	StatusStopping: {StatusStopped},
	StatusSleeping: {StatusStarting},
	StatusDeleted:  {},
}

// CanTransition reports whether from→to is a defined lifecycle edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusDeleted {
		return from != StatusDeleted
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Depleted reports whether either budget has reached its floor.
func (w *Workload) Depleted() bool {
	return w.RemainingSeconds <= 0 || w.PowerRemaining <= 0
}

// RunActive reports whether a container run is attached to this workload.
func (w *Workload) RunActive() bool {
	return w.ContainerHandle != ""
}

// Sleep moves the workload into sleeping with the given reason and clears the
// run. Caller must have validated the transition.
func (w *Workload) Sleep(reason SleepReason, now time.Time) {
	w.Status = StatusSleeping
	w.SleepReason = reason
	at := now
	w.SleepSince = &at
	w.ClearRun()
}

// ClearRun drops the container handle, run start time and cached telemetry.
func (w *Workload) ClearRun() {
	w.ContainerHandle = ""
	w.StartedAt = time.Time{}
	w.CPUPercent = 0
	w.MemoryMB = 0
}

// WakeForStart clears sleep bookkeeping when a manual Start resumes a
// sleeping workload.
func (w *Workload) WakeForStart() {
	w.SleepReason = ""
	w.SleepSince = nil
}
