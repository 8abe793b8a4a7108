// Package driver abstracts the runtime that hosts workload processes.
//
// The engine never talks to an OS process or a container directly; it
// goes through a Driver so the process runtime can be swapped without
// touching lifecycle logic. The in-tree implementation is procdriver,
// which runs workloads as supervised local process groups.
package driver

import (
	"context"
	"time"
)

// Limits bounds the resources granted to a single workload run.
type Limits struct {
	MemoryMB int64
	PIDs     int64
	OutputMB int64
}

// LaunchSpec describes one workload run.
type LaunchSpec struct {
	WorkloadID string
	OwnerID    int64
	// BundleDir is the staged code bundle root; the entrypoint runs
	// with this as its working directory.
	BundleDir  string
	Entrypoint []string
	// SecretRef names the credential bundle exposed to the process
	// via WARDEN_SECRET_REF. Resolution happens inside the workload;
	// the host never reads secret material.
	SecretRef string
	Limits    Limits
}

// Stats is a point-in-time resource sample for a running workload.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// Driver launches, inspects and stops workload processes.
//
// Handles are opaque driver-scoped identifiers. All methods must be
// safe for concurrent use. Stats and Stop on a handle the driver no
// longer tracks return a DriverNotFound error; Stop on a live handle
// is idempotent. Stop gives the run up to grace to shut down on its
// own before it is killed; a non-positive grace kills immediately.
type Driver interface {
	Launch(ctx context.Context, spec LaunchSpec) (handle string, err error)
	Stats(ctx context.Context, handle string) (Stats, error)
	Stop(ctx context.Context, handle string, grace time.Duration) error
}

// ExitReporter is an optional Driver extension. Drivers that observe
// workload exits can report the exit code for a handle that is no
// longer running, letting the supervisor tell a clean exit from a
// crash. The report is consumed on read: a second call for the same
// handle returns ok=false.
type ExitReporter interface {
	ExitInfo(handle string) (exitCode int, ok bool)
}
