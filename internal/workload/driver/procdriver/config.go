// Package procdriver runs workloads as supervised local process
// groups. Each launch forks the workload-init helper, which applies
// resource limits, redirects stdio into the run directory and execs
// the bundle entrypoint. Processes are started in their own process
// group with a parent-death signal, so workloads never outlive the
// host daemon.
package procdriver

import (
	"os"
	"path/filepath"
)

// Config controls how workload processes are launched and stopped.
type Config struct {
	// HelperPath is the workload-init binary. Resolved via PATH when
	// not absolute.
	HelperPath string `yaml:"helper_path" json:"helper_path"`
	// RunRoot holds one directory per workload with the captured
	// stdout/stderr of its latest run.
	RunRoot string `yaml:"run_root" json:"run_root"`
	// EnableSeccomp loads the syscall allowlist profile into every
	// workload before exec.
	EnableSeccomp  bool   `yaml:"enable_seccomp" json:"enable_seccomp"`
	SeccompProfile string `yaml:"seccomp_profile" json:"seccomp_profile"`
}

// DefaultConfig returns the development defaults. Production deploys
// set run_root to a persistent path.
func DefaultConfig() Config {
	return Config{
		HelperPath: "workload-init",
		RunRoot:    filepath.Join(os.TempDir(), "warden-runs"),
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.HelperPath == "" {
		c.HelperPath = def.HelperPath
	}
	if c.RunRoot == "" {
		c.RunRoot = def.RunRoot
	}
}
