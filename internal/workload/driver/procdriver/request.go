package procdriver

// initRequest is the contract with the workload-init helper, passed
// as JSON on its stdin. The helper declares a matching struct; field
// names are the wire format.
type initRequest struct {
	WorkDir    string
	Cmd        []string
	Env        []string
	StdoutPath string
	StderrPath string
	Limits     initLimits
	// SeccompProfile is a path to a syscall allowlist; empty skips
	// filter setup.
	SeccompProfile string
}

type initLimits struct {
	MemoryMB int64
	PIDs     int64
	OutputMB int64
}
