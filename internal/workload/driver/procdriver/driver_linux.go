//go:build linux

package procdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"warden/internal/workload/driver"
	pkgerrors "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

type procDriver struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*runningProc
	// exits holds the exit code of processes that ended on their own,
	// keyed by handle and consumed on read.
	exits map[string]int
}

type runningProc struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}
	last cpuSample
}

// New creates the Linux process driver.
func New(cfg Config) (driver.Driver, error) {
	cfg.setDefaults()
	if cfg.EnableSeccomp && cfg.SeccompProfile == "" {
		return nil, fmt.Errorf("seccomp enabled without a profile")
	}
	if err := os.MkdirAll(cfg.RunRoot, 0755); err != nil {
		return nil, fmt.Errorf("create run root: %w", err)
	}
	return &procDriver{
		cfg:   cfg,
		procs: make(map[string]*runningProc),
		exits: make(map[string]int),
	}, nil
}

func (d *procDriver) Launch(ctx context.Context, spec driver.LaunchSpec) (string, error) {
	if err := validateLaunchSpec(spec); err != nil {
		return "", err
	}
	if _, err := os.Stat(spec.BundleDir); err != nil {
		return "", fmt.Errorf("bundle dir: %w", err)
	}

	runDir := filepath.Join(d.cfg.RunRoot, spec.WorkloadID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	req := initRequest{
		WorkDir:    spec.BundleDir,
		Cmd:        spec.Entrypoint,
		Env:        buildWorkloadEnv(spec),
		StdoutPath: filepath.Join(runDir, "stdout.log"),
		StderrPath: filepath.Join(runDir, "stderr.log"),
		Limits: initLimits{
			MemoryMB: spec.Limits.MemoryMB,
			PIDs:     spec.Limits.PIDs,
			OutputMB: spec.Limits.OutputMB,
		},
	}
	if d.cfg.EnableSeccomp {
		req.SeccompProfile = d.cfg.SeccompProfile
	}

	stdinPipe, err := jsonToPipe(req)
	if err != nil {
		return "", fmt.Errorf("encode init request: %w", err)
	}
	defer stdinPipe.Close()

	// The workload must outlive this call's deadline, so the context
	// only gates setup.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cmd := exec.Command(d.cfg.HelperPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start helper: %w", err)
	}

	pid := cmd.Process.Pid
	// The suffix keeps handles unique when the kernel reuses a pid.
	handle := fmt.Sprintf("proc-%d-%d", pid, time.Now().UnixNano())
	p := &runningProc{
		pid:  pid,
		cmd:  cmd,
		done: make(chan struct{}),
		last: cpuSample{at: time.Now()},
	}

	d.mu.Lock()
	d.procs[handle] = p
	d.mu.Unlock()

	go d.reap(handle, p, &helperStderr)

	logger.Info(ctx, "workload process launched",
		zap.String("workload_id", spec.WorkloadID),
		zap.String("handle", handle),
		zap.Int("pid", pid))
	return handle, nil
}

// reap waits for the process and records its exit unless an explicit
// Stop already removed the entry.
func (d *procDriver) reap(handle string, p *runningProc, helperStderr *bytes.Buffer) {
	waitErr := p.cmd.Wait()
	code := exitCodeFromErr(waitErr, p.cmd.ProcessState)

	d.mu.Lock()
	if cur, ok := d.procs[handle]; ok && cur == p {
		delete(d.procs, handle)
		d.exits[handle] = code
	}
	d.mu.Unlock()
	close(p.done)

	ctx := context.Background()
	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "workload helper stderr",
			zap.String("handle", handle),
			zap.String("stderr", helperStderr.String()))
	}
	logger.Info(ctx, "workload process exited",
		zap.String("handle", handle),
		zap.Int("exit_code", code))
}

func (d *procDriver) Stats(ctx context.Context, handle string) (driver.Stats, error) {
	d.mu.Lock()
	p, ok := d.procs[handle]
	d.mu.Unlock()
	if !ok {
		return driver.Stats{}, pkgerrors.Newf(pkgerrors.DriverNotFound, "no process for handle %s", handle)
	}

	ticks, rssMB, err := readProcStat(p.pid)
	if err != nil {
		if os.IsNotExist(err) {
			// Exited between the table lookup and the /proc read; the
			// reaper has not recorded it yet. Transient so the caller
			// retries once the exit is visible.
			return driver.Stats{}, pkgerrors.TransientDriver(err, "stats")
		}
		return driver.Stats{}, fmt.Errorf("read proc stat: %w", err)
	}

	now := time.Now()
	d.mu.Lock()
	prev := p.last
	p.last = cpuSample{ticks: ticks, at: now}
	d.mu.Unlock()

	cpu := 0.0
	if wall := now.Sub(prev.at).Seconds(); wall > 0 && ticks >= prev.ticks {
		cpu = float64(ticks-prev.ticks) / userHZ / wall * 100
	}
	return driver.Stats{CPUPercent: cpu, MemoryMB: rssMB}, nil
}

func (d *procDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	d.mu.Lock()
	p, ok := d.procs[handle]
	if !ok {
		// Already exited on its own: stopping is trivially done and
		// the pending exit report is dropped.
		if _, exited := d.exits[handle]; exited {
			delete(d.exits, handle)
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		return pkgerrors.Newf(pkgerrors.DriverNotFound, "no process for handle %s", handle)
	}
	delete(d.procs, handle)
	d.mu.Unlock()

	if grace > 0 {
		if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn(ctx, "terminate process group failed",
				zap.Int("pid", p.pid), zap.Error(err))
		}
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		case <-ctx.Done():
		}
	}

	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", p.pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await process exit: %w", ctx.Err())
	}
}

// ExitInfo reports the exit code of a self-exited process once.
func (d *procDriver) ExitInfo(handle string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.exits[handle]
	if ok {
		delete(d.exits, handle)
	}
	return code, ok
}

func validateLaunchSpec(spec driver.LaunchSpec) error {
	if spec.WorkloadID == "" {
		return fmt.Errorf("workload id is required")
	}
	if spec.BundleDir == "" {
		return fmt.Errorf("bundle dir is required")
	}
	if len(spec.Entrypoint) == 0 {
		return fmt.Errorf("entrypoint is required")
	}
	return nil
}

func buildWorkloadEnv(spec driver.LaunchSpec) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		fmt.Sprintf("WARDEN_WORKLOAD_ID=%s", spec.WorkloadID),
		fmt.Sprintf("WARDEN_OWNER_ID=%d", spec.OwnerID),
	}
	if spec.SecretRef != "" {
		env = append(env, fmt.Sprintf("WARDEN_SECRET_REF=%s", spec.SecretRef))
	}
	return env
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var _ driver.Driver = (*procDriver)(nil)
var _ driver.ExitReporter = (*procDriver)(nil)
