//go:build !linux

package procdriver

import (
	"context"
	"fmt"
	"time"

	"warden/internal/workload/driver"
)

type stubDriver struct{}

// New creates the process driver. Only Linux is supported.
func New(cfg Config) (driver.Driver, error) {
	return &stubDriver{}, nil
}

func (s *stubDriver) Launch(ctx context.Context, spec driver.LaunchSpec) (string, error) {
	return "", fmt.Errorf("process driver is only supported on linux")
}

func (s *stubDriver) Stats(ctx context.Context, handle string) (driver.Stats, error) {
	return driver.Stats{}, fmt.Errorf("process driver is only supported on linux")
}

func (s *stubDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	return fmt.Errorf("process driver is only supported on linux")
}
