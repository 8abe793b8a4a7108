package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "warden/pkg/errors"
)

// fakeDriver scripts each call for decorator tests.
type fakeDriver struct {
	launchHandle string
	launchErr    error
	statsResult  Stats
	statsErr     error
	stopErr      error
	// block makes every call wait for ctx cancellation and return
	// the ctx error, simulating a hung runtime.
	block bool
}

func (f *fakeDriver) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.launchHandle, f.launchErr
}

func (f *fakeDriver) Stats(ctx context.Context, handle string) (Stats, error) {
	if f.block {
		<-ctx.Done()
		return Stats{}, ctx.Err()
	}
	return f.statsResult, f.statsErr
}

func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.stopErr
}

// fakeExitDriver additionally reports exits.
type fakeExitDriver struct {
	fakeDriver
	exitCode int
	exitOK   bool
}

func (f *fakeExitDriver) ExitInfo(handle string) (int, bool) {
	return f.exitCode, f.exitOK
}

func TestBoundedPassesResultsThrough(t *testing.T) {
	t.Parallel()

	inner := &fakeDriver{
		launchHandle: "proc-42",
		statsResult:  Stats{CPUPercent: 12.5, MemoryMB: 64},
	}
	b := NewBounded(inner, Bounds{})

	handle, err := b.Launch(context.Background(), LaunchSpec{WorkloadID: "w1"})
	if err != nil {
		t.Fatalf("unexpected launch error: %v", err)
	}
	if handle != "proc-42" {
		t.Fatalf("handle = %q, want proc-42", handle)
	}

	st, err := b.Stats(context.Background(), handle)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if st.CPUPercent != 12.5 || st.MemoryMB != 64 {
		t.Fatalf("stats = %+v, want CPUPercent=12.5 MemoryMB=64", st)
	}

	if err := b.Stop(context.Background(), handle, time.Second); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestBoundedClassifiesErrors(t *testing.T) {
	t.Parallel()

	notFound := pkgerrors.Newf(pkgerrors.DriverNotFound, "no such handle")
	plain := errors.New("runtime exploded")

	tests := []struct {
		name     string
		inner    *fakeDriver
		call     func(b *Bounded) error
		wantCode pkgerrors.ErrorCode
	}{
		{
			name:  "structured error passes through launch",
			inner: &fakeDriver{launchErr: notFound},
			call: func(b *Bounded) error {
				_, err := b.Launch(context.Background(), LaunchSpec{})
				return err
			},
			wantCode: pkgerrors.DriverNotFound,
		},
		{
			name:  "plain launch error wrapped",
			inner: &fakeDriver{launchErr: plain},
			call: func(b *Bounded) error {
				_, err := b.Launch(context.Background(), LaunchSpec{})
				return err
			},
			wantCode: pkgerrors.LaunchFailed,
		},
		{
			name:  "plain stats error wrapped",
			inner: &fakeDriver{statsErr: plain},
			call: func(b *Bounded) error {
				_, err := b.Stats(context.Background(), "proc-1")
				return err
			},
			wantCode: pkgerrors.StatsFailed,
		},
		{
			name:  "plain stop error wrapped",
			inner: &fakeDriver{stopErr: plain},
			call: func(b *Bounded) error {
				return b.Stop(context.Background(), "proc-1", 0)
			},
			wantCode: pkgerrors.StopFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := NewBounded(tt.inner, Bounds{})
			err := tt.call(b)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := pkgerrors.GetCode(err); got != tt.wantCode {
				t.Fatalf("code = %d, want %d (err: %v)", got, tt.wantCode, err)
			}
		})
	}
}

func TestBoundedOverrunBecomesTransient(t *testing.T) {
	t.Parallel()

	b := NewBounded(&fakeDriver{block: true}, Bounds{
		Launch: 20 * time.Millisecond,
		Stop:   20 * time.Millisecond,
		Stats:  20 * time.Millisecond,
	})

	if _, err := b.Launch(context.Background(), LaunchSpec{}); !pkgerrors.Is(err, pkgerrors.DriverTransient) {
		t.Fatalf("launch overrun: code = %d, want DriverTransient", pkgerrors.GetCode(err))
	}
	if _, err := b.Stats(context.Background(), "proc-1"); !pkgerrors.Is(err, pkgerrors.DriverTransient) {
		t.Fatalf("stats overrun: code = %d, want DriverTransient", pkgerrors.GetCode(err))
	}
	if err := b.Stop(context.Background(), "proc-1", 0); !pkgerrors.Is(err, pkgerrors.DriverTransient) {
		t.Fatalf("stop overrun: code = %d, want DriverTransient", pkgerrors.GetCode(err))
	}
}

func TestBoundedDefaultsZeroBounds(t *testing.T) {
	t.Parallel()

	b := NewBounded(&fakeDriver{}, Bounds{Stats: time.Second})
	def := DefaultBounds()
	if b.bounds.Launch != def.Launch {
		t.Fatalf("launch bound = %v, want default %v", b.bounds.Launch, def.Launch)
	}
	if b.bounds.Stop != def.Stop {
		t.Fatalf("stop bound = %v, want default %v", b.bounds.Stop, def.Stop)
	}
	if b.bounds.Stats != time.Second {
		t.Fatalf("stats bound = %v, want 1s", b.bounds.Stats)
	}
}

func TestBoundedStopBudgetCoversGrace(t *testing.T) {
	t.Parallel()

	b := NewBounded(&fakeDriver{}, Bounds{}) // Stop bound 15s

	tests := []struct {
		grace time.Duration
		want  time.Duration
	}{
		{0, 15 * time.Second},
		{10 * time.Second, 15 * time.Second},
		{12 * time.Second, 17 * time.Second},
		{time.Minute, 65 * time.Second},
	}
	for _, tt := range tests {
		if got := b.stopBudget(tt.grace); got != tt.want {
			t.Errorf("stopBudget(%v) = %v, want %v", tt.grace, got, tt.want)
		}
	}
}

func TestBoundedForwardsExitInfo(t *testing.T) {
	t.Parallel()

	withExit := NewBounded(&fakeExitDriver{exitCode: 2, exitOK: true}, Bounds{})
	code, ok := withExit.ExitInfo("proc-7")
	if !ok || code != 2 {
		t.Fatalf("ExitInfo = (%d, %v), want (2, true)", code, ok)
	}

	withoutExit := NewBounded(&fakeDriver{}, Bounds{})
	if _, ok := withoutExit.ExitInfo("proc-7"); ok {
		t.Fatal("ExitInfo ok = true for inner driver without exit reporting")
	}
}
