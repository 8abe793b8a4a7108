package policy_test

import (
	"math"
	"testing"
	"time"

	"warden/internal/workload/model"
	"warden/internal/workload/policy"
)

const epsilon = 1e-9

func newCrashyWorkload() *model.Workload {
	return &model.Workload{
		ID:               "w-1",
		Status:           model.StatusRunning,
		RemainingSeconds: 86400,
		PowerRemaining:   30.0,
		PowerMax:         30.0,
	}
}

func TestDecideBackoffSequenceThenAntiLoop(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	now := time.Now()

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		d := eng.Decide(w, model.ExitCrashed, now)
		if d.Outcome != policy.OutcomeRestart {
			t.Fatalf("crash %d: outcome = %s, want restart", i+1, d.Outcome)
		}
		if d.Backoff != want {
			t.Fatalf("crash %d: backoff = %s, want %s", i+1, d.Backoff, want)
		}
		if d.RestartCount != i+1 {
			t.Fatalf("crash %d: count = %d, want %d", i+1, d.RestartCount, i+1)
		}
		d.ApplyTo(w)
		now = now.Add(time.Minute)
	}

	// The 4th crash inside the window sleeps; no timer is scheduled.
	d := eng.Decide(w, model.ExitCrashed, now)
	if d.Outcome != policy.OutcomeSleep {
		t.Fatalf("4th crash: outcome = %s, want sleep", d.Outcome)
	}
	if d.SleepReason != model.SleepAntiLoop {
		t.Fatalf("4th crash: reason = %s, want anti_loop", d.SleepReason)
	}
	if d.Backoff != 0 {
		t.Fatalf("4th crash: unexpected backoff %s", d.Backoff)
	}
	if d.RestartCount != 4 {
		t.Fatalf("4th crash: count = %d, want 4", d.RestartCount)
	}
}

func TestDecideKilledByBudgetSleepsUntouched(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	w.RestartCount = 2
	w.RestartWindowStart = time.Now().Add(-10 * time.Minute)

	d := eng.Decide(w, model.ExitKilledByBudget, time.Now())

	if d.Outcome != policy.OutcomeSleep || d.SleepReason != model.SleepDepleted {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.RestartCount != 2 {
		t.Fatalf("restart count touched: %d", d.RestartCount)
	}
	if d.RemainingSeconds != w.RemainingSeconds || d.PowerRemaining != w.PowerRemaining {
		t.Fatalf("ledger touched: %+v", d)
	}
}

func TestDecideWindowReset(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	now := time.Now()

	for i := 0; i < 3; i++ {
		d := eng.Decide(w, model.ExitCrashed, now)
		d.ApplyTo(w)
		now = now.Add(time.Minute)
	}
	if w.RestartCount != 3 {
		t.Fatalf("setup: count = %d", w.RestartCount)
	}

	// More than one window later the counter starts over.
	now = now.Add(61 * time.Minute)
	d := eng.Decide(w, model.ExitCrashed, now)
	if d.Outcome != policy.OutcomeRestart {
		t.Fatalf("outcome = %s, want restart", d.Outcome)
	}
	if d.RestartCount != 1 {
		t.Fatalf("count = %d, want 1 after window reset", d.RestartCount)
	}
	if d.Backoff != time.Second {
		t.Fatalf("backoff = %s, want 1s after window reset", d.Backoff)
	}
	if !d.RestartWindowStart.Equal(now) {
		t.Fatalf("window start not reset")
	}
}

func TestDecideRestartCostDeducted(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	now := time.Now()

	d := eng.Decide(w, model.ExitNormal, now)

	if d.Outcome != policy.OutcomeRestart {
		t.Fatalf("normal exits restart too, got %s", d.Outcome)
	}
	if d.RemainingSeconds != 86340 {
		t.Fatalf("RemainingSeconds = %d, want 86340", d.RemainingSeconds)
	}
	if math.Abs(d.PowerRemaining-28.0) > epsilon {
		t.Fatalf("PowerRemaining = %v, want 28.0", d.PowerRemaining)
	}
	if !d.LastRestartAt.Equal(now) {
		t.Fatalf("LastRestartAt not set")
	}
}

func TestDecideAutoRecoveryGrantsOnce(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	w.RemainingSeconds = 30
	w.PowerRemaining = 1.0
	now := time.Now()

	d := eng.Decide(w, model.ExitCrashed, now)

	if d.Outcome != policy.OutcomeRestart {
		t.Fatalf("outcome = %s, want restart via recovery", d.Outcome)
	}
	if !d.Recovered {
		t.Fatalf("expected recovery grant")
	}
	// +3600s and +20% of PowerMax, then the 60s/2.0 restart cost.
	if d.RemainingSeconds != 30+3600-60 {
		t.Fatalf("RemainingSeconds = %d, want %d", d.RemainingSeconds, 30+3600-60)
	}
	if math.Abs(d.PowerRemaining-(1.0+6.0-2.0)) > epsilon {
		t.Fatalf("PowerRemaining = %v, want 5.0", d.PowerRemaining)
	}
	if !d.AutoRecoveryUsed || !d.AutoRecoveryAt.Equal(now) {
		t.Fatalf("recovery bookkeeping not set: %+v", d)
	}
	d.ApplyTo(w)

	// A second depletion inside the reset window sleeps with no grant.
	w.RemainingSeconds = 10
	w.PowerRemaining = 0.5
	d = eng.Decide(w, model.ExitCrashed, now.Add(time.Hour))
	if d.Outcome != policy.OutcomeSleep || d.SleepReason != model.SleepDepleted {
		t.Fatalf("expected depleted sleep, got %+v", d)
	}
	if d.Recovered {
		t.Fatalf("unexpected second grant")
	}
}

func TestDecideAutoRecoveryAvailableAgainAfterResetWindow(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	w.RemainingSeconds = 10
	w.PowerRemaining = 0.5
	w.AutoRecoveryUsed = true
	w.AutoRecoveryAt = time.Now().Add(-25 * time.Hour)

	d := eng.Decide(w, model.ExitCrashed, time.Now())

	if d.Outcome != policy.OutcomeRestart || !d.Recovered {
		t.Fatalf("expected recovery after reset window, got %+v", d)
	}
}

func TestDecideRecoveryBonusClampedToPowerMax(t *testing.T) {
	t.Parallel()

	eng := policy.New(policy.DefaultConfig())
	w := newCrashyWorkload()
	w.RemainingSeconds = 30 // unaffordable on time, power nearly full
	w.PowerRemaining = 29.0
	w.PowerMax = 30.0

	d := eng.Decide(w, model.ExitCrashed, time.Now())

	if d.Outcome != policy.OutcomeRestart || !d.Recovered {
		t.Fatalf("expected recovery restart, got %+v", d)
	}
	// 29 + 6 clamps to 30, then the 2.0 cost.
	if math.Abs(d.PowerRemaining-28.0) > epsilon {
		t.Fatalf("PowerRemaining = %v, want 28.0", d.PowerRemaining)
	}
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{8, 128 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{20, 5 * time.Minute},
	}

	for _, tc := range cases {
		if got := policy.ComputeBackoff(tc.count, time.Second, 5*time.Minute); got != tc.want {
			t.Fatalf("ComputeBackoff(%d) = %s, want %s", tc.count, got, tc.want)
		}
	}

	if got := policy.ComputeBackoff(3, 0, time.Minute); got != 0 {
		t.Fatalf("zero base should yield 0, got %s", got)
	}
	if got := policy.ComputeBackoff(1, 10*time.Minute, 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("base above max should cap, got %s", got)
	}
}
