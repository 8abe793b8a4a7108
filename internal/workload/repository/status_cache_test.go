package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"warden/internal/common/cache"
	"warden/internal/workload/repository"
	appErr "warden/pkg/errors"
)

func setupStatusCache(t *testing.T) (*repository.StatusCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := cache.NewRedisCache(s.Addr())
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return repository.NewStatusCache(c, 30*time.Second), s
}

func TestStatusCacheRoundTrip(t *testing.T) {
	sc, _ := setupStatusCache(t)
	ctx := context.Background()

	in := repository.LiveStatus{
		WorkloadID:       "wl-1",
		Status:           "running",
		CPUPercent:       12.5,
		MemoryMB:         128,
		RemainingSeconds: 3600,
		PowerRemaining:   21.5,
		CheckedAt:        time.Now().UTC().Truncate(time.Second),
	}
	if err := sc.Save(ctx, in); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	out, err := sc.Get(ctx, "wl-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if out.Status != in.Status || out.CPUPercent != in.CPUPercent || out.RemainingSeconds != in.RemainingSeconds {
		t.Fatalf("snapshot = %+v, want %+v", out, in)
	}
	if !out.CheckedAt.Equal(in.CheckedAt) {
		t.Fatalf("checked_at = %v, want %v", out.CheckedAt, in.CheckedAt)
	}
}

func TestStatusCacheMissing(t *testing.T) {
	sc, _ := setupStatusCache(t)

	_, err := sc.Get(context.Background(), "wl-absent")
	if !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("code = %d, want NotFound", appErr.GetCode(err))
	}
}

func TestStatusCacheDrop(t *testing.T) {
	sc, _ := setupStatusCache(t)
	ctx := context.Background()

	if err := sc.Save(ctx, repository.LiveStatus{WorkloadID: "wl-2", Status: "running"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := sc.Drop(ctx, "wl-2"); err != nil {
		t.Fatalf("unexpected drop error: %v", err)
	}
	if _, err := sc.Get(ctx, "wl-2"); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("code = %d, want NotFound after drop", appErr.GetCode(err))
	}
}

func TestStatusCacheExpires(t *testing.T) {
	sc, s := setupStatusCache(t)
	ctx := context.Background()

	if err := sc.Save(ctx, repository.LiveStatus{WorkloadID: "wl-3", Status: "running"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	s.FastForward(time.Minute)

	if _, err := sc.Get(ctx, "wl-3"); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("code = %d, want NotFound after expiry", appErr.GetCode(err))
	}
}

func TestStatusCacheValidation(t *testing.T) {
	sc, _ := setupStatusCache(t)
	ctx := context.Background()

	if err := sc.Save(ctx, repository.LiveStatus{}); err == nil {
		t.Fatal("expected error for empty workload id")
	}
	if _, err := sc.Get(ctx, ""); err == nil {
		t.Fatal("expected error for empty workload id")
	}
}
