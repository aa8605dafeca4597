package engine

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryDestroysOnLastRelease(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.deps)
	cfg := Config{MaxConnections: 2}

	first := registry.Acquire(cfg)
	second := registry.Acquire(cfg)
	third := registry.Acquire(cfg)
	if first != second || second != third {
		t.Fatal("expected every Acquire to return the same engine")
	}
	if err := first.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	registry.Release(first)
	registry.Release(second)
	if first.State() != StateInitialized {
		t.Fatalf("State() = %s, want initialized with one reference left", first.State())
	}
	registry.Release(third)
	if first.State() != StateDestroyed {
		t.Fatalf("State() = %s, want destroyed", first.State())
	}
	if !h.driver.Last().Closed() {
		t.Fatal("expected engine database to be closed")
	}
	if registry.Refs() != 0 {
		t.Fatalf("Refs() = %d, want 0", registry.Refs())
	}

	next := registry.Acquire(cfg)
	if next == first {
		t.Fatal("expected a fresh engine after teardown")
	}
}

func TestRegistryForceDestroyIgnoresStaleHandles(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.deps)

	stale := registry.Acquire(Config{})
	_ = registry.Acquire(Config{})
	if err := stale.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	registry.ForceDestroy()
	if stale.State() != StateDestroyed || registry.Refs() != 0 {
		t.Fatalf("expected forced teardown, state %s refs %d", stale.State(), registry.Refs())
	}

	fresh := registry.Acquire(Config{})
	registry.Release(stale)
	if fresh.State() == StateDestroyed || registry.Refs() != 1 {
		t.Fatalf("stale release must not affect the new engine (refs %d)", registry.Refs())
	}
	if err := stale.Initialize(context.Background(), ""); err != ErrDestroyed {
		t.Fatalf("Initialize() on destroyed engine error = %v, want ErrDestroyed", err)
	}
}

func TestRegistryExistingNeverCreates(t *testing.T) {
	registry := NewRegistry(newHarness(t).deps)
	if _, ok := registry.Existing(); ok {
		t.Fatal("expected no engine")
	}
	live := registry.Acquire(Config{})
	got, ok := registry.Existing()
	if !ok || got != live || registry.Refs() != 2 {
		t.Fatalf("Existing() = %v %v, refs %d", got, ok, registry.Refs())
	}
	registry.Release(got)
	registry.Release(live)
	if live.State() != StateDestroyed {
		t.Fatalf("State() = %s, want destroyed", live.State())
	}
}

func TestBaselineResetRestartsWithLastToken(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.deps)
	baseline := NewBaseline(registry, Config{MaxConnections: 1, CPUs: 1})

	if err := baseline.Start(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := baseline.Engine()
	if _, err := baseline.RotateToken(context.Background(), "tok-2"); err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}

	if err := baseline.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	second := baseline.Engine()
	if second == first {
		t.Fatal("Reset() kept the old engine")
	}
	if first.State() != StateDestroyed {
		t.Fatalf("old engine state = %s", first.State())
	}
	if second.State() != StateInitialized || !second.Status().HasToken {
		t.Fatalf("new engine status = %+v", second.Status())
	}
	if h.driver.OpenCalls() != 2 {
		t.Fatalf("OpenCalls() = %d, want 2", h.driver.OpenCalls())
	}

	baseline.Close()
	if registry.Refs() != 0 || second.State() != StateDestroyed {
		t.Fatalf("Close() left refs=%d state=%s", registry.Refs(), second.State())
	}
}

func TestRotateTokenOnDestroyedEngineReportsDestroyed(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.deps)

	pending := registry.Acquire(Config{})
	if _, err := pending.RotateToken(context.Background(), "tok-1"); err != nil {
		t.Fatalf("RotateToken() before init error = %v, want nil", err)
	}

	registry.ForceDestroy()
	if _, err := pending.RotateToken(context.Background(), "tok-2"); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("RotateToken() on destroyed engine error = %v, want ErrDestroyed", err)
	}
}
