package engine

import (
	"context"
	"sync"
)

// Baseline holds the serving process's own reference to the registry engine
// and remembers the latest token so a reset engine comes back with it.
type Baseline struct {
	registry *Registry
	cfg      Config

	mu      sync.Mutex
	current *Engine
	token   string
}

func NewBaseline(registry *Registry, cfg Config) *Baseline {
	return &Baseline{registry: registry, cfg: cfg}
}

// Start acquires the baseline reference and initializes the engine.
func (b *Baseline) Start(ctx context.Context, initialToken string) error {
	b.mu.Lock()
	if initialToken != "" {
		b.token = initialToken
	}
	if b.current == nil {
		b.current = b.registry.Acquire(b.cfg)
	}
	e, tok := b.current, b.token
	b.mu.Unlock()
	return e.Initialize(ctx, tok)
}

// Engine returns the baseline engine, acquiring it if Start was never called.
func (b *Baseline) Engine() *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		b.current = b.registry.Acquire(b.cfg)
	}
	return b.current
}

func (b *Baseline) RotateToken(ctx context.Context, newToken string) (RotationSummary, error) {
	b.mu.Lock()
	if newToken != "" {
		b.token = newToken
	}
	b.mu.Unlock()
	return b.Engine().RotateToken(ctx, newToken)
}

// Reset force-destroys the engine, including references held elsewhere, and
// starts a fresh one with the last known token.
func (b *Baseline) Reset(ctx context.Context) error {
	b.mu.Lock()
	b.registry.ForceDestroy()
	b.current = b.registry.Acquire(b.cfg)
	e, tok := b.current, b.token
	b.mu.Unlock()
	return e.Initialize(ctx, tok)
}

// Close drops the baseline reference.
func (b *Baseline) Close() {
	b.mu.Lock()
	e := b.current
	b.current = nil
	b.mu.Unlock()
	if e != nil {
		b.registry.Release(e)
	}
}
