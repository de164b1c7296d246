package settings

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source loads the stored settings. A missing row is an empty Patch, not an
// error.
type Source interface {
	LoadSettings(ctx context.Context) (Patch, error)
}

// Provider serves the current Snapshot and refreshes it on demand.
type Provider struct {
	source    Source
	overrides Patch
	current   atomic.Pointer[Snapshot]
	log       *zap.Logger
	now       func() time.Time
}

// NewProvider returns a Provider primed with Defaults plus overrides. Call
// Reload to pull the stored settings.
func NewProvider(source Source, overrides Patch, log *zap.Logger) (*Provider, error) {
	if err := overrides.Validate(); err != nil {
		return nil, fmt.Errorf("settings overrides: %w", err)
	}
	p := &Provider{
		source:    source,
		overrides: overrides,
		log:       log.Named("settings"),
		now:       time.Now,
	}
	snap := overrides.Apply(Defaults())
	snap.LoadedAt = p.now()
	p.current.Store(&snap)
	return p, nil
}

// Current returns the last successfully loaded snapshot.
func (p *Provider) Current() Snapshot {
	return *p.current.Load()
}

// Reload fetches the stored settings and swaps in a new snapshot. On failure
// the previous snapshot stays in effect and is returned with the error.
func (p *Provider) Reload(ctx context.Context) (Snapshot, error) {
	stored, err := p.source.LoadSettings(ctx)
	if err != nil {
		p.log.Warn("settings reload failed, keeping previous snapshot", zap.Error(err))
		return p.Current(), fmt.Errorf("load settings: %w", err)
	}
	if err := stored.Validate(); err != nil {
		p.log.Warn("stored settings invalid, keeping previous snapshot", zap.Error(err))
		return p.Current(), err
	}

	snap := stored.Merge(p.overrides).Apply(Defaults())
	snap.LoadedAt = p.now()
	p.current.Store(&snap)
	return snap, nil
}
