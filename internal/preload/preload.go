// Package preload warms grammars ahead of context activation so a surface
// switch lands on a ready cache instead of a cold build.
package preload

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/grammar"
	"github.com/voxmux/voxmux/internal/store"
)

const warmConcurrency = 8

// Preloader builds grammars before they are needed. Concurrent requests for
// the same context and locale collapse into a single build.
type Preloader struct {
	store   *store.Store
	builder *grammar.Builder
	cfg     *config.Config
	log     *zap.Logger
	group   singleflight.Group
}

func New(st *store.Store, builder *grammar.Builder, cfg *config.Config, log *zap.Logger) *Preloader {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Preloader{store: st, builder: builder, cfg: cfg, log: log}
}

// Preload makes sure the context has a fresh grammar entry, warming the
// phrase rows for its concepts along the way. Duplicate in-flight calls for
// the same context/locale pair share one build.
func (p *Preloader) Preload(ctx context.Context, contextID, locale string) (*grammar.Result, error) {
	if contextID == "" {
		return nil, errors.NewInvalidRequest("context id must not be empty")
	}
	locale = command.NormalizeLocale(locale)
	if locale == "" {
		locale = command.NormalizeLocale(p.cfg.DefaultLocale)
	}

	key := contextID + "\x00" + locale
	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		return p.preload(ctx, contextID, locale)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.log.Debug("preload collapsed", zap.String("context_id", contextID))
	}
	return v.(*grammar.Result), nil
}

func (p *Preloader) preload(ctx context.Context, contextID, locale string) (*grammar.Result, error) {
	entry := p.builder.Active(contextID)
	if entry != nil && entry.Locale == locale && !entry.Expired(time.Now()) {
		return &grammar.Result{Status: grammar.StatusNoChange, Entry: entry}, nil
	}

	set, err := p.store.ConceptSet(ctx, contextID)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for conceptID := range set {
		conceptID := conceptID
		g.Go(func() error {
			_, err := p.store.PhrasesForConcept(gctx, conceptID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.NewCacheBuildFailure(contextID, err)
	}

	return p.builder.Build(ctx, contextID, contextID, locale)
}

// SwitchResult summarizes a context switch over in-memory concept sets.
type SwitchResult struct {
	Added    []string      `json:"added"`
	Removed  []string      `json:"removed"`
	Retained []string      `json:"retained"`
	Duration time.Duration `json:"duration_ns"`
}

// Switch computes the concept delta of moving from one context to another
// using only cached sets. The target must be cached (preload it first); an
// uncached source is treated as empty.
func (p *Preloader) Switch(fromContextID, toContextID string) (*SwitchResult, error) {
	start := time.Now()

	toSet, ok := p.store.CachedConceptSet(toContextID)
	if !ok {
		return nil, errors.NewNotFound(toContextID)
	}
	fromSet, _ := p.store.CachedConceptSet(fromContextID)

	delta := grammar.ComputeDelta(fromSet, toSet)
	res := &SwitchResult{
		Added:    delta.Added,
		Removed:  delta.Removed,
		Retained: delta.Retained,
		Duration: time.Since(start),
	}
	p.log.Debug("context switch",
		zap.String("from", fromContextID),
		zap.String("to", toContextID),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}
