// Package pipeline resolves recognized utterances to actions. Strategies are
// tried in priority order behind a confidence gate; a failing strategy is
// isolated and the next one gets its turn.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/store"
)

// Request is one recognition result to resolve.
type Request struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	ContextID  string  `json:"context_id"`
	Locale     string  `json:"locale,omitempty"`
}

// Match identifies the phrase a strategy resolved the request to, when it
// resolved through the phrase store at all.
type Match struct {
	PhraseID  string `json:"phrase_id"`
	ConceptID string `json:"concept_id"`
}

// Strategy is one way of turning a request into an action.
type Strategy interface {
	Name() string
	CanExecute(req Request) bool
	Execute(ctx context.Context, req Request) (*Match, error)
}

// Registration binds a strategy to its position in the fallback chain.
// Lower priority runs first.
type Registration struct {
	Strategy Strategy
	Priority int
}

// Resolution is a successful resolve: which strategy handled the request
// and what it matched.
type Resolution struct {
	Strategy string        `json:"strategy"`
	Match    *Match        `json:"match,omitempty"`
	Duration time.Duration `json:"-"`
}

// Pipeline runs the confidence gate and the strategy chain. Outcome stats
// are written asynchronously; Close drains the writers.
type Pipeline struct {
	store      *store.Store
	cfg        *config.Config
	log        *zap.Logger
	strategies []Registration

	wg sync.WaitGroup
}

func New(st *store.Store, cfg *config.Config, log *zap.Logger, regs ...Registration) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	sorted := make([]Registration, len(regs))
	copy(sorted, regs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Pipeline{store: st, cfg: cfg, log: log, strategies: sorted}
}

// Resolve gates the request on confidence, then walks the strategy chain.
// The first strategy that can execute and succeeds wins; its outcome is
// recorded asynchronously.
func (p *Pipeline) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	start := time.Now()

	if req.Text == "" {
		return nil, errors.NewInvalidRequest("text must not be empty")
	}
	if req.Confidence < p.cfg.MinConfidence {
		p.log.Debug("request below confidence gate",
			zap.Float64("confidence", req.Confidence),
			zap.Float64("minimum", p.cfg.MinConfidence),
		)
		return nil, errors.NewLowConfidence(req.Confidence, p.cfg.MinConfidence)
	}

	for _, reg := range p.strategies {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeout(time.Since(start).String())
		}
		if !reg.Strategy.CanExecute(req) {
			continue
		}

		match, err := p.execute(ctx, reg.Strategy, req)
		if err != nil {
			if match != nil {
				p.recordOutcome(match.PhraseID, false)
			}
			// A strategy cut short by the deadline is a pipeline timeout,
			// not a fallback candidate.
			if ctx.Err() != nil {
				return nil, errors.NewTimeout(time.Since(start).String())
			}
			p.log.Warn("strategy failed, falling through",
				zap.String("strategy", reg.Strategy.Name()),
				zap.Error(err),
			)
			continue
		}

		if match != nil {
			p.recordOutcome(match.PhraseID, true)
		}
		res := &Resolution{Strategy: reg.Strategy.Name(), Match: match, Duration: time.Since(start)}
		p.log.Info("request resolved",
			zap.String("strategy", res.Strategy),
			zap.Duration("duration", res.Duration),
		)
		return res, nil
	}

	if ctx.Err() != nil {
		return nil, errors.NewTimeout(time.Since(start).String())
	}
	return nil, errors.NewNoStrategyMatched(req.Text)
}

// execute runs one strategy with panic isolation so a misbehaving strategy
// cannot take down the chain.
func (p *Pipeline) execute(ctx context.Context, s Strategy, req Request) (match *Match, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = nil
			err = errors.NewStrategyExecution(s.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	match, err = s.Execute(ctx, req)
	if err != nil {
		if _, ok := err.(*errors.VoxError); !ok {
			err = errors.NewStrategyExecution(s.Name(), err)
		}
	}
	return match, err
}

func (p *Pipeline) recordOutcome(phraseID string, success bool) {
	if phraseID == "" {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.store.RecordOutcome(context.Background(), phraseID, success); err != nil {
			p.log.Warn("outcome update failed",
				zap.String("phrase_id", phraseID),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for in-flight outcome writers to finish.
func (p *Pipeline) Close() {
	p.wg.Wait()
}
