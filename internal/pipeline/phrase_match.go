package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/store"
)

// Executor carries out the action behind a resolved concept. The resolution
// core stops at this boundary; implementations live with the caller.
type Executor interface {
	Execute(ctx context.Context, concept *command.Concept, phrase *command.Phrase) error
}

// NopExecutor resolves without acting. Useful for dry runs and tests.
type NopExecutor struct{}

func (NopExecutor) Execute(ctx context.Context, concept *command.Concept, phrase *command.Phrase) error {
	return nil
}

// PhraseMatchStrategy resolves an utterance by exact normalized match
// against the active phrases of the request's context.
type PhraseMatchStrategy struct {
	store    *store.Store
	executor Executor
	log      *zap.Logger
}

func NewPhraseMatchStrategy(st *store.Store, exec Executor, log *zap.Logger) *PhraseMatchStrategy {
	if exec == nil {
		exec = NopExecutor{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PhraseMatchStrategy{store: st, executor: exec, log: log}
}

func (s *PhraseMatchStrategy) Name() string { return "phrase_match" }

func (s *PhraseMatchStrategy) CanExecute(req Request) bool {
	return req.Text != "" && req.ContextID != ""
}

func (s *PhraseMatchStrategy) Execute(ctx context.Context, req Request) (*Match, error) {
	phrase, err := s.store.LookupPhrase(ctx, req.Text, req.Locale, req.ContextID)
	if err != nil {
		return nil, err
	}
	concept, err := s.store.Concept(ctx, phrase.ConceptID)
	if err != nil {
		return nil, err
	}

	match := &Match{PhraseID: phrase.ID, ConceptID: concept.ID}
	if err := s.executor.Execute(ctx, concept, phrase); err != nil {
		return match, err
	}
	s.log.Debug("phrase matched",
		zap.String("phrase_id", phrase.ID),
		zap.String("concept_id", concept.ID),
	)
	return match, nil
}
