// Package store is the command store: the single source of truth for
// concepts, phrases, contexts, and their associations. It layers an
// in-memory context→concept-set cache and per-context write serialization
// over the SQLite tables, and publishes a change notification per context
// whenever an association set mutates.
package store

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
)

// subscriberBuffer bounds a subscriber channel. Writers never block on slow
// subscribers; an overflowing notification is dropped and the subscriber
// catches up on the next one.
const subscriberBuffer = 16

// Store owns the command records. Readers run concurrently; writes to any one
// context are serialized by a per-context mutex. The global mutex guards only
// the in-memory maps and is never held across storage I/O.
type Store struct {
	db  *sql.DB
	cfg *config.Config
	log *zap.Logger

	mu           sync.RWMutex
	sets         map[string]map[string]struct{} // contextID -> active concept ids
	locks        map[string]*sync.Mutex
	fingerprints map[uint64]string // fingerprint(category:name) -> concept id

	subMu sync.Mutex
	subs  []chan string
}

// New creates a store over an initialized database. A nil logger disables
// logging.
func New(database *sql.DB, cfg *config.Config, log *zap.Logger) *Store {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:           database,
		cfg:          cfg,
		log:          log,
		sets:         make(map[string]map[string]struct{}),
		locks:        make(map[string]*sync.Mutex),
		fingerprints: make(map[uint64]string),
	}
}

// DB exposes the underlying handle for read-only collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Config returns the store's configuration.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// contextLock returns the mutex serializing writers for one context.
// Different contexts lock independently.
func (s *Store) contextLock(contextID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[contextID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[contextID] = m
	}
	return m
}

// Subscribe returns a channel that receives a context identifier each time
// that context's association set mutates. Notifications are dropped rather
// than block a writer; subscribers treat each one as "rebuild this context",
// so coalescing is safe.
func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, subscriberBuffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(contextID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- contextID:
		default:
			s.log.Debug("dropping change notification", zap.String("context_id", contextID))
		}
	}
}

// ConceptSet returns a copy of the context's active concept-id set, loading
// it from storage on first use.
func (s *Store) ConceptSet(ctx context.Context, contextID string) (map[string]struct{}, error) {
	if set, ok := s.CachedConceptSet(contextID); ok {
		return set, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}

	ids, err := db.ListActiveConceptIDs(s.db, contextID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	s.sets[contextID] = set
	s.mu.Unlock()

	return copySet(set), nil
}

// CachedConceptSet returns a copy of the in-memory set only, reporting
// whether the context has been loaded. Never touches storage.
func (s *Store) CachedConceptSet(contextID string) (map[string]struct{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[contextID]
	if !ok {
		return nil, false
	}
	return copySet(set), true
}

// setConceptSet replaces the cached set for a context.
func (s *Store) setConceptSet(contextID string, set map[string]struct{}) {
	s.mu.Lock()
	s.sets[contextID] = set
	s.mu.Unlock()
}

// Context retrieves a context record by identifier.
func (s *Store) Context(ctx context.Context, contextID string) (*command.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	return db.GetContextByID(s.db, contextID)
}

// ContextByKey retrieves a context record by its (origin, surface) key.
func (s *Store) ContextByKey(ctx context.Context, key command.ContextKey) (*command.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	return db.GetContextByKey(s.db, key.Origin, key.SurfaceID)
}

// Concept retrieves a concept record by identifier.
func (s *Store) Concept(ctx context.Context, conceptID string) (*command.Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	return db.GetConceptByID(s.db, conceptID)
}

// PhrasesForConcept returns a concept's active phrases, best rank first.
func (s *Store) PhrasesForConcept(ctx context.Context, conceptID string) ([]*command.Phrase, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	return db.ListPhrasesByConcept(s.db, conceptID, true)
}

// LookupPhrase resolves recognized text to the best active phrase whose
// concept is offered in the given context. Text is normalized before lookup.
func (s *Store) LookupPhrase(ctx context.Context, text, locale, contextID string) (*command.Phrase, error) {
	norm := command.Normalize(text)
	if norm == "" {
		return nil, errors.NewInvalidRequest("text must not be empty")
	}
	locale = s.resolveLocale(locale)

	set, err := s.ConceptSet(ctx, contextID)
	if err != nil {
		return nil, err
	}

	matches, err := db.FindActivePhrases(s.db, norm, locale)
	if err != nil {
		return nil, err
	}
	for _, p := range matches {
		if _, ok := set[p.ConceptID]; ok {
			return p, nil
		}
	}
	return nil, errors.NewNotFound(norm)
}

func (s *Store) resolveLocale(locale string) string {
	locale = command.NormalizeLocale(locale)
	if locale == "" {
		locale = command.NormalizeLocale(s.cfg.DefaultLocale)
	}
	return locale
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}
