package grammar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/store"
)

// Status reports the outcome of a rebuild decision.
type Status string

const (
	StatusNoChange Status = "no_change" // delta below threshold, existing entry kept
	StatusUpdated  Status = "updated"   // grammar rebuilt and cached
)

// Item is one entry of the serialized grammar payload.
type Item struct {
	ConceptID string `json:"concept_id"`
	Phrase    string `json:"phrase"`
}

// Payload is the grammar handed to the speech-engine collaborator: an
// ordered phrase list, best rank first.
type Payload struct {
	ContextID string `json:"context_id"`
	Locale    string `json:"locale"`
	Phrases   []Item `json:"phrases"`
}

// Entry is a cached grammar plus the lookup side-tables derived from it.
type Entry struct {
	ContextID       string
	Locale          string
	ConceptIDs      []string // sorted set the grammar was built from
	Payload         string   // serialized Payload
	Digest          string
	CreatedAt       int64
	ExpiresAt       int64
	PhraseToConcept map[string]string // resolving recognizer output
	ConceptToPhrase map[string]string // diagnostics/telemetry
}

// Expired reports whether the entry is past its expiry.
func (e *Entry) Expired(now time.Time) bool {
	return now.Unix() >= e.ExpiresAt
}

// Result is a build outcome: the decision, the served entry, and the delta
// that drove the decision.
type Result struct {
	Status      Status
	Entry       *Entry
	Delta       Delta
	ChangeRatio float64
}

// Builder owns the grammar cache. It reads the command store and writes only
// its own cache table; store records are never mutated from here. Builds for
// one context are serialized by a per-context mutex, different contexts build
// concurrently.
type Builder struct {
	store *store.Store
	cfg   *config.Config
	log   *zap.Logger

	mu     sync.RWMutex
	active map[string]*Entry // last good entry per context
	locks  map[string]*sync.Mutex
}

// NewBuilder creates a grammar builder over the command store. A nil logger
// disables logging.
func NewBuilder(st *store.Store, cfg *config.Config, log *zap.Logger) *Builder {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		store:  st,
		cfg:    cfg,
		log:    log,
		active: make(map[string]*Entry),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Active returns the entry currently served for a context, or nil. A stale
// entry keeps serving until a rebuild succeeds: degraded recognition beats
// no recognition.
func (b *Builder) Active(contextID string) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active[contextID]
}

func (b *Builder) buildLock(contextID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.locks[contextID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[contextID] = m
	}
	return m
}

// Build decides whether the grammar for toContextID must be rebuilt given
// the previously active fromContextID ("" if none), and rebuilds it if so.
// The rebuild ratio is computed globally over concept sets, not per locale.
func (b *Builder) Build(ctx context.Context, toContextID, fromContextID, locale string) (*Result, error) {
	if toContextID == "" {
		return nil, errors.NewInvalidRequest("context id must not be empty")
	}
	locale = command.NormalizeLocale(locale)
	if locale == "" {
		locale = command.NormalizeLocale(b.cfg.DefaultLocale)
	}

	lock := b.buildLock(toContextID)
	lock.Lock()
	defer lock.Unlock()

	newSet, err := b.store.ConceptSet(ctx, toContextID)
	if err != nil {
		return nil, errors.NewCacheBuildFailure(toContextID, err)
	}

	oldSet, hadOld := b.previousSet(ctx, toContextID, fromContextID)
	delta := ComputeDelta(oldSet, newSet)
	ratio := delta.ChangeRatio(len(newSet))

	// An entry only keeps serving for the locale it was built for and while
	// it is still fresh; anything else goes through a rebuild.
	if hadOld && ratio < b.cfg.RebuildThreshold {
		entry := b.entryFor(ctx, toContextID)
		if entry != nil && entry.Locale == locale && !entry.Expired(time.Now()) {
			b.log.Debug("grammar unchanged",
				zap.String("context_id", toContextID),
				zap.String("locale", locale),
				zap.Float64("change_ratio", ratio),
			)
			return &Result{Status: StatusNoChange, Entry: entry, Delta: delta, ChangeRatio: ratio}, nil
		}
	}

	entry, err := b.rebuild(ctx, toContextID, locale, newSet)
	if err != nil {
		return nil, err
	}

	b.log.Info("grammar rebuilt",
		zap.String("context_id", toContextID),
		zap.String("locale", locale),
		zap.Int("phrases", len(entry.PhraseToConcept)),
		zap.Float64("change_ratio", ratio),
	)
	return &Result{Status: StatusUpdated, Entry: entry, Delta: delta, ChangeRatio: ratio}, nil
}

// previousSet picks the baseline for the rebuild decision. Rebuilding the
// same context compares against the set its current entry was built from;
// switching contexts compares against the old context's concept set.
func (b *Builder) previousSet(ctx context.Context, toContextID, fromContextID string) (map[string]struct{}, bool) {
	if fromContextID == "" {
		return nil, false
	}
	if fromContextID == toContextID {
		if entry := b.entryFor(ctx, toContextID); entry != nil {
			return SetOf(entry.ConceptIDs), true
		}
		return nil, false
	}
	if set, ok := b.store.CachedConceptSet(fromContextID); ok {
		return set, true
	}
	set, err := b.store.ConceptSet(ctx, fromContextID)
	if err != nil {
		return nil, false
	}
	return set, true
}

// entryFor returns the in-memory entry for a context, falling back to the
// persisted cache table (a restart survives with its last good grammar).
func (b *Builder) entryFor(ctx context.Context, contextID string) *Entry {
	if entry := b.Active(contextID); entry != nil {
		return entry
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	row, err := db.GetGrammarRow(b.store.DB(), contextID)
	if err != nil {
		return nil
	}
	entry, err := entryFromRow(row)
	if err != nil {
		b.log.Warn("discarding unreadable cache row", zap.String("context_id", contextID), zap.Error(err))
		return nil
	}

	b.mu.Lock()
	b.active[contextID] = entry
	b.mu.Unlock()
	return entry
}

// rebuild selects the best phrase per concept for the locale, serializes the
// payload, and persists the cache entry.
func (b *Builder) rebuild(ctx context.Context, contextID, locale string, conceptSet map[string]struct{}) (*Entry, error) {
	conceptIDs := make([]string, 0, len(conceptSet))
	for id := range conceptSet {
		conceptIDs = append(conceptIDs, id)
	}
	sort.Strings(conceptIDs)

	type selection struct {
		conceptID string
		phrase    string
		rank      float64
	}
	selected := make([]selection, 0, len(conceptIDs))
	for _, conceptID := range conceptIDs {
		phrases, err := b.store.PhrasesForConcept(ctx, conceptID)
		if err != nil {
			return nil, errors.NewCacheBuildFailure(contextID, err)
		}
		// Phrases arrive best rank first; take the first locale match.
		// Concepts with no phrase in this locale are skipped, not fatal.
		for _, p := range phrases {
			if p.Locale != locale {
				continue
			}
			selected = append(selected, selection{conceptID: conceptID, phrase: p.TextNorm, rank: p.Rank()})
			break
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].rank != selected[j].rank {
			return selected[i].rank > selected[j].rank
		}
		return selected[i].conceptID < selected[j].conceptID
	})
	if max := b.cfg.MaxGrammarSize; max > 0 && len(selected) > max {
		selected = selected[:max]
	}

	payload := Payload{ContextID: contextID, Locale: locale, Phrases: make([]Item, 0, len(selected))}
	phraseToConcept := make(map[string]string, len(selected))
	conceptToPhrase := make(map[string]string, len(selected))
	for _, sel := range selected {
		payload.Phrases = append(payload.Phrases, Item{ConceptID: sel.conceptID, Phrase: sel.phrase})
		if _, taken := phraseToConcept[sel.phrase]; !taken {
			phraseToConcept[sel.phrase] = sel.conceptID
		}
		conceptToPhrase[sel.conceptID] = sel.phrase
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewCacheBuildFailure(contextID, err)
	}
	digest := sha256.Sum256(serialized)

	now := time.Now()
	entry := &Entry{
		ContextID:       contextID,
		Locale:          locale,
		ConceptIDs:      conceptIDs,
		Payload:         string(serialized),
		Digest:          hex.EncodeToString(digest[:]),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(b.cfg.CacheExpiry()).Unix(),
		PhraseToConcept: phraseToConcept,
		ConceptToPhrase: conceptToPhrase,
	}

	row := &db.GrammarRow{
		ContextID:  entry.ContextID,
		ConceptIDs: entry.ConceptIDs,
		Payload:    entry.Payload,
		Digest:     entry.Digest,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
	}
	if err := db.PutGrammarRow(b.store.DB(), row); err != nil {
		// The previous entry keeps serving; going grammar-less is worse.
		return nil, errors.NewCacheBuildFailure(contextID, err)
	}

	b.mu.Lock()
	b.active[contextID] = entry
	b.mu.Unlock()
	return entry, nil
}

// entryFromRow reconstructs an entry and its side-tables from the persisted
// payload.
func entryFromRow(row *db.GrammarRow) (*Entry, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, err
	}

	entry := &Entry{
		ContextID:       row.ContextID,
		Locale:          payload.Locale,
		ConceptIDs:      row.ConceptIDs,
		Payload:         row.Payload,
		Digest:          row.Digest,
		CreatedAt:       row.CreatedAt,
		ExpiresAt:       row.ExpiresAt,
		PhraseToConcept: make(map[string]string, len(payload.Phrases)),
		ConceptToPhrase: make(map[string]string, len(payload.Phrases)),
	}
	for _, item := range payload.Phrases {
		if _, taken := entry.PhraseToConcept[item.Phrase]; !taken {
			entry.PhraseToConcept[item.Phrase] = item.ConceptID
		}
		entry.ConceptToPhrase[item.ConceptID] = item.Phrase
	}
	return entry, nil
}

// Watch rebuilds grammars as the store publishes change notifications,
// replacing any fixed-interval freshness polling. Returns when ctx ends.
func (b *Builder) Watch(ctx context.Context, changes <-chan string, locale string) {
	for {
		select {
		case <-ctx.Done():
			return
		case contextID, ok := <-changes:
			if !ok {
				return
			}
			if _, err := b.Build(ctx, contextID, contextID, locale); err != nil {
				b.log.Warn("rebuild on change failed, serving previous grammar",
					zap.String("context_id", contextID),
					zap.Error(err),
				)
			}
		}
	}
}

// PruneExpired ages out persisted entries whose expiry has passed. In-memory
// entries are kept: they still serve until a rebuild replaces them.
func (b *Builder) PruneExpired(now time.Time) (int64, error) {
	return db.DeleteExpiredGrammarRows(b.store.DB(), now.Unix())
}
