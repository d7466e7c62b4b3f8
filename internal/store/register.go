package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/identity"
)

// Observation is the result of registering one screen-content extraction.
type Observation struct {
	ContextID        string   `json:"context_id"`
	SignatureChanged bool     `json:"signature_changed"`
	Concepts         []string `json:"concepts"`
	Added            []string `json:"added"`
	Removed          []string `json:"removed"`
}

// RegisterObservation ingests the candidate phrases seen on one surface:
// contexts, concepts, phrases, and associations are created or revived
// idempotently, and associations for concepts no longer on screen are
// deactivated. Subscribers are notified when the concept set changed.
func (s *Store) RegisterObservation(ctx context.Context, key command.ContextKey, candidates []command.Candidate) (*Observation, error) {
	contextID, err := identity.ContextID(key.Origin, key.SurfaceID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}

	// One writer per context; other contexts register concurrently.
	lock := s.contextLock(contextID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().Unix()
	signature := command.Signature(candidates)

	signatureChanged := true
	if prev, err := db.GetContextByID(s.db, contextID); err == nil {
		signatureChanged = prev.Signature != signature
	}

	record := &command.Context{
		ID:         contextID,
		Origin:     key.Origin,
		SurfaceID:  key.SurfaceID,
		Signature:  signature,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := db.UpsertContext(s.db, record); err != nil {
		return nil, err
	}

	prevSet, err := s.ConceptSet(ctx, contextID)
	if err != nil {
		return nil, err
	}

	newSet := make(map[string]struct{}, len(candidates))
	ordered := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		conceptID, err := s.resolveCandidate(cand, now)
		if err != nil {
			if errors.Is(err, errors.ErrInvalidIdentityInput) {
				s.log.Debug("skipping malformed candidate", zap.String("text", cand.Text))
				continue
			}
			return nil, err
		}
		if _, dup := newSet[conceptID]; dup {
			continue
		}
		newSet[conceptID] = struct{}{}
		ordered = append(ordered, conceptID)

		// Position counts accepted concepts: skipped and duplicate
		// candidates leave no gaps and cannot displace an earlier slot.
		assoc := &command.Association{
			ContextID: contextID,
			ConceptID: conceptID,
			Weight:    1.0,
			Position:  len(ordered) - 1,
			Active:    true,
			AddedAt:   now,
		}
		if err := db.UpsertAssociation(s.db, assoc); err != nil {
			return nil, err
		}
	}

	obs := &Observation{
		ContextID:        contextID,
		SignatureChanged: signatureChanged,
		Concepts:         ordered,
	}

	for id := range newSet {
		if _, ok := prevSet[id]; !ok {
			obs.Added = append(obs.Added, id)
		}
	}
	for id := range prevSet {
		if _, ok := newSet[id]; ok {
			continue
		}
		obs.Removed = append(obs.Removed, id)
		if err := db.DeactivateAssociation(s.db, contextID, id); err != nil {
			return nil, err
		}
		if err := s.retireOrphanedConcept(id, now); err != nil {
			return nil, err
		}
	}

	s.setConceptSet(contextID, newSet)

	if len(obs.Added) > 0 || len(obs.Removed) > 0 {
		s.notify(contextID)
	}

	s.log.Info("observation registered",
		zap.String("context_id", contextID),
		zap.Int("concepts", len(ordered)),
		zap.Int("added", len(obs.Added)),
		zap.Int("removed", len(obs.Removed)),
	)
	return obs, nil
}

// resolveCandidate maps one raw candidate to its concept, creating concept
// and phrase records as needed. The fingerprint table short-circuits the
// common case where the same control is scraped again.
func (s *Store) resolveCandidate(cand command.Candidate, now int64) (string, error) {
	name := cand.CanonicalHint
	if name == "" {
		name = cand.Text
	}
	nameNorm := command.Normalize(name)
	category := cand.CategoryHint
	if category == "" {
		category = command.DefaultCategory
	}

	fp := identity.Fingerprint(category + ":" + nameNorm)
	s.mu.RLock()
	conceptID, known := s.fingerprints[fp]
	s.mu.RUnlock()

	if !known {
		var err error
		conceptID, err = s.ensureScrapedConcept(nameNorm, name, category, now)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.fingerprints[fp] = conceptID
		s.mu.Unlock()
	} else if err := s.reviveScrapedConcept(conceptID, now); err != nil {
		// The fingerprint cache can point at a concept retired since it was
		// cached; a reappearing control reactivates it.
		return "", err
	}

	textNorm := command.Normalize(cand.Text)
	locale := s.resolveLocale(cand.Locale)
	phraseID, err := identity.PhraseID(conceptID, locale, textNorm)
	if err != nil {
		return "", err
	}

	phrase := &command.Phrase{
		ID:          phraseID,
		ConceptID:   conceptID,
		TextRaw:     cand.Text,
		TextNorm:    textNorm,
		Locale:      locale,
		Weight:      1.0,
		SuccessRate: 1.0,
		Source:      command.SourceScraped,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.UpsertPhrase(s.db, phrase); err != nil {
		return "", err
	}

	return conceptID, nil
}

// ensureScrapedConcept finds or creates the concept for a scraped candidate.
// Deduplication happens twice: by (name, category) lookup, then by the unique
// index if a concurrent writer got there first.
func (s *Store) ensureScrapedConcept(nameNorm, nameRaw, category string, now int64) (string, error) {
	if existing, err := db.GetActiveConceptByName(s.db, nameNorm, category); err == nil {
		return existing.ID, nil
	}

	conceptID, err := identity.ScrapedConceptID(category, nameNorm)
	if err != nil {
		return "", err
	}

	concept := &command.Concept{
		ID:        conceptID,
		NameRaw:   nameRaw,
		NameNorm:  nameNorm,
		Category:  category,
		Source:    command.SourceScraped,
		Weight:    1.0,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = db.InsertConcept(s.db, concept)
	if errors.Is(err, errors.ErrDuplicateActiveConcept) {
		existingID := errors.ExistingID(err)
		// A retired scraped concept re-inserted under its deterministic id
		// hits the primary key, not the active-name index; revive it.
		if err := s.reviveScrapedConcept(existingID, now); err != nil {
			return "", err
		}
		return existingID, nil
	}
	if err != nil {
		return "", err
	}
	return conceptID, nil
}

// reviveScrapedConcept reactivates a retired scraped concept that has
// reappeared on screen. Active and curated concepts pass through untouched.
func (s *Store) reviveScrapedConcept(conceptID string, now int64) error {
	concept, err := db.GetConceptByID(s.db, conceptID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if concept.Active || concept.Source != command.SourceScraped {
		return nil
	}
	if err := db.SetConceptActive(s.db, conceptID, true, now); err != nil {
		return err
	}
	s.log.Info("scraped concept revived", zap.String("concept_id", conceptID))
	return nil
}

// retireOrphanedConcept soft-deletes a scraped concept once no context
// actively offers it. Curated and system concepts are never retired here;
// history referencing the concept survives either way.
func (s *Store) retireOrphanedConcept(conceptID string, now int64) error {
	concept, err := db.GetConceptByID(s.db, conceptID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if concept.Source != command.SourceScraped || !concept.Active {
		return nil
	}

	n, err := db.ActiveAssociationCount(s.db, conceptID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if err := db.SetConceptActive(s.db, conceptID, false, now); err != nil {
		return err
	}
	s.log.Info("scraped concept retired", zap.String("concept_id", conceptID))
	return nil
}

// RegisterConcept creates a persistent, user-curated concept with a fresh
// creation-ordered identifier. Registering a name/category pair that already
// has an active concept returns the existing record instead of failing.
func (s *Store) RegisterConcept(ctx context.Context, name, category string, source command.Source) (*command.Concept, error) {
	nameNorm := command.Normalize(name)
	if nameNorm == "" {
		return nil, errors.NewInvalidIdentityInput("canonical_name")
	}
	if category == "" {
		return nil, errors.NewInvalidIdentityInput("category")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	if source == "" {
		source = command.SourceUser
	}

	id, err := identity.NewConceptID()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	concept := &command.Concept{
		ID:        id,
		NameRaw:   name,
		NameNorm:  nameNorm,
		Category:  category,
		Source:    source,
		Weight:    1.0,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = db.InsertConcept(s.db, concept)
	if errors.Is(err, errors.ErrDuplicateActiveConcept) {
		return db.GetConceptByID(s.db, errors.ExistingID(err))
	}
	if err != nil {
		return nil, err
	}
	return concept, nil
}

// AddPhrase binds a sayable variant to a concept. Idempotent: the same
// (concept, locale, text) triple always lands on the same phrase record.
func (s *Store) AddPhrase(ctx context.Context, conceptID, text, locale string, source command.Source) (*command.Phrase, error) {
	textNorm := command.Normalize(text)
	if textNorm == "" {
		return nil, errors.NewInvalidIdentityInput("normalized_text")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTimeout(err.Error())
	}
	if source == "" {
		source = command.SourceUser
	}

	if _, err := db.GetConceptByID(s.db, conceptID); err != nil {
		return nil, err
	}

	locale = s.resolveLocale(locale)
	phraseID, err := identity.PhraseID(conceptID, locale, textNorm)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	phrase := &command.Phrase{
		ID:          phraseID,
		ConceptID:   conceptID,
		TextRaw:     text,
		TextNorm:    textNorm,
		Locale:      locale,
		Weight:      1.0,
		SuccessRate: 1.0,
		Source:      source,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.UpsertPhrase(s.db, phrase); err != nil {
		return nil, err
	}
	return db.GetPhraseByID(s.db, phraseID)
}

// AssociateConcept offers a curated concept in a context, creating the
// context record if this is its first visit.
func (s *Store) AssociateConcept(ctx context.Context, key command.ContextKey, conceptID string) (string, error) {
	contextID, err := identity.ContextID(key.Origin, key.SurfaceID)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", errors.NewTimeout(err.Error())
	}
	if _, err := db.GetConceptByID(s.db, conceptID); err != nil {
		return "", err
	}

	lock := s.contextLock(contextID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().Unix()
	if _, err := db.GetContextByID(s.db, contextID); errors.Is(err, errors.ErrNotFound) {
		record := &command.Context{
			ID: contextID, Origin: key.Origin, SurfaceID: key.SurfaceID,
			LastSeenAt: now, CreatedAt: now,
		}
		if err := db.UpsertContext(s.db, record); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	assoc := &command.Association{
		ContextID: contextID, ConceptID: conceptID,
		Weight: 1.0, Active: true, AddedAt: now,
	}
	if err := db.UpsertAssociation(s.db, assoc); err != nil {
		return "", err
	}

	if set, ok := s.CachedConceptSet(contextID); ok {
		set[conceptID] = struct{}{}
		s.setConceptSet(contextID, set)
	}
	s.notify(contextID)
	return contextID, nil
}
