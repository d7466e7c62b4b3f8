// Package identity produces the two kinds of identifiers the command store
// runs on: freshly generated, creation-ordered ULIDs for curated concepts,
// and deterministic UUIDv5 values for everything that must survive being
// re-derived (scraped concepts, phrases, contexts).
package identity

import (
	"crypto/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/voxmux/voxmux/internal/errors"
)

// Namespace UUIDs for deterministic identifiers. Fixed forever: changing one
// severs every persisted record from the identity it would re-derive to.
var (
	nsConcept = uuid.MustParse("7a5f2d10-9c44-4f6e-8b1a-2e64d0c3a911")
	nsPhrase  = uuid.MustParse("b3c81f26-55e7-49d2-9a0d-8f17c64be502")
	nsContext = uuid.MustParse("de90a47b-12c3-4e88-b561-0a3f9d27c6e4")
)

// NewConceptID generates a fresh ULID for a persistent, user-curated concept.
// ULIDs sort by creation time, which keeps chronological listings cheap.
func NewConceptID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return id.String(), nil
}

// ScrapedConceptID derives the identifier for an ephemeral or scraped concept
// from its category and canonical name. Re-scraping the same intent always
// yields the same identifier, so duplicates cannot accumulate.
func ScrapedConceptID(category, canonicalName string) (string, error) {
	if canonicalName == "" {
		return "", errors.NewInvalidIdentityInput("canonical_name")
	}
	if category == "" {
		return "", errors.NewInvalidIdentityInput("category")
	}
	return uuid.NewSHA1(nsConcept, []byte(category+":"+canonicalName)).String(), nil
}

// PhraseID derives a phrase identifier from its owning concept, locale, and
// normalized text. Always deterministic.
func PhraseID(conceptID, locale, normalizedText string) (string, error) {
	if conceptID == "" {
		return "", errors.NewInvalidIdentityInput("concept_id")
	}
	if normalizedText == "" {
		return "", errors.NewInvalidIdentityInput("normalized_text")
	}
	return uuid.NewSHA1(nsPhrase, []byte(conceptID+":"+locale+":"+normalizedText)).String(), nil
}

// ContextID derives a context identifier from its origin and surface
// identifier, so the same environment resolves to the same context across
// restarts.
func ContextID(origin, surfaceID string) (string, error) {
	if origin == "" {
		return "", errors.NewInvalidIdentityInput("origin")
	}
	if surfaceID == "" {
		return "", errors.NewInvalidIdentityInput("surface_id")
	}
	return uuid.NewSHA1(nsContext, []byte(origin+":"+surfaceID)).String(), nil
}

// Fingerprint is a fast 64-bit hash for membership pre-checks before full
// identifier derivation. Collision-tolerant: never the identifier of record.
func Fingerprint(text string) uint64 {
	return xxhash.Sum64String(text)
}
