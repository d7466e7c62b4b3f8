// Package command defines the records owned by the command store: concepts,
// their sayable phrases, the contexts that offer them, and the many-to-many
// associations between contexts and concepts.
package command

// Source identifies where a concept or phrase came from.
type Source string

const (
	SourceUser    Source = "user"    // user-curated, survives environment changes
	SourceSystem  Source = "system"  // built-in commands
	SourceScraped Source = "scraped" // extracted from on-screen content
)

// Concept is a canonical action or intent, independent of phrasing.
type Concept struct {
	ID         string  `json:"id"`
	NameRaw    string  `json:"name_raw"`
	NameNorm   string  `json:"name_norm"`
	Category   string  `json:"category"`
	Source     Source  `json:"source"`
	UsageCount int64   `json:"usage_count"`
	LastUsedAt *int64  `json:"last_used_at,omitempty"`
	Weight     float64 `json:"weight"`
	Active     bool    `json:"active"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Phrase is one sayable surface-text variant bound to a concept. Its ID is
// derived deterministically from (concept id, locale, normalized text), so
// re-registering the same variant always lands on the same row.
type Phrase struct {
	ID          string  `json:"id"`
	ConceptID   string  `json:"concept_id"`
	TextRaw     string  `json:"text_raw"`
	TextNorm    string  `json:"text_norm"`
	Locale      string  `json:"locale"`
	Weight      float64 `json:"weight"`
	SuccessRate float64 `json:"success_rate"`
	Source      Source  `json:"source"`
	Active      bool    `json:"active"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// Rank is the phrase's selection score when building a grammar.
func (p *Phrase) Rank() float64 {
	return p.Weight * p.SuccessRate
}

// ContextKey addresses an environment: an origin (package, host, app) plus a
// surface identifier within it (screen name, window class, URL path).
type ContextKey struct {
	Origin    string `json:"origin"`
	SurfaceID string `json:"surface_id"`
}

// Context is an addressable environment offering a set of concepts. The same
// (origin, surface) pair always resolves to the same context across restarts.
type Context struct {
	ID         string   `json:"id"`
	Origin     string   `json:"origin"`
	SurfaceID  string   `json:"surface_id"`
	Tags       []string `json:"tags,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	LastSeenAt int64    `json:"last_seen_at"`
	CreatedAt  int64    `json:"created_at"`
}

// Association links a concept to a context it is offered in. Pairs are unique
// while active; deactivated rows are kept for frequency history.
type Association struct {
	ContextID string  `json:"context_id"`
	ConceptID string  `json:"concept_id"`
	Weight    float64 `json:"weight"`
	Position  int     `json:"position"`
	Active    bool    `json:"active"`
	AddedAt   int64   `json:"added_at"`
}

// Candidate is one raw on-screen phrase reported by the screen-content
// collaborator. Hints are optional; absent hints fall back to the text itself
// and the default category.
type Candidate struct {
	Text          string `json:"text"`
	CanonicalHint string `json:"canonical_hint,omitempty"`
	CategoryHint  string `json:"category_hint,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// DefaultCategory is assigned to scraped candidates without a category hint.
const DefaultCategory = "ui"
