package identity

import (
	"testing"

	"github.com/voxmux/voxmux/internal/errors"
)

func TestNewConceptID(t *testing.T) {
	id, err := NewConceptID()
	if err != nil {
		t.Fatalf("NewConceptID() error = %v", err)
	}
	if len(id) != 26 {
		t.Errorf("ID length = %d, want 26 (ULID)", len(id))
	}
}

func TestNewConceptID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewConceptID()
		if err != nil {
			t.Fatalf("NewConceptID() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestScrapedConceptID_Deterministic(t *testing.T) {
	a, err := ScrapedConceptID("settings", "open wifi")
	if err != nil {
		t.Fatalf("ScrapedConceptID() error = %v", err)
	}
	b, err := ScrapedConceptID("settings", "open wifi")
	if err != nil {
		t.Fatalf("ScrapedConceptID() error = %v", err)
	}
	if a != b {
		t.Errorf("identical inputs produced different IDs: %s vs %s", a, b)
	}
}

func TestScrapedConceptID_DistinctInputs(t *testing.T) {
	a, _ := ScrapedConceptID("settings", "open wifi")
	b, _ := ScrapedConceptID("settings", "open bluetooth")
	c, _ := ScrapedConceptID("navigation", "open wifi")

	if a == b {
		t.Error("different names should produce different IDs")
	}
	if a == c {
		t.Error("different categories should produce different IDs")
	}
}

func TestScrapedConceptID_EmptyInputs(t *testing.T) {
	if _, err := ScrapedConceptID("settings", ""); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty name: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
	if _, err := ScrapedConceptID("", "open wifi"); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty category: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
}

func TestPhraseID_Deterministic(t *testing.T) {
	a, err := PhraseID("concept-1", "en-us", "turn on wifi")
	if err != nil {
		t.Fatalf("PhraseID() error = %v", err)
	}
	b, err := PhraseID("concept-1", "en-us", "turn on wifi")
	if err != nil {
		t.Fatalf("PhraseID() error = %v", err)
	}
	if a != b {
		t.Errorf("identical inputs produced different IDs: %s vs %s", a, b)
	}
}

func TestPhraseID_LocaleIsolation(t *testing.T) {
	en, _ := PhraseID("concept-1", "en-us", "turn on wifi")
	de, _ := PhraseID("concept-1", "de-de", "turn on wifi")
	if en == de {
		t.Error("different locales should produce different phrase IDs")
	}
}

func TestPhraseID_EmptyInputs(t *testing.T) {
	if _, err := PhraseID("", "en-us", "turn on wifi"); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty concept id: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
	if _, err := PhraseID("concept-1", "en-us", ""); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty text: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
}

func TestContextID_Deterministic(t *testing.T) {
	a, err := ContextID("com.android.settings", "wifi_panel")
	if err != nil {
		t.Fatalf("ContextID() error = %v", err)
	}
	b, err := ContextID("com.android.settings", "wifi_panel")
	if err != nil {
		t.Fatalf("ContextID() error = %v", err)
	}
	if a != b {
		t.Errorf("identical inputs produced different IDs: %s vs %s", a, b)
	}
}

func TestContextID_EmptyInputs(t *testing.T) {
	if _, err := ContextID("", "wifi_panel"); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty origin: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
	if _, err := ContextID("com.android.settings", ""); !errors.Is(err, errors.ErrInvalidIdentityInput) {
		t.Errorf("empty surface: error = %v, want INVALID_IDENTITY_INPUT", err)
	}
}

func TestNamespaceSeparation(t *testing.T) {
	// The same raw bytes hashed under different namespaces must not collide.
	concept, _ := ScrapedConceptID("a", "b")
	ctx, _ := ContextID("a", "b")
	if concept == ctx {
		t.Error("concept and context namespaces should not collide")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("turn on wifi")
	b := Fingerprint("turn on wifi")
	if a != b {
		t.Error("fingerprint should be stable for identical input")
	}
	if Fingerprint("turn on wifi") == Fingerprint("turn off wifi") {
		t.Error("distinct inputs should (overwhelmingly) produce distinct fingerprints")
	}
	if Fingerprint("") == Fingerprint("x") {
		t.Error("empty input should not collide with non-empty input")
	}
}
