package grammar

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/store"
)

func testFixture(t *testing.T) (*sql.DB, *store.Store, *Builder) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	st := store.New(database, cfg, nil)
	return database, st, NewBuilder(st, cfg, nil)
}

var settingsKey = command.ContextKey{Origin: "com.android.settings", SurfaceID: "main"}

func numberedCandidates(n int) []command.Candidate {
	out := make([]command.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, command.Candidate{Text: fmt.Sprintf("control %d", i)})
	}
	return out
}

func TestBuild_FirstVisit(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(3))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	res, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Status != StatusUpdated {
		t.Fatalf("Status = %v, want updated", res.Status)
	}
	if len(res.Entry.PhraseToConcept) != 3 {
		t.Errorf("phrase table size = %d, want 3", len(res.Entry.PhraseToConcept))
	}
	if len(res.Entry.ConceptToPhrase) != 3 {
		t.Errorf("concept table size = %d, want 3", len(res.Entry.ConceptToPhrase))
	}

	var payload Payload
	if err := json.Unmarshal([]byte(res.Entry.Payload), &payload); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if len(payload.Phrases) != 3 {
		t.Errorf("payload phrases = %d, want 3", len(payload.Phrases))
	}

	// The entry is served from memory afterwards.
	if b.Active(obs.ContextID) == nil {
		t.Error("Active() should return the built entry")
	}
}

func TestBuild_EmptyContext(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, nil)
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	res, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v (empty grammar is not an error)", err)
	}
	if res.Status != StatusUpdated {
		t.Errorf("Status = %v, want updated", res.Status)
	}
	if len(res.Entry.PhraseToConcept) != 0 {
		t.Errorf("empty context should yield an empty grammar, got %v", res.Entry.PhraseToConcept)
	}
}

func TestBuild_RebuildThreshold(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(10))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	if _, err := b.Build(ctx, obs.ContextID, "", ""); err != nil {
		t.Fatalf("initial Build() error = %v", err)
	}

	// Dropping 1 of 10 concepts: ratio 1/9 < 0.2 keeps the entry.
	if _, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(9)); err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	res, err := b.Build(ctx, obs.ContextID, obs.ContextID, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Status != StatusNoChange {
		t.Fatalf("small delta: Status = %v, want no_change (ratio %v)", res.Status, res.ChangeRatio)
	}
	if len(res.Entry.ConceptIDs) != 10 {
		t.Errorf("no_change should keep serving the previous entry, got %d concepts", len(res.Entry.ConceptIDs))
	}

	// Dropping 3 of the original 10: ratio 3/7 >= 0.2 forces a rebuild.
	if _, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(7)); err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	res, err = b.Build(ctx, obs.ContextID, obs.ContextID, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Status != StatusUpdated {
		t.Fatalf("large delta: Status = %v, want updated (ratio %v)", res.Status, res.ChangeRatio)
	}
	if len(res.Entry.ConceptIDs) != 7 {
		t.Errorf("rebuilt entry concepts = %d, want 7", len(res.Entry.ConceptIDs))
	}
}

func TestBuild_NoOldContextAlwaysBuilds(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(2))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	// Even a zero delta builds when no previous context existed.
	res, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Status != StatusUpdated {
		t.Errorf("Status = %v, want updated", res.Status)
	}
}

func TestBuild_DigestStable(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(5))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	first, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	second, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}

	if first.Entry.Digest != second.Entry.Digest {
		t.Errorf("unchanged concept set should reproduce the digest: %s vs %s",
			first.Entry.Digest, second.Entry.Digest)
	}
}

func TestBuild_LocaleIsolation(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	concept, err := st.RegisterConcept(ctx, "Open WiFi", "settings", command.SourceUser)
	if err != nil {
		t.Fatalf("RegisterConcept() error = %v", err)
	}
	if _, err := st.AddPhrase(ctx, concept.ID, "turn on wifi", "en-US", command.SourceUser); err != nil {
		t.Fatalf("AddPhrase(en) error = %v", err)
	}
	if _, err := st.AddPhrase(ctx, concept.ID, "wlan einschalten", "de-DE", command.SourceUser); err != nil {
		t.Fatalf("AddPhrase(de) error = %v", err)
	}
	contextID, err := st.AssociateConcept(ctx, settingsKey, concept.ID)
	if err != nil {
		t.Fatalf("AssociateConcept() error = %v", err)
	}

	en, err := b.Build(ctx, contextID, "", "en-US")
	if err != nil {
		t.Fatalf("Build(en) error = %v", err)
	}
	if got := en.Entry.ConceptToPhrase[concept.ID]; got != "turn on wifi" {
		t.Errorf("en phrase = %q, want %q", got, "turn on wifi")
	}

	de, err := b.Build(ctx, contextID, "", "de-DE")
	if err != nil {
		t.Fatalf("Build(de) error = %v", err)
	}
	if got := de.Entry.ConceptToPhrase[concept.ID]; got != "wlan einschalten" {
		t.Errorf("de phrase = %q, want %q", got, "wlan einschalten")
	}
	if _, leaked := de.Entry.PhraseToConcept["turn on wifi"]; leaked {
		t.Error("en phrase leaked into the de grammar")
	}
}

func TestBuild_UnchangedSetStillRebuildsForOtherLocale(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	concept, err := st.RegisterConcept(ctx, "Open WiFi", "settings", command.SourceUser)
	if err != nil {
		t.Fatalf("RegisterConcept() error = %v", err)
	}
	if _, err := st.AddPhrase(ctx, concept.ID, "turn on wifi", "en-US", command.SourceUser); err != nil {
		t.Fatalf("AddPhrase(en) error = %v", err)
	}
	if _, err := st.AddPhrase(ctx, concept.ID, "wlan einschalten", "de-DE", command.SourceUser); err != nil {
		t.Fatalf("AddPhrase(de) error = %v", err)
	}
	contextID, err := st.AssociateConcept(ctx, settingsKey, concept.ID)
	if err != nil {
		t.Fatalf("AssociateConcept() error = %v", err)
	}

	if _, err := b.Build(ctx, contextID, "", "en-US"); err != nil {
		t.Fatalf("Build(en) error = %v", err)
	}

	// Same concept set, different locale: the cached en entry must not be
	// served for the de request.
	res, err := b.Build(ctx, contextID, contextID, "de-DE")
	if err != nil {
		t.Fatalf("Build(de) error = %v", err)
	}
	if res.Status != StatusUpdated {
		t.Fatalf("Status = %v, want updated for a locale change", res.Status)
	}
	if res.Entry.Locale != "de-de" {
		t.Errorf("entry locale = %q, want %q", res.Entry.Locale, "de-de")
	}
	if got := res.Entry.ConceptToPhrase[concept.ID]; got != "wlan einschalten" {
		t.Errorf("de phrase = %q, want %q", got, "wlan einschalten")
	}
	if _, leaked := res.Entry.PhraseToConcept["turn on wifi"]; leaked {
		t.Error("en phrase served for the de request")
	}
}

func TestBuild_ExpiredEntryRebuilds(t *testing.T) {
	_, st, _ := testFixture(t)
	ctx := context.Background()

	// Entries expire the moment they are written.
	cfg := config.DefaultConfig()
	cfg.CacheExpirySecs = -1
	b := NewBuilder(st, cfg, nil)

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(3))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	first, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !first.Entry.Expired(time.Now()) {
		t.Fatal("fixture entry should already be expired")
	}

	// An unchanged concept set cannot resurrect an expired entry.
	res, err := b.Build(ctx, obs.ContextID, obs.ContextID, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Status != StatusUpdated {
		t.Errorf("Status = %v, want updated for an expired entry", res.Status)
	}
}

func TestBuild_SkipsConceptsWithoutLocalePhrase(t *testing.T) {
	_, st, b := testFixture(t)
	ctx := context.Background()

	withPhrase, err := st.RegisterConcept(ctx, "Open WiFi", "settings", command.SourceUser)
	if err != nil {
		t.Fatalf("RegisterConcept() error = %v", err)
	}
	if _, err := st.AddPhrase(ctx, withPhrase.ID, "turn on wifi", "en-US", command.SourceUser); err != nil {
		t.Fatalf("AddPhrase() error = %v", err)
	}
	bare, err := st.RegisterConcept(ctx, "Open Bluetooth", "settings", command.SourceUser)
	if err != nil {
		t.Fatalf("RegisterConcept() error = %v", err)
	}

	contextID, err := st.AssociateConcept(ctx, settingsKey, withPhrase.ID)
	if err != nil {
		t.Fatalf("AssociateConcept() error = %v", err)
	}
	if _, err := st.AssociateConcept(ctx, settingsKey, bare.ID); err != nil {
		t.Fatalf("AssociateConcept() error = %v", err)
	}

	res, err := b.Build(ctx, contextID, "", "en-US")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Entry.PhraseToConcept) != 1 {
		t.Errorf("phrase table size = %d, want 1 (bare concept skipped)", len(res.Entry.PhraseToConcept))
	}
	if len(res.Entry.ConceptIDs) != 2 {
		t.Errorf("concept set = %d, want 2 (skipping is not removal)", len(res.Entry.ConceptIDs))
	}
}

func TestBuild_MaxGrammarSizePrefersRank(t *testing.T) {
	database, st, _ := testFixture(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.MaxGrammarSize = 2
	b := NewBuilder(st, cfg, nil)

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(4))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	// Boost one phrase well above the default rank.
	var boostedPhrase string
	set, err := st.ConceptSet(ctx, obs.ContextID)
	if err != nil {
		t.Fatalf("ConceptSet() error = %v", err)
	}
	for conceptID := range set {
		phrases, err := st.PhrasesForConcept(ctx, conceptID)
		if err != nil || len(phrases) == 0 {
			t.Fatalf("PhrasesForConcept() error = %v", err)
		}
		if err := db.UpdatePhraseStats(database, phrases[0].ID, 2.0, 1.0, time.Now().Unix()); err != nil {
			t.Fatalf("UpdatePhraseStats() error = %v", err)
		}
		boostedPhrase = phrases[0].TextNorm
		break
	}

	res, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Entry.PhraseToConcept) != 2 {
		t.Fatalf("phrase table size = %d, want capped 2", len(res.Entry.PhraseToConcept))
	}
	if _, ok := res.Entry.PhraseToConcept[boostedPhrase]; !ok {
		t.Errorf("highest-ranked phrase %q should survive truncation", boostedPhrase)
	}
}

func TestBuild_FailureKeepsLastGoodEntry(t *testing.T) {
	database, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(3))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	first, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Storage goes away mid-flight; a forced rebuild fails but the previous
	// entry keeps serving.
	database.Close()

	_, err = b.Build(ctx, "missing-context", "", "")
	if !errors.Is(err, errors.ErrCacheBuildFailure) {
		t.Errorf("build against closed storage: error = %v, want CACHE_BUILD_FAILURE", err)
	}
	if got := b.Active(obs.ContextID); got == nil || got.Digest != first.Entry.Digest {
		t.Error("last good entry should keep serving after a failed build")
	}
}

func TestBuild_RecoversPersistedEntryAfterRestart(t *testing.T) {
	database, st, b := testFixture(t)
	ctx := context.Background()

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(3))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	first, err := b.Build(ctx, obs.ContextID, "", "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// A fresh builder over the same database serves the persisted entry
	// without rebuilding when nothing changed.
	st2 := store.New(database, config.DefaultConfig(), nil)
	b2 := NewBuilder(st2, config.DefaultConfig(), nil)

	res, err := b2.Build(ctx, obs.ContextID, obs.ContextID, "")
	if err != nil {
		t.Fatalf("Build() after restart error = %v", err)
	}
	if res.Status != StatusNoChange {
		t.Errorf("Status = %v, want no_change", res.Status)
	}
	if res.Entry.Digest != first.Entry.Digest {
		t.Errorf("recovered digest = %s, want %s", res.Entry.Digest, first.Entry.Digest)
	}
	if len(res.Entry.PhraseToConcept) != 3 {
		t.Errorf("recovered phrase table size = %d, want 3", len(res.Entry.PhraseToConcept))
	}
}

func TestWatch_RebuildsOnNotification(t *testing.T) {
	_, st, b := testFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := st.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Watch(ctx, changes, "")
	}()

	obs, err := st.RegisterObservation(context.Background(), settingsKey, numberedCandidates(3))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for b.Active(obs.ContextID) == nil {
		select {
		case <-deadline:
			t.Fatal("watcher did not rebuild after change notification")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestPruneExpired(t *testing.T) {
	_, st, _ := testFixture(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.CacheExpirySecs = 1
	b := NewBuilder(st, cfg, nil)

	obs, err := st.RegisterObservation(ctx, settingsKey, numberedCandidates(2))
	if err != nil {
		t.Fatalf("RegisterObservation() error = %v", err)
	}
	if _, err := b.Build(ctx, obs.ContextID, "", ""); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	n, err := b.PruneExpired(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}
