package db

import (
	"database/sql"
	"encoding/json"

	"github.com/voxmux/voxmux/internal/errors"
)

// GrammarRow is the persisted form of a grammar cache entry. The payload is
// opaque to this layer; the concept-id set is stored alongside it so a rebuild
// decision can be made without deserializing the payload.
type GrammarRow struct {
	ContextID  string
	ConceptIDs []string
	Payload    string
	Digest     string
	CreatedAt  int64
	ExpiresAt  int64
}

// PutGrammarRow writes a cache entry, replacing any previous entry for the
// same context. Callers serialize writes per context.
func PutGrammarRow(db *sql.DB, row *GrammarRow) error {
	idsJSON, err := json.Marshal(row.ConceptIDs)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO grammar_cache (
			context_id, concept_ids_json, payload, digest, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			concept_ids_json = excluded.concept_ids_json,
			payload = excluded.payload,
			digest = excluded.digest,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	if _, err := db.Exec(query, row.ContextID, string(idsJSON), row.Payload, row.Digest, row.CreatedAt, row.ExpiresAt); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetGrammarRow retrieves the cache entry for a context.
func GetGrammarRow(db *sql.DB, contextID string) (*GrammarRow, error) {
	query := `
		SELECT context_id, concept_ids_json, payload, digest, created_at, expires_at
		FROM grammar_cache
		WHERE context_id = ?
	`

	var (
		row     GrammarRow
		idsJSON string
	)
	err := db.QueryRow(query, contextID).Scan(
		&row.ContextID, &idsJSON, &row.Payload, &row.Digest, &row.CreatedAt, &row.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(contextID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := json.Unmarshal([]byte(idsJSON), &row.ConceptIDs); err != nil {
		return nil, errors.NewInternal(err)
	}
	return &row, nil
}

// DeleteGrammarRow removes a single cache entry.
func DeleteGrammarRow(db *sql.DB, contextID string) error {
	if _, err := db.Exec(`DELETE FROM grammar_cache WHERE context_id = ?`, contextID); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteExpiredGrammarRows ages out entries whose expiry passed before the
// given cutoff. Returns the number of rows removed.
func DeleteExpiredGrammarRows(db *sql.DB, cutoff int64) (int64, error) {
	result, err := db.Exec(`DELETE FROM grammar_cache WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}
