package db

import (
	"database/sql"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/errors"
)

// UpsertPhrase inserts a phrase or revives an existing row with the same
// deterministic identifier. Learned stats (weight, success_rate) are kept on
// conflict so re-registration never resets what the pipeline has learned.
func UpsertPhrase(db *sql.DB, p *command.Phrase) error {
	query := `
		INSERT INTO phrases (
			id, concept_id, text_raw, text_norm, locale,
			weight, success_rate, source, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text_raw = excluded.text_raw,
			active = 1,
			updated_at = excluded.updated_at
	`

	_, err := db.Exec(query,
		p.ID, p.ConceptID, p.TextRaw, p.TextNorm, p.Locale,
		p.Weight, p.SuccessRate, string(p.Source), boolToInt(p.Active),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetPhraseByID retrieves a phrase by its deterministic identifier.
func GetPhraseByID(db *sql.DB, id string) (*command.Phrase, error) {
	query := selectPhrase + ` WHERE id = ?`

	p, err := scanPhrase(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return p, nil
}

// ListPhrasesByConcept returns a concept's phrases, best rank first.
func ListPhrasesByConcept(db *sql.DB, conceptID string, activeOnly bool) ([]*command.Phrase, error) {
	query := selectPhrase + ` WHERE concept_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY weight * success_rate DESC, id`

	rows, err := db.Query(query, conceptID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*command.Phrase
	for rows.Next() {
		p, err := scanPhrase(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// FindActivePhrases returns every active phrase matching normalized text and
// locale. More than one concept may claim the same surface text; the caller
// disambiguates against the active context's concept set.
func FindActivePhrases(db *sql.DB, textNorm, locale string) ([]*command.Phrase, error) {
	query := selectPhrase + `
		WHERE text_norm = ? AND locale = ? AND active = 1
		ORDER BY weight * success_rate DESC, id
	`

	rows, err := db.Query(query, textNorm, locale)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*command.Phrase
	for rows.Next() {
		p, err := scanPhrase(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpdatePhraseStats writes back a phrase's learned weight and success rate.
func UpdatePhraseStats(db *sql.DB, id string, weight, successRate float64, now int64) error {
	query := `
		UPDATE phrases
		SET weight = ?, success_rate = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.Exec(query, weight, successRate, now, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRowAffected(result, id)
}

// SetPhraseActive deactivates or revives a phrase.
func SetPhraseActive(db *sql.DB, id string, active bool, now int64) error {
	query := `UPDATE phrases SET active = ?, updated_at = ? WHERE id = ?`
	result, err := db.Exec(query, boolToInt(active), now, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRowAffected(result, id)
}

const selectPhrase = `
	SELECT id, concept_id, text_raw, text_norm, locale,
		weight, success_rate, source, active, created_at, updated_at
	FROM phrases
`

func scanPhrase(row rowScanner) (*command.Phrase, error) {
	var (
		p      command.Phrase
		source string
		active int
	)

	err := row.Scan(
		&p.ID, &p.ConceptID, &p.TextRaw, &p.TextNorm, &p.Locale,
		&p.Weight, &p.SuccessRate, &source, &active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Source = command.Source(source)
	p.Active = active != 0
	return &p, nil
}
