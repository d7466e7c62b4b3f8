package db

import (
	"database/sql"
	"encoding/json"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/errors"
)

// UpsertContext inserts a context or refreshes it on revisit: signature,
// tags, and last_seen_at move forward; identity and created_at do not.
func UpsertContext(db *sql.DB, c *command.Context) error {
	var tagsJSON sql.NullString
	if len(c.Tags) > 0 {
		data, err := json.Marshal(c.Tags)
		if err != nil {
			return errors.NewInternal(err)
		}
		tagsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO contexts (
			id, origin, surface_id, tags_json, signature, last_seen_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tags_json = excluded.tags_json,
			signature = excluded.signature,
			last_seen_at = excluded.last_seen_at
	`

	_, err := db.Exec(query,
		c.ID, c.Origin, c.SurfaceID, tagsJSON, toNullString(c.Signature),
		c.LastSeenAt, c.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetContextByID retrieves a context by identifier.
func GetContextByID(db *sql.DB, id string) (*command.Context, error) {
	query := selectContext + ` WHERE id = ?`

	c, err := scanContext(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// GetContextByKey retrieves a context by its (origin, surface) key.
func GetContextByKey(db *sql.DB, origin, surfaceID string) (*command.Context, error) {
	query := selectContext + ` WHERE origin = ? AND surface_id = ?`

	c, err := scanContext(db.QueryRow(query, origin, surfaceID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(origin + ":" + surfaceID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// ListContexts returns every known context, most recently seen first.
func ListContexts(db *sql.DB) ([]*command.Context, error) {
	query := selectContext + ` ORDER BY last_seen_at DESC, id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*command.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpsertAssociation links a concept into a context, reviving a previously
// deactivated pair without losing its history.
func UpsertAssociation(db *sql.DB, a *command.Association) error {
	query := `
		INSERT INTO associations (
			context_id, concept_id, weight, position, active, added_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_id, concept_id) DO UPDATE SET
			weight = excluded.weight,
			position = excluded.position,
			active = 1
	`

	_, err := db.Exec(query,
		a.ContextID, a.ConceptID, a.Weight, a.Position, boolToInt(a.Active), a.AddedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeactivateAssociation marks a (context, concept) pair inactive, preserving
// its frequency history.
func DeactivateAssociation(db *sql.DB, contextID, conceptID string) error {
	query := `
		UPDATE associations SET active = 0
		WHERE context_id = ? AND concept_id = ? AND active = 1
	`
	if _, err := db.Exec(query, contextID, conceptID); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListActiveConceptIDs returns the identifiers of every concept actively
// offered in a context, in association order.
func ListActiveConceptIDs(db *sql.DB, contextID string) ([]string, error) {
	query := `
		SELECT concept_id FROM associations
		WHERE context_id = ? AND active = 1
		ORDER BY position, concept_id
	`

	rows, err := db.Query(query, contextID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ListAssociations returns a context's association rows, active or not.
func ListAssociations(db *sql.DB, contextID string) ([]*command.Association, error) {
	query := `
		SELECT context_id, concept_id, weight, position, active, added_at
		FROM associations
		WHERE context_id = ?
		ORDER BY position, concept_id
	`

	rows, err := db.Query(query, contextID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*command.Association
	for rows.Next() {
		var (
			a      command.Association
			active int
		)
		if err := rows.Scan(&a.ContextID, &a.ConceptID, &a.Weight, &a.Position, &active, &a.AddedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		a.Active = active != 0
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ActiveAssociationCount reports how many contexts still actively offer a
// concept. Zero means the concept's origin has disappeared everywhere.
func ActiveAssociationCount(db *sql.DB, conceptID string) (int, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM associations WHERE concept_id = ? AND active = 1`,
		conceptID,
	).Scan(&n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

const selectContext = `
	SELECT id, origin, surface_id, tags_json, signature, last_seen_at, created_at
	FROM contexts
`

func scanContext(row rowScanner) (*command.Context, error) {
	var (
		c         command.Context
		tagsJSON  sql.NullString
		signature sql.NullString
	)

	err := row.Scan(&c.ID, &c.Origin, &c.SurfaceID, &tagsJSON, &signature, &c.LastSeenAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if signature.Valid {
		c.Signature = signature.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
