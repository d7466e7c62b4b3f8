package db

import (
	"database/sql"
	"strings"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/errors"
)

// InsertConcept stores a new concept. If an active concept already holds the
// (name_norm, category) pair, the returned DUPLICATE_ACTIVE_CONCEPT error
// carries the surviving identifier so callers can recover by reusing it.
func InsertConcept(db *sql.DB, c *command.Concept) error {
	query := `
		INSERT INTO concepts (
			id, name_raw, name_norm, category, source,
			usage_count, last_used_at, weight, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		c.ID, c.NameRaw, c.NameNorm, c.Category, string(c.Source),
		c.UsageCount, toNullInt64(c.LastUsedAt), c.Weight, boolToInt(c.Active),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := GetActiveConceptByName(db, c.NameNorm, c.Category)
			if lookupErr == nil {
				return errors.NewDuplicateActiveConcept(c.NameNorm, c.Category, existing.ID)
			}
			// Same id inserted twice (deterministic scraped id): idempotent.
			if _, idErr := GetConceptByID(db, c.ID); idErr == nil {
				return errors.NewDuplicateActiveConcept(c.NameNorm, c.Category, c.ID)
			}
			return errors.NewInternal(err)
		}
		return errors.NewInternal(err)
	}

	return nil
}

// GetConceptByID retrieves a concept by identifier, active or not.
func GetConceptByID(db *sql.DB, id string) (*command.Concept, error) {
	query := selectConcept + ` WHERE id = ?`

	c, err := scanConcept(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// GetActiveConceptByName retrieves the single active concept for a
// (normalized name, category) pair.
func GetActiveConceptByName(db *sql.DB, nameNorm, category string) (*command.Concept, error) {
	query := selectConcept + ` WHERE name_norm = ? AND category = ? AND active = 1`

	c, err := scanConcept(db.QueryRow(query, nameNorm, category))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(nameNorm)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// ListConcepts returns concepts ordered by creation. ULIDs and row times keep
// this chronological-enough for inspection surfaces.
func ListConcepts(db *sql.DB, activeOnly bool) ([]*command.Concept, error) {
	query := selectConcept
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*command.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
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

// TouchConceptUsage bumps usage_count and last_used_at after a successful
// resolution.
func TouchConceptUsage(db *sql.DB, id string, now int64) error {
	query := `
		UPDATE concepts
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.Exec(query, now, now, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRowAffected(result, id)
}

// SetConceptActive soft-deletes or revives a concept. History referencing the
// concept survives either way.
func SetConceptActive(db *sql.DB, id string, active bool, now int64) error {
	query := `UPDATE concepts SET active = ?, updated_at = ? WHERE id = ?`
	result, err := db.Exec(query, boolToInt(active), now, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRowAffected(result, id)
}

const selectConcept = `
	SELECT id, name_raw, name_norm, category, source,
		usage_count, last_used_at, weight, active, created_at, updated_at
	FROM concepts
`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConcept(row rowScanner) (*command.Concept, error) {
	var (
		c          command.Concept
		source     string
		lastUsedAt sql.NullInt64
		active     int
	)

	err := row.Scan(
		&c.ID, &c.NameRaw, &c.NameNorm, &c.Category, &source,
		&c.UsageCount, &lastUsedAt, &c.Weight, &active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Source = command.Source(source)
	c.Active = active != 0
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Int64
	}
	return &c, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
