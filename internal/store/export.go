package store

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
)

const exportSchemaVersion = "1.0"

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	VoxmuxExport  bool   `json:"_voxmux_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRecord is one curated concept with its phrases.
type ExportRecord struct {
	Concept *command.Concept  `json:"concept"`
	Phrases []*command.Phrase `json:"phrases"`
}

// ExportResult summarizes a completed export.
type ExportResult struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ImportError is one record that could not be imported.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImportResult summarizes a completed import.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ExportConcepts writes the curated concepts and their phrases to a JSONL
// file. Scraped concepts are transient environment state and stay out of
// backups. The file is written to a temp path and renamed into place so a
// failed export never clobbers an existing one.
func (s *Store) ExportConcepts(ctx context.Context, path string) (*ExportResult, error) {
	if path == "" {
		return nil, errors.NewInvalidRequest("export path is required")
	}
	now := time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(err)
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	header := ExportHeader{VoxmuxExport: true, SchemaVersion: exportSchemaVersion, ExportedAt: now.Unix()}
	if err := enc.Encode(header); err != nil {
		return nil, errors.NewInternal(err)
	}

	concepts, err := db.ListConcepts(s.db, true)
	if err != nil {
		return nil, err
	}

	count := 0
	for _, concept := range concepts {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeout(err.Error())
		}
		if concept.Source == command.SourceScraped {
			continue
		}
		phrases, err := db.ListPhrasesByConcept(s.db, concept.ID, true)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(ExportRecord{Concept: concept, Phrases: phrases}); err != nil {
			return nil, errors.NewInternal(err)
		}
		count++
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(err)
	}
	file = nil

	if err := os.Rename(tempPath, path); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}
	success = true

	s.log.Info("concepts exported", zap.String("path", path), zap.Int("count", count))
	return &ExportResult{Path: path, Count: count, ExportedAt: now.Unix()}, nil
}

// ImportConcepts loads curated concepts from a JSONL export file. Concept
// identifiers are preserved; records whose name is already taken by an
// active concept are skipped, and malformed lines are reported per line
// without aborting the rest of the file.
func (s *Store) ImportConcepts(ctx context.Context, path string) (*ImportResult, error) {
	if path == "" {
		return nil, errors.NewInvalidRequest("import path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(path)
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	result := &ImportResult{}
	scanner := bufio.NewScanner(file)
	lineNum := 0
	sawHeader := false

	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeout(err.Error())
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !sawHeader {
			var header ExportHeader
			if err := json.Unmarshal(line, &header); err != nil || !header.VoxmuxExport {
				return nil, errors.NewInvalidRequest("not a voxmux export file")
			}
			sawHeader = true
			continue
		}

		var record ExportRecord
		if err := json.Unmarshal(line, &record); err != nil {
			result.Errors = append(result.Errors, ImportError{
				Line: lineNum, Code: "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if record.Concept == nil || record.Concept.ID == "" {
			result.Errors = append(result.Errors, ImportError{
				Line: lineNum, Code: "INVALID_RECORD", Message: "record has no concept",
			})
			continue
		}

		if err := s.importRecord(record); err != nil {
			if errors.Is(err, errors.ErrDuplicateActiveConcept) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, ImportError{
				Line: lineNum, ID: record.Concept.ID,
				Code: "IMPORT_ERROR", Message: err.Error(),
			})
			continue
		}
		result.Imported++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if !sawHeader {
		return nil, errors.NewInvalidRequest("not a voxmux export file")
	}

	s.log.Info("concepts imported",
		zap.String("path", path),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (s *Store) importRecord(record ExportRecord) error {
	if err := db.InsertConcept(s.db, record.Concept); err != nil {
		return err
	}
	for _, phrase := range record.Phrases {
		if phrase.ConceptID == "" {
			phrase.ConceptID = record.Concept.ID
		}
		if err := db.UpsertPhrase(s.db, phrase); err != nil {
			return err
		}
	}
	return nil
}
