package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/voxmux/voxmux/internal/command"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/db"
	"github.com/voxmux/voxmux/internal/errors"
	"github.com/voxmux/voxmux/internal/grammar"
	"github.com/voxmux/voxmux/internal/pipeline"
	"github.com/voxmux/voxmux/internal/preload"
	"github.com/voxmux/voxmux/internal/store"
)

// observationInput is the JSON shape the observe command reads from stdin.
type observationInput struct {
	Origin     string `json:"origin"`
	SurfaceID  string `json:"surface_id"`
	Candidates []struct {
		Text      string `json:"text"`
		Canonical string `json:"canonical,omitempty"`
		Category  string `json:"category,omitempty"`
		Locale    string `json:"locale,omitempty"`
	} `json:"candidates"`
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(database *sql.DB, cfg *config.Config, logger *zap.Logger) *cli.App {
	if logger == nil {
		logger = zap.NewNop()
	}
	var st *store.Store
	var builder *grammar.Builder
	if database != nil {
		st = store.New(database, cfg, logger)
		builder = grammar.NewBuilder(st, cfg, logger)
	}

	app := &cli.App{
		Name:    "voxmux",
		Usage:   "Voice command resolution and grammar cache",
		Version: Version,
		Commands: []*cli.Command{
			observeCmd(st),
			registerCmd(st),
			phraseCmd(st),
			conceptsCmd(database),
			contextsCmd(database),
			grammarCmd(st, builder),
			switchCmd(st, builder, cfg, logger),
			resolveCmd(st, cfg, logger),
			outcomeCmd(st),
			exportCmd(st),
			importCmd(st),
			pruneCmd(builder),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// observeCmd registers a scraped surface observation (reads JSON from stdin).
func observeCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "observe",
		Usage: "Register a surface observation (reads JSON from stdin)",
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("observation JSON must be piped via stdin"))
			}
			raw, err := readStdin()
			if err != nil {
				return outputError(errors.NewInternal(err))
			}

			var input observationInput
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid observation JSON: %v", err)))
			}

			candidates := make([]command.Candidate, 0, len(input.Candidates))
			for _, cand := range input.Candidates {
				candidates = append(candidates, command.Candidate{
					Text:          cand.Text,
					CanonicalHint: cand.Canonical,
					CategoryHint:  cand.Category,
					Locale:        cand.Locale,
				})
			}

			obs, err := st.RegisterObservation(c.Context,
				command.ContextKey{Origin: input.Origin, SurfaceID: input.SurfaceID}, candidates)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(obs)
		},
	}
}

// registerCmd creates a curated concept.
func registerCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register a curated concept",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "Concept name"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Value: command.DefaultCategory, Usage: "Concept category"},
		},
		Action: func(c *cli.Context) error {
			concept, err := st.RegisterConcept(c.Context, c.String("name"), c.String("category"), command.SourceUser)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(concept)
		},
	}
}

// phraseCmd attaches a trigger phrase to a concept.
func phraseCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "phrase",
		Usage:     "Add a trigger phrase to a concept",
		ArgsUsage: "<concept-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Required: true, Usage: "Phrase text"},
			&cli.StringFlag{Name: "locale", Aliases: []string{"l"}, Usage: "Locale (defaults to configured locale)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("concept id is required"))
			}
			phrase, err := st.AddPhrase(c.Context, c.Args().First(), c.String("text"), c.String("locale"), command.SourceUser)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(phrase)
		},
	}
}

// conceptsCmd lists concepts.
func conceptsCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "concepts",
		Usage: "List concepts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "include-inactive", Usage: "Include retired concepts"},
		},
		Action: func(c *cli.Context) error {
			concepts, err := db.ListConcepts(database, !c.Bool("include-inactive"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"concepts": concepts, "count": len(concepts)})
		},
	}
}

// contextsCmd lists known contexts.
func contextsCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "contexts",
		Usage: "List known contexts, most recently seen first",
		Action: func(c *cli.Context) error {
			contexts, err := db.ListContexts(database)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"contexts": contexts, "count": len(contexts)})
		},
	}
}

// grammarCmd builds and prints the grammar for a context.
func grammarCmd(st *store.Store, builder *grammar.Builder) *cli.Command {
	return &cli.Command{
		Name:      "grammar",
		Usage:     "Build the grammar for a context and print it",
		ArgsUsage: "<context-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "locale", Aliases: []string{"l"}, Usage: "Locale (defaults to configured locale)"},
			&cli.StringFlag{Name: "from", Usage: "Previous context id for delta reporting"},
		},
		Action: func(c *cli.Context) error {
			contextID, err := resolveContextArg(st, c)
			if err != nil {
				return outputError(err)
			}
			res, err := builder.Build(c.Context, contextID, c.String("from"), c.String("locale"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"status":       res.Status,
				"digest":       res.Entry.Digest,
				"change_ratio": res.ChangeRatio,
				"delta":        res.Delta,
				"payload":      json.RawMessage(res.Entry.Payload),
			})
		},
	}
}

// switchCmd preloads the target context and reports the concept delta.
func switchCmd(st *store.Store, builder *grammar.Builder, cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "switch",
		Usage:     "Preload a context and report the delta from the previous one",
		ArgsUsage: "<context-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "Previous context id"},
			&cli.StringFlag{Name: "locale", Aliases: []string{"l"}, Usage: "Locale (defaults to configured locale)"},
		},
		Action: func(c *cli.Context) error {
			contextID, err := resolveContextArg(st, c)
			if err != nil {
				return outputError(err)
			}
			p := preload.New(st, builder, cfg, logger)
			if _, err := p.Preload(c.Context, contextID, c.String("locale")); err != nil {
				return outputError(err)
			}
			if from := c.String("from"); from != "" {
				// Warm the source so the delta has both sides.
				if _, err := st.ConceptSet(c.Context, from); err != nil {
					return outputError(err)
				}
			}
			res, err := p.Switch(c.String("from"), contextID)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// resolveCmd resolves an utterance against a context.
func resolveCmd(st *store.Store, cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve an utterance against a context",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "context", Aliases: []string{"c"}, Required: true, Usage: "Context id"},
			&cli.Float64Flag{Name: "confidence", Value: 1.0, Usage: "Recognizer confidence (0..1)"},
			&cli.StringFlag{Name: "locale", Aliases: []string{"l"}, Usage: "Locale (defaults to configured locale)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("utterance text is required"))
			}
			text := strings.Join(c.Args().Slice(), " ")

			p := pipeline.New(st, cfg, logger,
				pipeline.Registration{Strategy: pipeline.NewPhraseMatchStrategy(st, nil, logger), Priority: 0},
			)
			defer p.Close()

			res, err := p.Resolve(c.Context, pipeline.Request{
				Text:       text,
				Confidence: c.Float64("confidence"),
				ContextID:  c.String("context"),
				Locale:     c.String("locale"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// outcomeCmd records a resolution outcome for a phrase.
func outcomeCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:      "outcome",
		Usage:     "Record whether a resolved phrase worked",
		ArgsUsage: "<phrase-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "failed", Usage: "Record a failure instead of a success"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("phrase id is required"))
			}
			phraseID := c.Args().First()
			if err := st.RecordOutcome(c.Context, phraseID, !c.Bool("failed")); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"phrase_id": phraseID, "recorded": true})
		},
	}
}

// exportCmd writes curated concepts to a JSONL file.
func exportCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export curated concepts and phrases to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Export file path"},
		},
		Action: func(c *cli.Context) error {
			res, err := st.ExportConcepts(c.Context, c.String("path"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// importCmd loads curated concepts from a JSONL export file.
func importCmd(st *store.Store) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import curated concepts from a JSONL export file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
		},
		Action: func(c *cli.Context) error {
			res, err := st.ImportConcepts(c.Context, c.String("path"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// pruneCmd drops expired grammar cache rows.
func pruneCmd(builder *grammar.Builder) *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete expired grammar cache entries",
		Action: func(c *cli.Context) error {
			n, err := builder.PruneExpired(time.Now())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"pruned": n})
		},
	}
}

// Helper functions

// resolveContextArg accepts either a context id argument or an
// origin/surface pair expressed as "origin#surface".
func resolveContextArg(st *store.Store, c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", errors.NewInvalidRequest("context id is required")
	}
	arg := c.Args().First()
	if origin, surface, ok := strings.Cut(arg, "#"); ok {
		record, err := st.ContextByKey(c.Context, command.ContextKey{Origin: origin, SurfaceID: surface})
		if err != nil {
			return "", err
		}
		return record.ID, nil
	}
	return arg, nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if vErr, ok := err.(*errors.VoxError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", vErr.Code, vErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
