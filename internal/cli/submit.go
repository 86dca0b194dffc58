package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jfellner/distill/internal/models"
	"github.com/jfellner/distill/internal/parser"
)

var submitKind string

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a source document for extraction",
	Long: `Submit a source document and start an extraction job for it. Pass "-"
to read from stdin.

The --kind flag selects the pipeline:
  journal    Markdown journal entry -> entities and relations
  quotes     Markdown text -> verbatim quotes
  concepts   JSON array of quotes [{"id": ..., "text": ...}] -> refined concepts
  inbox      JSON {"items": [...], "destinations": [...]} -> classification moves

Examples:
  distill submit 2026-08-25.md --kind journal
  distill submit highlights.md --kind quotes
  cat quotes.json | distill submit - --kind concepts`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitKind, "kind", "k", "journal", "pipeline kind (journal, quotes, concepts, inbox)")
}

// kindAliases maps the CLI spelling to the stored job kind.
var kindAliases = map[string]models.JobKind{
	"journal":  models.KindJournal,
	"quotes":   models.KindQuoteParse,
	"concepts": models.KindConceptExtract,
	"inbox":    models.KindInboxClassify,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	kind, ok := kindAliases[submitKind]
	if !ok {
		return fmt.Errorf("unknown kind %q (expected journal, quotes, concepts, or inbox)", submitKind)
	}

	content, err := readSource(args[0])
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return fmt.Errorf("source %s is empty", args[0])
	}

	var title *string
	switch kind {
	case models.KindJournal, models.KindQuoteParse:
		doc, err := parser.ParseMarkdown(string(content))
		if err != nil {
			return fmt.Errorf("parse source: %w", err)
		}
		if doc.Title != "" {
			title = &doc.Title
		}
	default:
		// JSON-carrying kinds fail fast here instead of inside the worker.
		if !json.Valid(content) {
			return fmt.Errorf("source for kind %s must be valid JSON", submitKind)
		}
	}

	ctx := context.Background()
	sourceID := uuid.NewString()
	jobID := uuid.NewString()

	if _, err := dbClient.CreateSourceDoc(ctx, sourceID, kind, string(content), title); err != nil {
		return fmt.Errorf("create source document: %w", err)
	}
	job, err := dbClient.CreateJob(ctx, jobID, kind, sourceID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	detail := fmt.Sprintf("%s job for source %s", kind, sourceID)
	if err := dbClient.CreateEvent(ctx, models.EventWorkflowStarted, jobID, &detail); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record event: %v\n", err)
	}

	fmt.Printf("Submitted job %s (%s)\n", jobID, job.Kind)
	if verbose {
		fmt.Printf("  Source: %s\n", sourceID)
		if title != nil {
			fmt.Printf("  Title: %s\n", *title)
		}
		fmt.Printf("  Stage: %s\n", job.Stage)
	}
	fmt.Printf("Follow it with: distill watch %s\n", jobID)
	return nil
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return content, nil
}
