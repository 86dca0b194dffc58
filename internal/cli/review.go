package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/models"
)

var (
	reviewKind    string
	reviewNote    string
	reviewPayload string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pending curation items",
	Long: `Review candidate items waiting at a curation gate. Without a subcommand
an interactive queue opens; jobs stay parked until every item in their batch
is resolved.

Examples:
  distill review                         # interactive queue
  distill review --kind concept          # only concept candidates
  distill review list
  distill review accept 0198f3a1
  distill review reject 0198f3a1 --note "not a real entity"
  distill review edit 0198f3a1 --payload '{"name": "acme-corp"}'`,
	Args: cobra.NoArgs,
	RunE: runReviewTUI,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending curation items",
	Args:  cobra.NoArgs,
	RunE:  runReviewList,
}

var reviewAcceptCmd = &cobra.Command{
	Use:   "accept <item-id>",
	Short: "Accept a candidate as proposed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveItem(args[0], models.ItemAccepted, nil)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <item-id>",
	Short: "Reject a candidate",
	Long: `Reject a candidate. For concept candidates, a --note becomes feedback for
the next refinement round.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveItem(args[0], models.ItemRejected, nil)
	},
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit <item-id>",
	Short: "Accept a candidate with an edited payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reviewPayload == "" {
			return fmt.Errorf("--payload is required")
		}
		if !json.Valid([]byte(reviewPayload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}
		return resolveItem(args[0], models.ItemModified, json.RawMessage(reviewPayload))
	},
}

func init() {
	reviewCmd.PersistentFlags().StringVar(&reviewKind, "kind", "", "filter by batch kind (entity, relation, quote, concept, inbox_move)")
	reviewRejectCmd.Flags().StringVar(&reviewNote, "note", "", "reviewer rationale (feeds concept refinement)")
	reviewEditCmd.Flags().StringVar(&reviewPayload, "payload", "", "replacement payload JSON")
	reviewEditCmd.Flags().StringVar(&reviewNote, "note", "", "reviewer rationale")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewAcceptCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewEditCmd)
}

func kindFilter() (*models.BatchKind, error) {
	if reviewKind == "" {
		return nil, nil
	}
	kind := models.BatchKind(reviewKind)
	switch kind {
	case models.BatchEntity, models.BatchRelation, models.BatchQuote,
		models.BatchConcept, models.BatchInboxMove:
		return &kind, nil
	}
	return nil, fmt.Errorf("unknown kind %q", reviewKind)
}

func runReviewList(cmd *cobra.Command, args []string) error {
	kind, err := kindFilter()
	if err != nil {
		return err
	}

	ctx := context.Background()
	items, err := dbClient.ListPendingItems(ctx, kind)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("Nothing to review")
		return nil
	}

	for _, item := range items {
		fmt.Printf("%s  batch=%s\n  %s\n",
			models.MustRecordIDString(item.ID), item.BatchID, payloadSummary(item.Payload, 100))
	}
	fmt.Printf("\n%d item(s) pending\n", len(items))
	return nil
}

func resolveItem(itemID string, status models.ItemStatus, payload json.RawMessage) error {
	var note *string
	if reviewNote != "" {
		note = &reviewNote
	}

	store := curation.NewSurrealStore(dbClient)
	item, err := store.Resolve(context.Background(), itemID, status, payload, note)
	if err != nil {
		return fmt.Errorf("resolve item: %w", err)
	}

	fmt.Printf("%s: %s\n", status, models.MustRecordIDString(item.ID))
	return nil
}

// payloadSummary renders a payload as a single line, truncated for display.
func payloadSummary(raw json.RawMessage, max int) string {
	var compact map[string]any
	s := string(raw)
	if err := json.Unmarshal(raw, &compact); err == nil {
		if name, ok := compact["name"].(string); ok {
			if summary, ok := compact["summary"].(string); ok {
				s = name + ": " + summary
			} else if desc, ok := compact["description"].(string); ok {
				s = name + ": " + desc
			} else {
				s = name
			}
		} else if text, ok := compact["text"].(string); ok {
			s = text
		}
	}
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}
