package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfellner/distill/internal/models"
)

var (
	jobsLimit      int
	jobsShowEvents bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect extraction jobs",
	Long: `List all extraction jobs or inspect a specific job by ID.

Examples:
  distill jobs                  # List recent jobs
  distill jobs abc123           # Show details for job abc123
  distill jobs abc123 --events  # Include the job's event history`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs to list")
	jobsCmd.Flags().BoolVar(&jobsShowEvents, "events", false, "show the job's events")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := dbClient.ListJobs(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-16s %-26s %s\n", "ID", "KIND", "STAGE", "UPDATED")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, job := range jobs {
		fmt.Printf("%-36s %-16s %-26s %s\n",
			models.MustRecordIDString(job.ID), job.Kind, job.Stage,
			job.Updated.Local().Format("Jan 02 15:04:05"))
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := dbClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", models.MustRecordIDString(job.ID))
	fmt.Printf("  Kind: %s\n", job.Kind)
	fmt.Printf("  Stage: %s\n", job.Stage)
	fmt.Printf("  Source: %s\n", job.SourceID)
	fmt.Printf("  Created: %s\n", job.Created.Format(time.RFC3339))
	fmt.Printf("  Updated: %s\n", job.Updated.Format(time.RFC3339))
	if job.Kind == models.KindConceptExtract {
		fmt.Printf("  Refinement iterations: %d\n", job.Phase1Iters)
		fmt.Printf("  Review rounds: %d\n", job.Phase2Iters)
	}
	if job.CancelRequested && !job.Terminal {
		fmt.Println("  Cancellation requested")
	}
	if job.FailureCause != nil {
		fmt.Printf("  Failure: %s", *job.FailureCause)
		if job.FailureStage != nil {
			fmt.Printf(" (at %s)", *job.FailureStage)
		}
		fmt.Println()
	}

	if jobsShowEvents {
		if err := showJobEvents(ctx, id); err != nil {
			return err
		}
	}

	if job.Terminal {
		return nil
	}

	// Point at the open gate when the job is parked on one.
	batchID, ok := pendingBatchID(job)
	if !ok {
		return nil
	}
	pending, err := dbClient.CountPendingItems(ctx, batchID)
	if err != nil {
		return fmt.Errorf("count pending items: %w", err)
	}
	if pending > 0 {
		fmt.Printf("\nWaiting on curation: %d item(s) pending in batch %s\n", pending, batchID)
		fmt.Println("Resolve them with: distill review")
	}
	return nil
}

func showJobEvents(ctx context.Context, jobID string) error {
	events, err := dbClient.ListEvents(ctx, 200)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	var lines []string
	for _, ev := range events {
		if ev.JobID != jobID {
			continue
		}
		line := fmt.Sprintf("  %s  %s", ev.Created.Local().Format("Jan 02 15:04:05"), ev.Kind)
		if ev.Detail != nil && *ev.Detail != "" {
			line += "  " + *ev.Detail
		}
		lines = append(lines, line)
	}

	fmt.Println("\nEvents:")
	if len(lines) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	// The feed lists newest first; history reads better oldest first.
	for i := len(lines) - 1; i >= 0; i-- {
		fmt.Println(lines[i])
	}
	return nil
}

// pendingBatchID digs the current wait stage's batch ID out of stage data.
func pendingBatchID(job *models.Job) (string, bool) {
	var key string
	switch job.Stage {
	case models.StageEntityCurationWait:
		key = "entity_batch"
	case models.StageRelationCurationWait:
		key = "relation_batch"
	case models.StageQuoteCurationWait:
		key = "quote_batch"
	case models.StageConceptCurationWait:
		key = "concept_batch"
	case models.StageInboxCurationWait:
		key = "inbox_batch"
	default:
		return "", false
	}
	id, ok := job.StageData[key].(string)
	return id, ok && id != ""
}
