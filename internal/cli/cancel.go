package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running job",
	Long: `Request cancellation of a running job.

The worker honors the request at the next stage boundary, before starting any
further model calls or graph writes. A job already in a terminal stage cannot
be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := dbClient.RequestCancel(ctx, args[0]); err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	fmt.Printf("Cancellation requested for job %s\n", args[0])
	return nil
}
