package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the notification feed",
	Long: `Show recent pipeline events, newest first: started workflows, batches
waiting on review, and completed workflows.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 30, "maximum number of events to show")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	events, err := dbClient.ListEvents(ctx, eventsLimit)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}

	for _, ev := range events {
		line := fmt.Sprintf("%s  %-20s job=%s",
			ev.Created.Local().Format("Jan 02 15:04:05"), ev.Kind, ev.JobID)
		if ev.Detail != nil && *ev.Detail != "" {
			line += "  " + *ev.Detail
		}
		fmt.Println(line)
	}
	return nil
}
