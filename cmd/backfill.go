package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withobsrvr/searchsync/internal/core"
)

var backfillShowFailed bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Copy every document into the index once and exit",
	Long: `Backfill connects to MongoDB and the search index, ensures the index
schema exists and upserts the projection of every document in the
collection. Documents that fail to index are counted and reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		engine, err := core.NewEngineFromConfig(cfg, nil)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := engine.Backfill(ctx)
		if stopErr := engine.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}

		printBackfillReport(report)
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed to index", report.Failed, report.Total)
		}
		return nil
	},
}

func printBackfillReport(r core.BackfillReport) {
	bold := color.New(color.Bold)
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)

	bold.Println("Backfill complete")
	fmt.Printf("  documents: %d\n", r.Total)
	fmt.Printf("  synced:    %s\n", ok.Sprint(r.Synced))
	if r.Failed > 0 {
		fmt.Printf("  failed:    %s\n", bad.Sprint(r.Failed))
	} else {
		fmt.Printf("  failed:    %d\n", r.Failed)
	}
	fmt.Printf("  duration:  %s\n", r.Duration.Round(time.Millisecond))

	if backfillShowFailed && len(r.FailedIDs) > 0 {
		bold.Println("Failed documents")
		for _, id := range r.FailedIDs {
			fmt.Printf("  %s\n", bad.Sprint(id))
		}
	}
}

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().BoolVar(&backfillShowFailed, "show-failed", true, "list the identifiers of documents that failed to index")
}
