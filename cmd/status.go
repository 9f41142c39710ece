package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withobsrvr/searchsync/internal/core"
	"github.com/withobsrvr/searchsync/internal/storage"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last acknowledged change stream position",
	Long: `Status reads the checkpoint database and prints the position of the last
change event applied to the index, the run that applied it and when.

Examples:
  searchsync status
  searchsync status --all -o yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is not configured, no status is persisted")
		}
		if _, err := os.Stat(cfg.Checkpoint.Path); err != nil {
			return fmt.Errorf("checkpoint database not found: %s", cfg.Checkpoint.Path)
		}

		store, err := core.NewCheckpointStoreFromConfig(cfg, true)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		var checkpoints []*storage.Checkpoint
		if statusAll {
			checkpoints, err = store.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
		} else {
			cp, err := store.Load(ctx, cfg.Stream())
			if storage.IsNotFound(err) {
				fmt.Println(dimStyle.Render("No checkpoint stored for " + cfg.Stream()))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			checkpoints = append(checkpoints, cp)
		}

		if done, err := printStructured(checkpoints); done {
			return err
		}
		return displayCheckpoints(checkpoints)
	},
}

func displayCheckpoints(checkpoints []*storage.Checkpoint) error {
	if len(checkpoints) == 0 {
		fmt.Println(dimStyle.Render("No checkpoints stored"))
		return nil
	}

	fmt.Println(headerStyle.Render("Checkpoints"))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tRUN ID\tCLUSTER TIME\tLAST DOCUMENT\tEVENTS\tUPDATED")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%s\t%s\t%d.%d\t%s\t%d\t%s\n",
			cp.Stream,
			cp.RunID,
			cp.ClusterTime.T, cp.ClusterTime.I,
			cp.LastDocumentID,
			cp.EventsApplied,
			formatAge(cp.UpdatedAt))
	}
	return w.Flush()
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.RFC3339), age)
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusAll, "all", false, "show checkpoints for every stream in the database")
}
