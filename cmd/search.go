package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/withobsrvr/searchsync/internal/core"
	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/processor"
	"github.com/withobsrvr/searchsync/internal/sink"
)

var (
	searchSize    int
	searchFrom    int
	searchLookup  bool
	searchTimeout = 30 * time.Second
)

type searchHitView struct {
	ID        string   `json:"id" yaml:"id"`
	Score     float64  `json:"score" yaml:"score"`
	Field     string   `json:"field" yaml:"field"`
	Fragments []string `json:"fragments" yaml:"fragments"`
}

type searchView struct {
	Query string          `json:"query" yaml:"query"`
	Total int64           `json:"total" yaml:"total"`
	From  int             `json:"from" yaml:"from"`
	Hits  []searchHitView `json:"hits" yaml:"hits"`
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Query the search index",
	Long: `Search runs a free text query against the index and prints the ranked
hits with highlighted fragments. With --id the argument is treated as a
document identifier and the stored fields are printed instead.

Examples:
  searchsync search "refund request"
  searchsync search invoice --size 10 --from 10
  searchsync search --id 64f1c0b2e4b0a1a2b3c4d5e6`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := core.NewIndexFromConfig(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()

		if err := idx.Connect(ctx); err != nil {
			return err
		}
		defer idx.Close()

		text := strings.Join(args, " ")
		if searchLookup {
			return lookupDocument(ctx, idx, text)
		}

		res, err := idx.Search(ctx, sink.SearchRequest{Text: text, Size: searchSize, From: searchFrom})
		if err != nil {
			return err
		}
		return printSearchResult(text, res)
	},
}

func lookupDocument(ctx context.Context, idx sink.Index, id string) error {
	fields, err := idx.Lookup(ctx, id)
	if model.IsNotFound(err) {
		fmt.Println(dimStyle.Render("No document with id " + id))
		return nil
	}
	if err != nil {
		return err
	}

	fields = processor.ProjectFields(fields)
	if done, err := printStructured(fields); done {
		return err
	}
	fmt.Println(headerStyle.Render(id))
	for _, f := range processor.SearchableFields {
		fmt.Printf("  %-9s %v\n", f+":", fields[f])
	}
	return nil
}

func printSearchResult(text string, res *sink.SearchResult) error {
	view := searchView{Query: text, Total: res.Total, From: searchFrom}
	for _, h := range res.Hits {
		field, frags := h.Fragments()
		view.Hits = append(view.Hits, searchHitView{ID: h.ID, Score: h.Score, Field: field, Fragments: frags})
	}
	if done, err := printStructured(view); done {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%d hits for %q", res.Total, text)))
	if len(view.Hits) == 0 {
		return nil
	}
	mark := func(s string) string { return markStyle.Render(s) }
	for i, h := range view.Hits {
		fmt.Printf("\n%d. %s %s\n", searchFrom+i+1, h.ID, dimStyle.Render(fmt.Sprintf("score %.3f  %s", h.Score, h.Field)))
		for _, frag := range h.Fragments {
			fmt.Printf("   %s\n", sink.RenderHighlights(frag, mark))
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVar(&searchSize, "size", sink.DefaultSearchSize, "maximum number of hits")
	searchCmd.Flags().IntVar(&searchFrom, "from", 0, "number of hits to skip")
	searchCmd.Flags().BoolVar(&searchLookup, "id", false, "look up a single document by identifier")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", searchTimeout, "request timeout")
}
