package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/reelmatch/internal/store"
)

var (
	runsLimit       int
	runsLike        string
	runsMaxDistance float64
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded match runs from the ledger",
	Long: `Lists past runs, most recent first. With --like, lists the runs whose target
face is closest to the target of the given run instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectDB(cmd.Context(), true); err != nil {
			return err
		}
		return runRuns(cmd.Context(), os.Stdout, DB)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	runsCmd.Flags().StringVar(&runsLike, "like", "", "Show runs with a target similar to this run ID")
	runsCmd.Flags().Float64Var(&runsMaxDistance, "max-distance", 0.55, "Maximum cosine distance for --like")
	rootCmd.AddCommand(runsCmd)
}

// runLister is the read side of the ledger.
type runLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (store.Run, error)
	SimilarRuns(ctx context.Context, target []float32, maxDistance float64, limit int) ([]store.SimilarRun, error)
}

func runRuns(ctx context.Context, w io.Writer, db runLister) error {
	if runsLike != "" {
		return runSimilar(ctx, w, db)
	}

	runs, err := db.ListRuns(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}

	t := newRunsTable(w)
	t.AppendHeader(table.Row{"Run", "Video", "Target", "Threshold", "Matched", "Accuracy", "Outcome", "Finished"})
	for _, r := range runs {
		t.AppendRow(runRow(r))
	}
	t.Render()
	return nil
}

func runSimilar(ctx context.Context, w io.Writer, db runLister) error {
	id, err := uuid.Parse(runsLike)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", runsLike, err)
	}
	ref, err := db.GetRun(ctx, id)
	if err != nil {
		return err
	}

	// The reference run is its own nearest neighbour
	similar, err := db.SimilarRuns(ctx, ref.Target, runsMaxDistance, runsLimit+1)
	if err != nil {
		return fmt.Errorf("failed to search runs: %w", err)
	}

	t := newRunsTable(w)
	t.AppendHeader(table.Row{"Run", "Video", "Target", "Threshold", "Matched", "Accuracy", "Outcome", "Finished", "Distance"})
	shown := 0
	for _, s := range similar {
		if s.ID == ref.ID || (runsLimit > 0 && shown == runsLimit) {
			continue
		}
		t.AppendRow(append(runRow(s.Run), fmt.Sprintf("%.3f", s.Distance)))
		shown++
	}
	if shown == 0 {
		fmt.Fprintf(w, "No runs with a target within distance %.2f of %s.\n", runsMaxDistance, ref.TargetPath)
		return nil
	}
	t.Render()
	return nil
}

func newRunsTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func runRow(r store.Run) table.Row {
	return table.Row{
		r.ID.String()[:8],
		r.VideoPath,
		r.TargetPath,
		fmt.Sprintf("%.2f", r.Threshold),
		fmt.Sprintf("%d/%d", r.MatchedFrames, r.TotalFrames),
		fmt.Sprintf("%.1f%%", r.Accuracy()),
		r.Outcome,
		r.FinishedAt.Local().Format("2006-01-02 15:04"),
	}
}
