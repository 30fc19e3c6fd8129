package report

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/types"
)

const defaultChartWidth = 60

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Console writes a human readable summary, normally to stderr.
type Console struct {
	W         io.Writer
	Threshold float64
	Width     int // sparkline width, defaultChartWidth when 0
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer, threshold float64) *Console {
	return &Console{W: w, Threshold: threshold}
}

func (c *Console) Scores(scores []types.SimilarityScore) {
	if len(scores) == 0 {
		return
	}
	width := c.Width
	if width <= 0 {
		width = defaultChartWidth
	}

	values := make([]float64, len(scores))
	best := scores[0]
	for i, s := range scores {
		values[i] = s.Value
		if s.Value > best.Value {
			best = s
		}
	}

	fmt.Fprintf(c.W, "📈 Similarity Score Over Frames (%d scores)\n", len(scores))
	fmt.Fprintf(c.W, "   %s\n", Sparkline(values, width))
	fmt.Fprintf(c.W, "   best %.2f at frame %d, threshold %.2f\n", best.Value, best.FrameIndex, c.Threshold)
}

func (c *Console) Stats(stats types.Stats) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Frames", "Matched", "Match rate", "Threshold"})
	tw.AppendRow(table.Row{
		stats.TotalFrames,
		stats.MatchedFrames,
		fmt.Sprintf("%.2f%%", stats.Accuracy()),
		fmt.Sprintf("%.2f", c.Threshold),
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(c.W, tw.Render())
	fmt.Fprintf(c.W, "✅ Matches Found: %d/%d frames (%.2f%%)\n", stats.MatchedFrames, stats.TotalFrames, stats.Accuracy())
}

func (c *Console) Artifact(a *assemble.Artifact) {
	if a == nil {
		return
	}
	fmt.Fprintf(c.W, "▶️  Highlight reel: %s (%d frames @ %d fps, %dx%d)\n", a.Path, a.Frames, a.FPS, a.Width, a.Height)
}

func (c *Console) NoMatches() {
	fmt.Fprintln(c.W, "⚠️  No matched frames found.")
}

func (c *Console) NoTargetFace() {
	fmt.Fprintln(c.W, "❌ No face detected in the target image.")
}

func (c *Console) Cancelled() {
	fmt.Fprintln(c.W, "🛑 Run cancelled, results are partial.")
}

func (c *Console) Failed(err error) {
	fmt.Fprintln(c.W, "❌ Run failed, results are partial.")
}

func (c *Console) Close() error { return nil }

// Sparkline renders values in [0, 1] as a row of block characters. Values
// outside the range are clamped. Longer inputs are bucketed to width cells
// keeping each bucket's maximum.
func Sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	cells := values
	if len(values) > width {
		cells = make([]float64, width)
		for i := range cells {
			lo := i * len(values) / width
			hi := (i + 1) * len(values) / width
			m := math.Inf(-1)
			for _, v := range values[lo:hi] {
				m = math.Max(m, v)
			}
			cells[i] = m
		}
	}

	var sb strings.Builder
	top := len(sparkLevels) - 1
	for _, v := range cells {
		v = math.Max(0, math.Min(1, v))
		sb.WriteRune(sparkLevels[int(math.Round(v*float64(top)))])
	}
	return sb.String()
}
