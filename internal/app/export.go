package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricekeeper/internal/storage"
)

// Export renders commit history as CSV and/or a PNG chart of the
// committed USD price over time.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, -3, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	commits, err := store.ListCommitsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		a.Logger.Info().Msg("no commits found for export window")
		return nil
	}

	downsampled := downsampleCommits(commits, opts.MaxPoints)
	a.Logger.Info().Int("total", len(commits)).Int("exported", len(downsampled)).Msg("exporting commits")

	if opts.CSVPath != "" {
		if err := writeCommitsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCommitsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCommits(commits []storage.PriceCommit, max int) []storage.PriceCommit {
	if max <= 0 || len(commits) <= max {
		return commits
	}

	result := make([]storage.PriceCommit, 0, max)
	step := float64(len(commits)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(commits) {
			idx = len(commits) - 1
		}
		result = append(result, commits[idx])
	}
	return result
}

func writeCommitsCSV(path string, commits []storage.PriceCommit) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"committed_at", "usd_price", "status", "committed_by", "block_number", "tx_hash"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range commits {
		blockStr := ""
		if rec.BlockNumber != nil {
			blockStr = strconv.FormatInt(*rec.BlockNumber, 10)
		}
		record := []string{
			rec.CommittedAt.Format(time.RFC3339),
			rec.USDPrice.String(),
			rec.Status,
			rec.CommittedBy,
			blockStr,
			rec.TxHash,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCommitsPNG(path string, commits []storage.PriceCommit) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(commits))
	prices := make([]float64, len(commits))
	for i, rec := range commits {
		x[i] = rec.CommittedAt
		prices[i] = rec.USDPrice.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Committed USD price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Committed price",
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

