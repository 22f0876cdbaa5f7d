package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricekeeper/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export commit history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC3339, inclusive); defaults to 3 months ago")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC3339, exclusive); defaults to now")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a PNG chart of the committed price to this path")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write commit rows as CSV to this path")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many points (defaults to config)")
}
