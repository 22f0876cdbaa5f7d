package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricekeeper/internal/app"
)

var (
	showLimit     int
	showDecisions bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent commits or policy decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Decisions: showDecisions,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showDecisions, "decisions", false, "Show policy decisions instead of commits")
}
