package cli

import (
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().StopDaemon()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report daemon state and the last cycle's outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status()
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Force one manual price update cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ForceUpdate(cmd.Context())
	},
}
