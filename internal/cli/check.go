package cli

import (
	"github.com/spf13/cobra"
)

var checkOnChain bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run one policy evaluation without committing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), checkOnChain)
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkOnChain, "on-chain", false, "Also read current tier prices from the contract")
}
