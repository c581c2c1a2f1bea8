package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-intel/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show <product-id>",
	Short: "Display recent price observations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			ProductID: args[0],
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of observations to display")
}
