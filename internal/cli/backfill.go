package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-intel/internal/app"
)

var (
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <file.csv>",
	Short: "Import historical observations from CSV (product_id,timestamp,price,currency[,site])",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}

		opts := app.BackfillOptions{
			Path:    args[0],
			DryRun:  backfillDryRun,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Parse the file without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
