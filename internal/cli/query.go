package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-intel/internal/model"
)

var (
	ingestPrice     string
	ingestCurrency  string
	ingestSite      string
	ingestTimestamp string

	forecastModel   string
	forecastHorizon int

	alertsLimit int
	reportSend  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <product-id>",
	Short: "Record one price observation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(ingestPrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}

		ts := time.Now().UTC()
		if ingestTimestamp != "" {
			ts, err = time.Parse(time.RFC3339, ingestTimestamp)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
		}

		return getApp().Ingest(cmd.Context(), model.PriceObservation{
			ProductID: args[0],
			Timestamp: ts,
			Price:     price,
			Currency:  ingestCurrency,
			Site:      model.Site(ingestSite),
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <product-id>",
	Short: "Show trend, volatility and support/resistance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context(), args[0])
	},
}

var forecastCmd = &cobra.Command{
	Use:   "forecast <product-id>",
	Short: "Project prices for the coming days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if forecastHorizon < 0 {
			return fmt.Errorf("--horizon cannot be negative")
		}
		return getApp().Forecast(cmd.Context(), args[0], forecastModel, forecastHorizon)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <product-id>",
	Short: "Buy now, wait or hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Recommend(cmd.Context(), args[0])
	},
}

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "List products currently on a deal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Deals(cmd.Context())
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts [product-id]",
	Short: "Show alert history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		productID := ""
		if len(args) == 1 {
			productID = args[0]
		}
		return getApp().Alerts(cmd.Context(), productID, alertsLimit)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the daily report, or send it with --send",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Report(cmd.Context(), reportSend)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestPrice, "price", "", "Observed price")
	ingestCmd.Flags().StringVar(&ingestCurrency, "currency", "INR", "Currency code")
	ingestCmd.Flags().StringVar(&ingestSite, "site", "", "Storefront the price was seen on")
	ingestCmd.Flags().StringVar(&ingestTimestamp, "at", "", "Observation time (RFC3339, defaults to now)")
	_ = ingestCmd.MarkFlagRequired("price")

	forecastCmd.Flags().StringVar(&forecastModel, "model", "", "linear_regression or random_forest (defaults to config)")
	forecastCmd.Flags().IntVar(&forecastHorizon, "horizon", 0, "Days to project (defaults to config)")

	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	reportCmd.Flags().BoolVar(&reportSend, "send", false, "Send through every enabled sink instead of printing")
}
