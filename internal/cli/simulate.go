package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-intel/internal/app"
)

var (
	simulateProduct   string
	simulatePrice     float64
	simulateReference float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟降价告警以测试告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			ProductID: simulateProduct,
			Price:     decimal.NewFromFloat(simulatePrice),
			Reference: decimal.NewFromFloat(simulateReference),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateProduct, "product", "", "商品 ID（可选）")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟的当前价格")
	simulateCmd.Flags().Float64Var(&simulateReference, "reference", 0, "参考价格（默认当前价格的 110%）")
}
