package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-intel/internal/app"
)

var (
	productName       string
	productURL        string
	productSite       string
	productCategory   string
	productCurrency   string
	productAlertPrice string
)

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Manage tracked products",
}

var productAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Track a product, or update it if it already exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alert, err := parseAlertPrice(productAlertPrice)
		if err != nil {
			return err
		}
		return getApp().AddProduct(cmd.Context(), app.ProductOptions{
			ID:         args[0],
			Name:       productName,
			URL:        productURL,
			Site:       productSite,
			Category:   productCategory,
			Currency:   productCurrency,
			AlertPrice: alert,
		})
	},
}

var productRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop tracking a product and delete its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveProduct(cmd.Context(), args[0])
	},
}

var productSetAlertCmd = &cobra.Command{
	Use:   "set-alert <id> <price|none>",
	Short: "Set or clear the alert price",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var price *decimal.Decimal
		if args[1] != "none" {
			p, err := parseAlertPrice(args[1])
			if err != nil {
				return err
			}
			price = p
		}
		return getApp().SetAlertPrice(cmd.Context(), args[0], price)
	},
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked products",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListProducts(cmd.Context())
	},
}

func parseAlertPrice(v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid alert price %q: %w", v, err)
	}
	if !d.IsPositive() {
		return nil, errors.New("alert price must be greater than zero")
	}
	return &d, nil
}

func init() {
	productAddCmd.Flags().StringVar(&productName, "name", "", "Display name")
	productAddCmd.Flags().StringVar(&productURL, "url", "", "Product page URL")
	productAddCmd.Flags().StringVar(&productSite, "site", "", "Storefront: amazon, flipkart, ebay or other")
	productAddCmd.Flags().StringVar(&productCategory, "category", "", "Category label")
	productAddCmd.Flags().StringVar(&productCurrency, "currency", "INR", "Currency code")
	productAddCmd.Flags().StringVar(&productAlertPrice, "alert-price", "", "Notify when the price drops to or below this value")

	productCmd.AddCommand(productAddCmd)
	productCmd.AddCommand(productRemoveCmd)
	productCmd.AddCommand(productSetAlertCmd)
	productCmd.AddCommand(productListCmd)
}
