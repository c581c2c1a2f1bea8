package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
)

// Show prints the most recent observations of a product, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.ProductID == "" {
		return errors.New("product id is required")
	}

	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.store.GetProduct(ctx, opts.ProductID); err != nil {
		return err
	}
	history, err := rt.store.GetHistory(ctx, opts.ProductID, nil)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(a.Out, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tCurrency\tSite\tChange")

	shown := 0
	for i := len(history) - 1; i >= 0 && shown < opts.Limit; i-- {
		obs := history[i]
		change := "-"
		if i > 0 {
			change = formatDecimal(obs.Price.Sub(history[i-1].Price), 2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			obs.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(obs.Price, 2),
			obs.Currency,
			obs.Site,
			change,
		)
		shown++
	}

	return writer.Flush()
}
