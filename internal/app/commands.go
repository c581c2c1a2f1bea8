package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// ProductOptions describe a product to track.
type ProductOptions struct {
	ID         string
	Name       string
	URL        string
	Site       string
	Category   string
	Currency   string
	AlertPrice *decimal.Decimal
}

// AddProduct registers or updates a product.
func (a *App) AddProduct(ctx context.Context, opts ProductOptions) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	p, err := rt.engine.AddProduct(ctx, model.Product{
		ID:         opts.ID,
		Name:       opts.Name,
		URL:        opts.URL,
		Site:       model.Site(opts.Site),
		Category:   opts.Category,
		Currency:   strings.ToUpper(opts.Currency),
		AlertPrice: opts.AlertPrice,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "tracking %s (%s, %s)\n", p.ID, p.DisplayName(), p.Site)
	return nil
}

// RemoveProduct deletes a product with its history and alerts.
func (a *App) RemoveProduct(ctx context.Context, productID string) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.engine.RemoveProduct(ctx, productID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %s\n", productID)
	return nil
}

// SetAlertPrice sets or clears a product's alert price.
func (a *App) SetAlertPrice(ctx context.Context, productID string, price *decimal.Decimal) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	return rt.engine.SetAlertPrice(ctx, productID, price)
}

// ListProducts prints every tracked product.
func (a *App) ListProducts(ctx context.Context) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	products, err := rt.engine.ListProducts(ctx)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Fprintln(a.Out, "no products tracked")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tSite\tCurrency\tAlert price\tURL")
	for _, p := range products {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, sanitizeInline(p.DisplayName()), p.Site, p.Currency, optionalDecimal(p.AlertPrice), p.URL)
	}
	return writer.Flush()
}

// Ingest submits a single observation and prints what it triggered.
func (a *App) Ingest(ctx context.Context, obs model.PriceObservation) error {
	rt, err := a.build(ctx, buildOptions{persistent: true, alerts: true})
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.engine.SubmitObservation(ctx, obs)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "status: %s\n", res.Status)
	if res.Snapshot != nil {
		fmt.Fprintf(a.Out, "trend: %s, historical max: %s\n", res.Snapshot.Trend, formatDecimal(res.Snapshot.HistoricalMax, 2))
	}
	if res.Deal.IsDeal {
		fmt.Fprintf(a.Out, "deal: %s (%s%% off historical max)\n",
			joinReasons(res.Deal.Reasons), formatDecimal(res.Deal.DiscountFraction.Mul(decimal.NewFromInt(100)), 1))
	}
	for _, rec := range res.Alerts {
		fmt.Fprintf(a.Out, "alert %s: %s via %s\n", rec.ID, rec.Status, strings.Join(rec.ChannelsSucceeded(), ","))
	}
	return nil
}

// Snapshot prints the analytics snapshot.
func (a *App) Snapshot(ctx context.Context, productID string) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	snap, err := rt.engine.GetSnapshot(ctx, productID)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Product\t%s\n", snap.ProductID)
	fmt.Fprintf(writer, "Current\t%s\n", formatDecimal(snap.Current, 2))
	fmt.Fprintf(writer, "Trend\t%s (%.4f/day)\n", snap.Trend, snap.Slope)
	fmt.Fprintf(writer, "Volatility\t%.4f\n", snap.Volatility)
	fmt.Fprintf(writer, "Support / Resistance\t%s / %s\n", formatDecimal(snap.Support, 2), formatDecimal(snap.Resistance, 2))
	fmt.Fprintf(writer, "Historical min / max\t%s / %s\n", formatDecimal(snap.HistoricalMin, 2), formatDecimal(snap.HistoricalMax, 2))
	fmt.Fprintf(writer, "Observations\t%d (%d in window)\n", snap.Points, snap.WindowPoints)
	fmt.Fprintf(writer, "Latest\t%s\n", snap.LatestAt.UTC().Format(time.RFC3339))
	return writer.Flush()
}

// Forecast prints a price projection.
func (a *App) Forecast(ctx context.Context, productID, modelName string, horizon int) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	fc, err := rt.engine.GetForecast(ctx, productID, modelName, horizon)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "model: %s, confidence: %.2f (%s), rmse: %.2f\n", fc.Model, fc.Confidence, fc.ConfidenceLevel, fc.RMSE)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Day\tDate\tPrice")
	for _, p := range fc.Points {
		day := fc.LatestAt.Add(time.Duration(p.DayOffset) * 24 * time.Hour)
		fmt.Fprintf(writer, "+%d\t%s\t%s\n", p.DayOffset, day.UTC().Format("2006-01-02"), formatDecimal(p.Price, 2))
	}
	return writer.Flush()
}

// Recommend prints the buy/wait/hold verdict.
func (a *App) Recommend(ctx context.Context, productID string) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.engine.GetRecommendation(ctx, productID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s: %s\n  %s\n", rec.ProductID, rec.Action, rec.Rationale)
	return nil
}

// Deals prints current deals, largest discount first.
func (a *App) Deals(ctx context.Context) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	found, err := rt.engine.ListDeals(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(a.Out, "no deals right now")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Product\tCurrent\tDiscount\tDiscount%\tReasons")
	for _, d := range found {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			d.ProductID,
			formatDecimal(d.Current, 2),
			formatDecimal(d.DiscountAmount, 2),
			formatDecimal(d.DiscountFraction.Mul(decimal.NewFromInt(100)), 1),
			joinReasons(d.Reasons),
		)
	}
	return writer.Flush()
}

// Report prints the daily summary, or sends it to every sink when send is set.
func (a *App) Report(ctx context.Context, send bool) error {
	rt, err := a.build(ctx, buildOptions{persistent: true, alerts: send})
	if err != nil {
		return err
	}
	defer rt.close()

	if !send {
		report, err := rt.engine.BuildReport(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(a.Out, report.Text())
		return nil
	}

	_, attempts, err := rt.engine.DailyReport(ctx)
	for _, at := range attempts {
		state := "ok"
		if !at.Succeeded {
			state = "failed: " + at.LastError
		}
		fmt.Fprintf(a.Out, "%s: %s (%d attempts)\n", at.SinkID, state, at.Attempts)
	}
	return err
}

// Alerts prints the alert history, optionally for one product.
func (a *App) Alerts(ctx context.Context, productID string, limit int) error {
	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	records, err := rt.engine.ListAlerts(ctx, productID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no alerts recorded")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tProduct\tReason\tPrice\tSavings\tStatus\tSucceeded\tAttempted")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.TriggeredAt.UTC().Format(time.RFC3339),
			rec.ProductID,
			rec.Reason,
			formatDecimal(rec.Price, 2),
			formatDecimal(rec.Savings(), 2),
			rec.Status,
			strings.Join(rec.ChannelsSucceeded(), ","),
			strings.Join(rec.ChannelsAttempted(), ","),
		)
	}
	return writer.Flush()
}

func joinReasons(reasons []model.TriggerReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func optionalDecimal(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return formatDecimal(*d, 2)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
