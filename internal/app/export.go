package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"price-intel/internal/model"
)

// Export renders a product's price history as CSV and/or PNG, with the forecast appended.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.ProductID == "" {
		return errors.New("product id is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.store.GetProduct(ctx, opts.ProductID); err != nil {
		return err
	}
	history, err := rt.store.GetHistory(ctx, opts.ProductID, opts.From)
	if err != nil {
		return err
	}
	if opts.To != nil {
		history = trimAfter(history, opts.To.UTC())
	}
	if len(history) == 0 {
		a.Logger.Info().Str("product_id", opts.ProductID).Msg("no observations found for export window")
		return nil
	}

	var projected []model.ForecastPoint
	var anchor time.Time
	fc, err := rt.engine.GetForecast(ctx, opts.ProductID, opts.Model, opts.Horizon)
	if err != nil {
		a.Logger.Warn().Err(err).Str("product_id", opts.ProductID).Msg("forecast unavailable; exporting history only")
	} else {
		projected = fc.Points
		anchor = fc.LatestAt
	}

	downsampled := downsample(history, opts.MaxPoints)
	a.Logger.Info().Int("total", len(history)).Int("exported", len(downsampled)).Int("forecast", len(projected)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled, projected, anchor); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.ProductID, downsampled, projected, anchor); err != nil {
			return err
		}
	}

	return nil
}

func trimAfter(history []model.PriceObservation, to time.Time) []model.PriceObservation {
	for i, obs := range history {
		if obs.Timestamp.After(to) {
			return history[:i]
		}
	}
	return history
}

func downsample(history []model.PriceObservation, max int) []model.PriceObservation {
	if max <= 1 || len(history) <= max {
		return history
	}

	result := make([]model.PriceObservation, 0, max)
	step := float64(len(history)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(history) {
			idx = len(history) - 1
		}
		result = append(result, history[idx])
	}
	return result
}

func forecastDate(anchor time.Time, p model.ForecastPoint) time.Time {
	return anchor.Add(time.Duration(p.DayOffset) * 24 * time.Hour)
}

func writeHistoryCSV(path string, history []model.PriceObservation, projected []model.ForecastPoint, anchor time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "price", "currency", "site", "kind"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range history {
		record := []string{
			obs.Timestamp.UTC().Format(time.RFC3339),
			obs.Price.String(),
			obs.Currency,
			string(obs.Site),
			"observed",
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	currency := history[len(history)-1].Currency
	for _, p := range projected {
		record := []string{
			forecastDate(anchor, p).UTC().Format(time.RFC3339),
			p.Price.String(),
			currency,
			"",
			"forecast",
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path, productID string, history []model.PriceObservation, projected []model.ForecastPoint, anchor time.Time) error {
	if len(history)+len(projected) < 2 {
		return errors.New("need at least two points to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(history))
	prices := make([]float64, len(history))
	for i, obs := range history {
		x[i] = obs.Timestamp
		prices[i] = obs.Price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Observed",
			XValues: x,
			YValues: prices,
		},
	}

	if len(projected) > 0 {
		// start the overlay at the last observation so the two lines join
		last := history[len(history)-1]
		fx := []time.Time{last.Timestamp}
		fy := []float64{last.Price.InexactFloat64()}
		for _, p := range projected {
			fx = append(fx, forecastDate(anchor, p))
			fy = append(fy, p.Price.InexactFloat64())
		}
		series = append(series, chart.TimeSeries{
			Name: "Forecast",
			Style: chart.Style{
				StrokeColor:     drawing.ColorRed,
				StrokeDashArray: []float64{5.0, 5.0},
			},
			XValues: fx,
			YValues: fy,
		})
	}

	graph := chart.Chart{
		Title:  productID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
