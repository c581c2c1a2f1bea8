package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-intel/internal/model"
)

// Backfill imports historical observations from a CSV file with the columns
// product_id,timestamp,price,currency[,site]. Imported rows never trigger alerts.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.Path, err)
	}
	defer file.Close()

	rows, err := parseObservationCSV(file)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("回填文件为空")
	}

	if opts.DryRun {
		a.Logger.Warn().Int("rows", len(rows)).Msg("回填 dry-run：不会写入数据库")
		return nil
	}

	rt, err := a.build(ctx, buildOptions{persistent: true})
	if err != nil {
		return err
	}
	defer rt.close()

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var accepted, duplicate, rejected atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, obs := range rows {
		g.Go(func() error {
			res, err := rt.engine.SubmitObservation(gctx, obs)
			switch {
			case res.Status == model.IngestRejected:
				rejected.Add(1)
				a.Logger.Warn().Err(err).Int("row", i+2).Str("product_id", obs.ProductID).Msg("回填行被拒绝")
				return nil
			case err != nil:
				return fmt.Errorf("row %d: %w", i+2, err)
			case res.Status == model.IngestDuplicate:
				duplicate.Add(1)
			default:
				accepted.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	a.Logger.Info().
		Int64("accepted", accepted.Load()).
		Int64("duplicate", duplicate.Load()).
		Int64("rejected", rejected.Load()).
		Msg("回填完成")
	fmt.Fprintf(a.Out, "accepted: %d, duplicate: %d, rejected: %d\n", accepted.Load(), duplicate.Load(), rejected.Load())
	if err != nil {
		return err
	}
	if rejected.Load() > 0 {
		return errors.New("部分行回填失败，请检查日志")
	}
	return nil
}

// parseObservationCSV reads observations. A first row starting with product_id is a header.
func parseObservationCSV(r io.Reader) ([]model.PriceObservation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) > 0 && len(records[0]) > 0 && strings.EqualFold(strings.TrimSpace(records[0][0]), "product_id") {
		records = records[1:]
	}

	out := make([]model.PriceObservation, 0, len(records))
	for i, rec := range records {
		line := i + 2
		if len(rec) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 columns, got %d", line, len(rec))
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp: %w", line, err)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price: %w", line, err)
		}
		obs := model.PriceObservation{
			ProductID: strings.TrimSpace(rec[0]),
			Timestamp: ts,
			Price:     price,
			Currency:  strings.TrimSpace(rec[3]),
		}
		if len(rec) > 4 {
			obs.Site = model.Site(strings.TrimSpace(rec[4]))
		}
		out = append(out, obs)
	}
	return out, nil
}
