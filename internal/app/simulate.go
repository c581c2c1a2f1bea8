package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/alerting"
	"price-intel/internal/model"
)

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	ProductID string
	Price     decimal.Decimal
	Reference decimal.Decimal
}

// SimulateAlert 构造一条模拟告警并直接推送到所有已启用的渠道，不写入数据库也不受冷却限制。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	sinks := a.newSinks()
	if len(sinks) == 0 {
		return errors.New("未配置任何告警通道")
	}

	product := model.Product{ID: opts.ProductID, Name: "Simulated product", Currency: "INR"}
	if product.ID == "" {
		product.ID = "simulated"
	}
	reference := opts.Reference
	if !reference.IsPositive() {
		reference = opts.Price.Mul(decimal.NewFromFloat(1.1)).Round(2)
	}

	payload := alerting.PayloadFor(product, model.AlertRecord{
		ProductID:      product.ID,
		Reason:         model.ReasonHistoricalDiscount,
		TriggeredAt:    time.Now().UTC(),
		Price:          opts.Price,
		ReferencePrice: reference,
	})

	timeout := a.Config.Engine.DispatchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	failed := 0
	for _, sink := range sinks {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		err := sink.Send(sendCtx, payload)
		cancel()
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("sink", sink.ID()).Msg("模拟告警发送失败")
			fmt.Fprintf(a.Out, "%s: failed: %v\n", sink.ID(), err)
			continue
		}
		fmt.Fprintf(a.Out, "%s: ok\n", sink.ID())
	}
	if failed == len(sinks) {
		return errors.New("所有渠道发送失败")
	}
	return nil
}
