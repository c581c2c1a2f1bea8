package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// Message 是可投递到任意渠道的通知内容。
type Message interface {
	Subject() string
	Text() string
}

// Sink 定义告警输送接口。
type Sink interface {
	ID() string
	Send(ctx context.Context, msg Message) error
}

// Payload 封装单个商品的告警上下文。
type Payload struct {
	ProductID   string
	ProductName string
	URL         string
	Currency    string
	Current     decimal.Decimal
	AlertPrice  *decimal.Decimal
	Savings     decimal.Decimal
	Reason      model.TriggerReason
	TriggeredAt time.Time
}

// PayloadFor builds the notification for a record of product.
func PayloadFor(product model.Product, rec model.AlertRecord) Payload {
	return Payload{
		ProductID:   product.ID,
		ProductName: product.DisplayName(),
		URL:         product.URL,
		Currency:    product.Currency,
		Current:     rec.Price,
		AlertPrice:  rec.AlertPrice,
		Savings:     rec.Savings(),
		Reason:      rec.Reason,
		TriggeredAt: rec.TriggeredAt,
	}
}

func (p Payload) Subject() string {
	return fmt.Sprintf("Price alert: %s now %s %s", p.ProductName, p.Current.StringFixed(2), p.Currency)
}

func (p Payload) Text() string {
	builder := strings.Builder{}
	builder.WriteString("[Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Product: %s\n", p.ProductName))
	builder.WriteString(fmt.Sprintf("Current: %s %s\n", p.Current.StringFixed(2), p.Currency))
	if p.AlertPrice != nil {
		builder.WriteString(fmt.Sprintf("Alert price: %s %s\n", p.AlertPrice.StringFixed(2), p.Currency))
	}
	if p.Savings.IsPositive() {
		builder.WriteString(fmt.Sprintf("You save: %s %s\n", p.Savings.StringFixed(2), p.Currency))
	}
	builder.WriteString(fmt.Sprintf("Reason: %s\n", describeReason(p.Reason)))
	builder.WriteString(fmt.Sprintf("Triggered: %s UTC\n", p.TriggeredAt.UTC().Format(time.RFC3339)))
	if p.URL != "" {
		builder.WriteString(p.URL)
		builder.WriteString("\n")
	}
	return builder.String()
}

func describeReason(r model.TriggerReason) string {
	switch r {
	case model.ReasonBelowAlertPrice:
		return "price reached your alert price"
	case model.ReasonHistoricalDiscount:
		return "price is well below its historical high"
	default:
		return string(r)
	}
}

// ReportLine is one product in the daily report.
type ReportLine struct {
	ProductID  string
	Name       string
	URL        string
	Currency   string
	Latest     *decimal.Decimal
	AlertPrice *decimal.Decimal
	Savings    decimal.Decimal
	Action     model.Action
	Rationale  string
}

// Report 每日汇总。
type Report struct {
	GeneratedAt time.Time
	Lines       []ReportLine
}

func (r Report) Subject() string {
	return fmt.Sprintf("Daily price report %s", r.GeneratedAt.UTC().Format("2006-01-02"))
}

func (r Report) Text() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Daily Report] %s UTC\n", r.GeneratedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Tracked products: %d\n", len(r.Lines)))

	total := decimal.Zero
	for _, line := range r.Lines {
		builder.WriteString("\n")
		builder.WriteString(line.Name)
		builder.WriteString("\n")
		if line.Latest != nil {
			builder.WriteString(fmt.Sprintf("  Latest: %s %s\n", line.Latest.StringFixed(2), line.Currency))
		} else {
			builder.WriteString("  Latest: no observations yet\n")
		}
		if line.AlertPrice != nil {
			builder.WriteString(fmt.Sprintf("  Alert price: %s %s\n", line.AlertPrice.StringFixed(2), line.Currency))
		}
		if line.Savings.IsPositive() {
			builder.WriteString(fmt.Sprintf("  Savings: %s %s\n", line.Savings.StringFixed(2), line.Currency))
			total = total.Add(line.Savings)
		}
		builder.WriteString(fmt.Sprintf("  Recommendation: %s (%s)\n", line.Action, line.Rationale))
	}
	if total.IsPositive() {
		builder.WriteString(fmt.Sprintf("\nTotal savings: %s\n", total.StringFixed(2)))
	}
	return builder.String()
}

var (
	_ Message = Payload{}
	_ Message = Report{}
)
