package api

import (
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

type snapshotResponse struct {
	ProductID     string          `json:"product_id"`
	Trend         model.Trend     `json:"trend"`
	Slope         float64         `json:"slope_per_day"`
	Volatility    float64         `json:"volatility"`
	Support       decimal.Decimal `json:"support"`
	Resistance    decimal.Decimal `json:"resistance"`
	HistoricalMax decimal.Decimal `json:"historical_max"`
	HistoricalMin decimal.Decimal `json:"historical_min"`
	Current       decimal.Decimal `json:"current"`
	LatestAt      time.Time       `json:"latest_observation_at"`
	Points        int             `json:"points"`
}

func toSnapshot(s model.Snapshot) snapshotResponse {
	return snapshotResponse{
		ProductID:     s.ProductID,
		Trend:         s.Trend,
		Slope:         s.Slope,
		Volatility:    s.Volatility,
		Support:       s.Support,
		Resistance:    s.Resistance,
		HistoricalMax: s.HistoricalMax,
		HistoricalMin: s.HistoricalMin,
		Current:       s.Current,
		LatestAt:      s.LatestAt,
		Points:        s.Points,
	}
}

type dealResponse struct {
	ProductID        string                `json:"product_id"`
	Reasons          []model.TriggerReason `json:"reasons"`
	Current          decimal.Decimal       `json:"current"`
	DiscountAmount   decimal.Decimal       `json:"discount_amount"`
	DiscountFraction decimal.Decimal       `json:"discount_fraction"`
}

type alertResponse struct {
	ID                string              `json:"id"`
	ProductID         string              `json:"product_id"`
	Reason            model.TriggerReason `json:"reason"`
	Status            model.AlertStatus   `json:"status"`
	TriggeredAt       time.Time           `json:"triggered_at"`
	Price             decimal.Decimal     `json:"price"`
	AlertPrice        *decimal.Decimal    `json:"alert_price,omitempty"`
	Savings           decimal.Decimal     `json:"savings"`
	ChannelsAttempted []string            `json:"channels_attempted"`
	ChannelsSucceeded []string            `json:"channels_succeeded"`
	Sinks             []model.SinkAttempt `json:"sinks"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
}

func toAlert(rec model.AlertRecord) alertResponse {
	return alertResponse{
		ID:                rec.ID,
		ProductID:         rec.ProductID,
		Reason:            rec.Reason,
		Status:            rec.Status,
		TriggeredAt:       rec.TriggeredAt,
		Price:             rec.Price,
		AlertPrice:        rec.AlertPrice,
		Savings:           rec.Savings(),
		ChannelsAttempted: rec.ChannelsAttempted(),
		ChannelsSucceeded: rec.ChannelsSucceeded(),
		Sinks:             rec.Sinks,
		ResolvedAt:        rec.ResolvedAt,
	}
}
