package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Site identifies the storefront a product is tracked on.
type Site string

const (
	SiteAmazon   Site = "amazon"
	SiteFlipkart Site = "flipkart"
	SiteEbay     Site = "ebay"
	SiteOther    Site = "other"
)

// ParseSite normalises a site label; unknown labels map to SiteOther.
func ParseSite(v string) Site {
	switch Site(strings.ToLower(strings.TrimSpace(v))) {
	case SiteAmazon:
		return SiteAmazon
	case SiteFlipkart:
		return SiteFlipkart
	case SiteEbay:
		return SiteEbay
	default:
		return SiteOther
	}
}

// Product is a tracked listing.
type Product struct {
	ID         string
	Name       string
	URL        string
	Site       Site
	Category   string
	Currency   string
	AlertPrice *decimal.Decimal
	CreatedAt  time.Time
}

// DisplayName falls back to the product ID when no name was recorded.
func (p Product) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// PriceObservation is an immutable price sample for a product.
type PriceObservation struct {
	ProductID string
	Timestamp time.Time
	Price     decimal.Decimal
	Currency  string
	Site      Site
}

// AppendResult reports the outcome of an append.
type AppendResult int

const (
	AppendAccepted AppendResult = iota
	AppendDuplicate
)

func (r AppendResult) String() string {
	if r == AppendDuplicate {
		return "duplicate"
	}
	return "accepted"
}

// IngestStatus is the outcome of an observation submission.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
)

// Trend is the classified direction of recent prices.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// Snapshot holds derived analytics for one product at one point in time.
// Support and resistance are observed bands; the current price may sit outside them.
type Snapshot struct {
	ProductID     string
	Trend         Trend
	Slope         float64
	Volatility    float64
	Mean          float64
	Support       decimal.Decimal
	Resistance    decimal.Decimal
	HistoricalMax decimal.Decimal
	HistoricalMin decimal.Decimal
	Current       decimal.Decimal
	LatestAt      time.Time
	Points        int
	WindowPoints  int
}

// TriggerReason names the rule that flagged a deal.
type TriggerReason string

const (
	ReasonBelowAlertPrice    TriggerReason = "below_alert_price"
	ReasonHistoricalDiscount TriggerReason = "historical_discount"
)

// ForecastPoint is a single predicted price.
type ForecastPoint struct {
	DayOffset int             `json:"day_offset"`
	Price     decimal.Decimal `json:"price"`
}

// ConfidenceLevel buckets a forecast confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Forecast is a multi-day price projection.
type Forecast struct {
	ProductID       string          `json:"product_id"`
	Model           string          `json:"model"`
	HorizonDays     int             `json:"horizon_days"`
	Points          []ForecastPoint `json:"points"`
	Confidence      float64         `json:"confidence"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level"`
	RMSE            float64         `json:"rmse"`
	GeneratedAt     time.Time       `json:"generated_at"`
	LatestAt        time.Time       `json:"latest_observation_at"`
}

// Nearest returns the first forecast point.
func (f Forecast) Nearest() (ForecastPoint, bool) {
	if len(f.Points) == 0 {
		return ForecastPoint{}, false
	}
	return f.Points[0], true
}

// Lowest returns the cheapest forecast point.
func (f Forecast) Lowest() (ForecastPoint, bool) {
	if len(f.Points) == 0 {
		return ForecastPoint{}, false
	}
	low := f.Points[0]
	for _, p := range f.Points[1:] {
		if p.Price.LessThan(low.Price) {
			low = p
		}
	}
	return low, true
}

// Action is a recommendation verdict.
type Action string

const (
	ActionBuyNow Action = "buy_now"
	ActionWait   Action = "wait"
	ActionHold   Action = "hold"
)

// Recommendation is the buy/wait/hold verdict for a product.
type Recommendation struct {
	ProductID string `json:"product_id"`
	Action    Action `json:"recommendation"`
	Rationale string `json:"rationale"`
}

// Deal is a product currently flagged by the deal detector.
type Deal struct {
	ProductID        string
	Reasons          []TriggerReason
	Current          decimal.Decimal
	DiscountAmount   decimal.Decimal
	DiscountFraction decimal.Decimal
}

// AlertStatus tracks an alert record through the dispatch lifecycle.
type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertDelivered AlertStatus = "delivered"
	AlertFailed    AlertStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s AlertStatus) Terminal() bool {
	return s == AlertDelivered || s == AlertFailed
}

// SinkAttempt is the retry state of one sink within a dispatch.
type SinkAttempt struct {
	SinkID        string    `json:"sink_id"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Succeeded     bool      `json:"succeeded"`
	Exhausted     bool      `json:"exhausted"`
	LastError     string    `json:"last_error,omitempty"`
}

// Settled reports whether the sink needs no more attempts.
func (a SinkAttempt) Settled() bool {
	return a.Succeeded || a.Exhausted
}

// AlertRecord captures one deal-triggered dispatch.
type AlertRecord struct {
	ID          string
	ProductID   string
	Reason      TriggerReason
	TriggeredAt time.Time
	Price       decimal.Decimal
	AlertPrice  *decimal.Decimal
	// ReferencePrice is what the trigger price is compared against: the alert
	// price for below_alert_price, the historical max for historical_discount.
	ReferencePrice decimal.Decimal
	Status         AlertStatus
	Sinks          []SinkAttempt
	ResolvedAt     *time.Time
}

// ChannelsAttempted lists every sink that received at least one attempt.
func (r AlertRecord) ChannelsAttempted() []string {
	out := make([]string, 0, len(r.Sinks))
	for _, s := range r.Sinks {
		if s.Attempts > 0 {
			out = append(out, s.SinkID)
		}
	}
	return out
}

// ChannelsSucceeded lists sinks that acknowledged delivery.
func (r AlertRecord) ChannelsSucceeded() []string {
	out := make([]string, 0, len(r.Sinks))
	for _, s := range r.Sinks {
		if s.Succeeded {
			out = append(out, s.SinkID)
		}
	}
	return out
}

// Savings is the reference price minus the trigger price, floored at zero.
func (r AlertRecord) Savings() decimal.Decimal {
	s := r.ReferencePrice.Sub(r.Price)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}

// Key returns the cooldown key for the record.
func (r AlertRecord) Key() AlertKey {
	return AlertKey{ProductID: r.ProductID, Reason: r.Reason}
}

// AlertKey identifies a standing deal condition.
type AlertKey struct {
	ProductID string
	Reason    TriggerReason
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProductID, k.Reason)
}
