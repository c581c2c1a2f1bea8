package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps persistence failures that callers must see.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrProductNotFound is returned for unknown product IDs.
	ErrProductNotFound = errors.New("product not found")
	// ErrUnknownModel is returned when a forecast strategy is not registered.
	ErrUnknownModel = errors.New("unknown forecast model")
)

// ValidationError rejects a malformed observation or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientHistoryError reports that not enough observations exist yet.
type InsufficientHistoryError struct {
	ProductID string
	Have      int
	Need      int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("not enough data yet for %s: have %d observations, need %d", e.ProductID, e.Have, e.Need)
}

// ForecastError means a strategy produced an unusable prediction; the forecast is withheld.
type ForecastError struct {
	Model  string
	Reason string
	Err    error
}

func (e *ForecastError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forecast %s: %s: %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("forecast %s: %s", e.Model, e.Reason)
}

func (e *ForecastError) Unwrap() error { return e.Err }

// SinkDeliveryError is a single failed send to one sink.
type SinkDeliveryError struct {
	SinkID  string
	Attempt int
	Err     error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("sink %s attempt %d: %v", e.SinkID, e.Attempt, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error { return e.Err }

// IsInsufficientHistory reports whether err carries an InsufficientHistoryError.
func IsInsufficientHistory(err error) bool {
	var target *InsufficientHistoryError
	return errors.As(err, &target)
}
