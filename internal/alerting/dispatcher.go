package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/model"
	"price-intel/internal/storage"
)

const persistTimeout = 5 * time.Second

// Options configure dispatch policy.
type Options struct {
	Cooldown    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	// SendTimeout bounds every single sink call.
	SendTimeout time.Duration
}

// ProductLookup resolves the product an alert refers to.
type ProductLookup interface {
	GetProduct(ctx context.Context, productID string) (model.Product, error)
}

// Signal is one deal condition to notify about.
type Signal struct {
	Reason     model.TriggerReason
	Price      decimal.Decimal
	AlertPrice *decimal.Decimal
	Reference  decimal.Decimal
}

// Dispatcher fans alerts out to sinks with per-sink retry and per-(product, reason) cooldown.
type Dispatcher struct {
	sinks    []Sink
	byID     map[string]Sink
	store    storage.AlertStore
	products ProductLookup
	clock    Clock
	cooldown *CooldownTracker
	opts     Options
	newID    func() string
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher constructs a dispatcher. A nil clock uses the system clock.
func NewDispatcher(opts Options, sinks []Sink, store storage.AlertStore, products ProductLookup, clock Clock, logger zerolog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if clock == nil {
		clock = SystemClock{}
	}

	byID := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		byID[s.ID()] = s
	}

	return &Dispatcher{
		sinks:    sinks,
		byID:     byID,
		store:    store,
		products: products,
		clock:    clock,
		cooldown: NewCooldownTracker(opts.Cooldown, store),
		opts:     opts,
		newID:    func() string { return uuid.NewString() },
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		inflight: make(map[string]struct{}),
	}
}

// SinkIDs lists the enabled sinks in configuration order.
func (d *Dispatcher) SinkIDs() []string {
	ids := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		ids[i] = s.ID()
	}
	return ids
}

// Forget clears cooldown state for a removed product.
func (d *Dispatcher) Forget(productID string) {
	d.cooldown.Forget(productID)
}

// Trigger opens a dispatch for every signal that is outside its cooldown window and runs
// the first delivery pass. Signals still cooling down are skipped silently.
func (d *Dispatcher) Trigger(ctx context.Context, product model.Product, signals ...Signal) ([]model.AlertRecord, error) {
	if len(d.sinks) == 0 {
		d.logger.Debug().Str("product_id", product.ID).Msg("no sinks enabled, skip dispatch")
		return nil, nil
	}

	var errs []error
	out := make([]model.AlertRecord, 0, len(signals))
	for _, sig := range signals {
		key := model.AlertKey{ProductID: product.ID, Reason: sig.Reason}
		now := d.clock.Now()

		ok, err := d.cooldown.Reserve(ctx, key, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("check cooldown %s: %w", key, err))
			continue
		}
		if !ok {
			d.logger.Debug().Str("key", key.String()).Msg("cooldown active, skip dispatch")
			continue
		}

		rec := model.AlertRecord{
			ID:             d.newID(),
			ProductID:      product.ID,
			Reason:         sig.Reason,
			TriggeredAt:    now,
			Price:          sig.Price,
			AlertPrice:     sig.AlertPrice,
			ReferencePrice: sig.Reference,
			Status:         model.AlertPending,
			Sinks:          make([]model.SinkAttempt, len(d.sinks)),
		}
		for i, s := range d.sinks {
			rec.Sinks[i] = model.SinkAttempt{SinkID: s.ID(), NextAttemptAt: now}
		}

		if err := d.store.SaveAlert(ctx, rec); err != nil {
			d.cooldown.Release(key, now)
			if errors.Is(err, model.ErrProductNotFound) {
				d.logger.Info().Str("key", key.String()).Msg("product removed before dispatch, skip")
				continue
			}
			errs = append(errs, fmt.Errorf("save alert %s: %w", key, err))
			continue
		}
		d.logger.Info().Str("alert_id", rec.ID).Str("key", key.String()).
			Str("price", sig.Price.String()).Msg("dispatch opened")

		rec, err = d.advance(ctx, product, rec, false)
		out = append(out, rec)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Advance runs every due retry for unresolved dispatches and returns how many records were visited.
func (d *Dispatcher) Advance(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending alerts: %w", err)
	}

	var errs []error
	products := make(map[string]model.Product)
	visited := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		product, ok := products[rec.ProductID]
		if !ok {
			product, err = d.products.GetProduct(ctx, rec.ProductID)
			switch {
			case errors.Is(err, model.ErrProductNotFound):
				d.abandon(ctx, rec, "product removed")
				continue
			case err != nil:
				errs = append(errs, fmt.Errorf("load product %s: %w", rec.ProductID, err))
				continue
			}
			products[rec.ProductID] = product
		}

		if _, err := d.advance(ctx, product, rec, true); err != nil {
			errs = append(errs, err)
		}
		visited++
	}
	return visited, errors.Join(errs...)
}

// Run advances pending dispatches every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("dispatch interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.Advance(ctx); err != nil {
				d.logger.Error().Err(err).Msg("advance pending dispatches failed")
			} else if n > 0 {
				d.logger.Debug().Int("records", n).Msg("pending dispatches advanced")
			}
		}
	}
}

// SendReport delivers a report to every sink, ignoring cooldown. Retry state lives only
// for the duration of the call. It fails when no sink accepted the report.
func (d *Dispatcher) SendReport(ctx context.Context, report Report) ([]model.SinkAttempt, error) {
	if len(d.sinks) == 0 {
		return nil, fmt.Errorf("no sinks enabled")
	}

	now := d.clock.Now()
	attempts := make([]model.SinkAttempt, len(d.sinks))
	for i, s := range d.sinks {
		attempts[i] = model.SinkAttempt{SinkID: s.ID(), NextAttemptAt: now}
	}

	for {
		if ctx.Err() != nil {
			return attempts, fmt.Errorf("report delivery interrupted: %w", ctx.Err())
		}
		d.pass(ctx, report, attempts)
		next, pending := nextAttempt(attempts)
		if !pending {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("report delivery interrupted: %w", ctx.Err())
		case <-d.clock.After(next.Sub(d.clock.Now())):
		}
	}

	for _, a := range attempts {
		if a.Succeeded {
			d.logger.Info().Int("products", len(report.Lines)).Msg("daily report delivered")
			return attempts, nil
		}
	}
	return attempts, fmt.Errorf("daily report failed on every sink")
}

// advance runs one pass over rec and persists the result even if ctx was cancelled mid-pass.
// With reload set the record is re-read after claiming it, since the listed copy may be stale.
func (d *Dispatcher) advance(ctx context.Context, product model.Product, rec model.AlertRecord, reload bool) (model.AlertRecord, error) {
	if !d.claim(rec.ID) {
		return rec, nil
	}
	defer d.unclaim(rec.ID)

	if reload {
		fresh, ok, err := d.store.GetAlert(ctx, rec.ID)
		if err != nil {
			return rec, fmt.Errorf("reload alert %s: %w", rec.ID, err)
		}
		if !ok || fresh.ResolvedAt != nil {
			return fresh, nil
		}
		rec = fresh
	}

	d.pass(ctx, PayloadFor(product, rec), rec.Sinks)
	d.settle(&rec)
	return rec, d.persist(ctx, rec)
}

func (d *Dispatcher) abandon(ctx context.Context, rec model.AlertRecord, reason string) {
	for i := range rec.Sinks {
		if !rec.Sinks[i].Settled() {
			rec.Sinks[i].Exhausted = true
			rec.Sinks[i].LastError = reason
		}
	}
	d.settle(&rec)
	if err := d.persist(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("alert_id", rec.ID).Msg("abandon dispatch failed")
	}
}

// pass attempts every due, unsettled sink concurrently.
func (d *Dispatcher) pass(ctx context.Context, msg Message, attempts []model.SinkAttempt) {
	now := d.clock.Now()

	var wg sync.WaitGroup
	for i := range attempts {
		a := &attempts[i]
		if a.Settled() || a.NextAttemptAt.After(now) {
			continue
		}
		sink, ok := d.byID[a.SinkID]
		if !ok {
			a.Exhausted = true
			a.LastError = "sink not enabled"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.attempt(ctx, sink, msg, a, now)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) attempt(ctx context.Context, sink Sink, msg Message, a *model.SinkAttempt, now time.Time) {
	if ctx.Err() != nil {
		return
	}

	sendCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, d.opts.SendTimeout)
	}
	err := sink.Send(sendCtx, msg)
	cancel()

	if err != nil && ctx.Err() != nil {
		// the caller gave up, not the sink
		return
	}

	a.Attempts++
	if err == nil {
		a.Succeeded = true
		a.LastError = ""
		return
	}

	derr := &model.SinkDeliveryError{SinkID: a.SinkID, Attempt: a.Attempts, Err: err}
	a.LastError = derr.Error()
	if a.Attempts >= d.opts.MaxAttempts {
		a.Exhausted = true
		d.logger.Error().Err(derr).Str("sink", a.SinkID).Msg("sink retries exhausted")
		return
	}
	a.NextAttemptAt = now.Add(d.backoff(a.Attempts))
	d.logger.Warn().Err(derr).Str("sink", a.SinkID).Time("next_attempt_at", a.NextAttemptAt).Msg("sink delivery failed, will retry")
}

// backoff is base * 2^(attempts-1).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return d.opts.BackoffBase << (attempts - 1)
}

func (d *Dispatcher) settle(rec *model.AlertRecord) {
	succeeded := false
	settled := true
	for _, a := range rec.Sinks {
		succeeded = succeeded || a.Succeeded
		settled = settled && a.Settled()
	}

	if succeeded {
		rec.Status = model.AlertDelivered
	}
	if !settled || rec.ResolvedAt != nil {
		return
	}
	if !succeeded {
		rec.Status = model.AlertFailed
	}
	now := d.clock.Now()
	rec.ResolvedAt = &now
	d.logger.Info().Str("alert_id", rec.ID).Str("status", string(rec.Status)).
		Strs("succeeded", rec.ChannelsSucceeded()).Strs("attempted", rec.ChannelsAttempted()).
		Msg("dispatch resolved")
}

func (d *Dispatcher) persist(ctx context.Context, rec model.AlertRecord) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := d.store.SaveAlert(saveCtx, rec)
	switch {
	case errors.Is(err, model.ErrProductNotFound):
		// removed mid-dispatch; the cascade already dropped the record
		d.logger.Info().Str("alert_id", rec.ID).Str("product_id", rec.ProductID).Msg("product removed, dispatch abandoned")
		return nil
	case err != nil:
		return fmt.Errorf("persist alert %s: %w", rec.ID, err)
	}
	return nil
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

func nextAttempt(attempts []model.SinkAttempt) (time.Time, bool) {
	var (
		next    time.Time
		pending bool
	)
	for _, a := range attempts {
		if a.Settled() {
			continue
		}
		if !pending || a.NextAttemptAt.Before(next) {
			next = a.NextAttemptAt
		}
		pending = true
	}
	return next, pending
}
