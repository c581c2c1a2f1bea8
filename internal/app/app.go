package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-intel/internal/alerting"
	"price-intel/internal/api"
	"price-intel/internal/config"
	"price-intel/internal/forecast"
	"price-intel/internal/logging"
	"price-intel/internal/scheduler"
	"price-intel/internal/service"
	"price-intel/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs stay on the logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

// backend is what both store implementations provide.
type backend interface {
	storage.HistoryStore
	storage.AlertStore
}

// openStore connects to PostgreSQL, or falls back to the in-memory store when no DSN is set
// and persistence is not required.
func (a *App) openStore(ctx context.Context, persistent bool) (backend, func(), error) {
	if a.Config.Database.DSN == "" {
		if persistent {
			return nil, nil, errors.New("database.dsn not configured; this command needs persistent storage")
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, data is lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func (a *App) newCache(ctx context.Context) (forecast.Cache, func()) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return forecast.NewMemoryCache(), func() {}
	}

	cache := forecast.NewRedisCache(forecast.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
		TTL:      cfg.ForecastTTL,
	})
	if err := cache.Ping(ctx); err != nil {
		a.Logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable; using in-memory forecast cache")
		_ = cache.Close()
		return forecast.NewMemoryCache(), func() {}
	}
	return cache, func() { _ = cache.Close() }
}

func (a *App) newForecaster(cache forecast.Cache) *forecast.Forecaster {
	e := a.Config.Engine
	return forecast.New(forecast.Options{
		MinPoints:  e.ForecastMinHistoryPoints,
		MaxHorizon: e.MaxHorizonDays,
		Timeout:    e.ForecastTimeout,
	}, cache, a.Logger,
		forecast.NewLinear(),
		forecast.NewForest(forecast.ForestOptions{
			Trees:    e.Forest.Trees,
			MaxDepth: e.Forest.MaxDepth,
			MinLeaf:  e.Forest.MinLeaf,
			Seed:     e.Forest.Seed,
		}),
	)
}

func (a *App) newSinks() []alerting.Sink {
	sinks := make([]alerting.Sink, 0, len(a.Config.Engine.EnabledSinks))
	for _, id := range a.Config.Engine.EnabledSinks {
		switch id {
		case alerting.SinkTelegram:
			cfg := a.Config.Sinks.Telegram
			sinks = append(sinks, alerting.NewTelegramSink(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RatePerMinute, a.Config.Engine.DispatchTimeout, a.Logger))
		case alerting.SinkEmail:
			cfg := a.Config.Sinks.Email
			sinks = append(sinks, alerting.NewEmailSink(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.From, cfg.To, a.Logger))
		}
	}
	return sinks
}

func (a *App) newDispatcher(store backend) *alerting.Dispatcher {
	e := a.Config.Engine
	return alerting.NewDispatcher(alerting.Options{
		Cooldown:    e.CooldownWindow,
		MaxAttempts: e.MaxRetryAttempts,
		BackoffBase: e.RetryBackoffBase,
		SendTimeout: e.DispatchTimeout,
	}, a.newSinks(), store, store, alerting.SystemClock{}, a.Logger)
}

// runtime bundles an engine with the resources it holds open.
type runtime struct {
	engine *service.Engine
	store  backend
	close  func()
}

type buildOptions struct {
	persistent bool
	// alerts wires the dispatcher.
	alerts   bool
	schedule bool
}

func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, error) {
	store, closeStore, err := a.openStore(ctx, opts.persistent)
	if err != nil {
		return nil, err
	}
	cache, closeCache := a.newCache(ctx)

	deps := service.Deps{
		Store:      store,
		Alerts:     store,
		Forecaster: a.newForecaster(cache),
	}
	if opts.alerts {
		deps.Dispatcher = a.newDispatcher(store)
		if len(deps.Dispatcher.SinkIDs()) == 0 {
			a.Logger.Warn().Msg("engine.enabled_sinks is empty; deals are detected but no alerts are sent")
		}
	}
	if opts.schedule {
		deps.Scheduler = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunAtStart:   true,
		}, a.Logger)
		if a.Config.Report.Enabled {
			report, err := scheduler.NewCron(a.Config.Report.Cron, a.Config.Report.Timezone, a.Logger)
			if err != nil {
				closeCache()
				closeStore()
				return nil, err
			}
			deps.Report = report
		}
	}

	return &runtime{
		engine: service.New(a.Config, deps, a.Logger),
		store:  store,
		close: func() {
			closeCache()
			closeStore()
		},
	}, nil
}

// Run executes the long-running evaluation service and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{alerts: true, schedule: true})
	if err != nil {
		return err
	}
	defer rt.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.engine.Run(gctx)
	})
	if a.Config.API.Enabled {
		handler := api.New(rt.engine, logging.Component(a.Logger, "api"))
		server := api.NewServer(a.Config.API.ListenAddr, handler, a.Config.API.ShutdownTimeout, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("api", a.Config.API.Enabled).
		Bool("report", a.Config.Report.Enabled).
		Msg("starting price intelligence service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price intelligence service stopped")
	return nil
}

// Migrate applies the PostgreSQL schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.Info().Msg("schema up to date")
	return nil
}

// ExportOptions hold parameters for exporting a product's history.
type ExportOptions struct {
	ProductID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Model     string
	Horizon   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ProductID string
	Limit     int
}

// BackfillOptions configure a bulk CSV import.
type BackfillOptions struct {
	Path    string
	DryRun  bool
	Workers int
}
