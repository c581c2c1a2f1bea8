package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is a cron-triggered job.
type JobFunc func(ctx context.Context) error

// Cron runs a single job on a cron expression, e.g. the daily report.
type Cron struct {
	spec     string
	location *time.Location
	schedule cron.Schedule
	logger   zerolog.Logger
}

// NewCron parses a standard five-field expression evaluated in timezone.
func NewCron(spec, timezone string, logger zerolog.Logger) (*Cron, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}

	return &Cron{
		spec:     spec,
		location: loc,
		schedule: schedule,
		logger:   logger.With().Str("component", "cron").Str("spec", spec).Logger(),
	}, nil
}

// Next returns the first activation strictly after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.location))
}

// Run blocks and invokes job at each activation until ctx is cancelled. Runs never overlap:
// an activation that fires while the previous run is still going is skipped.
func (c *Cron) Run(ctx context.Context, job JobFunc) error {
	runner := cron.New(
		cron.WithLocation(c.location),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{c.logger})),
	)
	runner.Schedule(c.schedule, cron.FuncJob(func() {
		c.logger.Info().Msg("cron job triggered")
		if err := job(ctx); err != nil {
			c.logger.Error().Err(err).Msg("cron job failed")
		}
	}))

	c.logger.Info().Time("next_run", c.Next(time.Now())).Msg("cron scheduled")
	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

var _ cron.Logger = cronLogger{}
