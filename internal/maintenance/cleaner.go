// Package maintenance runs scheduled cleanup of expired tokens and linking
// requests.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule runs the cleanup at the top of every hour.
	DefaultSchedule = "@hourly"
	// DefaultLinkingRetention keeps finished linking requests for a day.
	DefaultLinkingRetention = 24 * time.Hour
)

// TokenPurger deletes used and expired email tokens.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// LinkingPurger deletes finished linking requests older than retention.
type LinkingPurger interface {
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// Stats reports the rows removed by one run.
type Stats struct {
	Tokens  int64
	Linking int64
}

// Cleaner schedules the cleanup jobs.
type Cleaner struct {
	tokens    TokenPurger
	linking   LinkingPurger
	cron      *cron.Cron
	now       func() time.Time
	logger    *zap.Logger
	schedule  string
	retention time.Duration
	timeout   time.Duration
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance.
func WithCron(c *cron.Cron) Option {
	return func(cl *Cleaner) {
		if c != nil {
			cl.cron = c
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(cl *Cleaner) {
		if now != nil {
			cl.now = now
		}
	}
}

// WithSchedule overrides the cron specification.
func WithSchedule(spec string) Option {
	return func(cl *Cleaner) {
		if spec != "" {
			cl.schedule = spec
		}
	}
}

// WithLinkingRetention sets how long finished linking requests are kept.
func WithLinkingRetention(d time.Duration) Option {
	return func(cl *Cleaner) {
		if d > 0 {
			cl.retention = d
		}
	}
}

// NewCleaner creates a Cleaner. A nil purger skips its job.
func NewCleaner(tokens TokenPurger, linking LinkingPurger, logger *zap.Logger, opts ...Option) *Cleaner {
	cl := &Cleaner{
		tokens:    tokens,
		linking:   linking,
		now:       time.Now,
		logger:    logger,
		schedule:  DefaultSchedule,
		retention: DefaultLinkingRetention,
		timeout:   time.Minute,
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.cron == nil {
		cl.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cl
}

// Start registers the cleanup job and starts the scheduler.
func (c *Cleaner) Start() error {
	if c.tokens == nil && c.linking == nil {
		return nil
	}
	if _, err := c.cron.AddFunc(c.schedule, c.runScheduled); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", c.schedule, err)
	}
	c.cron.Start()
	c.logger.Info("maintenance scheduled", zap.String("schedule", c.schedule))
	return nil
}

// Stop halts the scheduler. The returned context is done when running jobs finish.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

func (c *Cleaner) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.RunOnce(ctx); err != nil {
		c.logger.Warn("maintenance run failed", zap.Error(err))
	}
}

// RunOnce executes every configured job. A failing job does not stop the
// others; their errors are combined.
func (c *Cleaner) RunOnce(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		errs  error
	)
	now := c.now()

	if c.tokens != nil {
		n, err := c.tokens.PurgeExpiredTokens(ctx, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge email tokens: %w", err))
		}
		stats.Tokens = n
	}
	if c.linking != nil {
		n, err := c.linking.PurgeExpired(ctx, now, c.retention)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge linking requests: %w", err))
		}
		stats.Linking = n
	}

	if errs == nil {
		c.logger.Info("maintenance run complete",
			zap.Int64("tokens_removed", stats.Tokens),
			zap.Int64("linking_removed", stats.Linking),
		)
	}
	return stats, errs
}
