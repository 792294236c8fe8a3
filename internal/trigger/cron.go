package trigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"postpilot/internal/poller"
)

type Scheduler interface {
	RunDueSchedules(ctx context.Context, now time.Time) (int, error)
}

type Poller interface {
	PollGeneratingEntries(ctx context.Context, batchSize int) (poller.Counts, error)
}

type Config struct {
	ScheduleSpec string // cron spec for the scheduler cycle, empty disables
	PollSpec     string // cron spec for the poller cycle, empty disables
	BatchSize    int
	CycleTimeout time.Duration
}

// Runner drives scheduler and poller cycles from in-process cron when no
// external cron caller is hitting the HTTP trigger endpoints.
type Runner struct {
	c *cron.Cron
}

func New(sched Scheduler, poll Poller, cfg Config) (*Runner, error) {
	timeout := cfg.CycleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	c := cron.New()
	if cfg.ScheduleSpec != "" {
		_, err := c.AddFunc(cfg.ScheduleSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := sched.RunDueSchedules(ctx, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("schedule cycle failed")
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.PollSpec != "" {
		_, err := c.AddFunc(cfg.PollSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := poll.PollGeneratingEntries(ctx, cfg.BatchSize); err != nil {
				log.Error().Err(err).Msg("poll cycle failed")
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return &Runner{c: c}, nil
}

func (r *Runner) Start() { r.c.Start() }

// Stop halts scheduling; the returned context is done once running jobs
// have finished.
func (r *Runner) Stop() context.Context { return r.c.Stop() }
