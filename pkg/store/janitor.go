package store

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor sweeps the session cache on a cron schedule.
type Janitor struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewJanitor schedules a sweep of the store's cache. spec is a
// standard cron expression; "@hourly" is a sensible default.
func NewJanitor(store *SessionStore, spec string, logger zerolog.Logger) (*Janitor, error) {
	if spec == "" {
		spec = "@hourly"
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		store.Sweep()
	}); err != nil {
		return nil, err
	}

	return &Janitor{cron: c, logger: logger}, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Debug().Msg("Cache janitor started")
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
