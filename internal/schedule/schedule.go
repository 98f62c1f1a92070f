// Package schedule runs the relay's periodic jobs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
)

// parser accepts standard 5-field expressions, an optional leading seconds
// field and descriptors such as "@every 30s" or "@hourly".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one periodic task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type entry struct {
	job   Job
	sched cron.Schedule
}

// Scheduler runs a fixed set of jobs.
type Scheduler struct {
	entries []entry
	log     zerolog.Logger
}

// New validates every job and returns a Scheduler for them.
func New(jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{log: log.WithComponent("schedule")}
	var errs []error
	for _, j := range jobs {
		if j.Name == "" {
			errs = append(errs, fmt.Errorf("schedule: job name is required"))
			continue
		}
		if j.Run == nil {
			errs = append(errs, fmt.Errorf("schedule: job %q: run func is required", j.Name))
			continue
		}
		sched, err := parser.Parse(j.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule: job %q: invalid spec %q: %w", j.Name, j.Spec, err))
			continue
		}
		s.entries = append(s.entries, entry{job: j, sched: sched})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports whether spec is an accepted cron expression.
func Validate(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Next returns the first fire time of spec after from.
func Next(spec string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.entries) }

// Run executes the jobs until ctx is cancelled, then waits for running jobs
// to finish. A job that is still running when its next tick arrives is
// skipped for that tick; a panicking job is recovered and logged.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, e := range s.entries {
		job := e.job
		c.Schedule(e.sched, cron.FuncJob(func() {
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				s.log.Error().Err(err).Str("job", job.Name).Msg("job failed")
				return
			}
			s.log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job finished")
		}))
		s.log.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
