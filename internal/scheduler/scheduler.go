// Package scheduler runs recurring background jobs. Each run holds a named
// distributed lock; a tick that cannot take it is skipped, so a job never
// overlaps with itself across instances.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-aaa/internal/lock"
	"github.com/rs/zerolog/log"
)

// Job is one recurring task.
type Job struct {
	Name     string
	Interval time.Duration
	// LockTTL bounds how long a crashed run can block others. Defaults to
	// twice the interval.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// ErrSkipped is returned by RunOnce when the job is already running.
var ErrSkipped = errors.New("job is already running")

type Scheduler struct {
	locker lock.Locker
	jobs   []Job
	wg     sync.WaitGroup
}

func New(locker lock.Locker) *Scheduler {
	return &Scheduler{locker: locker}
}

// Register adds a job. Call before Start.
func (s *Scheduler) Register(job Job) {
	if job.LockTTL <= 0 {
		job.LockTTL = 2 * job.Interval
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker goroutine per job until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.runJob(ctx, job); err != nil && !errors.Is(err, ErrSkipped) {
						log.Error().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
					}
				}
			}
		}(job)
	}
}

// Wait blocks until every job goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunOnce runs a registered job immediately under its lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.runJob(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	release, err := s.locker.Acquire(ctx, job.Name, job.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debug().Str("job", job.Name).Msg("Job already running elsewhere, skipping tick")
		return ErrSkipped
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("job", job.Name).Msg("Failed to release job lock")
		}
	}()

	started := time.Now()
	err = job.Run(ctx)
	log.Debug().Str("job", job.Name).Dur("took", time.Since(started)).Err(err).Msg("Job finished")
	return err
}
