package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/greeting-service/internal/pkg/distlock"
)

// LockFactory builds the cross-instance lock for a job name. Nil disables
// locking; single-instance deployments don't need it.
type LockFactory func(name string) distlock.Lock

// CronSpecs carries the schedule for each job, in standard 5-field cron
// syntax evaluated in UTC. Zero values take the defaults below.
type CronSpecs struct {
	PreCalc    string // default "5 0 * * *": daily at 00:05 UTC
	Enqueue    string // default "* * * * *": every minute
	Recovery   string // default "*/2 * * * *": every 2 minutes
	Partitions string // default "30 2 * * *": daily at 02:30 UTC
}

func (c *CronSpecs) applyDefaults() {
	if c.PreCalc == "" {
		c.PreCalc = "5 0 * * *"
	}
	if c.Enqueue == "" {
		c.Enqueue = "* * * * *"
	}
	if c.Recovery == "" {
		c.Recovery = "*/2 * * * *"
	}
	if c.Partitions == "" {
		c.Partitions = "30 2 * * *"
	}
}

// Service runs the scheduler jobs on a shared cron runner. Each job carries
// its own overlap guard: a tick that fires while the previous run is still
// going is skipped, not queued behind it.
type Service struct {
	cron       *cron.Cron
	preCalc    *PreCalculator
	enqueuer   *Enqueuer
	sweeper    *RecoverySweeper
	partitions *PartitionMaintainer
	running    int32
}

// NewService assembles the cron runner. Any of the jobs may be nil to leave
// it unscheduled (the worker deployment runs none of them).
func NewService(specs CronSpecs, locks LockFactory, preCalc *PreCalculator, enqueuer *Enqueuer, sweeper *RecoverySweeper, partitions *PartitionMaintainer) (*Service, error) {
	specs.applyDefaults()

	s := &Service{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		preCalc:    preCalc,
		enqueuer:   enqueuer,
		sweeper:    sweeper,
		partitions: partitions,
	}

	type job struct {
		name string
		spec string
		run  func(context.Context) error
	}
	jobs := []job{}
	if preCalc != nil {
		jobs = append(jobs, job{"precalc", specs.PreCalc, func(ctx context.Context) error {
			_, err := preCalc.Run(ctx)
			return err
		}})
	}
	if enqueuer != nil {
		jobs = append(jobs, job{"enqueue", specs.Enqueue, func(ctx context.Context) error {
			_, err := enqueuer.Run(ctx)
			return err
		}})
	}
	if sweeper != nil {
		jobs = append(jobs, job{"recovery", specs.Recovery, func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		}})
	}
	if partitions != nil {
		jobs = append(jobs, job{"partitions", specs.Partitions, partitions.Run})
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, guarded(j.name, locks, j.run)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// guarded wraps a job with an in-process skip-if-running flag, an optional
// cross-instance lock, and a bounded context.
func guarded(name string, locks LockFactory, run func(context.Context) error) func() {
	var busy int32
	return func() {
		if !atomic.CompareAndSwapInt32(&busy, 0, 1) {
			log.Printf("[Scheduler] Skipping %s tick: previous run still in progress", name)
			return
		}
		defer atomic.StoreInt32(&busy, 0)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if locks != nil {
			lock := locks(name)
			ok, err := lock.Acquire(ctx)
			if err != nil {
				log.Printf("[Scheduler] Lock %s: %v", name, err)
				return
			}
			if !ok {
				log.Printf("[Scheduler] Skipping %s tick: another instance holds the lock", name)
				return
			}
			defer func() {
				if err := lock.Release(ctx); err != nil {
					log.Printf("[Scheduler] Unlock %s: %v", name, err)
				}
			}()
		}

		if err := run(ctx); err != nil {
			log.Printf("[Scheduler] Job %s failed: %v", name, err)
		}
	}
}

// Start launches the cron runner. Idempotent.
func (s *Service) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	s.cron.Start()
	log.Printf("[Scheduler] Started")
}

// RunStartupSweep runs the recovery sweep and partition maintenance once,
// immediately. Called at boot so downtime backlogs drain before the first
// cron tick.
func (s *Service) RunStartupSweep(ctx context.Context) {
	if s.partitions != nil {
		if err := s.partitions.Run(ctx); err != nil {
			log.Printf("[Scheduler] Startup partition maintenance failed: %v", err)
		}
	}
	if s.sweeper != nil {
		if _, err := s.sweeper.Run(ctx); err != nil {
			log.Printf("[Scheduler] Startup recovery sweep failed: %v", err)
		}
	}
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("[Scheduler] Stopped")
}
