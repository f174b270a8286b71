package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is a unit of recurring work. Run errors are reported and swallowed;
// one misbehaving job never affects the others.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

type entry struct {
	job      Job
	interval time.Duration
	delay    time.Duration
	running  sync.Mutex
}

// Scheduler drives each registered job on its own timer. Jobs never share a
// tick: a slow sweep cannot delay an IP check. If a run is still in flight
// when its next tick fires, that tick is skipped.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func New() *Scheduler {
	return &Scheduler{
		log: log.Logger.With().Str("component", "sched").Logger(),
	}
}

// Add registers a job to run every interval, with a first run after delay.
// A zero delay runs the job immediately on Start.
func (s *Scheduler) Add(job Job, interval, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{job: job, interval: interval, delay: delay})
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
}

// Stop cancels all job loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.delay):
		}
	}

	s.spawn(ctx, e)

	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.spawn(ctx, e)
		}
	}
}

// spawn runs the job off the loop goroutine so the loop keeps consuming
// ticks; a tick that lands mid-run hits the TryLock and is skipped, not
// queued behind the run.
func (s *Scheduler) spawn(ctx context.Context, e *entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, e)
	}()
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	if !e.running.TryLock() {
		s.log.Debug().Str("job", e.job.Name()).Msg("previous run still in flight, skipping")
		return
	}
	defer e.running.Unlock()

	start := time.Now()
	if err := e.job.Run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", e.job.Name()).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", e.job.Name()).Dur("took", time.Since(start)).Msg("job finished")
}
