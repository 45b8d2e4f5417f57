// Package scheduler runs periodic maintenance: audit chain verification,
// GDPR retention purges and drift decay.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"guardian/internal/metrics"
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

var ErrUnknownJob = errors.New("unknown job")

// Scheduler wraps a seconds-aware cron. Each run gets its own timeout.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	timeout time.Duration

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	funcs   map[string]JobFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func New(m *metrics.Metrics, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		metrics: m,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
		funcs:   make(map[string]JobFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers fn under name. An empty spec leaves the job disabled;
// it can still be triggered with RunNow.
func (s *Scheduler) Schedule(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.funcs[name] = fn
	if spec == "" {
		log.Info().Str("component", "scheduler").Str("job", name).Msg("job disabled")
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.entries[name] = id
	log.Info().Str("component", "scheduler").Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	delete(s.funcs, name)
}

func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[name]
	return ok
}

// RunNow runs a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	fn, ok := s.funcs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(name, fn)
}

func (s *Scheduler) run(name string, fn JobFunc) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	result := "success"
	if err != nil {
		result = "error"
		log.Error().Err(err).Str("component", "scheduler").Str("job", name).Msg("job failed")
	} else {
		log.Debug().Str("component", "scheduler").Str("job", name).Dur("duration", time.Since(start)).Msg("job completed")
	}
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(name, result).Inc()
	}
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Str("component", "scheduler").Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info().Str("component", "scheduler").Msg("scheduler stopped")
}
