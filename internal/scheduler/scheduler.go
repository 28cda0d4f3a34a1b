// Package scheduler drives backup runs on a cron schedule, one entry
// per managed dataset, funneling every trigger through a single
// worker so that runs on different datasets never execute
// concurrently, per the reference deployment's single-writer
// assumption.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner is the subset of a Job Engine job the scheduler needs. It is
// declared here, rather than depending on *engine.Job directly, so
// tests can supply a fake run without a real dataset or object store.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler owns a cron.Cron entry per scheduled dataset and a single
// worker goroutine that drains triggered runs one at a time.
type Scheduler struct {
	log     zerolog.Logger
	cron    *cron.Cron
	trigger chan string

	mu      sync.Mutex
	running map[string]bool

	runners map[string]Runner
}

// New builds a Scheduler. runners maps dataset name to the job that
// runs it; crons maps dataset name to its five-field cron expression.
// A dataset absent from crons, or with an empty expression, is never
// triggered automatically — it remains runnable only via Trigger.
func New(log zerolog.Logger, runners map[string]Runner, crons map[string]string) (*Scheduler, error) {
	s := &Scheduler{
		log:     log,
		cron:    cron.New(),
		trigger: make(chan string, len(runners)),
		running: make(map[string]bool),
		runners: runners,
	}

	for dataset, spec := range crons {
		if spec == "" {
			continue
		}
		if _, ok := runners[dataset]; !ok {
			continue
		}

		ds := dataset
		if _, err := s.cron.AddFunc(spec, func() { s.Trigger(ds) }); err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron expression for %s: %w", dataset, err)
		}
	}

	return s, nil
}

// Trigger enqueues an immediate run of dataset's job. It is
// non-blocking: a dataset already queued or running is not enqueued
// twice.
func (s *Scheduler) Trigger(dataset string) {
	s.mu.Lock()
	if s.running[dataset] {
		s.mu.Unlock()
		return
	}
	s.running[dataset] = true
	s.mu.Unlock()

	select {
	case s.trigger <- dataset:
	default:
		s.log.Warn().Str("dataset", dataset).Msg("scheduler trigger channel full, dropping run")
		s.mu.Lock()
		s.running[dataset] = false
		s.mu.Unlock()
	}
}

// Start begins cron dispatch and the single worker goroutine. It
// blocks until ctx is canceled, then stops cron dispatch and waits
// for any in-flight run to finish before returning — a SIGINT during
// Start exits cleanly, per the concurrency model's cancellation rule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case dataset := <-s.trigger:
			s.runOne(ctx, dataset)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, dataset string) {
	defer func() {
		s.mu.Lock()
		s.running[dataset] = false
		s.mu.Unlock()
	}()

	runner, ok := s.runners[dataset]
	if !ok {
		return
	}

	s.log.Info().Str("dataset", dataset).Msg("backup run starting")
	if err := runner.Run(ctx); err != nil {
		s.log.Error().Str("dataset", dataset).Err(err).Msg("backup run failed")
		return
	}
	s.log.Info().Str("dataset", dataset).Msg("backup run complete")
}
