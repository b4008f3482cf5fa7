package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/domain"
	"github.com/kailas-cloud/backfill/internal/metrics"
	"github.com/kailas-cloud/backfill/internal/usecase/backfill"
)

// DefaultInterval is the pause between passes in continuous mode.
const DefaultInterval = 30 * time.Second

// State is the lifecycle state of the loop.
type State string

const (
	// StateStopped is the state before Run and after it returns.
	StateStopped State = "STOPPED"
	// StateRunning is the state while Run loops.
	StateRunning State = "RUNNING"
)

// Passer runs a single backfill pass.
type Passer interface {
	RunPass(ctx context.Context) (backfill.PassResult, error)
}

// Scheduler repeats passes on a fixed interval until its context is cancelled.
type Scheduler struct {
	pass     Passer
	interval time.Duration
	running  atomic.Bool
	logger   *zap.Logger
}

// New creates a scheduler. A zero interval means DefaultInterval.
func New(p Passer, interval time.Duration, l *zap.Logger) (*Scheduler, error) {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", domain.ErrInvalidConfig, interval)
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Scheduler{pass: p, interval: interval, logger: l}, nil
}

// State reports whether Run is looping.
func (s *Scheduler) State() State {
	if s.running.Load() {
		return StateRunning
	}
	return StateStopped
}

// Interval returns the pause between passes.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run loops pass, wait, pass... until ctx is cancelled.
// A failing pass is logged and the loop still waits the full interval before the next one.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Scheduler already running")
		return
	}
	defer s.running.Store(false)

	s.logger.Info("Starting continuous embedding processor", zap.Duration("interval", s.interval))

	for ctx.Err() == nil {
		s.runPass(ctx)
		if !s.wait(ctx) {
			break
		}
	}

	s.logger.Info("Received stop signal, stopping")
}

// Once runs a single pass and returns the processed count.
func (s *Scheduler) Once(ctx context.Context) (int, error) {
	res, err := s.pass.RunPass(ctx)
	if err != nil {
		return res.Processed, fmt.Errorf("run pass: %w", err)
	}
	s.logger.Info("Single run completed", zap.Int("processed", res.Processed))
	return res.Processed, nil
}

func (s *Scheduler) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.passFailed(fmt.Errorf("panic: %v", r), zap.Stack("stack"))
		}
	}()

	_, err := s.pass.RunPass(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	s.passFailed(err)
}

func (s *Scheduler) passFailed(err error, fields ...zap.Field) {
	metrics.PassErrorsTotal.Inc()
	metrics.PassesTotal.WithLabelValues("error").Inc()
	s.logger.Error("Error in continuous processing", append(fields, zap.Error(err))...)
}

// wait sleeps for the interval. It returns false when ctx ends first.
func (s *Scheduler) wait(ctx context.Context) bool {
	t := time.NewTimer(s.interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
