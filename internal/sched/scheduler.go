// Package sched fires orchestrated scans on a daily, weekly or monthly
// schedule. A last-fire timestamp suppresses re-fires inside a fixed
// window of models.DefaultScheduleSuppression, so clock jitter around the
// scheduled minute can never double-run a scan. The window cannot be
// changed through Config or the Scheduler.
package sched

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BlackVectorOps/hostguard/internal/scanner"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// ScheduleType selects the recurrence.
type ScheduleType int

const (
	Disabled ScheduleType = iota
	Daily
	Weekly
	Monthly
)

// Config describes one recurring scan.
type Config struct {
	Type       ScheduleType
	Hour       int          // 0-23
	DayOfWeek  time.Weekday // weekly schedules
	DayOfMonth int          // 1-31, monthly schedules
	Enabled    bool
	Kind       models.ScanKind
}

// CompleteCallback receives the outcome of every scheduled run.
type CompleteCallback func(result models.ScanResult, threats []models.Verdict, took time.Duration)

// Scheduler drives the orchestrator from a single goroutine.
type Scheduler struct {
	orch   *scanner.Orchestrator
	logger *slog.Logger

	mu          sync.Mutex
	cfg         Config
	lastFire    time.Time
	completeCB  CompleteCallback
	suppression time.Duration

	checkInterval time.Duration
	stopOnce      sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// New starts the scheduler goroutine with the schedule disabled.
func New(orch *scanner.Orchestrator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{
		orch:          orch,
		logger:        logger,
		suppression:   models.DefaultScheduleSuppression,
		checkInterval: time.Minute,
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// SetConfig replaces the schedule.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.logger.Info("scan schedule updated",
		"enabled", cfg.Enabled, "hour", cfg.Hour, "kind", cfg.Kind.String())
}

// Configured returns the current schedule.
func (s *Scheduler) Configured() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetCompleteCallback installs the completion callback.
func (s *Scheduler) SetCompleteCallback(cb CompleteCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCB = cb
}

// LastScanTime returns when a scheduled scan last fired.
func (s *Scheduler) LastScanTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFire
}

// NextScanTime computes the next occurrence from now.
func (s *Scheduler) NextScanTime() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cfg.Type == Disabled {
		return time.Time{}, fmt.Errorf("%w: schedule disabled", models.ErrNotFound)
	}
	return nextOccurrence(s.cfg, time.Now()), nil
}

// TriggerNow runs a scan immediately, outside the schedule.
func (s *Scheduler) TriggerNow(kind models.ScanKind) bool {
	return s.runScan(kind)
}

// Shutdown stops the scheduler goroutine. Idempotent; a scan already
// running is left to finish in the orchestrator.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// -- Loop --

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	last := s.lastFire
	window := s.suppression
	s.mu.Unlock()

	if !shouldFire(cfg, now, last, window) {
		return
	}

	s.mu.Lock()
	s.lastFire = now
	s.mu.Unlock()

	s.logger.Info("scheduled scan firing", "kind", cfg.Kind.String())
	s.runScan(cfg.Kind)
}

func (s *Scheduler) runScan(kind models.ScanKind) bool {
	start := time.Now()
	result, threats := s.orch.Scan(kind, nil)
	took := time.Since(start)

	s.mu.Lock()
	cb := s.completeCB
	s.mu.Unlock()
	if cb != nil {
		cb(result, threats, took)
	}
	return result == models.ResultSuccess
}

// -- Time arithmetic --

// shouldFire reports whether cfg is due at now, given the last fire time.
// The suppression window guards the minute boundary: a scan that just
// fired cannot fire again while the wall clock still matches.
func shouldFire(cfg Config, now, lastFire time.Time, window time.Duration) bool {
	if !cfg.Enabled || cfg.Type == Disabled {
		return false
	}
	if !lastFire.IsZero() && now.Sub(lastFire) < window {
		return false
	}
	due := occurrenceOn(cfg, now)
	if !matchesDay(cfg, now) {
		return false
	}
	diff := now.Sub(due)
	return diff >= 0 && diff < window
}

// occurrenceOn projects the configured hour onto now's day.
func occurrenceOn(cfg Config, now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, 0, 0, 0, now.Location())
}

func matchesDay(cfg Config, now time.Time) bool {
	switch cfg.Type {
	case Daily:
		return true
	case Weekly:
		return now.Weekday() == cfg.DayOfWeek
	case Monthly:
		return now.Day() == cfg.DayOfMonth
	}
	return false
}

// nextOccurrence finds the first due time strictly after now.
func nextOccurrence(cfg Config, now time.Time) time.Time {
	candidate := occurrenceOn(cfg, now)
	for !candidate.After(now) || !matchesDay(cfg, candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
