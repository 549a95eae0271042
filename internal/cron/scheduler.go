// Package cron runs the merge audit integrity sweep on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/governance"
)

// cronParser parses standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as @hourly or @every 10m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Verifier verifies every merge audit chain.
type Verifier interface {
	VerifyAll(ctx context.Context) (governance.Summary, error)
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Verifier Verifier
	Logger   *slog.Logger
	// Schedule is a cron expression or descriptor. Ignored when Interval is set.
	Schedule string
	// Interval runs sweeps at a fixed period instead of Schedule.
	Interval time.Duration
}

// Result is the outcome of one sweep.
type Result struct {
	At     time.Time `json:"at"`
	Chains int       `json:"chains"`
	Broken int       `json:"broken"`
	Err    string    `json:"error,omitempty"`
}

// Sweeper periodically verifies all merge audit chains.
type Sweeper struct {
	verifier Verifier
	logger   *slog.Logger
	schedule cronlib.Schedule

	mu   sync.Mutex
	last *Result
	runs int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("cron: verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sched cronlib.Schedule
	if cfg.Interval > 0 {
		sched = fixedInterval(cfg.Interval)
	} else {
		parsed, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		sched = parsed
	}
	return &Sweeper{
		verifier: cfg.Verifier,
		logger:   logger.With("component", "integrity-sweeper"),
		schedule: sched,
	}, nil
}

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron: empty schedule")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NextRunTime parses the expression and returns the next run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Start begins the sweep loop in a background goroutine. The first sweep
// runs at the first scheduled time, not immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("integrity sweeper started", "next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("integrity sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and records its result.
func (s *Sweeper) RunOnce(ctx context.Context) (governance.Summary, error) {
	start := time.Now()
	sum, err := s.verifier.VerifyAll(ctx)
	res := Result{At: start.UTC(), Chains: len(sum.Reports), Broken: sum.Broken}
	if err != nil {
		res.Err = err.Error()
		s.logger.Error("integrity sweep failed", "error", err)
	} else if sum.Broken > 0 {
		for _, r := range sum.Reports {
			if r.Valid || r.Break == nil {
				continue
			}
			s.logger.Error("merge audit chain broken",
				"primary_persona_id", r.PrimaryPersonaID,
				"entry_id", r.Break.EntryID,
				"seq", r.Break.Seq,
				"reason", r.Break.Reason,
			)
		}
	}
	s.mu.Lock()
	s.last = &res
	s.runs++
	s.mu.Unlock()
	s.logger.Debug("integrity sweep finished", "duration", time.Since(start), "chains", res.Chains, "broken", res.Broken)
	return sum, err
}

// Last returns the most recent sweep result and the number of sweeps run.
func (s *Sweeper) Last() (*Result, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, s.runs
	}
	r := *s.last
	return &r, s.runs
}

type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }
