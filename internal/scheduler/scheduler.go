package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Last run statuses written back to a scheduled start.
const (
	StatusStarted = "started"
	StatusError   = "error"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 60 * time.Second

// Starter starts process instances. Satisfied by *engine.Runtime.
type Starter interface {
	StartProcessInstance(ctx context.Context, p engine.StartParams) (*schema.ProcessInstance, error)
}

// Scheduler polls the store for due scheduled starts and starts a process
// instance for each one.
type Scheduler struct {
	store    store.Store
	starter  Starter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. A non-positive interval means DefaultInterval.
func NewScheduler(s store.Store, starter Starter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Register validates the cron expression, computes the first run and stores
// the scheduled start.
func (s *Scheduler) Register(ctx context.Context, ss *store.ScheduledStart) error {
	if ss.DefinitionKey == "" || ss.Starter == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "scheduled start requires definition_key and starter")
	}
	if len(ss.Variables) > 0 {
		var vars map[string]any
		if err := json.Unmarshal(ss.Variables, &vars); err != nil {
			return schema.NewError(schema.ErrCodeInvalidInput, "scheduled start variables must be a JSON object").WithCause(err)
		}
	}
	next, err := s.CalculateNextRun(ss.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, err.Error()).WithCause(err)
	}
	ss.NextRunAt = &next
	return s.store.CreateScheduledStart(ctx, ss)
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled schedule whose next run is due. A schedule
// without a next run is treated as overdue.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	starts, err := s.store.ListScheduledStarts(ctx, store.ScheduledStartFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled starts", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, ss := range starts {
		if ss.NextRunAt != nil && ss.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(ss.ID) {
			continue
		}
		if err := s.run(ctx, ss, now); err != nil {
			s.logger.Error("failed to run scheduled start",
				slog.String("schedule_id", ss.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(ss.ID)
	}
}

// run starts one instance and records the outcome. A failed start is
// recorded on the schedule and not returned; only bookkeeping errors are.
func (s *Scheduler) run(ctx context.Context, ss *store.ScheduledStart, now time.Time) error {
	ctx = logging.WithActorID(ctx, ss.Starter)
	s.logger.InfoContext(ctx, "running scheduled start",
		slog.String("schedule_id", ss.ID),
		slog.String("definition_key", ss.DefinitionKey),
	)

	var vars map[string]any
	if len(ss.Variables) > 0 {
		if err := json.Unmarshal(ss.Variables, &vars); err != nil {
			s.logger.ErrorContext(ctx, "scheduled start has invalid variables",
				slog.String("schedule_id", ss.ID),
				slog.String("error", err.Error()),
			)
			return s.updateStatus(ctx, ss, now, StatusError)
		}
	}

	pi, err := s.starter.StartProcessInstance(ctx, engine.StartParams{
		DefinitionKey: ss.DefinitionKey,
		BusinessKey:   ss.BusinessKey,
		Starter:       ss.Starter,
		Variables:     vars,
	})
	status := StatusStarted
	if err != nil {
		status = StatusError
		s.logger.ErrorContext(ctx, "scheduled start failed",
			slog.String("schedule_id", ss.ID),
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.InfoContext(logging.WithProcessInstanceID(ctx, pi.ID), "scheduled instance started",
			slog.String("schedule_id", ss.ID),
		)
	}

	return s.updateStatus(ctx, ss, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, ss *store.ScheduledStart, now time.Time, status string) error {
	next, err := s.CalculateNextRun(ss.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", ss.ID, err)
	}
	return s.store.UpdateScheduledStart(ctx, ss.ID, store.ScheduledStartUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a five-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop cancels the loop and waits for it to exit. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every enabled schedule whose next run passed
// while the process was down. It returns how many were started.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	starts, err := s.store.ListScheduledStarts(ctx, store.ScheduledStartFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed scheduled starts: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, ss := range starts {
		if ss.NextRunAt == nil || !ss.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(ss.ID) {
			continue
		}
		err := s.run(ctx, ss, now)
		s.release(ss.ID)
		if err != nil {
			s.logger.Error("failed to recover missed scheduled start",
				slog.String("schedule_id", ss.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed scheduled starts", slog.Int("count", recovered))
	}
	return recovered, nil
}
