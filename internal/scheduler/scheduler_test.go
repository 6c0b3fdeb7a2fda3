package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu     sync.Mutex
	starts map[string]*store.ScheduledStart
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{starts: make(map[string]*store.ScheduledStart)}
}

func (m *mockSchedulerStore) CreateScheduledStart(_ context.Context, ss *store.ScheduledStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss.ID == "" {
		ss.ID = "generated"
	}
	cp := *ss
	m.starts[ss.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledStart(_ context.Context, id string) (*store.ScheduledStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.starts[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled start %q not found", id)
	}
	cp := *ss
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledStart(_ context.Context, id string, update store.ScheduledStartUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.starts[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled start %q not found", id)
	}
	if update.Enabled != nil {
		ss.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		ss.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		ss.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		ss.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledStarts(_ context.Context, filter store.ScheduledStartFilter) ([]*store.ScheduledStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledStart
	for _, ss := range m.starts {
		if filter.Enabled != nil && ss.Enabled != *filter.Enabled {
			continue
		}
		if filter.DefinitionKey != "" && ss.DefinitionKey != filter.DefinitionKey {
			continue
		}
		cp := *ss
		out = append(out, &cp)
	}
	return out, nil
}

type mockStarter struct {
	mu    sync.Mutex
	calls []engine.StartParams
	err   error
}

func (s *mockStarter) StartProcessInstance(_ context.Context, p engine.StartParams) (*schema.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if s.err != nil {
		return nil, s.err
	}
	return &schema.ProcessInstance{ID: "pi-" + p.DefinitionKey, Status: schema.ProcessStatusActive}, nil
}

func (s *mockStarter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestScheduler(s store.Store, starter Starter) *Scheduler {
	return NewScheduler(s, starter, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("0 9 * * 1-5", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickStartsDueSchedules(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionKey:  "leave",
		CronExpression: "*/15 * * * *",
		BusinessKey:    "monthly",
		Starter:        "cron",
		Variables:      json.RawMessage(`{"days":2}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "leave", call.DefinitionKey)
	assert.Empty(t, call.DefinitionID)
	assert.Equal(t, "monthly", call.BusinessKey)
	assert.Equal(t, "cron", call.Starter)
	assert.Equal(t, float64(2), call.Variables["days"])

	got, err := ms.GetScheduledStart(ctx, "ss-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, StatusStarted, got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabled(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "future", DefinitionKey: "a", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "disabled", DefinitionKey: "b", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: false, NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTickTreatsMissingNextRunAsDue(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "no-next", DefinitionKey: "leave", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, starter.callCount())
}

func TestStartFailureIsRecorded(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{err: schema.NewError(schema.ErrCodeNotFound, "definition not found")}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "ss-fail", DefinitionKey: "missing", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true, NextRunAt: &past,
	}))

	sched.tick(ctx)

	got, err := ms.GetScheduledStart(ctx, "ss-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(past))
}

func TestInvalidVariablesSkipStart(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "ss-bad", DefinitionKey: "leave", CronExpression: "0 * * * *",
		Starter: "cron", Variables: json.RawMessage(`[1,2]`), Enabled: true, NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
	got, err := ms.GetScheduledStart(ctx, "ss-bad")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "ss-missed", DefinitionKey: "leave", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true, NextRunAt: &past,
	}))
	// Never run: recovery only picks up schedules that have a missed next run.
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "ss-new", DefinitionKey: "other", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true,
	}))

	n, err := sched.RecoverMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, starter.callCount())

	got, err := ms.GetScheduledStart(ctx, "ss-missed")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID: "ss-dedup", DefinitionKey: "leave", CronExpression: "0 * * * *",
		Starter: "cron", Enabled: true, NextRunAt: &past,
	}))

	require.True(t, sched.tryAcquire("ss-dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.release("ss-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Released after the tick: a due schedule runs again.
	again := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledStart(ctx, "ss-dedup", store.ScheduledStartUpdate{NextRunAt: &again}))
	sched.tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestRegister(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	ss := &store.ScheduledStart{ID: "ss-reg", DefinitionKey: "leave", CronExpression: "0 9 * * *", Starter: "cron", Enabled: true}
	require.NoError(t, sched.Register(ctx, ss))
	require.NotNil(t, ss.NextRunAt)
	assert.True(t, ss.NextRunAt.After(time.Now().UTC()))

	err := sched.Register(ctx, &store.ScheduledStart{DefinitionKey: "leave", CronExpression: "every day", Starter: "cron"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))

	err = sched.Register(ctx, &store.ScheduledStart{CronExpression: "0 9 * * *"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
}

func TestRegisterRejectsNonObjectVariables(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	for _, raw := range []string{`[1,2]`, `"x"`, `42`, `{not json`} {
		err := sched.Register(ctx, &store.ScheduledStart{
			DefinitionKey: "leave", CronExpression: "0 9 * * *", Starter: "cron",
			Variables: json.RawMessage(raw),
		})
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput), raw)
	}

	ss := &store.ScheduledStart{
		ID: "ss-vars", DefinitionKey: "leave", CronExpression: "0 9 * * *", Starter: "cron",
		Variables: json.RawMessage(`{"days": 2}`),
	}
	require.NoError(t, sched.Register(ctx, ss))
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestScheduledStartAgainstStore(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	starter := &mockStarter{}
	sched := newTestScheduler(s, starter)
	ctx := context.Background()

	ss := &store.ScheduledStart{DefinitionKey: "leave", CronExpression: "0 * * * *", Starter: "cron", Enabled: true}
	require.NoError(t, sched.Register(ctx, ss))

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpdateScheduledStart(ctx, ss.ID, store.ScheduledStartUpdate{NextRunAt: &past}))

	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	got, err := s.GetScheduledStart(ctx, ss.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
}
