package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
	"github.com/t77yq/autotask/internal/protocol"
)

type memStore struct {
	mu      sync.Mutex
	rules   []*model.Rule
	updates int
	listErr error
}

func (s *memStore) List(context.Context) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, rule *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == rule.ID {
			s.rules[i] = rule
			return nil
		}
	}
	s.rules = append(s.rules, rule)
	return nil
}

func (s *memStore) UpdateByID(_ context.Context, id string, mutate func(*model.Rule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.ID == id {
			mutate(r)
			s.updates++
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStore) DeleteByIDs(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	for _, r := range s.rules {
		drop := false
		for _, id := range ids {
			drop = drop || r.ID == id
		}
		if !drop {
			kept = append(kept, r)
		}
	}
	s.rules = kept
	return nil
}

func (s *memStore) get(id string) model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.ID == id {
			return *r
		}
	}
	return model.Rule{}
}

type scriptFunc func(ctx context.Context, source string) (any, error)

func (f scriptFunc) Evaluate(ctx context.Context, source string) (any, error) {
	return f(ctx, source)
}

type fakeWaker struct {
	mu      sync.Mutex
	armed   []time.Time
	cancels int
}

func (w *fakeWaker) ArmAt(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = append(w.armed, at)
}

func (w *fakeWaker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels++
}

func (w *fakeWaker) last() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.armed) == 0 {
		return time.Time{}
	}
	return w.armed[len(w.armed)-1]
}

type memRecorder struct {
	mu   sync.Mutex
	runs []*model.RunRecord
}

func (m *memRecorder) Record(_ context.Context, run *model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type fixture struct {
	store    *memStore
	waker    *fakeWaker
	recorder *memRecorder
	runner   *Runner
	now      time.Time
}

func newFixture(t *testing.T, runtime ScriptRuntime, rules ...*model.Rule) *fixture {
	t.Helper()
	f := &fixture{
		store:    &memStore{rules: rules},
		waker:    &fakeWaker{},
		recorder: &memRecorder{},
		now:      time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC),
	}
	dispatcher := protocol.NewDispatcher(nil, nil, nil, zap.NewNop())
	f.runner = New(f.store, runtime, dispatcher, f.waker, zap.NewNop(),
		WithClock(func() time.Time { return f.now }),
		WithLocation(time.UTC),
		WithRecorders(f.recorder))
	return f
}

func returning(v any) ScriptRuntime {
	return scriptFunc(func(context.Context, string) (any, error) { return v, nil })
}

func TestRunDue_EndToEnd(t *testing.T) {
	ctx := context.Background()
	rule := &model.Rule{ID: "r1", Name: "five", Enabled: true, Cron: "*/5 * * * *", Script: "'ok'"}
	f := newFixture(t, returning("ok"), rule)

	// never ran: measured from 09:59:30, next fire 10:00 is not after 10:00:30
	f.runner.RunDue(ctx)

	got := f.store.get("r1")
	assert.Equal(t, f.now.UnixMilli(), got.LastRunAt)
	assert.Equal(t, "ok", got.LastResult)
	assert.Empty(t, got.LastError)
	assert.Equal(t, "[OK] 2024-01-01 10:00:30\n耗时: 0ms\n返回: ok", got.LastLog)
	assert.Equal(t, "last run 10:00:30", f.runner.Status())
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), f.waker.last())
	assert.Equal(t, f.waker.last(), f.runner.NextWake())

	require.Len(t, f.recorder.runs, 1)
	assert.Equal(t, model.RunStatusSucceeded, f.recorder.runs[0].Status)
	assert.Equal(t, model.RunTriggerSchedule, f.recorder.runs[0].Trigger)

	// a second pass a minute later has nothing due
	f.now = f.now.Add(time.Minute)
	f.runner.RunDue(ctx)
	assert.Len(t, f.recorder.runs, 1)
	assert.Equal(t, "waiting", f.runner.Status())
	assert.False(t, f.runner.Running())
}

func TestRunDue_NotDueWhenNeverRunBetweenFires(t *testing.T) {
	rule := &model.Rule{ID: "r1", Enabled: true, Cron: "*/5 * * * *", Script: "1"}
	f := newFixture(t, returning(1), rule)
	f.now = time.Date(2024, 1, 1, 10, 2, 30, 0, time.UTC)

	f.runner.RunDue(context.Background())

	assert.Zero(t, f.store.get("r1").LastRunAt)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), f.waker.last())
}

func TestRunDue_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	runtime := scriptFunc(func(_ context.Context, source string) (any, error) {
		if source == "throw" {
			return nil, &model.ScriptError{Message: "boom", Stack: "at line 1"}
		}
		return map[string]any{"done": true}, nil
	})
	f := newFixture(t, runtime,
		&model.Rule{ID: "bad", Enabled: true, Cron: "* * * * *", Script: "throw", LastResult: "old"},
		&model.Rule{ID: "good", Enabled: true, Cron: "* * * * *", Script: "fine"},
	)

	f.runner.RunDue(ctx)

	bad := f.store.get("bad")
	assert.Equal(t, "boom", bad.LastError)
	assert.Empty(t, bad.LastResult)
	assert.Equal(t, "[FAIL] 2024-01-01 10:00:30\n错误: boom\n堆栈:\nat line 1", bad.LastLog)
	assert.Equal(t, f.now.UnixMilli(), bad.LastRunAt)

	good := f.store.get("good")
	assert.Empty(t, good.LastError)
	assert.Equal(t, `{"done":true}`, good.LastResult)

	require.Len(t, f.recorder.runs, 2)
	assert.Equal(t, model.RunStatusFailed, f.recorder.runs[0].Status)
	assert.Equal(t, model.RunStatusSucceeded, f.recorder.runs[1].Status)
}

func TestRunDue_DispatchFailureFailsTheRun(t *testing.T) {
	f := newFixture(t, returning(`[{"type":"bogus"}]`),
		&model.Rule{ID: "r1", Enabled: true, Cron: "* * * * *", Script: "x"})

	f.runner.RunDue(context.Background())

	got := f.store.get("r1")
	assert.Contains(t, got.LastError, "unknown action type")
	assert.Empty(t, got.LastResult)
	assert.Contains(t, got.LastLog, "[FAIL] ")
	assert.Contains(t, got.LastLog, "\n堆栈:\n")
	assert.Contains(t, f.runner.Status(), "failed: ")
	require.Len(t, f.recorder.runs, 1)
	assert.Len(t, f.recorder.runs[0].Actions, 1)
}

func TestRunDue_EmptyScript(t *testing.T) {
	f := newFixture(t, returning("unused"),
		&model.Rule{ID: "r1", Enabled: true, Cron: "* * * * *", Script: "  \n"})

	f.runner.RunDue(context.Background())

	got := f.store.get("r1")
	assert.Equal(t, "script is empty", got.LastError)
	assert.Equal(t, "[FAIL] 2024-01-01 10:00:30\n错误: script is empty", got.LastLog)
	assert.Equal(t, f.now.UnixMilli(), got.LastRunAt)
}

func TestRunDue_CronInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, returning("x"),
		&model.Rule{ID: "blank", Enabled: true, Script: "x"},
		&model.Rule{ID: "malformed", Enabled: true, Cron: "61 * * * *", Script: "x"},
		&model.Rule{ID: "never", Enabled: true, Cron: "0 0 30 2 *", Script: "x"},
	)

	f.runner.RunDue(ctx)

	for _, id := range []string{"blank", "malformed", "never"} {
		got := f.store.get(id)
		assert.Equal(t, "invalid cron expression", got.LastError, id)
		assert.Equal(t, "[FAIL] 2024-01-01 10:00:30\n错误: invalid cron expression", got.LastLog, id)
		assert.Zero(t, got.LastRunAt, id)
	}
	assert.Equal(t, 3, f.store.updates)
	assert.Empty(t, f.recorder.runs)
	assert.Equal(t, 1, f.waker.cancels)

	// unchanged errors are not rewritten
	f.runner.RunDue(ctx)
	assert.Equal(t, 3, f.store.updates)
}

func TestRunDue_NothingToSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("No Tasks", func(t *testing.T) {
		f := newFixture(t, returning(nil))
		f.runner.RunDue(ctx)
		assert.Equal(t, "no tasks", f.runner.Status())
		assert.Equal(t, 1, f.waker.cancels)
		assert.Empty(t, f.waker.armed)
	})

	t.Run("No Enabled Tasks", func(t *testing.T) {
		f := newFixture(t, returning(nil), &model.Rule{ID: "r1", Cron: "* * * * *", Script: "x"})
		f.runner.RunDue(ctx)
		assert.Equal(t, "no enabled tasks", f.runner.Status())
		assert.Equal(t, 1, f.waker.cancels)
		assert.Zero(t, f.store.get("r1").LastRunAt)
	})

	t.Run("Store Unavailable", func(t *testing.T) {
		f := newFixture(t, returning(nil))
		f.store.listErr = errors.New("disk gone")
		f.runner.RunDue(ctx)
		assert.Equal(t, f.now.Add(time.Minute), f.waker.last())
	})
}

func TestRunDue_MasterFlag(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	runtime := scriptFunc(func(context.Context, string) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	f := newFixture(t, runtime, &model.Rule{ID: "r1", Enabled: true, Cron: "* * * * *", Script: "x"})

	f.runner.SetScheduleEnabled(ctx, false)
	assert.False(t, f.runner.ScheduleEnabled())
	f.runner.RunDue(ctx)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 2, f.waker.cancels)
	assert.True(t, f.runner.NextWake().IsZero())

	// ad hoc runs still execute but leave the wake alone
	require.NoError(t, f.runner.RunOnce(ctx, "r1"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, f.waker.armed)

	f.runner.SetScheduleEnabled(ctx, true)
	require.Len(t, f.waker.armed, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), f.waker.last())
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("Unknown Rule", func(t *testing.T) {
		f := newFixture(t, returning(nil), &model.Rule{ID: "r1", Enabled: true, Cron: "0 12 * * *", Script: "x"})
		err := f.runner.RunOnce(ctx, "missing")
		require.ErrorIs(t, err, ErrRuleNotFound)
		assert.Equal(t, "no such task", f.runner.Status())

		// the wake still follows the enabled rule
		require.Len(t, f.waker.armed, 1)
		assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), f.waker.last())
	})

	t.Run("Store Unavailable", func(t *testing.T) {
		f := newFixture(t, returning(nil), &model.Rule{ID: "r1", Enabled: true, Cron: "0 12 * * *", Script: "x"})
		f.store.listErr = errors.New("disk gone")

		err := f.runner.RunOnce(ctx, "r1")
		require.Error(t, err)
		require.Len(t, f.waker.armed, 1)
		assert.Equal(t, f.now.Add(time.Minute), f.waker.last())
	})

	t.Run("Ignores Schedule And Enabled State", func(t *testing.T) {
		f := newFixture(t, returning("manual"),
			&model.Rule{ID: "off", Cron: "0 0 1 1 *", Script: "x"},
			&model.Rule{ID: "on", Enabled: true, Cron: "0 12 * * *", Script: "x", LastRunAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).UnixMilli()},
		)

		require.NoError(t, f.runner.RunOnce(ctx, "off"))
		assert.Equal(t, "manual", f.store.get("off").LastResult)
		require.Len(t, f.recorder.runs, 1)
		assert.Equal(t, model.RunTriggerManual, f.recorder.runs[0].Trigger)

		// the wake follows the enabled rule
		assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), f.waker.last())
	})
}

func TestReschedule_ClampsToOneSecond(t *testing.T) {
	f := newFixture(t, returning(nil), &model.Rule{ID: "r1", Enabled: true, Cron: "* * * * *", Script: "x"})
	f.now = time.Date(2024, 1, 1, 10, 0, 59, 500_000_000, time.UTC)

	f.runner.RunDue(context.Background())

	assert.Equal(t, f.now.Add(time.Second), f.waker.last())
}

func TestReschedule_EarliestRuleWins(t *testing.T) {
	lastRun := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	f := newFixture(t, returning(nil),
		&model.Rule{ID: "hourly", Enabled: true, Cron: "0 * * * *", Script: "x", LastRunAt: lastRun},
		&model.Rule{ID: "quarter", Enabled: true, Cron: "*/15 * * * *", Script: "x", LastRunAt: lastRun},
		&model.Rule{ID: "off", Cron: "* * * * *", Script: "x"},
		&model.Rule{ID: "broken", Enabled: true, Cron: "bad", Script: "x"},
	)

	f.runner.Reschedule(context.Background())

	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), f.waker.last())
}

func TestRunner_SerializesPasses(t *testing.T) {
	ctx := context.Background()
	var (
		active    atomic.Int32
		maxActive atomic.Int32
		calls     atomic.Int32
	)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	runtime := scriptFunc(func(context.Context, string) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return "done", nil
	})
	f := newFixture(t, runtime, &model.Rule{ID: "r1", Enabled: true, Cron: "* * * * *", Script: "x"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.runner.RunDue(ctx)
	}()
	<-entered
	assert.True(t, f.runner.Running())

	go func() {
		defer wg.Done()
		assert.NoError(t, f.runner.RunOnce(ctx, "r1"))
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "ad hoc run started while the pass held the lock")

	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxActive.Load())
	assert.False(t, f.runner.Running())
}

func TestReports(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	t.Run("Success", func(t *testing.T) {
		got := SuccessReport(at, 1500*time.Millisecond, []string{"a", "b"}, "result")
		assert.Equal(t, "[OK] 2024-02-03 04:05:06\n耗时: 1500ms\n动作:\n- a\n- b\n返回: result", got)
	})

	t.Run("Failure Without Trace", func(t *testing.T) {
		assert.Equal(t, "[FAIL] 2024-02-03 04:05:06\n错误: x", FailureReport(at, "x", ""))
	})

	t.Run("Bounded", func(t *testing.T) {
		long := make([]byte, 10000)
		for i := range long {
			long[i] = 'x'
		}
		got := FailureReport(at, "x", string(long))
		assert.Equal(t, model.MaxLogLength, len([]rune(got)))

		got = SuccessReport(at, 0, nil, string(long))
		assert.Contains(t, got, "\n返回: ")
		assert.Less(t, len([]rune(got)), model.MaxLogLength)
	})
}
