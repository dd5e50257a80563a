// Package runner executes due automation rules one pass at a time and keeps
// the next wake armed for the earliest upcoming fire time.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/cron"
	"github.com/t77yq/autotask/internal/model"
	"github.com/t77yq/autotask/internal/protocol"
)

const (
	// minWakeDelay is the earliest a wake may be armed after now
	minWakeDelay = time.Second
	// listRetryDelay re-arms the wake when the rule store can't be read
	listRetryDelay = time.Minute
)

// RuleStore persists automation rules
type RuleStore interface {
	List(ctx context.Context) ([]*model.Rule, error)
	Upsert(ctx context.Context, rule *model.Rule) error
	UpdateByID(ctx context.Context, id string, mutate func(*model.Rule)) error
	DeleteByIDs(ctx context.Context, ids ...string) error
}

// ScriptRuntime evaluates rule scripts. A throwing script yields a
// *model.ScriptError.
type ScriptRuntime interface {
	Evaluate(ctx context.Context, source string) (any, error)
}

// ActionHandler interprets a script result as actions and executes them
type ActionHandler interface {
	Handle(ctx context.Context, result any, tc protocol.TaskContext) (protocol.Report, error)
}

// Waker re-enters the runner at a future instant
type Waker interface {
	ArmAt(at time.Time)
	Cancel()
}

// Recorder receives a record of every execution attempt
type Recorder interface {
	Record(ctx context.Context, run *model.RunRecord) error
}

// Option configures a Runner
type Option func(*Runner)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLocation sets the zone cron expressions are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithRecorders adds run history sinks
func WithRecorders(recorders ...Recorder) Option {
	return func(r *Runner) { r.recorders = append(r.recorders, recorders...) }
}

// WithScheduleEnabled sets the initial master schedule flag (default on)
func WithScheduleEnabled(enabled bool) Option {
	return func(r *Runner) { r.enabled.Store(enabled) }
}

// Runner serializes rule execution behind a single lock held for a whole
// pass or a whole ad hoc run.
type Runner struct {
	store     RuleStore
	runtime   ScriptRuntime
	actions   ActionHandler
	waker     Waker
	recorders []Recorder
	logger    *zap.Logger
	loc       *time.Location
	now       func() time.Time

	exec    sync.Mutex
	running atomic.Bool
	enabled atomic.Bool

	mu       sync.RWMutex
	status   string
	nextWake time.Time
}

// New creates a new runner
func New(store RuleStore, runtime ScriptRuntime, actions ActionHandler, waker Waker, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		runtime: runtime,
		actions: actions,
		waker:   waker,
		logger:  logger.Named("runner"),
		loc:     time.Local,
		now:     time.Now,
	}
	r.enabled.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a pass or ad hoc run currently holds the lock.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Status returns a one-line description of the last pass.
func (r *Runner) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// NextWake returns the instant last armed, zero when no wake is pending.
func (r *Runner) NextWake() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextWake
}

// ScheduleEnabled reports the master schedule flag.
func (r *Runner) ScheduleEnabled() bool {
	return r.enabled.Load()
}

// SetScheduleEnabled flips the master schedule flag. Turning it off cancels
// the pending wake without interrupting a pass in progress; turning it on
// re-arms the wake.
func (r *Runner) SetScheduleEnabled(ctx context.Context, enabled bool) {
	if r.enabled.Swap(enabled) == enabled {
		return
	}
	r.logger.Info("Schedule flag changed", zap.Bool("enabled", enabled))
	if !enabled {
		r.cancelWake()
		r.setStatus("schedule disabled")
		return
	}
	r.Reschedule(ctx)
}

// RunDue executes every enabled rule whose next fire time is not after now,
// in list order, then re-arms the wake. Errors end up on the rules and in
// the log, never with the caller.
func (r *Runner) RunDue(ctx context.Context) {
	if !r.enabled.Load() {
		r.cancelWake()
		r.setStatus("schedule disabled")
		return
	}

	r.exec.Lock()
	defer r.exec.Unlock()
	r.running.Store(true)
	defer r.running.Store(false)

	rules, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("Failed to list rules", zap.Error(err))
		r.armWake(r.now().Add(listRetryDelay))
		return
	}

	enabled := 0
	for _, rule := range rules {
		if rule.Enabled {
			enabled++
		}
	}
	switch {
	case len(rules) == 0:
		r.setStatus("no tasks")
		r.cancelWake()
		return
	case enabled == 0:
		r.setStatus("no enabled tasks")
		r.cancelWake()
		return
	}

	now := r.now()
	var due []*model.Rule
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		next, err := r.nextFire(rule, now)
		if err != nil {
			r.markCronInvalid(ctx, rule, err)
			continue
		}
		if !next.After(now) {
			due = append(due, rule)
		}
	}

	if len(due) == 0 {
		r.setStatus("waiting")
	}
	for _, rule := range due {
		if ctx.Err() != nil {
			r.logger.Warn("Pass interrupted", zap.Error(ctx.Err()))
			break
		}
		r.execute(ctx, rule, model.RunTriggerSchedule)
	}

	r.reschedule(ctx)
}

// RunOnce executes the rule with the given id regardless of its schedule or
// enabled state. The wake is re-armed afterwards, also when the id is
// unknown, if the master flag is on.
func (r *Runner) RunOnce(ctx context.Context, id string) error {
	r.exec.Lock()
	defer r.exec.Unlock()
	r.running.Store(true)
	defer r.running.Store(false)

	rules, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("Failed to list rules", zap.Error(err))
		if r.enabled.Load() {
			r.armWake(r.now().Add(listRetryDelay))
		}
		return errors.Wrap(err, "failed to list rules")
	}

	var rule *model.Rule
	for _, candidate := range rules {
		if candidate.ID == id {
			rule = candidate
			break
		}
	}
	if rule == nil {
		r.setStatus(ErrRuleNotFound.Error())
		r.reschedule(ctx)
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}

	r.execute(ctx, rule, model.RunTriggerManual)
	r.reschedule(ctx)
	return nil
}

// Reschedule recomputes and arms the next wake.
func (r *Runner) Reschedule(ctx context.Context) {
	r.exec.Lock()
	defer r.exec.Unlock()
	r.reschedule(ctx)
}

// reschedule arms the earliest fire time over all enabled, valid rules.
// Callers hold the execution lock.
func (r *Runner) reschedule(ctx context.Context) {
	if !r.enabled.Load() {
		r.cancelWake()
		return
	}

	rules, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("Failed to list rules for rescheduling", zap.Error(err))
		r.armWake(r.now().Add(listRetryDelay))
		return
	}

	now := r.now()
	next, ok := r.earliest(rules, now)
	if !ok {
		r.logger.Info("No schedulable rules, wake cancelled")
		r.cancelWake()
		return
	}
	if floor := now.Add(minWakeDelay); next.Before(floor) {
		next = floor
	}
	r.armWake(next)
}

func (r *Runner) earliest(rules []*model.Rule, now time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		next, err := r.nextFire(rule, now)
		if err != nil {
			continue
		}
		if !found || next.Before(best) {
			best, found = next, true
		}
	}
	return best, found
}

// nextFire computes the fire time the due check compares against now. A rule
// that never ran is measured from one minute ago so it may fire immediately.
func (r *Runner) nextFire(rule *model.Rule, now time.Time) (time.Time, error) {
	expr := strings.TrimSpace(rule.Cron)
	if expr == "" {
		return time.Time{}, ErrCronInvalid
	}
	schedule, err := cron.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Mark(err, ErrCronInvalid)
	}

	base := rule.LastRunTime()
	if base.IsZero() {
		base = now.Add(-time.Minute)
	}
	next, ok := schedule.NextFireAfter(base, r.loc)
	if !ok {
		return time.Time{}, errors.Wrapf(ErrCronInvalid, "%q never fires", expr)
	}
	return next, nil
}

func (r *Runner) markCronInvalid(ctx context.Context, rule *model.Rule, cause error) {
	msg := ErrCronInvalid.Error()
	if rule.LastError == msg {
		return
	}
	r.logger.Warn("Invalid cron expression",
		zap.String("rule_id", rule.ID),
		zap.String("cron", rule.Cron),
		zap.Error(cause))

	log := FailureReport(r.now().In(r.loc), msg, "")
	err := r.store.UpdateByID(ctx, rule.ID, func(x *model.Rule) {
		x.LastError = msg
		x.LastLog = log
	})
	if err != nil {
		r.logger.Error("Failed to record cron error", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}

// execute runs one rule and persists its outcome. Callers hold the execution lock.
func (r *Runner) execute(ctx context.Context, rule *model.Rule, trigger model.RunTrigger) {
	name := rule.DisplayName()
	started := r.now().In(r.loc)
	r.setStatus("running: " + name)
	r.logger.Info("Running rule",
		zap.String("rule_id", rule.ID),
		zap.String("name", name),
		zap.String("trigger", string(trigger)))

	if strings.TrimSpace(rule.Script) == "" {
		r.fail(ctx, rule, trigger, started, ErrEmptyScript.Error(), "", nil)
		return
	}

	result, err := r.runtime.Evaluate(ctx, rule.Script)
	if err != nil {
		r.fail(ctx, rule, trigger, started, err.Error(), traceOf(err), nil)
		return
	}

	tc := protocol.TaskContext{TaskID: rule.ID, TaskName: name, Now: started}
	report, err := r.actions.Handle(ctx, result, tc)
	for _, summary := range report.Summaries {
		r.logger.Info(fmt.Sprintf("AutoTask[%s] %s: %s", rule.ID, name, summary))
	}
	if err != nil {
		r.fail(ctx, rule, trigger, started, err.Error(), traceOf(err), report.Summaries)
		return
	}

	text := stringifyResult(result)
	elapsed := r.now().Sub(started)
	log := SuccessReport(started, elapsed, report.Summaries, text)
	r.persist(ctx, rule.ID, func(x *model.Rule) {
		x.LastRunAt = started.UnixMilli()
		x.LastResult = model.Truncate(text, model.MaxResultLength)
		x.LastError = ""
		x.LastLog = log
	})

	r.setStatus("last run " + started.Format("15:04:05"))
	r.logger.Info("Rule done",
		zap.String("rule_id", rule.ID),
		zap.String("summary", report.Summary()),
		zap.Duration("elapsed", elapsed))

	r.record(ctx, &model.RunRecord{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Name:      name,
		Trigger:   trigger,
		Status:    model.RunStatusSucceeded,
		Result:    model.Truncate(text, model.MaxResultLength),
		Actions:   report.Summaries,
		StartedAt: started,
		Duration:  elapsed,
	})
}

func (r *Runner) fail(ctx context.Context, rule *model.Rule, trigger model.RunTrigger, started time.Time, msg, trace string, summaries []string) {
	elapsed := r.now().Sub(started)
	log := FailureReport(started, msg, trace)
	r.persist(ctx, rule.ID, func(x *model.Rule) {
		x.LastRunAt = started.UnixMilli()
		x.LastResult = ""
		x.LastError = msg
		x.LastLog = log
	})

	r.setStatus("failed: " + msg)
	r.logger.Warn("Rule failed",
		zap.String("rule_id", rule.ID),
		zap.String("name", rule.DisplayName()),
		zap.String("error", msg))

	r.record(ctx, &model.RunRecord{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Name:      rule.DisplayName(),
		Trigger:   trigger,
		Status:    model.RunStatusFailed,
		Error:     msg,
		Actions:   summaries,
		StartedAt: started,
		Duration:  elapsed,
	})
}

func (r *Runner) persist(ctx context.Context, id string, mutate func(*model.Rule)) {
	if err := r.store.UpdateByID(ctx, id, mutate); err != nil {
		r.logger.Error("Failed to persist run outcome", zap.String("rule_id", id), zap.Error(err))
	}
}

func (r *Runner) record(ctx context.Context, run *model.RunRecord) {
	for _, rec := range r.recorders {
		if err := rec.Record(ctx, run); err != nil {
			r.logger.Warn("Failed to record run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

func (r *Runner) armWake(at time.Time) {
	r.mu.Lock()
	r.nextWake = at
	r.mu.Unlock()
	r.waker.ArmAt(at)
	r.logger.Debug("Wake armed", zap.Time("at", at))
}

func (r *Runner) cancelWake() {
	r.mu.Lock()
	r.nextWake = time.Time{}
	r.mu.Unlock()
	r.waker.Cancel()
}

func (r *Runner) setStatus(status string) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}
