package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs housekeeping jobs on robfig/cron specs: the periodic pass
// that catches missed wakes and external rule edits, and run-history
// pruning.
type Sweeper struct {
	logger *zap.Logger
	cron   *cron.Cron
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, zap.Any(key, keysAndValues[i+1]))
	}
	return out
}

// NewSweeper creates a new sweeper evaluating specs in loc
func NewSweeper(loc *time.Location, logger *zap.Logger) *Sweeper {
	if loc == nil {
		loc = time.Local
	}
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	return &Sweeper{
		logger:  logger.Named("sweeper"),
		cron:    cron.New(cronOptions...),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers job under name, replacing a job with the same name.
// spec is a standard five-field expression or a descriptor like "@every 5m".
func (s *Sweeper) Schedule(ctx context.Context, name, spec string, job func(context.Context)) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("Running job", zap.String("name", name))
		job(ctx)
	}))

	s.logger.Info("Scheduled job",
		zap.String("name", name),
		zap.String("spec", spec),
		zap.Time("next_run", schedule.Next(time.Now().In(s.loc))))
	return nil
}

// Remove unregisters the named job
func (s *Sweeper) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Next returns the next activation of the named job
func (s *Sweeper) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	// entries added while stopped have no Next until Start
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now().In(s.loc))
	}
	return next, !next.IsZero()
}

// Start starts the sweeper
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the sweeper and waits for running jobs
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
