package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
	"github.com/t77yq/autotask/internal/protocol"
)

// LogSink stands in for the Publisher when no NATS server is configured.
// Every delivery becomes a log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("bus")}
}

// Notify implements protocol.Notifier
func (s *LogSink) Notify(_ context.Context, n protocol.Notification) error {
	s.logger.Info("Notification",
		zap.Int("id", n.ID),
		zap.String("title", n.Title),
		zap.String("content", n.Content),
		zap.String("priority", n.Priority.String()),
		zap.String("task_id", n.TaskID))
	return nil
}

// CacheRange implements protocol.Cacher
func (s *LogSink) CacheRange(_ context.Context, item protocol.Item, start, end int) error {
	s.logger.Info("Cache requested",
		zap.String("book_url", item.URL),
		zap.String("book_name", item.Name),
		zap.Int("start", start),
		zap.Int("end", end))
	return nil
}

// Record implements runner.Recorder
func (s *LogSink) Record(_ context.Context, run *model.RunRecord) error {
	s.logger.Debug("Run recorded",
		zap.String("rule_id", run.RuleID),
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration))
	return nil
}
