package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
	"github.com/t77yq/autotask/internal/protocol"
)

// AlertIDBase is the notification id range used for failure alerts
const AlertIDBase = 40000

// FailureAlerter watches run records and raises a high priority notification
// when a rule fails Threshold times in a row. A success resets the streak.
type FailureAlerter struct {
	logger    *zap.Logger
	notifier  protocol.Notifier
	threshold int

	mu      sync.Mutex
	streaks map[string]int
}

// NewFailureAlerter creates a new alerter. A threshold below 1 disables it.
func NewFailureAlerter(notifier protocol.Notifier, threshold int, logger *zap.Logger) *FailureAlerter {
	return &FailureAlerter{
		logger:    logger.Named("alerter"),
		notifier:  notifier,
		threshold: threshold,
		streaks:   make(map[string]int),
	}
}

// Record implements runner.Recorder
func (a *FailureAlerter) Record(ctx context.Context, run *model.RunRecord) error {
	if a.threshold < 1 || a.notifier == nil {
		return nil
	}

	a.mu.Lock()
	if run.Status != model.RunStatusFailed {
		delete(a.streaks, run.RuleID)
		a.mu.Unlock()
		return nil
	}
	a.streaks[run.RuleID]++
	streak := a.streaks[run.RuleID]
	a.mu.Unlock()

	if streak != a.threshold {
		return nil
	}

	n := protocol.Notification{
		ID:       AlertIDBase + int(xxhash.Sum64String(run.RuleID)&0x7fffffff)%protocol.IDRange,
		Title:    fmt.Sprintf("%s 连续失败 %d 次", run.Name, streak),
		Content:  model.Truncate(run.Error, model.MaxResultLength),
		Priority: protocol.PriorityHigh,
		TaskID:   run.RuleID,
	}
	if err := a.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to send failure alert: %w", err)
	}

	a.logger.Warn("Failure alert raised",
		zap.String("rule_id", run.RuleID),
		zap.String("name", run.Name),
		zap.Int("streak", streak))
	return nil
}

// Streak returns the current consecutive failure count of a rule
func (a *FailureAlerter) Streak(ruleID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaks[ruleID]
}
