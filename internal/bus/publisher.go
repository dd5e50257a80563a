package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/autotask/internal/model"
	"github.com/t77yq/autotask/internal/protocol"
)

const (
	DefaultStream        = "AUTOTASK"
	DefaultSubjectPrefix = "autotask"

	notifySubject = "notify"
	cacheSubject  = "cache"
	runSubject    = "run"
	cmdRunSubject = "cmd.run"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1
)

// NotifyEvent is published for every notification
type NotifyEvent struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Priority  string    `json:"priority"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheEvent asks a downloader to prefetch chapters [Start, End] of a book
type CacheEvent struct {
	BookURL   string    `json:"book_url"`
	BookName  string    `json:"book_name"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRequest asks the daemon to run a rule now, under its execution lock
type RunRequest struct {
	RuleID    string    `json:"rule_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrRunTimeout is returned by RunNow when no run event arrives in time
var ErrRunTimeout = errors.New("timed out waiting for run")

// Publisher delivers notifications, cache requests and run events over
// NATS JetStream
type Publisher struct {
	js     nats.JetStreamContext
	stream string
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a publisher and makes sure its stream exists
func NewPublisher(js nats.JetStreamContext, stream, prefix string, logger *zap.Logger) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &Publisher{
		js:     js,
		stream: stream,
		prefix: prefix,
		logger: logger.Named("bus"),
	}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.stream)
	if err == nil {
		p.logger.Info("Using existing stream", zap.String("name", p.stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.stream,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created stream", zap.String("name", p.stream))
	return nil
}

// Subject returns the full subject for a suffix such as "notify"
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Notify implements protocol.Notifier
func (p *Publisher) Notify(ctx context.Context, n protocol.Notification) error {
	err := p.publish(ctx, p.Subject(notifySubject), NotifyEvent{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		Priority:  n.Priority.String(),
		TaskID:    n.TaskID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	p.logger.Info("Notification published",
		zap.Int("id", n.ID),
		zap.String("title", n.Title))
	return nil
}

// CacheRange implements protocol.Cacher
func (p *Publisher) CacheRange(ctx context.Context, item protocol.Item, start, end int) error {
	return p.publish(ctx, p.Subject(cacheSubject), CacheEvent{
		BookURL:   item.URL,
		BookName:  item.Name,
		Start:     start,
		End:       end,
		Timestamp: time.Now(),
	})
}

// Record implements runner.Recorder, publishing to run.<status>
func (p *Publisher) Record(ctx context.Context, run *model.RunRecord) error {
	return p.publish(ctx, p.Subject(runSubject+"."+string(run.Status)), run)
}

// SubscribeNotifications delivers published notifications to handler until ctx is done
func (p *Publisher) SubscribeNotifications(ctx context.Context, handler func(NotifyEvent)) error {
	return subscribe(ctx, p, p.Subject(notifySubject), handler)
}

// SubscribeCache delivers cache requests to handler until ctx is done
func (p *Publisher) SubscribeCache(ctx context.Context, handler func(CacheEvent)) error {
	return subscribe(ctx, p, p.Subject(cacheSubject), handler)
}

// SubscribeRuns delivers run events of every status to handler until ctx is done
func (p *Publisher) SubscribeRuns(ctx context.Context, handler func(model.RunRecord)) error {
	return subscribe(ctx, p, p.Subject(runSubject+".*"), handler)
}

// SubscribeRunRequests delivers run-now requests to handler until ctx is done
func (p *Publisher) SubscribeRunRequests(ctx context.Context, handler func(RunRequest)) error {
	return subscribe(ctx, p, p.Subject(cmdRunSubject), handler)
}

// RequestRun publishes a run-now request for ruleID
func (p *Publisher) RequestRun(ctx context.Context, ruleID string) error {
	return p.publish(ctx, p.Subject(cmdRunSubject), RunRequest{RuleID: ruleID, Timestamp: time.Now()})
}

// RunNow requests a run of ruleID and waits for the daemon to report its
// manual run of that rule.
func (p *Publisher) RunNow(ctx context.Context, ruleID string, timeout time.Duration) (*model.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan model.RunRecord, 1)
	err := p.SubscribeRuns(ctx, func(run model.RunRecord) {
		if run.RuleID != ruleID || run.Trigger != model.RunTriggerManual {
			return
		}
		select {
		case done <- run:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	if err := p.RequestRun(ctx, ruleID); err != nil {
		return nil, err
	}

	select {
	case run := <-done:
		return &run, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w %s: %w", ErrRunTimeout, ruleID, ctx.Err())
	}
}

func subscribe[T any](ctx context.Context, p *Publisher, subject string, handler func(T)) error {
	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var event T
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			msg.Term()
			return
		}

		handler(event)
		msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
