package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// NotifyIDBase offsets identities of notify actions
	NotifyIDBase = 20000
	// BookUpdateIDBase offsets identities of book update notifications
	BookUpdateIDBase = 60000
	// IDRange is the width of every notification id range
	IDRange = 10000

	DefaultNotifyTitle      = "AutoTask"
	DefaultNotifyContent    = "{task} @ {time}"
	DefaultBookUpdateTitle  = "《{book}》更新"
	DefaultBookUpdateText   = "新增 {newCount} 章: {chapter}"
	DefaultBookUpdateNoText = "新增 {newCount} 章"

	timeLayout = "01-02 15:04"
)

// Priority of a delivered notification
type Priority int

const (
	PriorityLow     Priority = -1
	PriorityDefault Priority = 0
	PriorityHigh    Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "default"
	}
}

// PriorityForLevel maps an action level to a delivery priority.
func PriorityForLevel(level string) Priority {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "high", "error", "fail", "failed":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityDefault
	}
}

// Item is a book known to the content library
type Item struct {
	URL          string
	Name         string
	Author       string
	ChapterCount int
	Local        bool
}

// RefreshResult reports the outcome of a table-of-contents refresh
type RefreshResult struct {
	Success       bool
	ErrorMessage  string
	ChapterCount  int
	LatestChapter string
}

// Library looks up and refreshes content items.
type Library interface {
	// Lookup returns ErrTargetNotFound when url isn't on the shelf.
	Lookup(ctx context.Context, url string) (*Item, error)
	Refresh(ctx context.Context, url string) (*RefreshResult, error)
}

// Notification is a message handed to a Notifier
type Notification struct {
	ID       int
	Title    string
	Content  string
	Priority Priority
	TaskID   string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Cacher prefetches chapters [start, end] of item.
type Cacher interface {
	CacheRange(ctx context.Context, item Item, start, end int) error
}

// TaskContext describes the rule whose result is being dispatched
type TaskContext struct {
	TaskID   string
	TaskName string
	Now      time.Time
}

// Report collects the outcome of one dispatch
type Report struct {
	// Handled is false when the result carried no actions.
	Handled   bool
	Summaries []string
}

// Summary joins the per-action summaries into one line.
func (r Report) Summary() string {
	return strings.Join(r.Summaries, " | ")
}

// Dispatcher executes actions against the collaborators. Any collaborator may
// be nil; actions that need a missing one fail with ErrDispatch, except
// caching which is skipped.
type Dispatcher struct {
	library  Library
	notifier Notifier
	cacher   Cacher
	logger   *zap.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(library Library, notifier Notifier, cacher Cacher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		library:  library,
		notifier: notifier,
		cacher:   cacher,
		logger:   logger.Named("protocol"),
	}
}

// Handle decodes result and executes each candidate in order. A candidate
// that fails to decode or execute adds a failure summary and does not stop
// later ones; the returned error aggregates every failure.
func (d *Dispatcher) Handle(ctx context.Context, result any, tc TaskContext) (Report, error) {
	shape, candidates := Classify(result)
	if shape == ShapeUnrecognized {
		return Report{}, nil
	}

	report := Report{Handled: true}
	var errs []error
	for i, c := range candidates {
		action, err := Decode(c)
		if err != nil {
			err = errors.Wrapf(err, "action %d", i)
			report.Summaries = append(report.Summaries, "failed: "+err.Error())
			errs = append(errs, err)
			continue
		}

		summary, err := d.Execute(ctx, action, tc)
		if err != nil {
			report.Summaries = append(report.Summaries, fmt.Sprintf("%s failed: %s", action.Kind(), err.Error()))
			errs = append(errs, err)
			continue
		}
		if summary != "" {
			report.Summaries = append(report.Summaries, summary)
		}
	}

	return report, combine(errs, len(candidates))
}

func combine(errs []error, total int) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	err := errors.Wrapf(errs[0], "%d of %d actions failed", len(errs), total)
	for _, e := range errs[1:] {
		err = errors.WithSecondaryError(err, e)
	}
	return err
}

// Execute runs a single action and returns its summary line.
func (d *Dispatcher) Execute(ctx context.Context, action Action, tc TaskContext) (string, error) {
	switch a := action.(type) {
	case *RefreshAction:
		return d.refresh(ctx, a, tc)
	case *NotifyAction:
		return d.notify(ctx, a, tc)
	default:
		return "", errors.Wrapf(ErrUnknownAction, "%T", action)
	}
}

func (d *Dispatcher) refresh(ctx context.Context, a *RefreshAction, tc TaskContext) (string, error) {
	url := strings.TrimSpace(a.TargetURL)
	if url == "" {
		return "refreshToc: missing bookUrl", nil
	}
	if d.library == nil {
		return "", errors.Mark(errors.New("content library not configured"), ErrDispatch)
	}

	item, err := d.library.Lookup(ctx, url)
	if errors.Is(err, ErrTargetNotFound) || (err == nil && item == nil) {
		return "refreshToc: book not found: " + url, nil
	}
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "lookup %s", url), ErrDispatch)
	}

	label := "《" + item.Name + "》"
	before := item.ChapterCount
	res, err := d.library.Refresh(ctx, url)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "refresh %s", url), ErrDispatch)
	}
	if !res.Success {
		msg := res.ErrorMessage
		if strings.TrimSpace(msg) == "" {
			msg = "unknown error"
		}
		return label + " refresh failed: " + msg, nil
	}

	after := res.ChapterCount
	newCount := max(after-before, 0)

	notified := false
	if a.Notify.Enabled && newCount > 0 && newCount >= a.Notify.MinCount {
		n := d.bookNotification(a, item, res, newCount, tc)
		if err := d.deliver(ctx, n); err != nil {
			d.logger.Warn("Failed to deliver book update notification",
				zap.String("task_id", tc.TaskID),
				zap.String("book_url", url),
				zap.Error(err))
		} else {
			notified = true
		}
	}

	cached := 0
	if a.Cache.Enabled && newCount > 0 && !item.Local && d.cacher != nil {
		start, end := before, after-1
		if err := d.cacher.CacheRange(ctx, *item, start, end); err != nil {
			d.logger.Warn("Failed to request chapter cache",
				zap.String("task_id", tc.TaskID),
				zap.String("book_url", url),
				zap.Int("start", start),
				zap.Int("end", end),
				zap.Error(err))
		} else {
			cached = end - start + 1
		}
	}

	var sb strings.Builder
	sb.WriteString(label)
	if newCount > 0 {
		sb.WriteString(" +" + strconv.Itoa(newCount))
	} else {
		sb.WriteString(" no update")
	}
	if notified {
		sb.WriteString(" notified")
	}
	if cached > 0 {
		sb.WriteString(" cached:" + strconv.Itoa(cached))
	}
	return sb.String(), nil
}

func (d *Dispatcher) bookNotification(a *RefreshAction, item *Item, res *RefreshResult, newCount int, tc TaskContext) Notification {
	chapter := strings.TrimSpace(res.LatestChapter)
	title := a.Notify.TitleTemplate
	if title == "" {
		title = DefaultBookUpdateTitle
	}
	content := a.Notify.ContentTemplate
	if content == "" {
		content = DefaultBookUpdateText
		if chapter == "" {
			content = DefaultBookUpdateNoText
		}
	}

	r := strings.NewReplacer(
		"{book}", item.Name,
		"{author}", item.Author,
		"{newCount}", strconv.Itoa(newCount),
		"{chapter}", chapter,
		"{task}", tc.TaskName,
		"{time}", tc.Now.Format(timeLayout),
	)
	return Notification{
		ID:       BookUpdateIDBase + int(xxhash.Sum64String(item.URL)&0x7fffffff)%IDRange,
		Title:    r.Replace(title),
		Content:  r.Replace(content),
		Priority: PriorityDefault,
		TaskID:   tc.TaskID,
	}
}

func (d *Dispatcher) notify(ctx context.Context, a *NotifyAction, tc TaskContext) (string, error) {
	title := a.TitleTemplate
	if title == "" {
		title = DefaultNotifyTitle
	}
	content := a.ContentTemplate
	if content == "" {
		content = DefaultNotifyContent
	}
	r := strings.NewReplacer("{task}", tc.TaskName, "{time}", tc.Now.Format(timeLayout))
	title = r.Replace(title)
	content = r.Replace(content)

	n := Notification{
		ID:       NotifyID(a, tc.TaskName, title, content),
		Title:    title,
		Content:  content,
		Priority: PriorityForLevel(a.Level),
		TaskID:   tc.TaskID,
	}
	if err := d.deliver(ctx, n); err != nil {
		return "", err
	}
	return "notify: " + title, nil
}

// NotifyID derives a stable notification identity. Identical notifications
// from the same task share an id.
func NotifyID(a *NotifyAction, taskName, title, content string) int {
	if a.HasID {
		return NotifyIDBase + (a.ExplicitID&0x7fffffff)%IDRange
	}
	h := xxhash.Sum64String(taskName + "|" + title + "|" + content)
	return NotifyIDBase + int(h&0x7fffffff)%IDRange
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	if d.notifier == nil {
		return errors.Mark(errors.New("notifier not configured"), ErrDispatch)
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		return errors.Mark(errors.Wrapf(err, "notify %q", n.Title), ErrDispatch)
	}
	return nil
}
