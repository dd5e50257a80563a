package protocol

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnknownAction marks a candidate whose "type" is missing or unsupported
	ErrUnknownAction = errors.New("unknown action type")
	// ErrDispatch marks a failed call into a collaborator
	ErrDispatch = errors.New("action dispatch failed")
	// ErrTargetNotFound is returned by a Library for an unknown content item
	ErrTargetNotFound = errors.New("target not found")
)

// Kind names an action variant
type Kind string

const (
	KindRefreshToc Kind = "refreshtoc"
	KindNotify     Kind = "notify"
)

// Action is one instruction decoded from a script result
type Action interface {
	Kind() Kind
}

// NotifyConfig controls the notification raised after a refresh
type NotifyConfig struct {
	Enabled         bool
	MinCount        int
	TitleTemplate   string
	ContentTemplate string
}

// CacheConfig controls prefetching of newly discovered chapters
type CacheConfig struct {
	Enabled bool
}

// RefreshAction refreshes a book's table of contents
type RefreshAction struct {
	TargetURL string
	Notify    NotifyConfig
	Cache     CacheConfig
}

func (*RefreshAction) Kind() Kind { return KindRefreshToc }

// NotifyAction posts a notification
type NotifyAction struct {
	TitleTemplate   string
	ContentTemplate string
	Level           string
	ExplicitID      int
	HasID           bool
}

func (*NotifyAction) Kind() Kind { return KindNotify }

// Decode builds the action described by f.
func Decode(f Fields) (Action, error) {
	typ, _ := f.String("type")
	switch Kind(strings.ToLower(typ)) {
	case KindRefreshToc:
		return decodeRefresh(f), nil
	case KindNotify:
		return decodeNotify(f), nil
	case "":
		return nil, errors.Wrap(ErrUnknownAction, "missing type")
	default:
		return nil, errors.Wrapf(ErrUnknownAction, "type %q", typ)
	}
}

func decodeRefresh(f Fields) *RefreshAction {
	a := &RefreshAction{}
	a.TargetURL, _ = f.String("bookUrl", "url")

	if n, ok := f.Map("notify"); ok {
		a.Notify.Enabled = n.Bool("enable", true)
		a.Notify.MinCount = 1
		if v, ok := n.Int("minCount"); ok {
			a.Notify.MinCount = v
		}
		a.Notify.TitleTemplate, _ = n.String("title")
		a.Notify.ContentTemplate, _ = n.String("content")
	}
	if c, ok := f.Map("cache"); ok {
		a.Cache.Enabled = c.Bool("enable", false)
	}
	return a
}

func decodeNotify(f Fields) *NotifyAction {
	a := &NotifyAction{}
	a.TitleTemplate, _ = f.String("title")
	a.ContentTemplate, _ = f.String("content", "text")
	level, _ := f.String("level")
	a.Level = strings.ToLower(level)
	a.ExplicitID, a.HasID = f.Int("id")
	return a
}

// Parse decodes every candidate action in result. It returns nil, nil when
// result carries no actions and fails on the first undecodable candidate.
func Parse(result any) ([]Action, error) {
	shape, candidates := Classify(result)
	if shape == ShapeUnrecognized {
		return nil, nil
	}

	actions := make([]Action, 0, len(candidates))
	for i, c := range candidates {
		a, err := Decode(c)
		if err != nil {
			return nil, errors.Wrapf(err, "action %d", i)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
