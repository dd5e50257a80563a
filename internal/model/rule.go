package model

import (
	"strings"
	"time"
)

const (
	// MaxResultLength bounds the stored stringified script result
	MaxResultLength = 200

	// MaxLogLength bounds the stored run report
	MaxLogLength = 4000
)

// Rule is a persisted automation definition: a cron expression, a script and
// the outcome of its last run.
type Rule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enable"`
	Cron    string `json:"cron,omitempty"`
	Script  string `json:"script"`
	Comment string `json:"comment,omitempty"`

	// Run outcome, rewritten by the runner after every attempt
	LastRunAt  int64  `json:"lastRunAt"`
	LastResult string `json:"lastResult,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	LastLog    string `json:"lastLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DisplayName returns the name used in logs and notifications.
func (r *Rule) DisplayName() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	return r.ID
}

// LastRunTime returns LastRunAt as a time, zero when the rule never ran.
func (r *Rule) LastRunTime() time.Time {
	if r.LastRunAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.LastRunAt)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
