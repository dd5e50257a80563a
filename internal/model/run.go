package model

import (
	"strings"
	"time"
)

// RunStatus represents the outcome of a rule execution
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunTrigger records what started an execution
type RunTrigger string

const (
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerManual   RunTrigger = "manual"
)

// RunRecord is one execution attempt of a rule
type RunRecord struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	Name      string        `json:"name"`
	Trigger   RunTrigger    `json:"trigger"`
	Status    RunStatus     `json:"status"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Actions   []string      `json:"actions,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ScriptError is returned by a script runtime when the evaluated source throws.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return "script error"
	}
	return e.Message
}
