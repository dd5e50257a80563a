package runner

import "github.com/cockroachdb/errors"

var (
	// ErrRuleNotFound is returned by RunOnce for an unknown rule id
	ErrRuleNotFound = errors.New("no such task")

	// ErrCronInvalid is recorded on rules whose expression is blank, malformed or unsatisfiable
	ErrCronInvalid = errors.New("invalid cron expression")

	// ErrEmptyScript is recorded when a rule has nothing to evaluate
	ErrEmptyScript = errors.New("script is empty")
)
