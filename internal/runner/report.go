package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/autotask/internal/model"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// SuccessReport renders the log of a successful run.
func SuccessReport(at time.Time, elapsed time.Duration, summaries []string, result string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[OK] %s\n耗时: %dms", at.Format(reportTimeLayout), elapsed.Milliseconds())
	if len(summaries) > 0 {
		sb.WriteString("\n动作:")
		for _, s := range summaries {
			sb.WriteString("\n- ")
			sb.WriteString(s)
		}
	}
	if result != "" {
		sb.WriteString("\n返回: ")
		sb.WriteString(model.Truncate(result, model.MaxResultLength))
	}
	return model.Truncate(sb.String(), model.MaxLogLength)
}

// FailureReport renders the log of a failed run. trace may be empty.
func FailureReport(at time.Time, message, trace string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[FAIL] %s\n错误: %s", at.Format(reportTimeLayout), message)
	if strings.TrimSpace(trace) != "" {
		sb.WriteString("\n堆栈:\n")
		sb.WriteString(trace)
	}
	return model.Truncate(sb.String(), model.MaxLogLength)
}

// traceOf returns the script stack of a ScriptError, or the recorded stack of
// an error that carries one.
func traceOf(err error) string {
	var se *model.ScriptError
	if errors.As(err, &se) {
		return se.Stack
	}
	if errors.GetReportableStackTrace(err) != nil {
		return fmt.Sprintf("%+v", err)
	}
	return ""
}

// stringifyResult renders a script result for lastResult and the run log.
func stringifyResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	case fmt.Stringer:
		return r.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
