// Package failure maps execution errors onto the fixed failure taxonomy and
// derives the diagnostics stored alongside a failed record.
package failure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/record"
)

type rule struct {
	pattern *regexp.Regexp
	reason  record.FailureReason
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{regexp.MustCompile(`(?i)credits?\b|insufficient (balance|funds)|out of balance`), record.ReasonInsufficientCredits},
	{regexp.MustCompile(`(?i)quota|\blimit(s|ed)?\b|too many schedules`), record.ReasonScheduleLimitExceeded},
	{regexp.MustCompile(`(?i)\bcron\b|expression`), record.ReasonInvalidCronExpression},
	{regexp.MustCompile(`(?i)canvas|graph`), record.ReasonCanvasDataError},
	{regexp.MustCompile(`(?i)snapshot|pars(e|ing)|storage|unmarshal|syntaxerror`), record.ReasonSnapshotError},
	{regexp.MustCompile(`(?i)workflow|execut(ion|or)|agent`), record.ReasonWorkflowExecutionFailed},
}

// Classify maps err onto a failure reason. A reason attached with WithReason
// wins; otherwise only the root cause is matched, its message and its Go type,
// so wrap prefixes added on the way up never pick the category. A nil error is
// unknown.
func Classify(err error) record.FailureReason {
	if err == nil {
		return record.ReasonUnknownError
	}
	var tagged *reasonError
	if errors.As(err, &tagged) {
		return tagged.reason
	}
	root := errors.UnwrapAll(err)
	return ClassifyMessage(root.Error() + " " + typeName(root))
}

type reasonError struct {
	cause  error
	reason record.FailureReason
}

func (e *reasonError) Error() string { return e.cause.Error() }
func (e *reasonError) Unwrap() error { return e.cause }

// WithReason pins the failure reason of err for Classify. Use it where the
// failing step, not the error text, decides the category.
func WithReason(err error, reason record.FailureReason) error {
	if err == nil {
		return nil
	}
	return &reasonError{cause: err, reason: reason}
}

// ClassifyMessage classifies free text, such as an error reported by the
// workflow engine.
func ClassifyMessage(msg string) record.FailureReason {
	if strings.TrimSpace(msg) == "" {
		return record.ReasonUnknownError
	}
	for _, r := range rules {
		if r.pattern.MatchString(msg) {
			return r.reason
		}
	}
	return record.ReasonUnknownError
}

func typeName(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// Action is the user-facing remedy suggested for a failure reason.
type Action string

const (
	ActionUpgrade      Action = "upgrade"
	ActionViewSchedule Action = "view_schedule"
	ActionDebug        Action = "debug"
)

// ActionFor returns the remedy to suggest for reason.
func ActionFor(reason record.FailureReason) Action {
	switch reason {
	case record.ReasonInsufficientCredits:
		return ActionUpgrade
	case record.ReasonScheduleLimitExceeded:
		return ActionViewSchedule
	default:
		return ActionDebug
	}
}
