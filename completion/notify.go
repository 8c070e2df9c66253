package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohans/schedrun/failure"
	"github.com/mohans/schedrun/record"
)

// Notifier delivers a message to a user. Delivery is fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, to, subject, body string) error {
	n.log.Infow("Notification", "to", to, "subject", subject, "body", body)
	return nil
}

func render(rec *record.ExecutionRecord, sch *record.Schedule, status record.Status, reason record.FailureReason, next *time.Time) (string, string) {
	name := rec.ScheduleID
	if sch != nil && sch.Name != "" {
		name = sch.Name
	}

	var b strings.Builder
	var subject string
	if status == record.StatusSuccess {
		subject = fmt.Sprintf("Scheduled run of %q succeeded", name)
		fmt.Fprintf(&b, "Your scheduled workflow %q finished successfully.\n", name)
	} else {
		subject = fmt.Sprintf("Scheduled run of %q failed", name)
		fmt.Fprintf(&b, "Your scheduled workflow %q failed (%s).\n", name, reason)
		switch failure.ActionFor(reason) {
		case failure.ActionUpgrade:
			b.WriteString("Add credits or upgrade your plan to keep it running.\n")
		case failure.ActionViewSchedule:
			b.WriteString("Review the schedule settings to keep it running.\n")
		default:
			b.WriteString("Open the run history to see what went wrong.\n")
		}
	}
	if next != nil {
		fmt.Fprintf(&b, "Next run: %s\n", next.UTC().Format(time.RFC3339))
	}
	return subject, b.String()
}
