package cache

import (
	"context"

	"github.com/cockroachdb/errors/report"
)

// reportError submits err through the teacher's own crash-reporting
// facility. report.ReportError submits to Sentry when
// SENTRY_DSN/sentry.Init has been configured by main, and is a silent
// no-op otherwise, so this is always safe to call.
func reportError(err error) {
	report.ReportError(context.Background(), err)
}
