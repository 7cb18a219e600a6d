package observability

import (
	"errors"
	"fmt"

	"github.com/coachpo/bfxstream/errs"
)

// AggregateErrors logs the non-nil errors of one operation as a single entry and returns
// them joined. It returns nil when every error is nil.
func AggregateErrors(logger Logger, operation string, list []error, fields ...Field) error {
	var joined error
	count, fatal := 0, 0
	for _, err := range list {
		if err == nil {
			continue
		}
		joined = errors.Join(joined, err)
		count++
		if errs.IsFatal(err) {
			fatal++
		}
	}
	if joined == nil {
		return nil
	}
	logFields := make([]Field, 0, len(fields)+4)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("error_count", count),
		F("fatal_count", fatal),
		Err(joined),
	)
	OrDefault(logger).Error(operation+" failed", logFields...)
	return fmt.Errorf("%s: %w", operation, joined)
}
