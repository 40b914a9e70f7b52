package sync

import (
	"fmt"

	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
)

// ProviderFetchError reports a history fetch that failed after retries. The
// pass that hit it was aborted without touching channel metadata.
type ProviderFetchError struct {
	Channel string
	// Window is the requested span; zero bounds mean unbounded.
	Window coverage.TimeRange
	Err    error
}

func (e *ProviderFetchError) Error() string {
	return fmt.Sprintf("fetch history for channel %s %s: %v", e.Channel, describeWindow(e.Window), e.Err)
}

func (e *ProviderFetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the underlying failure was transient.
func (e *ProviderFetchError) Retryable() bool {
	return history.IsRetryable(e.Err)
}

// RecordValidationError reports one fetched record that could not be stored.
// It is logged and counted; it never aborts a pass.
type RecordValidationError struct {
	Channel  string
	RecordID string
	Err      error
}

func (e *RecordValidationError) Error() string {
	return fmt.Sprintf("channel %s: invalid record %q: %v", e.Channel, e.RecordID, e.Err)
}

func (e *RecordValidationError) Unwrap() error {
	return e.Err
}

func describeWindow(w coverage.TimeRange) string {
	start, end := "-inf", "now"
	if !w.Start.IsZero() {
		start = coverage.FormatTimestamp(w.Start)
	}
	if !w.End.IsZero() {
		end = coverage.FormatTimestamp(w.End)
	}
	return "(" + start + ", " + end + ")"
}
