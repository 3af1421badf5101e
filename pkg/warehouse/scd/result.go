package scd

import "time"

// Status is the explicit outcome class of one loader invocation. Callers are
// never expected to parse a human-readable message to learn what happened.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusSkipped Status = "SKIPPED"
	StatusError   Status = "ERROR"
)

// BatchResult is the structured per-table outcome of one load.
type BatchResult struct {
	TableName    string
	Status       Status
	RowsClosed   int64
	RowsInserted int64
	Duration     time.Duration
	ErrorDetail  string
}

// statusRank orders results for reporting: errors first, then skips, then
// successes.
func statusRank(s Status) int {
	switch s {
	case StatusError:
		return 0
	case StatusSkipped:
		return 1
	default:
		return 2
	}
}
