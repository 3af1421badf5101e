// Package runlog persists per-execution pipeline log entries. The sink is an
// external collaborator as far as the loading engine is concerned: a sink
// failure must never fail or mask the load outcome, which is what the
// FaultTolerant wrapper guarantees.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medrecon/warehouse/pkg/pg"
)

// Entry is one append-only execution log row.
type Entry struct {
	Name         string
	Status       string
	Duration     time.Duration
	RowsClosed   int64
	RowsInserted int64
	ErrorDetail  string
	BatchID      string
}

// Sink receives execution log entries.
type Sink interface {
	LogExecution(ctx context.Context, e Entry) error
}

// PGSink writes execution log entries to the etl_execution_log table.
type PGSink struct {
	db    pg.Querier
	clock clockwork.Clock
}

func NewPGSink(db pg.Querier, clock clockwork.Clock) *PGSink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PGSink{db: db, clock: clock}
}

func (s *PGSink) LogExecution(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO etl_execution_log
			(name, status, duration_ms, rows_closed, rows_inserted, error_detail, batch_id, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.Name, e.Status, e.Duration.Milliseconds(), e.RowsClosed, e.RowsInserted,
		nullIfEmpty(e.ErrorDetail), e.BatchID, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write execution log entry: %w", err)
	}
	return nil
}

// FaultTolerant wraps a sink so that logging failures are swallowed: the
// original load outcome always wins over a broken logging path.
type FaultTolerant struct {
	log  *slog.Logger
	sink Sink
}

func NewFaultTolerant(log *slog.Logger, sink Sink) *FaultTolerant {
	return &FaultTolerant{log: log, sink: sink}
}

func (f *FaultTolerant) LogExecution(ctx context.Context, e Entry) error {
	if f.sink == nil {
		return nil
	}
	if err := f.sink.LogExecution(ctx, e); err != nil {
		f.log.Warn("execution log sink failed", "name", e.Name, "batch_id", e.BatchID, "error", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
