// Package reconcile picks a winner when merged attribute values disagree
// across source systems and keeps an auditable trail of every discarded value.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medrecon/warehouse/pkg/metrics"
	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
)

// Resolution is the outcome of reconciling one field.
type Resolution struct {
	Value    any
	Conflict bool
	Rule     string
}

// Resolve applies the source-precedence rule to a pair of values. Both
// present and unequal: the primary source wins and the resolution is a
// conflict. Only one present: it wins silently (not a conflict). Both absent:
// absent.
func Resolve(a, b any, primary registry.SourceSlot) Resolution {
	aPresent := a != nil
	bPresent := b != nil

	switch {
	case !aPresent && !bPresent:
		return Resolution{Value: nil}
	case aPresent && !bPresent:
		return Resolution{Value: a, Rule: "single_source"}
	case !aPresent && bPresent:
		return Resolution{Value: b, Rule: "single_source"}
	}

	if valuesEqual(a, b) {
		return Resolution{Value: a, Rule: "values_agree"}
	}

	winner := a
	if primary == registry.SourceB {
		winner = b
	}
	return Resolution{
		Value:    winner,
		Conflict: true,
		Rule:     fmt.Sprintf("source_precedence_%s", primary),
	}
}

// LogEntry is one append-only reconciliation audit row.
type LogEntry struct {
	BatchID       string
	EntityType    string
	MasterID      string
	Field         string
	SourceAValue  any
	SourceBValue  any
	ResolvedValue any
	Rule          string
}

// Store persists reconciliation audit rows.
type Store interface {
	Append(ctx context.Context, e LogEntry) error
}

// PGStore writes to the etl_reconciliation_log table.
type PGStore struct {
	db    pg.Querier
	clock clockwork.Clock
}

func NewPGStore(db pg.Querier, clock clockwork.Clock) *PGStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PGStore{db: db, clock: clock}
}

func (s *PGStore) Append(ctx context.Context, e LogEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO etl_reconciliation_log
			(batch_id, entity_type, master_id, conflict_field,
			 source_a_value, source_b_value, resolved_value, resolution_rule, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.BatchID, e.EntityType, e.MasterID, e.Field,
		nullableString(e.SourceAValue), nullableString(e.SourceBValue),
		nullableString(e.ResolvedValue), e.Rule, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append reconciliation log entry: %w", err)
	}
	return nil
}

type ReconcilerConfig struct {
	Logger     *slog.Logger
	Store      Store
	EntityType string
	BatchID    string
	Primary    registry.SourceSlot
}

func (cfg *ReconcilerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.EntityType == "" {
		return errors.New("entity type is required")
	}
	if cfg.BatchID == "" {
		return errors.New("batch id is required")
	}
	if cfg.Primary != registry.SourceA && cfg.Primary != registry.SourceB {
		return fmt.Errorf("unknown primary source %q", cfg.Primary)
	}
	return nil
}

// Reconciler resolves fields for one entity type within one batch and records
// every genuine conflict.
type Reconciler struct {
	log *slog.Logger
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// Reconcile resolves one field for a master identity. The returned bool
// reports whether a conflict was logged.
func (r *Reconciler) Reconcile(ctx context.Context, masterID, field string, a, b any) (any, bool, error) {
	res := Resolve(a, b, r.cfg.Primary)
	if !res.Conflict {
		return res.Value, false, nil
	}

	err := r.cfg.Store.Append(ctx, LogEntry{
		BatchID:       r.cfg.BatchID,
		EntityType:    r.cfg.EntityType,
		MasterID:      masterID,
		Field:         field,
		SourceAValue:  a,
		SourceBValue:  b,
		ResolvedValue: res.Value,
		Rule:          res.Rule,
	})
	if err != nil {
		return nil, false, err
	}

	metrics.ConflictsReconciledTotal.WithLabelValues(r.cfg.EntityType).Inc()
	r.log.Debug("attribute conflict resolved", "entity_type", r.cfg.EntityType,
		"master_id", masterID, "field", field, "rule", res.Rule)
	return res.Value, true, nil
}

// valuesEqual compares with type awareness: "1" and 1 render identically but
// are different values, and coercing them to agreement would skip the audit
// row. Timestamps compare as instants so zone differences never register as a
// conflict.
func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func valueString(v any) string {
	return fmt.Sprintf("%v", v)
}

func nullableString(v any) any {
	if v == nil {
		return nil
	}
	return valueString(v)
}
