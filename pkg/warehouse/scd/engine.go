// Package scd implements the metadata-driven SCD Type 2 loading engine. One
// fixed algorithm plus a DimensionConfig row per table replaces a hand-written
// load procedure per dimension.
package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medrecon/warehouse/pkg/metrics"
	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
	"github.com/medrecon/warehouse/pkg/warehouse/runlog"
)

// OpenEndSentinel is the canonical "currently valid" effective_end value.
var OpenEndSentinel = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// ConfigSource resolves dimension configurations. *registry.Registry
// satisfies it.
type ConfigSource interface {
	Get(ctx context.Context, tableName string) (registry.DimensionConfig, error)
	ListEnabled(ctx context.Context) ([]registry.DimensionConfig, error)
}

type EngineConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	DB      pg.Client
	Configs ConfigSource
	RunLog  runlog.Sink
	OpenEnd time.Time
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db client is required")
	}
	if cfg.Configs == nil {
		return errors.New("config source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.OpenEnd.IsZero() {
		cfg.OpenEnd = OpenEndSentinel
	}
	return nil
}

type Engine struct {
	log    *slog.Logger
	cfg    EngineConfig
	runLog runlog.Sink
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:    cfg.Logger,
		cfg:    cfg,
		runLog: runlog.NewFaultTolerant(cfg.Logger, cfg.RunLog),
	}, nil
}

// managedColumns are maintained by the engine or the target table itself and
// are never part of the generated load column list.
func (e *Engine) managedColumns(cfg registry.DimensionConfig) map[string]struct{} {
	return map[string]struct{}{
		cfg.SurrogateKeyColumn: {},
		"is_current":           {},
		"effective_start":      {},
		"effective_end":        {},
		"created_at":           {},
		"updated_at":           {},
		"batch_id":             {},
	}
}

// Load performs the two-phase SCD Type 2 merge for one dimension, scoped to
// the source rows of batchID. Every failure mode is converted into a
// structured BatchResult at this boundary; nothing propagates to the caller.
func (e *Engine) Load(ctx context.Context, tableName, batchID string) BatchResult {
	start := e.cfg.Clock.Now()
	res := e.load(ctx, tableName, batchID)
	res.Duration = e.cfg.Clock.Since(start)

	metrics.DimensionLoadTotal.WithLabelValues(res.TableName, string(res.Status)).Inc()
	metrics.DimensionLoadDuration.WithLabelValues(res.TableName).Observe(res.Duration.Seconds())
	metrics.DimensionRowsClosedTotal.WithLabelValues(res.TableName).Add(float64(res.RowsClosed))
	metrics.DimensionRowsInsertedTotal.WithLabelValues(res.TableName).Add(float64(res.RowsInserted))

	_ = e.runLog.LogExecution(ctx, runlog.Entry{
		Name:         "scd_load_" + res.TableName,
		Status:       string(res.Status),
		Duration:     res.Duration,
		RowsClosed:   res.RowsClosed,
		RowsInserted: res.RowsInserted,
		ErrorDetail:  res.ErrorDetail,
		BatchID:      batchID,
	})

	switch res.Status {
	case StatusError:
		e.log.Error("dimension load failed", "table", res.TableName, "batch_id", batchID, "error", res.ErrorDetail)
	case StatusSkipped:
		e.log.Info("dimension load skipped", "table", res.TableName, "batch_id", batchID, "reason", res.ErrorDetail)
	default:
		e.log.Info("dimension load complete", "table", res.TableName, "batch_id", batchID,
			"rows_closed", res.RowsClosed, "rows_inserted", res.RowsInserted, "duration", res.Duration)
	}
	return res
}

func (e *Engine) load(ctx context.Context, tableName, batchID string) BatchResult {
	res := BatchResult{TableName: tableName}

	// Untrusted external inputs: fail before anything reaches a statement.
	if err := ident.Validate(tableName); err != nil {
		return errorResult(res, err)
	}
	if err := ident.ValidateBatchID(batchID); err != nil {
		return errorResult(res, err)
	}
	if err := ident.ScreenValue("batch_id", batchID); err != nil {
		return errorResult(res, err)
	}

	cfg, err := e.cfg.Configs.Get(ctx, tableName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return errorResult(res, fmt.Errorf("no configuration for table %s", tableName))
		}
		return errorResult(res, err)
	}
	if !cfg.Enabled {
		res.Status = StatusSkipped
		res.ErrorDetail = "disabled"
		return res
	}
	if !cfg.Active {
		res.Status = StatusSkipped
		res.ErrorDetail = "inactive"
		return res
	}

	// Config rows are operator-writable, so identifiers are re-validated at
	// use time, not only at config-write time.
	if err := cfg.ValidateIdentifiers(); err != nil {
		return errorResult(res, err)
	}

	var rowsClosed, rowsInserted int64
	err = e.cfg.DB.WithTx(ctx, func(q pg.Querier) error {
		// Serialize loads per target table: two concurrent loads of the same
		// dimension would race the close/insert phases.
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			cfg.TargetSchema+"."+cfg.TableName); err != nil {
			return &StatementError{Phase: "lock", Err: err}
		}

		plan, err := e.planColumns(ctx, q, cfg)
		if err != nil {
			return err
		}

		now := e.cfg.Clock.Now().UTC()

		closedKeys, err := e.closePhase(ctx, q, cfg, plan, batchID, now)
		if err != nil {
			return err
		}
		rowsClosed = int64(len(closedKeys))

		rowsInserted, err = e.insertPhase(ctx, q, cfg, plan, batchID, now)
		if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errorResult(res, err)
	}

	res.Status = StatusSuccess
	res.RowsClosed = rowsClosed
	res.RowsInserted = rowsInserted
	return res
}

// columnPlan is the validated set of identifiers one load is allowed to
// interpolate.
type columnPlan struct {
	target   string // qualified target name
	source   string // qualified source name
	loadCols []string
}

// planColumns discovers the source and target shapes and intersects them into
// the load column list. Every discovered name passes the identifier validator
// before it can appear in an assembled statement.
func (e *Engine) planColumns(ctx context.Context, q pg.Querier, cfg registry.DimensionConfig) (columnPlan, error) {
	var plan columnPlan

	target, err := ident.QualifiedName(cfg.TargetSchema, cfg.TableName)
	if err != nil {
		return plan, err
	}
	source, err := ident.QualifiedName(cfg.SourceSchema, cfg.SourceTable)
	if err != nil {
		return plan, err
	}

	sourceCols, err := pg.TableColumns(ctx, q, cfg.SourceSchema, cfg.SourceTable)
	if err != nil {
		return plan, err
	}
	if len(sourceCols) == 0 {
		return plan, fmt.Errorf("%w: source %s", ErrColumnDiscovery, source)
	}
	targetCols, err := pg.TableColumns(ctx, q, cfg.TargetSchema, cfg.TableName)
	if err != nil {
		return plan, err
	}
	if len(targetCols) == 0 {
		return plan, fmt.Errorf("%w: target %s", ErrColumnDiscovery, target)
	}

	if err := ident.ValidateAll(sourceCols...); err != nil {
		return plan, err
	}
	if err := ident.ValidateAll(targetCols...); err != nil {
		return plan, err
	}

	targetSet := make(map[string]struct{}, len(targetCols))
	for _, col := range targetCols {
		targetSet[col] = struct{}{}
	}
	managed := e.managedColumns(cfg)

	loadCols := make([]string, 0, len(sourceCols))
	for _, col := range sourceCols {
		if _, ok := managed[col]; ok {
			continue
		}
		if _, ok := targetSet[col]; !ok {
			continue
		}
		loadCols = append(loadCols, col)
	}
	if len(loadCols) == 0 {
		return plan, fmt.Errorf("%w: no shared load columns between %s and %s", ErrColumnDiscovery, source, target)
	}

	inLoad := make(map[string]struct{}, len(loadCols))
	for _, col := range loadCols {
		inLoad[col] = struct{}{}
	}
	for _, key := range cfg.BusinessKeyColumns {
		if _, ok := inLoad[key]; !ok {
			return plan, fmt.Errorf("business key column %q missing from shared load columns", key)
		}
	}
	if _, ok := inLoad[cfg.ChangeHashColumn]; !ok {
		return plan, fmt.Errorf("change hash column %q missing from shared load columns", cfg.ChangeHashColumn)
	}

	plan.target = target
	plan.source = source
	plan.loadCols = loadCols
	return plan, nil
}

// closePhase ends the current version of every business key whose incoming
// content hash differs, returning the closed keys. The returned set is the
// close phase's own output inside the open transaction; correlating "just
// closed" with "must insert" never consults the wall clock.
func (e *Engine) closePhase(ctx context.Context, q pg.Querier, cfg registry.DimensionConfig, plan columnPlan, batchID string, now time.Time) ([][]any, error) {
	returning := make([]string, len(cfg.BusinessKeyColumns))
	for i, key := range cfg.BusinessKeyColumns {
		returning[i] = "t." + key
	}

	closeSQL := fmt.Sprintf(`
		UPDATE %s t
		SET is_current = FALSE, effective_end = $2, updated_at = $2
		FROM %s s
		WHERE s.batch_id = $1
		  AND t.is_current
		  AND %s
		  AND t.%s IS DISTINCT FROM s.%s
		RETURNING %s
	`, plan.target, plan.source,
		businessKeyJoin(cfg.BusinessKeyColumns),
		cfg.ChangeHashColumn, cfg.ChangeHashColumn,
		strings.Join(returning, ", "))

	rows, err := q.Query(ctx, closeSQL, batchID, now)
	if err != nil {
		return nil, &StatementError{Phase: "close", Err: err}
	}
	defer rows.Close()

	var closed [][]any
	for rows.Next() {
		key := make([]any, len(cfg.BusinessKeyColumns))
		ptrs := make([]any, len(key))
		for i := range key {
			ptrs[i] = &key[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &StatementError{Phase: "close", Err: err}
		}
		closed = append(closed, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &StatementError{Phase: "close", Err: err}
	}

	e.log.Debug("close phase complete", "table", cfg.TableName, "batch_id", batchID, "rows_closed", len(closed))
	return closed, nil
}

// insertPhase inserts one new current version for every source row of the
// batch whose business key has no current target row: brand-new entities plus
// the keys the close phase just ended. Replaying the same batch is a no-op
// because replayed rows already have an identical current version.
func (e *Engine) insertPhase(ctx context.Context, q pg.Querier, cfg registry.DimensionConfig, plan columnPlan, batchID string, now time.Time) (int64, error) {
	selectCols := make([]string, len(plan.loadCols))
	for i, col := range plan.loadCols {
		selectCols[i] = "s." + col
	}
	orderKeys := make([]string, len(cfg.BusinessKeyColumns))
	for i, key := range cfg.BusinessKeyColumns {
		orderKeys[i] = "s." + key
	}

	// DISTINCT ON the business key defends the single-current-row invariant
	// against a batch that carries duplicate rows for one key.
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (%s, effective_start, effective_end, is_current, created_at, updated_at)
		SELECT DISTINCT ON (%s) %s, $2, $3, TRUE, $2, $2
		FROM %s s
		WHERE s.batch_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM %s t
			WHERE t.is_current AND %s
		  )
		ORDER BY %s
	`, plan.target, strings.Join(plan.loadCols, ", "),
		strings.Join(orderKeys, ", "), strings.Join(selectCols, ", "),
		plan.source,
		plan.target, businessKeyJoin(cfg.BusinessKeyColumns),
		strings.Join(orderKeys, ", "))

	inserted, err := q.Exec(ctx, insertSQL, batchID, now, e.cfg.OpenEnd)
	if err != nil {
		return 0, &StatementError{Phase: "insert", Err: err}
	}

	e.log.Debug("insert phase complete", "table", cfg.TableName, "batch_id", batchID, "rows_inserted", inserted)
	return inserted, nil
}

// businessKeyJoin builds the `t.k = s.k AND ...` predicate over validated
// business key columns.
func businessKeyJoin(keys []string) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = fmt.Sprintf("t.%s = s.%s", key, key)
	}
	return strings.Join(parts, " AND ")
}

func errorResult(res BatchResult, err error) BatchResult {
	res.Status = StatusError
	res.ErrorDetail = err.Error()
	return res
}
