// Package transform materializes staging rows for multi-source dimensions:
// for each resolved master identity it merges both sources' attributes
// through the conflict reconciler, computes the content hash, and writes one
// batch-tagged staging row for the SCD engine to load.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/contenthash"
	"github.com/medrecon/warehouse/pkg/warehouse/crosswalk"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
	"github.com/medrecon/warehouse/pkg/warehouse/reconcile"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
)

// MetadataSource is the registry surface the transformer needs.
type MetadataSource interface {
	Get(ctx context.Context, tableName string) (registry.DimensionConfig, error)
	EntitySources(ctx context.Context, entityType string) (a, b registry.EntitySource, err error)
	Precedence(ctx context.Context, entityType string) (registry.SourceSlot, error)
}

type TransformerConfig struct {
	Logger        *slog.Logger
	DB            pg.Client
	Metadata      MetadataSource
	ConflictStore reconcile.Store
}

func (cfg *TransformerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db client is required")
	}
	if cfg.Metadata == nil {
		return errors.New("metadata source is required")
	}
	if cfg.ConflictStore == nil {
		return errors.New("conflict store is required")
	}
	return nil
}

type Transformer struct {
	log *slog.Logger
	cfg TransformerConfig
}

func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{log: cfg.Logger, cfg: cfg}, nil
}

// Run merges the batch's crosswalked records of entityType into the staging
// table of dimensionTable and returns the number of staging rows written.
// It must run after the crosswalk builder has committed for the batch.
func (t *Transformer) Run(ctx context.Context, entityType, dimensionTable, batchID string) (int, error) {
	if err := ident.Validate(entityType); err != nil {
		return 0, err
	}
	if err := ident.Validate(dimensionTable); err != nil {
		return 0, err
	}
	if err := ident.ValidateBatchID(batchID); err != nil {
		return 0, err
	}

	dimCfg, err := t.cfg.Metadata.Get(ctx, dimensionTable)
	if err != nil {
		return 0, err
	}
	if err := dimCfg.ValidateIdentifiers(); err != nil {
		return 0, err
	}
	// Multi-source dimensions are keyed by the resolved master id alone.
	if len(dimCfg.BusinessKeyColumns) != 1 {
		return 0, fmt.Errorf("dimension %s must have exactly one business key column for multi-source loading, got %d",
			dimensionTable, len(dimCfg.BusinessKeyColumns))
	}

	srcA, srcB, err := t.cfg.Metadata.EntitySources(ctx, entityType)
	if err != nil {
		return 0, err
	}
	if err := srcA.ValidateIdentifiers(); err != nil {
		return 0, err
	}
	if err := srcB.ValidateIdentifiers(); err != nil {
		return 0, err
	}
	primary, err := t.cfg.Metadata.Precedence(ctx, entityType)
	if err != nil {
		return 0, err
	}

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Logger:     t.log,
		Store:      t.cfg.ConflictStore,
		EntityType: entityType,
		BatchID:    batchID,
		Primary:    primary,
	})
	if err != nil {
		return 0, err
	}

	written := 0
	err = t.cfg.DB.WithTx(ctx, func(q pg.Querier) error {
		entries, err := crosswalk.ReadBatchEntries(ctx, q, entityType, batchID)
		if err != nil {
			return err
		}

		staging, err := ident.QualifiedName(dimCfg.SourceSchema, dimCfg.SourceTable)
		if err != nil {
			return err
		}
		stagingCols, err := pg.TableColumns(ctx, q, dimCfg.SourceSchema, dimCfg.SourceTable)
		if err != nil {
			return err
		}
		if err := ident.ValidateAll(stagingCols...); err != nil {
			return err
		}
		attrCols := attributeColumns(stagingCols, dimCfg)
		if len(attrCols) == 0 {
			return fmt.Errorf("staging table %s has no attribute columns", staging)
		}

		aRows, err := readAttributeRows(ctx, q, srcA, attrCols, batchID)
		if err != nil {
			return err
		}
		bRows, err := readAttributeRows(ctx, q, srcB, attrCols, batchID)
		if err != nil {
			return err
		}

		// Replaying the batch replaces its staging rows instead of appending.
		if _, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE batch_id = $1`, staging), batchID); err != nil {
			return fmt.Errorf("failed to clear staging rows for batch: %w", err)
		}

		insertSQL := buildStagingInsert(staging, dimCfg, attrCols)
		for _, entry := range entries {
			row, err := t.mergeEntry(ctx, reconciler, entry, attrCols, aRows, bRows)
			if err != nil {
				return err
			}

			args := make([]any, 0, len(attrCols)+3)
			args = append(args, entry.MasterID)
			for _, col := range attrCols {
				args = append(args, row[col])
			}
			args = append(args, contenthash.RowDigest(row, attrCols), batchID)

			if _, err := q.Exec(ctx, insertSQL, args...); err != nil {
				return fmt.Errorf("failed to insert staging row for %s: %w", entry.MasterID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to transform %s batch %s: %w", entityType, batchID, err)
	}

	t.log.Info("staging transform complete", "entity_type", entityType,
		"dimension", dimensionTable, "batch_id", batchID, "rows", written)
	return written, nil
}

// mergeEntry resolves each attribute for one master identity, field by field.
func (t *Transformer) mergeEntry(ctx context.Context, reconciler *reconcile.Reconciler, entry crosswalk.Entry,
	attrCols []string, aRows, bRows map[string]map[string]any) (map[string]any, error) {

	var aRow, bRow map[string]any
	if entry.SourceAID != "" {
		aRow = aRows[entry.SourceAID]
	}
	if entry.SourceBID != "" {
		bRow = bRows[entry.SourceBID]
	}

	merged := make(map[string]any, len(attrCols))
	for _, col := range attrCols {
		var aVal, bVal any
		if aRow != nil {
			aVal = aRow[col]
		}
		if bRow != nil {
			bVal = bRow[col]
		}
		resolved, _, err := reconciler.Reconcile(ctx, entry.MasterID, col, aVal, bVal)
		if err != nil {
			return nil, err
		}
		merged[col] = resolved
	}
	return merged, nil
}

// attributeColumns are the staging columns the transformer fills: everything
// except the master key, the hash column, and the batch tag.
func attributeColumns(stagingCols []string, dimCfg registry.DimensionConfig) []string {
	skip := map[string]struct{}{
		dimCfg.ChangeHashColumn: {},
		"batch_id":              {},
	}
	for _, key := range dimCfg.BusinessKeyColumns {
		skip[key] = struct{}{}
	}

	attrCols := make([]string, 0, len(stagingCols))
	for _, col := range stagingCols {
		if _, ok := skip[col]; ok {
			continue
		}
		attrCols = append(attrCols, col)
	}
	return attrCols
}

// readAttributeRows reads one source system's batch rows keyed by source id,
// restricted to the attribute columns the staging table carries.
func readAttributeRows(ctx context.Context, q pg.Querier, src registry.EntitySource, attrCols []string, batchID string) (map[string]map[string]any, error) {
	srcCols, err := pg.TableColumns(ctx, q, src.Schema, src.Table)
	if err != nil {
		return nil, err
	}
	if err := ident.ValidateAll(srcCols...); err != nil {
		return nil, err
	}
	srcSet := make(map[string]struct{}, len(srcCols))
	for _, col := range srcCols {
		srcSet[col] = struct{}{}
	}

	// A source that lacks an attribute column contributes NULL for it.
	shared := make([]string, 0, len(attrCols))
	for _, col := range attrCols {
		if _, ok := srcSet[col]; ok {
			shared = append(shared, col)
		}
	}

	selectList := src.IDColumn + "::text"
	if len(shared) > 0 {
		selectList += ", " + strings.Join(shared, ", ")
	}
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s.%s
		WHERE batch_id = $1
	`, selectList, src.Schema, src.Table), batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s source %s attribute rows: %w", src.EntityType, src.Slot, err)
	}
	defer rows.Close()

	result := make(map[string]map[string]any)
	for rows.Next() {
		var id string
		values := make([]any, len(shared))
		ptrs := make([]any, 0, len(shared)+1)
		ptrs = append(ptrs, &id)
		for i := range values {
			ptrs = append(ptrs, &values[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan attribute row: %w", err)
		}
		row := make(map[string]any, len(shared))
		for i, col := range shared {
			row[col] = values[i]
		}
		result[id] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attribute rows: %w", err)
	}
	return result, nil
}

// buildStagingInsert assembles the staging INSERT with validated identifiers
// and positional parameters for every value.
func buildStagingInsert(staging string, dimCfg registry.DimensionConfig, attrCols []string) string {
	cols := make([]string, 0, len(attrCols)+3)
	cols = append(cols, dimCfg.BusinessKeyColumns[0])
	cols = append(cols, attrCols...)
	cols = append(cols, dimCfg.ChangeHashColumn, "batch_id")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		staging, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}
