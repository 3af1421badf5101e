// Package registry reads the metadata tables that drive the loading engine.
// One DimensionConfig row per loadable dimension replaces one hand-written
// procedure per table: the algorithm is fixed, the shape is data.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
)

// ErrNotFound is returned when no configuration row exists for a table.
// Callers must distinguish it from "configured but disabled/inactive".
var ErrNotFound = errors.New("dimension configuration not found")

// DimensionConfig is one row of the configuration registry. Operators can
// edit these rows at any time, so every name field is untrusted input and is
// re-validated by the engine at use time.
type DimensionConfig struct {
	TableName          string
	TargetSchema       string
	SourceSchema       string
	SourceTable        string
	BusinessKeyColumns []string
	ChangeHashColumn   string
	SurrogateKeyColumn string
	Enabled            bool
	Active             bool
}

// ValidateIdentifiers re-validates every name field of the configuration.
func (c DimensionConfig) ValidateIdentifiers() error {
	if err := ident.ValidateAll(c.TableName, c.TargetSchema, c.SourceSchema, c.SourceTable,
		c.ChangeHashColumn, c.SurrogateKeyColumn); err != nil {
		return err
	}
	if len(c.BusinessKeyColumns) == 0 {
		return fmt.Errorf("%w: business key columns must not be empty", ident.ErrInvalidIdentifier)
	}
	return ident.ValidateAll(c.BusinessKeyColumns...)
}

type Registry struct {
	log *slog.Logger
	db  pg.Querier
}

func New(log *slog.Logger, db pg.Querier) *Registry {
	return &Registry{log: log, db: db}
}

// Get returns the configuration row for tableName, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, tableName string) (DimensionConfig, error) {
	var cfg DimensionConfig
	err := r.db.QueryRow(ctx, `
		SELECT table_name, target_schema, source_schema, source_table,
		       business_key_columns, change_hash_column, surrogate_key_column,
		       enabled, active
		FROM etl_dimension_config
		WHERE table_name = $1
	`, tableName).Scan(
		&cfg.TableName, &cfg.TargetSchema, &cfg.SourceSchema, &cfg.SourceTable,
		&cfg.BusinessKeyColumns, &cfg.ChangeHashColumn, &cfg.SurrogateKeyColumn,
		&cfg.Enabled, &cfg.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DimensionConfig{}, fmt.Errorf("%w: %s", ErrNotFound, tableName)
		}
		return DimensionConfig{}, fmt.Errorf("failed to read dimension config for %s: %w", tableName, err)
	}
	return cfg, nil
}

// ListEnabled returns every enabled and active configuration row in
// lexicographic table-name order, so batch runs are deterministic.
func (r *Registry) ListEnabled(ctx context.Context) ([]DimensionConfig, error) {
	rows, err := r.db.Query(ctx, `
		SELECT table_name, target_schema, source_schema, source_table,
		       business_key_columns, change_hash_column, surrogate_key_column,
		       enabled, active
		FROM etl_dimension_config
		WHERE enabled AND active
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dimension configs: %w", err)
	}
	defer rows.Close()

	var configs []DimensionConfig
	for rows.Next() {
		var cfg DimensionConfig
		if err := rows.Scan(
			&cfg.TableName, &cfg.TargetSchema, &cfg.SourceSchema, &cfg.SourceTable,
			&cfg.BusinessKeyColumns, &cfg.ChangeHashColumn, &cfg.SurrogateKeyColumn,
			&cfg.Enabled, &cfg.Active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dimension config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dimension configs: %w", err)
	}
	return configs, nil
}
