package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/medrecon/warehouse/pkg/warehouse/ident"
)

// SourceSlot names one of the two independently-keyed source systems feeding
// a multi-source dimension.
type SourceSlot string

const (
	SourceA SourceSlot = "A"
	SourceB SourceSlot = "B"
)

// EntitySource describes where one source system's staging rows live for an
// entity type, and which columns carry its identity.
type EntitySource struct {
	EntityType       string
	Slot             SourceSlot
	SourceName       string
	Schema           string
	Table            string
	IDColumn         string
	NaturalKeyColumn string
	NameColumn       string
}

// ValidateIdentifiers re-validates the name fields used in assembled statements.
func (s EntitySource) ValidateIdentifiers() error {
	return ident.ValidateAll(s.Schema, s.Table, s.IDColumn, s.NaturalKeyColumn, s.NameColumn)
}

// Precedence returns which source slot wins attribute conflicts for an entity
// type. Configured per entity type, never hard-coded per field.
func (r *Registry) Precedence(ctx context.Context, entityType string) (SourceSlot, error) {
	var primary string
	err := r.db.QueryRow(ctx, `
		SELECT primary_source
		FROM etl_source_precedence
		WHERE entity_type = $1
	`, entityType).Scan(&primary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: no source precedence for entity type %s", ErrNotFound, entityType)
		}
		return "", fmt.Errorf("failed to read source precedence for %s: %w", entityType, err)
	}
	switch SourceSlot(primary) {
	case SourceA, SourceB:
		return SourceSlot(primary), nil
	default:
		return "", fmt.Errorf("unknown primary source %q for entity type %s", primary, entityType)
	}
}

// EntitySources returns the two source system descriptors for an entity type.
func (r *Registry) EntitySources(ctx context.Context, entityType string) (a, b EntitySource, err error) {
	rows, err := r.db.Query(ctx, `
		SELECT entity_type, source_slot, source_name, source_schema, source_table,
		       id_column, natural_key_column, name_column
		FROM etl_entity_source_config
		WHERE entity_type = $1
		ORDER BY source_slot
	`, entityType)
	if err != nil {
		return a, b, fmt.Errorf("failed to read entity source config for %s: %w", entityType, err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var src EntitySource
		var slot string
		if err := rows.Scan(&src.EntityType, &slot, &src.SourceName, &src.Schema, &src.Table,
			&src.IDColumn, &src.NaturalKeyColumn, &src.NameColumn); err != nil {
			return a, b, fmt.Errorf("failed to scan entity source config: %w", err)
		}
		src.Slot = SourceSlot(slot)
		switch src.Slot {
		case SourceA:
			a = src
		case SourceB:
			b = src
		default:
			return a, b, fmt.Errorf("unknown source slot %q for entity type %s", slot, entityType)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return a, b, fmt.Errorf("error iterating entity source config: %w", err)
	}
	if found == 0 {
		return a, b, fmt.Errorf("%w: no entity source config for entity type %s", ErrNotFound, entityType)
	}
	if a.EntityType == "" || b.EntityType == "" {
		return a, b, fmt.Errorf("entity type %s must have both source slots configured, found %d", entityType, found)
	}
	return a, b, nil
}
