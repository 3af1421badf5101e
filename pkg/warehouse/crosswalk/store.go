package crosswalk

import (
	"context"
	"fmt"
	"time"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
)

// crosswalkTable derives the per-entity-type crosswalk table name. The entity
// type is validated before it becomes part of an identifier.
func crosswalkTable(entityType string) (string, error) {
	if err := ident.Validate(entityType); err != nil {
		return "", err
	}
	name := "crosswalk_" + entityType
	if err := ident.Validate(name); err != nil {
		return "", err
	}
	return name, nil
}

// readSourceRecords reads one source system's identity rows for a batch.
// NULL keys and names are folded to empty strings ("value not supplied").
func readSourceRecords(ctx context.Context, q pg.Querier, src registry.EntitySource, batchID string) ([]SourceRecord, error) {
	if err := src.ValidateIdentifiers(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s::text,
		       COALESCE(%s::text, ''),
		       COALESCE(%s::text, '')
		FROM %s.%s
		WHERE batch_id = $1
		ORDER BY %s
	`, src.IDColumn, src.NaturalKeyColumn, src.NameColumn,
		src.Schema, src.Table, src.IDColumn)

	rows, err := q.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s source %s records: %w", src.EntityType, src.Slot, err)
	}
	defer rows.Close()

	var records []SourceRecord
	for rows.Next() {
		var rec SourceRecord
		if err := rows.Scan(&rec.ID, &rec.NaturalKey, &rec.Name); err != nil {
			return nil, fmt.Errorf("failed to scan source record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source records: %w", err)
	}
	return records, nil
}

// readExistingMasterIDs loads the already-assigned master ids keyed by each
// source system's id, so identities stay stable across batches.
func readExistingMasterIDs(ctx context.Context, q pg.Querier, table string) (byAID, byBID map[string]string, err error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT master_id, COALESCE(source_a_id, ''), COALESCE(source_b_id, '')
		FROM %s
	`, table))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read existing crosswalk entries: %w", err)
	}
	defer rows.Close()

	byAID = make(map[string]string)
	byBID = make(map[string]string)
	for rows.Next() {
		var masterID, aID, bID string
		if err := rows.Scan(&masterID, &aID, &bID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan crosswalk entry: %w", err)
		}
		if aID != "" {
			byAID[aID] = masterID
		}
		if bID != "" {
			byBID[bID] = masterID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating crosswalk entries: %w", err)
	}
	return byAID, byBID, nil
}

// retireSuperseded clears the absorbed source-B mapping from crosswalk rows
// whose identity was consolidated into another master, and removes any row
// left referencing no source at all. It must run in the same transaction as
// the upsert: until it commits, the superseded row still owns the source id
// under the partial unique index.
func retireSuperseded(ctx context.Context, q pg.Querier, table string, masterIDs []string, now time.Time) error {
	for _, id := range masterIDs {
		if _, err := q.Exec(ctx, fmt.Sprintf(`
			UPDATE %s
			SET source_b_id = NULL, source_b_natural_key = NULL, updated_at = $2
			WHERE master_id = $1
		`, table), id, now); err != nil {
			return fmt.Errorf("failed to retire superseded crosswalk entry %s: %w", id, err)
		}
		if _, err := q.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s
			WHERE master_id = $1 AND source_a_id IS NULL AND source_b_id IS NULL
		`, table), id); err != nil {
			return fmt.Errorf("failed to remove orphaned crosswalk entry %s: %w", id, err)
		}
	}
	return nil
}

// upsertEntries writes the batch's resolved entries, keyed by master_id.
func upsertEntries(ctx context.Context, q pg.Querier, table, batchID string, entries []Entry, now time.Time) error {
	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s
			(master_id, source_a_id, source_a_natural_key, source_b_id, source_b_natural_key,
			 match_confidence, match_method, primary_source, batch_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (master_id) DO UPDATE SET
			source_a_id = EXCLUDED.source_a_id,
			source_a_natural_key = EXCLUDED.source_a_natural_key,
			source_b_id = EXCLUDED.source_b_id,
			source_b_natural_key = EXCLUDED.source_b_natural_key,
			match_confidence = EXCLUDED.match_confidence,
			match_method = EXCLUDED.match_method,
			primary_source = EXCLUDED.primary_source,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at
	`, table)

	for _, e := range entries {
		_, err := q.Exec(ctx, upsertSQL,
			e.MasterID,
			nullIfEmpty(e.SourceAID), nullIfEmpty(e.SourceANaturalKey),
			nullIfEmpty(e.SourceBID), nullIfEmpty(e.SourceBNaturalKey),
			e.MatchConfidence, string(e.MatchMethod), string(e.PrimarySource),
			batchID, now)
		if err != nil {
			return fmt.Errorf("failed to upsert crosswalk entry %s: %w", e.MasterID, err)
		}
	}
	return nil
}

// ReadBatchEntries returns the entries the given batch resolved, in stable
// master-id order. Used by the staging transform after the builder commits.
func ReadBatchEntries(ctx context.Context, q pg.Querier, entityType, batchID string) ([]Entry, error) {
	table, err := crosswalkTable(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT master_id,
		       COALESCE(source_a_id, ''), COALESCE(source_a_natural_key, ''),
		       COALESCE(source_b_id, ''), COALESCE(source_b_natural_key, ''),
		       match_confidence, match_method, primary_source
		FROM %s
		WHERE batch_id = $1
		ORDER BY master_id
	`, table), batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s crosswalk entries: %w", entityType, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var method, primary string
		if err := rows.Scan(&e.MasterID,
			&e.SourceAID, &e.SourceANaturalKey,
			&e.SourceBID, &e.SourceBNaturalKey,
			&e.MatchConfidence, &method, &primary); err != nil {
			return nil, fmt.Errorf("failed to scan crosswalk entry: %w", err)
		}
		e.MatchMethod = Method(method)
		e.PrimarySource = registry.SourceSlot(primary)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crosswalk entries: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
