package crosswalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/medrecon/warehouse/pkg/metrics"
	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
)

// MetadataSource resolves the per-entity-type source descriptors and the
// conflict precedence. *registry.Registry satisfies it.
type MetadataSource interface {
	EntitySources(ctx context.Context, entityType string) (a, b registry.EntitySource, err error)
	Precedence(ctx context.Context, entityType string) (registry.SourceSlot, error)
}

type BuilderConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	DB       pg.Client
	Metadata MetadataSource
}

func (cfg *BuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db client is required")
	}
	if cfg.Metadata == nil {
		return errors.New("metadata source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Builder struct {
	log *slog.Logger
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{log: cfg.Logger, cfg: cfg}, nil
}

// Build matches the batch's records from both source systems into master
// identities, persists them, and returns the resolved entries. The write
// commits before Build returns, so a dependent staging transform can read it.
func (b *Builder) Build(ctx context.Context, entityType, batchID string) ([]Entry, error) {
	if err := ident.Validate(entityType); err != nil {
		return nil, err
	}
	if err := ident.ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	if err := ident.ScreenValue("batch_id", batchID); err != nil {
		return nil, err
	}

	table, err := crosswalkTable(entityType)
	if err != nil {
		return nil, err
	}

	srcA, srcB, err := b.cfg.Metadata.EntitySources(ctx, entityType)
	if err != nil {
		return nil, err
	}
	primary, err := b.cfg.Metadata.Precedence(ctx, entityType)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	var superseded []string
	err = b.cfg.DB.WithTx(ctx, func(q pg.Querier) error {
		byAID, byBID, err := readExistingMasterIDs(ctx, q, table)
		if err != nil {
			return err
		}

		aRecords, err := readSourceRecords(ctx, q, srcA, batchID)
		if err != nil {
			return err
		}
		bRecords, err := readSourceRecords(ctx, q, srcB, batchID)
		if err != nil {
			return err
		}

		entries = match(aRecords, bRecords, primary)
		superseded = resolveMasterIDs(entries, byAID, byBID)

		now := b.cfg.Clock.Now().UTC()
		if err := retireSuperseded(ctx, q, table, superseded, now); err != nil {
			return err
		}
		return upsertEntries(ctx, q, table, batchID, entries, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s crosswalk: %w", entityType, err)
	}

	counts := make(map[Method]int)
	for _, e := range entries {
		counts[e.MatchMethod]++
		metrics.CrosswalkMatchTotal.WithLabelValues(entityType, string(e.MatchMethod)).Inc()
	}
	b.log.Info("crosswalk built", "entity_type", entityType, "batch_id", batchID,
		"entries", len(entries), "consolidated", len(superseded),
		"exact", counts[MethodExact], "fuzzy_name", counts[MethodFuzzyName],
		"source_a_only", counts[MethodSourceAOnly], "source_b_only", counts[MethodSourceBOnly],
		"no_match", counts[MethodNoMatch])

	return entries, nil
}

// match pairs records by prioritized strategy, first match wins:
// exact strong key, then normalized name (only when the strong key is absent
// on at least one side), then single-source presence. Records with no usable
// identity are still materialized as NO_MATCH so nothing is silently dropped.
func match(aRecords, bRecords []SourceRecord, primary registry.SourceSlot) []Entry {
	bByKey := make(map[string]int)
	bByName := make(map[string]int)
	for i, rec := range bRecords {
		if rec.NaturalKey != "" {
			// First record wins on duplicate keys; duplicates fall through to
			// single-source handling.
			if _, ok := bByKey[rec.NaturalKey]; !ok {
				bByKey[rec.NaturalKey] = i
			}
		}
		if name := normalizeName(rec.Name); name != "" {
			if _, ok := bByName[name]; !ok {
				bByName[name] = i
			}
		}
	}
	consumed := make([]bool, len(bRecords))

	entries := make([]Entry, 0, len(aRecords)+len(bRecords))
	for _, a := range aRecords {
		entry := Entry{
			SourceAID:         a.ID,
			SourceANaturalKey: a.NaturalKey,
			PrimarySource:     primary,
		}

		if a.NaturalKey != "" {
			if i, ok := bByKey[a.NaturalKey]; ok && !consumed[i] {
				consumed[i] = true
				entry.SourceBID = bRecords[i].ID
				entry.SourceBNaturalKey = bRecords[i].NaturalKey
				entry.MatchMethod = MethodExact
				entry.MatchConfidence = confidenceExact
				entries = append(entries, entry)
				continue
			}
		}

		if name := normalizeName(a.Name); name != "" {
			if i, ok := bByName[name]; ok && !consumed[i] {
				// A name match only resolves identity when the strong key is
				// missing on at least one side; two differing strong keys are
				// two different entities regardless of name.
				if a.NaturalKey == "" || bRecords[i].NaturalKey == "" {
					consumed[i] = true
					entry.SourceBID = bRecords[i].ID
					entry.SourceBNaturalKey = bRecords[i].NaturalKey
					entry.MatchMethod = MethodFuzzyName
					entry.MatchConfidence = confidenceFuzzyName
					entries = append(entries, entry)
					continue
				}
			}
		}

		if a.NaturalKey == "" && normalizeName(a.Name) == "" {
			entry.MatchMethod = MethodNoMatch
			entry.MatchConfidence = confidenceNoMatch
		} else {
			entry.MatchMethod = MethodSourceAOnly
			entry.MatchConfidence = confidenceSingleOnly
		}
		entries = append(entries, entry)
	}

	for i, rec := range bRecords {
		if consumed[i] {
			continue
		}
		entry := Entry{
			SourceBID:         rec.ID,
			SourceBNaturalKey: rec.NaturalKey,
			PrimarySource:     primary,
		}
		if rec.NaturalKey == "" && normalizeName(rec.Name) == "" {
			entry.MatchMethod = MethodNoMatch
			entry.MatchConfidence = confidenceNoMatch
		} else {
			entry.MatchMethod = MethodSourceBOnly
			entry.MatchConfidence = confidenceSingleOnly
		}
		entries = append(entries, entry)
	}

	return entries
}

// resolveMasterIDs assigns each entry its stable master id: an already-known
// master by either source system's id, or a fresh UUID for brand-new
// identities. When a match joins two records that previously carried distinct
// masters (a source-A-only identity and a source-B-only identity matched for
// the first time), the source A master survives and the other is returned as
// superseded so its row can be retired in the same transaction.
func resolveMasterIDs(entries []Entry, byAID, byBID map[string]string) (superseded []string) {
	retired := make(map[string]struct{})
	for i := range entries {
		e := &entries[i]

		var aMaster, bMaster string
		if e.SourceAID != "" {
			aMaster = byAID[e.SourceAID]
		}
		if e.SourceBID != "" {
			bMaster = byBID[e.SourceBID]
		}

		switch {
		case aMaster != "":
			e.MasterID = aMaster
		case bMaster != "":
			e.MasterID = bMaster
		default:
			e.MasterID = uuid.New().String()
		}

		// The A-side master won, so the B-side mapping it absorbed still points
		// at a row that would collide with this entry's upsert.
		if bMaster != "" && bMaster != e.MasterID {
			if _, ok := retired[bMaster]; !ok {
				retired[bMaster] = struct{}{}
				superseded = append(superseded, bMaster)
			}
		}

		// Later entries in the batch resolve against the consolidated
		// assignment, not the stale one.
		if e.SourceAID != "" {
			byAID[e.SourceAID] = e.MasterID
		}
		if e.SourceBID != "" {
			byBID[e.SourceBID] = e.MasterID
		}
	}
	return superseded
}
