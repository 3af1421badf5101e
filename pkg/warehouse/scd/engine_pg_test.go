package scd_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/pg/pgtesting"
	"github.com/medrecon/warehouse/pkg/testutil"
	"github.com/medrecon/warehouse/pkg/warehouse/contenthash"
	"github.com/medrecon/warehouse/pkg/warehouse/crosswalk"
	"github.com/medrecon/warehouse/pkg/warehouse/integrity"
	"github.com/medrecon/warehouse/pkg/warehouse/reconcile"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
	"github.com/medrecon/warehouse/pkg/warehouse/runlog"
	"github.com/medrecon/warehouse/pkg/warehouse/scd"
	"github.com/medrecon/warehouse/pkg/warehouse/transform"
)

var veteranAttrs = []string{
	"first_name", "last_name", "branch_of_service",
	"service_start_date", "service_end_date", "disability_rating", "home_facility_code",
}

func insertStagingVeteran(t *testing.T, ctx context.Context, db pg.Client, batchID, masterID, firstName, branch string) {
	t.Helper()
	row := map[string]any{
		"first_name":        firstName,
		"last_name":         "Smith",
		"branch_of_service": branch,
	}
	_, err := db.Exec(ctx, `
		INSERT INTO staging.stg_dim_veteran
			(master_id, first_name, last_name, branch_of_service, content_hash, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, masterID, firstName, "Smith", branch, contenthash.RowDigest(row, veteranAttrs), batchID)
	require.NoError(t, err)
}

func currentVeterans(t *testing.T, ctx context.Context, db pg.Client) map[string]string {
	t.Helper()
	rows, err := db.Query(ctx, `
		SELECT master_id, branch_of_service
		FROM warehouse.dim_veteran
		WHERE is_current
		ORDER BY master_id
	`)
	require.NoError(t, err)
	defer rows.Close()

	current := make(map[string]string)
	for rows.Next() {
		var masterID, branch string
		require.NoError(t, rows.Scan(&masterID, &branch))
		current[masterID] = branch
	}
	require.NoError(t, rows.Err())
	return current
}

func TestWarehouse_SCD_Engine_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	log := testutil.NewLogger()

	container, err := pgtesting.NewDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(container.Close)
	pgtesting.Migrate(t, container)

	db := pgtesting.NewTestClient(t, log, container)

	reg := registry.New(log, db)

	// The migrations seed a complete configuration for every dimension.
	enabled, err := reg.ListEnabled(ctx)
	require.NoError(t, err)
	names := make([]string, len(enabled))
	for i, c := range enabled {
		names[i] = c.TableName
	}
	require.ElementsMatch(t, []string{"dim_evaluator", "dim_facility", "dim_veteran"}, names)

	engine, err := scd.NewEngine(scd.EngineConfig{
		Logger:  log,
		Clock:   clockwork.NewRealClock(),
		DB:      db,
		Configs: reg,
		RunLog:  runlog.NewPGSink(db, nil),
	})
	require.NoError(t, err)

	// First batch: two brand-new veterans.
	insertStagingVeteran(t, ctx, db, "batch_001", "master-1", "John", "ARMY")
	insertStagingVeteran(t, ctx, db, "batch_001", "master-2", "Jane", "NAVY")

	res := engine.Load(ctx, "dim_veteran", "batch_001")
	require.Equal(t, scd.StatusSuccess, res.Status, res.ErrorDetail)
	require.Equal(t, int64(0), res.RowsClosed)
	require.Equal(t, int64(2), res.RowsInserted)

	// Replaying the committed batch changes nothing.
	res = engine.Load(ctx, "dim_veteran", "batch_001")
	require.Equal(t, scd.StatusSuccess, res.Status, res.ErrorDetail)
	require.Equal(t, int64(0), res.RowsClosed)
	require.Equal(t, int64(0), res.RowsInserted)

	// Second batch: master-1 changes branch, master-2 is unchanged, master-3
	// is new.
	insertStagingVeteran(t, ctx, db, "batch_002", "master-1", "John", "AIR FORCE")
	insertStagingVeteran(t, ctx, db, "batch_002", "master-2", "Jane", "NAVY")
	insertStagingVeteran(t, ctx, db, "batch_002", "master-3", "Alex", "MARINES")

	res = engine.Load(ctx, "dim_veteran", "batch_002")
	require.Equal(t, scd.StatusSuccess, res.Status, res.ErrorDetail)
	require.Equal(t, int64(1), res.RowsClosed)
	require.Equal(t, int64(2), res.RowsInserted)

	current := currentVeterans(t, ctx, db)
	require.Equal(t, map[string]string{
		"master-1": "AIR FORCE",
		"master-2": "NAVY",
		"master-3": "MARINES",
	}, current)

	// History is preserved: master-1 has a closed version and a current one.
	var versions int
	rows, err := db.Query(ctx, `
		SELECT effective_start, effective_end, is_current
		FROM warehouse.dim_veteran
		WHERE master_id = $1
		ORDER BY effective_start
	`, "master-1")
	require.NoError(t, err)
	var sawClosed, sawCurrent bool
	for rows.Next() {
		var start, end time.Time
		var isCurrent bool
		require.NoError(t, rows.Scan(&start, &end, &isCurrent))
		versions++
		if isCurrent {
			sawCurrent = true
			require.True(t, end.UTC().Equal(scd.OpenEndSentinel), "current row keeps the open-end sentinel")
		} else {
			sawClosed = true
			require.True(t, end.Before(scd.OpenEndSentinel))
		}
	}
	rows.Close()
	require.NoError(t, rows.Err())
	require.Equal(t, 2, versions)
	require.True(t, sawClosed)
	require.True(t, sawCurrent)

	// All post-load invariants hold.
	validator, err := integrity.NewValidator(integrity.ValidatorConfig{
		Logger:  log,
		DB:      db,
		Configs: reg,
	})
	require.NoError(t, err)
	checks, err := validator.Check(ctx, "dim_veteran")
	require.NoError(t, err)
	for _, check := range checks {
		require.Equal(t, integrity.SeverityPass, check.Severity, check.Name)
	}

	// Both loads and the replay left execution log entries.
	var logged int64
	err = db.QueryRow(ctx, `
		SELECT count(*) FROM etl_execution_log WHERE name = 'scd_load_dim_veteran'
	`).Scan(&logged)
	require.NoError(t, err)
	require.Equal(t, int64(3), logged)
}

func TestWarehouse_Pipeline_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	log := testutil.NewLogger()

	container, err := pgtesting.NewDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(container.Close)
	pgtesting.Migrate(t, container)

	db := pgtesting.NewTestClient(t, log, container)
	reg := registry.New(log, db)

	// The same veteran arrives from both source systems with one conflicting
	// attribute, plus one veteran known only to VistA.
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_vista_veteran
			(vista_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES
			('v1', '123456789', 'John Smith', 'John', 'Smith', 'ARMY', 'batch_001'),
			('v2', '555555555', 'Jane Doe', 'Jane', 'Doe', 'NAVY', 'batch_001')
	`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_cdw_veteran
			(cdw_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES
			('c1', '123456789', 'JOHN SMITH', 'John', 'Smith', 'AIR FORCE', 'batch_001')
	`)
	require.NoError(t, err)

	builder, err := crosswalk.NewBuilder(crosswalk.BuilderConfig{
		Logger:   log,
		DB:       db,
		Metadata: reg,
	})
	require.NoError(t, err)

	entries, err := builder.Build(ctx, "veteran", "batch_001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, crosswalk.MethodExact, entries[0].MatchMethod)
	require.Equal(t, crosswalk.MethodSourceAOnly, entries[1].MatchMethod)

	transformer, err := transform.NewTransformer(transform.TransformerConfig{
		Logger:        log,
		DB:            db,
		Metadata:      reg,
		ConflictStore: reconcile.NewPGStore(db, nil),
	})
	require.NoError(t, err)

	written, err := transformer.Run(ctx, "veteran", "dim_veteran", "batch_001")
	require.NoError(t, err)
	require.Equal(t, 2, written)

	engine, err := scd.NewEngine(scd.EngineConfig{
		Logger:  log,
		DB:      db,
		Configs: reg,
		RunLog:  runlog.NewPGSink(db, nil),
	})
	require.NoError(t, err)

	res := engine.Load(ctx, "dim_veteran", "batch_001")
	require.Equal(t, scd.StatusSuccess, res.Status, res.ErrorDetail)
	require.Equal(t, int64(2), res.RowsInserted)

	// VistA is the configured primary for veterans, so its branch value wins
	// and the CDW value lands in the reconciliation log.
	var branch string
	err = db.QueryRow(ctx, `
		SELECT branch_of_service
		FROM warehouse.dim_veteran
		WHERE master_id = $1 AND is_current
	`, entries[0].MasterID).Scan(&branch)
	require.NoError(t, err)
	require.Equal(t, "ARMY", branch)

	var loserValue, rule string
	err = db.QueryRow(ctx, `
		SELECT source_b_value, resolution_rule
		FROM etl_reconciliation_log
		WHERE batch_id = 'batch_001' AND conflict_field = 'branch_of_service'
	`).Scan(&loserValue, &rule)
	require.NoError(t, err)
	require.Equal(t, "AIR FORCE", loserValue)
	require.Equal(t, "source_precedence_A", rule)

	// Master ids survive a second batch: the same people re-resolve to the
	// same identities.
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_vista_veteran
			(vista_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('v1', '123456789', 'John Smith', 'John', 'Smith', 'ARMY', 'batch_002')
	`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_cdw_veteran
			(cdw_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('c1', '123456789', 'JOHN SMITH', 'John', 'Smith', 'AIR FORCE', 'batch_002')
	`)
	require.NoError(t, err)

	second, err := builder.Build(ctx, "veteran", "batch_002")
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, entries[0].MasterID, second[0].MasterID)

	// A person can surface in each source system alone before both records
	// ever share a batch; that leaves two masters for one identity.
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_vista_veteran
			(vista_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('v3', '777777777', 'Pat Jones', 'Pat', 'Jones', 'ARMY', 'batch_003')
	`)
	require.NoError(t, err)
	third, err := builder.Build(ctx, "veteran", "batch_003")
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, crosswalk.MethodSourceAOnly, third[0].MatchMethod)

	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_cdw_veteran
			(cdw_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('c2', '777777777', 'PAT JONES', 'Pat', 'Jones', 'ARMY', 'batch_004')
	`)
	require.NoError(t, err)
	fourth, err := builder.Build(ctx, "veteran", "batch_004")
	require.NoError(t, err)
	require.Len(t, fourth, 1)
	require.Equal(t, crosswalk.MethodSourceBOnly, fourth[0].MatchMethod)
	require.NotEqual(t, third[0].MasterID, fourth[0].MasterID)

	// Once the two records match, the identities consolidate onto the VistA
	// master and the stale CDW master is retired, so the upsert clears the
	// source id uniqueness rather than tripping it.
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_vista_veteran
			(vista_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('v3', '777777777', 'Pat Jones', 'Pat', 'Jones', 'ARMY', 'batch_005')
	`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO staging.src_cdw_veteran
			(cdw_id, ssn, full_name, first_name, last_name, branch_of_service, batch_id)
		VALUES ('c2', '777777777', 'PAT JONES', 'Pat', 'Jones', 'ARMY', 'batch_005')
	`)
	require.NoError(t, err)

	fifth, err := builder.Build(ctx, "veteran", "batch_005")
	require.NoError(t, err)
	require.Len(t, fifth, 1)
	require.Equal(t, crosswalk.MethodExact, fifth[0].MatchMethod)
	require.Equal(t, third[0].MasterID, fifth[0].MasterID)

	var mappings int64
	err = db.QueryRow(ctx, `
		SELECT count(*) FROM crosswalk_veteran WHERE source_a_id = 'v3' OR source_b_id = 'c2'
	`).Scan(&mappings)
	require.NoError(t, err)
	require.Equal(t, int64(1), mappings, "one crosswalk row per identity after consolidation")

	var stale int64
	err = db.QueryRow(ctx, `
		SELECT count(*) FROM crosswalk_veteran WHERE master_id = $1
	`, fourth[0].MasterID).Scan(&stale)
	require.NoError(t, err)
	require.Zero(t, stale, "the superseded master leaves no row behind")
}
