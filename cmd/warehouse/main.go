package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/medrecon/warehouse/pkg/logger"
	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/server"
	"github.com/medrecon/warehouse/pkg/warehouse/crosswalk"
	"github.com/medrecon/warehouse/pkg/warehouse/integrity"
	"github.com/medrecon/warehouse/pkg/warehouse/reconcile"
	"github.com/medrecon/warehouse/pkg/warehouse/registry"
	"github.com/medrecon/warehouse/pkg/warehouse/runlog"
	"github.com/medrecon/warehouse/pkg/warehouse/scd"
	"github.com/medrecon/warehouse/pkg/warehouse/transform"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; environment always wins.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "warehouse", "PostgreSQL database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "warehouse", "PostgreSQL username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode (or set PG_SSLMODE env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the most recent database migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	loadFlag := flag.String("load", "", "Load one dimension table (SCD Type 2) for the batch")
	loadAllFlag := flag.Bool("load-all", false, "Load every enabled dimension for the batch")
	crosswalkFlag := flag.String("crosswalk", "", "Build the crosswalk for an entity type (veteran, evaluator, facility)")
	transformFlag := flag.String("transform", "", "Merge an entity type's sources into dimension staging (requires --dimension)")
	checkFlag := flag.String("check", "", "Run integrity checks against a dimension table")
	serveFlag := flag.Bool("serve", false, "Run the admin HTTP server")

	// Command options
	batchIDFlag := flag.String("batch-id", "", "Batch id scoping loads and crosswalk builds (default: generated)")
	dimensionFlag := flag.String("dimension", "", "Dimension table for --transform")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "Maximum concurrent dimension loads for --load-all")
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "Listen address for --serve")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override PostgreSQL flags with environment variables if set
	if env := os.Getenv("PG_HOST"); env != "" {
		*pgHostFlag = env
	}
	if env := os.Getenv("PG_PORT"); env != "" {
		*pgPortFlag = env
	}
	if env := os.Getenv("PG_DATABASE"); env != "" {
		*pgDatabaseFlag = env
	}
	if env := os.Getenv("PG_USERNAME"); env != "" {
		*pgUsernameFlag = env
	}
	if env := os.Getenv("PG_PASSWORD"); env != "" {
		*pgPasswordFlag = env
	}
	if env := os.Getenv("PG_SSLMODE"); env != "" {
		*pgSSLModeFlag = env
	}

	pgConfig := pg.Config{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Migration commands work without a pool.
	if *migrateFlag {
		return pg.MigrateUp(ctx, log, pgConfig)
	}
	if *migrateDownFlag {
		return pg.MigrateDown(ctx, log, pgConfig)
	}
	if *migrateStatusFlag {
		return pg.MigrationStatus(ctx, log, pgConfig)
	}

	batchID := *batchIDFlag
	if batchID == "" {
		batchID = uuid.New().String()
	}

	db, err := pg.NewClient(ctx, log, pgConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(log, db)

	if *loadFlag != "" || *loadAllFlag {
		engine, err := scd.NewEngine(scd.EngineConfig{
			Logger:  log,
			DB:      db,
			Configs: reg,
			RunLog:  runlog.NewPGSink(db, nil),
		})
		if err != nil {
			return err
		}

		var results []scd.BatchResult
		if *loadFlag != "" {
			results = []scd.BatchResult{engine.Load(ctx, *loadFlag, batchID)}
		} else {
			orch, err := scd.NewOrchestrator(scd.OrchestratorConfig{
				Logger:         log,
				Engine:         engine,
				Configs:        reg,
				MaxConcurrency: *maxConcurrencyFlag,
			})
			if err != nil {
				return err
			}
			results, err = orch.LoadAll(ctx, batchID)
			if err != nil {
				return err
			}
		}

		failed := 0
		for _, res := range results {
			fmt.Printf("%-30s %-8s closed=%-6d inserted=%-6d %s\n",
				res.TableName, res.Status, res.RowsClosed, res.RowsInserted, res.ErrorDetail)
			if res.Status == scd.StatusError {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d dimension load(s) failed", failed)
		}
		return nil
	}

	if *crosswalkFlag != "" {
		builder, err := crosswalk.NewBuilder(crosswalk.BuilderConfig{
			Logger:   log,
			DB:       db,
			Metadata: reg,
		})
		if err != nil {
			return err
		}
		entries, err := builder.Build(ctx, *crosswalkFlag, batchID)
		if err != nil {
			return err
		}
		fmt.Printf("crosswalk %s: %d entries for batch %s\n", *crosswalkFlag, len(entries), batchID)
		return nil
	}

	if *transformFlag != "" {
		if *dimensionFlag == "" {
			return fmt.Errorf("--dimension is required for --transform")
		}
		transformer, err := transform.NewTransformer(transform.TransformerConfig{
			Logger:        log,
			DB:            db,
			Metadata:      reg,
			ConflictStore: reconcile.NewPGStore(db, nil),
		})
		if err != nil {
			return err
		}
		written, err := transformer.Run(ctx, *transformFlag, *dimensionFlag, batchID)
		if err != nil {
			return err
		}
		fmt.Printf("transform %s -> %s: %d staging rows for batch %s\n",
			*transformFlag, *dimensionFlag, written, batchID)
		return nil
	}

	if *checkFlag != "" {
		validator, err := integrity.NewValidator(integrity.ValidatorConfig{
			Logger:  log,
			DB:      db,
			Configs: reg,
		})
		if err != nil {
			return err
		}
		results, err := validator.Check(ctx, *checkFlag)
		if err != nil {
			return err
		}
		failed := 0
		for _, res := range results {
			fmt.Printf("%-28s %-5s affected=%d\n", res.Name, res.Severity, res.AffectedRows)
			if res.Severity == integrity.SeverityFail {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d integrity check(s) failed for %s", failed, *checkFlag)
		}
		return nil
	}

	if *serveFlag {
		srv, err := server.New(server.Config{
			Logger:     log,
			ListenAddr: *listenAddrFlag,
			DB:         db,
			VersionInfo: server.VersionInfo{
				Version: version,
				Commit:  commit,
				Date:    date,
			},
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}
