package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

type OrchestratorConfig struct {
	Logger         *slog.Logger
	Engine         *Engine
	Configs        ConfigSource
	MaxConcurrency int
}

func (cfg *OrchestratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Configs == nil {
		return errors.New("config source is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

// Orchestrator runs the loader over every enabled configuration entry.
// Independent dimensions load in parallel; loads of the same table are
// serialized by the engine's per-table advisory lock.
type Orchestrator struct {
	log *slog.Logger
	cfg OrchestratorConfig
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// LoadAll loads every enabled && active dimension for the batch. One table's
// failure never aborts the others; results are sorted errors first, then
// skips, then successes, stable by table name within each class.
func (o *Orchestrator) LoadAll(ctx context.Context, batchID string) ([]BatchResult, error) {
	configs, err := o.cfg.Configs.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate enabled dimensions: %w", err)
	}

	o.log.Info("batch load starting", "batch_id", batchID, "dimensions", len(configs))

	results := make([]BatchResult, len(configs))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, cfg := range configs {
		g.Go(func() error {
			results[i] = o.cfg.Engine.Load(ctx, cfg.TableName, batchID)
			return nil
		})
	}
	// Load never returns an error; failures are carried inside BatchResult.
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := statusRank(results[i].Status), statusRank(results[j].Status)
		if ri != rj {
			return ri < rj
		}
		return results[i].TableName < results[j].TableName
	})

	var nErr, nSkip int
	for _, res := range results {
		switch res.Status {
		case StatusError:
			nErr++
		case StatusSkipped:
			nSkip++
		}
	}
	o.log.Info("batch load complete", "batch_id", batchID,
		"dimensions", len(results), "errors", nErr, "skipped", nSkip)

	return results, nil
}
