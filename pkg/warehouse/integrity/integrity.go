// Package integrity sweeps a dimension after loading and asserts the SCD
// invariants the engine is supposed to preserve.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/medrecon/warehouse/pkg/metrics"
	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/warehouse/ident"
	"github.com/medrecon/warehouse/pkg/warehouse/scd"
)

type Severity string

const (
	SeverityPass Severity = "pass"
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// CheckResult names one invariant with its outcome and affected-row count.
type CheckResult struct {
	Name         string
	Severity     Severity
	AffectedRows int64
}

type ValidatorConfig struct {
	Logger  *slog.Logger
	DB      pg.Querier
	Configs scd.ConfigSource
	OpenEnd time.Time
}

func (cfg *ValidatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Configs == nil {
		return errors.New("config source is required")
	}
	if cfg.OpenEnd.IsZero() {
		cfg.OpenEnd = scd.OpenEndSentinel
	}
	return nil
}

type Validator struct {
	log *slog.Logger
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

// Check runs every invariant check against the dimension and returns one
// result per check.
func (v *Validator) Check(ctx context.Context, tableName string) ([]CheckResult, error) {
	if err := ident.Validate(tableName); err != nil {
		return nil, err
	}
	dimCfg, err := v.cfg.Configs.Get(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if err := dimCfg.ValidateIdentifiers(); err != nil {
		return nil, err
	}

	target, err := ident.QualifiedName(dimCfg.TargetSchema, dimCfg.TableName)
	if err != nil {
		return nil, err
	}
	keyList := strings.Join(dimCfg.BusinessKeyColumns, ", ")

	checks := []struct {
		name     string
		warnOnly bool
		query    string
		args     []any
	}{
		{
			name: "duplicate_current",
			query: fmt.Sprintf(`
				SELECT count(*) FROM (
					SELECT 1 FROM %s WHERE is_current GROUP BY %s HAVING count(*) > 1
				) v
			`, target, keyList),
		},
		{
			name: "inverted_date_range",
			query: fmt.Sprintf(`
				SELECT count(*) FROM %s WHERE effective_end <= effective_start
			`, target),
		},
		{
			name: "current_missing_open_end",
			query: fmt.Sprintf(`
				SELECT count(*) FROM %s WHERE is_current AND effective_end <> $1
			`, target),
			args: []any{v.cfg.OpenEnd},
		},
		{
			name: "closed_retains_open_end",
			query: fmt.Sprintf(`
				SELECT count(*) FROM %s WHERE NOT is_current AND effective_end = $1
			`, target),
			args: []any{v.cfg.OpenEnd},
		},
		{
			// A legitimately retired entity has history but no current row,
			// so this one only warns.
			name:     "missing_current",
			warnOnly: true,
			query: fmt.Sprintf(`
				SELECT count(*) FROM (
					SELECT %s FROM %s GROUP BY %s HAVING NOT bool_or(is_current)
				) v
			`, keyList, target, keyList),
		},
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		var affected int64
		if err := v.cfg.DB.QueryRow(ctx, check.query, check.args...).Scan(&affected); err != nil {
			return nil, fmt.Errorf("integrity check %s failed to execute: %w", check.name, err)
		}

		severity := SeverityPass
		if affected > 0 {
			severity = SeverityFail
			if check.warnOnly {
				severity = SeverityWarn
			}
			metrics.IntegrityFindingsTotal.WithLabelValues(tableName, check.name, string(severity)).Add(float64(affected))
		}
		results = append(results, CheckResult{Name: check.name, Severity: severity, AffectedRows: affected})
	}

	for _, res := range results {
		switch res.Severity {
		case SeverityFail:
			v.log.Error("integrity check failed", "table", tableName, "check", res.Name, "affected_rows", res.AffectedRows)
		case SeverityWarn:
			v.log.Warn("integrity check warning", "table", tableName, "check", res.Name, "affected_rows", res.AffectedRows)
		}
	}
	return results, nil
}
