// Package ident validates every identifier and opaque token that reaches
// dynamically assembled SQL. Configuration rows are writable by operators, so
// their values are untrusted input and are re-validated here at use time.
package ident

import (
	"errors"
	"fmt"
	"regexp"

	libinjection "github.com/corazawaf/libinjection-go"
)

var (
	// ErrInvalidIdentifier is returned for any identifier that may not be
	// interpolated into a statement. Security-relevant: callers must never
	// downgrade it to a warning.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidBatchID is returned for batch tokens that fail the format check.
	ErrInvalidBatchID = errors.New("invalid batch id")

	// ErrSuspectValue is returned when a bound parameter value trips the
	// injection screen.
	ErrSuspectValue = errors.New("suspect parameter value")
)

// maxIdentifierLen matches the PostgreSQL identifier limit.
const maxIdentifierLen = 63

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	batchIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Validate accepts only identifiers matching ^[A-Za-z0-9_]+$. It must be
// invoked on every dynamically assembled identifier before interpolation:
// schemas, tables, business-key columns, the hash column, the surrogate-key
// column, and every column discovered from the source table's shape.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidIdentifier, name, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateAll validates every name in order and reports the first offender.
func ValidateAll(names ...string) error {
	for _, name := range names {
		if err := Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// QualifiedName joins a schema and relation name after validating both parts.
func QualifiedName(schema, name string) (string, error) {
	if err := Validate(schema); err != nil {
		return "", err
	}
	if err := Validate(name); err != nil {
		return "", err
	}
	return schema + "." + name, nil
}

// ValidateBatchID checks the opaque batch token format. Batch ids arrive from
// external callers and are bound as statement parameters, but they still get a
// strict shape check before use.
func ValidateBatchID(batchID string) error {
	if !batchIDPattern.MatchString(batchID) {
		return fmt.Errorf("%w: %q", ErrInvalidBatchID, batchID)
	}
	return nil
}

// ScreenValue runs libinjection over a string parameter value as defense in
// depth. Values are always bound, never interpolated, so a positive screen
// indicates hostile input rather than a broken statement; it is surfaced as an
// error and never silently downgraded.
func ScreenValue(name, value string) error {
	if isSQLi, fingerprint := libinjection.IsSQLi(value); isSQLi {
		return fmt.Errorf("%w: %s matched injection fingerprint %q", ErrSuspectValue, name, fingerprint)
	}
	return nil
}
