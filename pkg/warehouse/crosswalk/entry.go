// Package crosswalk resolves the same real-world entity arriving from two
// independently-keyed source systems into one master identity with a
// confidence score.
package crosswalk

import (
	"strings"

	"github.com/medrecon/warehouse/pkg/warehouse/registry"
)

// Method is how a master identity was resolved.
type Method string

const (
	MethodExact       Method = "EXACT"
	MethodFuzzyName   Method = "FUZZY_NAME"
	MethodSourceAOnly Method = "SOURCE_A_ONLY"
	MethodSourceBOnly Method = "SOURCE_B_ONLY"
	MethodNoMatch     Method = "NO_MATCH"
)

// Confidence assigned per match method.
const (
	confidenceExact      = 100
	confidenceFuzzyName  = 95
	confidenceSingleOnly = 90
	confidenceNoMatch    = 0
)

// Entry is one resolved master identity. MasterID is stable across batches
// once assigned.
type Entry struct {
	MasterID          string
	SourceAID         string
	SourceANaturalKey string
	SourceBID         string
	SourceBNaturalKey string
	MatchConfidence   int
	MatchMethod       Method
	PrimarySource     registry.SourceSlot
}

// SourceRecord is one staging identity row from a single source system.
// Empty strings mean the source did not supply the value.
type SourceRecord struct {
	ID         string
	NaturalKey string
	Name       string
}

// normalizeName uppercases, trims, and collapses inner whitespace so that
// cosmetic spelling differences between systems do not defeat a name match.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.TrimSpace(name))), " ")
}
