// Package population computes the target population for each import record
// under a fixed precedence policy.
package population

import (
	"regexp"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
)

// Source records which precedence rule produced a population assignment
type Source string

const (
	// SourceExplicitValid means the record carried a well-formed population
	// identifier which was used verbatim
	SourceExplicitValid Source = "explicit-valid"

	// SourceExplicitInvalidFallback means the record carried a malformed
	// identifier and the configured default was used instead. Kept distinct
	// from SourceDefault: a malformed input is not the same situation as
	// "no input given".
	SourceExplicitInvalidFallback Source = "explicit-invalid-fallback"

	// SourceDefault means the record carried no identifier and the
	// configured default was used
	SourceDefault Source = "default"
)

// Assignment is the result of resolving a record's target population
type Assignment struct {
	PopulationID   string `json:"population_id"`
	PopulationName string `json:"population_name,omitempty"`
	Source         Source `json:"source"`
}

// canonicalUUID accepts only the hyphenated 8-4-4-4-12 form. uuid.Parse is
// looser (accepts URN and braced forms), so the shape is checked first.
var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsCanonicalID reports whether s is a syntactically valid population
// identifier in canonical UUID form
func IsCanonicalID(s string) bool {
	return canonicalUUID.MatchString(s)
}

// Resolve computes the population assignment for one record.
//
// Precedence:
//  1. well-formed identifier on the record: used verbatim
//  2. malformed identifier with a configured default: fall back
//  3. no identifier with a configured default: default
//  4. otherwise: resolution fails and the caller must skip the record
//     before any API call
//
// Resolution is pure with respect to the record's own fields plus the
// supplied default; there are no retries at this layer.
func Resolve(rec *ingest.Record, defaultPopulation string) (Assignment, error) {
	raw := rec.RawPopulation

	if raw != "" && IsCanonicalID(raw) {
		return Assignment{PopulationID: raw, Source: SourceExplicitValid}, nil
	}

	if raw != "" {
		if defaultPopulation == "" {
			return Assignment{}, errors.Wrapf(errors.ErrNoPopulation,
				"line %d: malformed population %q and no default configured", rec.LineNumber, raw)
		}
		return Assignment{PopulationID: defaultPopulation, Source: SourceExplicitInvalidFallback}, nil
	}

	if defaultPopulation == "" {
		return Assignment{}, errors.Wrapf(errors.ErrNoPopulation,
			"line %d: no population on record and no default configured", rec.LineNumber)
	}
	return Assignment{PopulationID: defaultPopulation, Source: SourceDefault}, nil
}
