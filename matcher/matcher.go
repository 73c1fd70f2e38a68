// Package matcher resolves noisy free text against a catalog by exact
// normalized match first and bounded edit distance second.
package matcher

import (
	"github.com/agnivade/levenshtein"

	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

// MaxDistance is the largest edit distance still accepted as a typo.
const MaxDistance = 3

// Resolve returns the catalog entry matching freeText, or false when nothing
// is within MaxDistance.
func Resolve(freeText string, catalog []types.CatalogEntry) (types.CatalogEntry, bool) {
	input := validators.Normalize(freeText)
	if input == "" || len(catalog) == 0 {
		return types.CatalogEntry{}, false
	}

	for _, entry := range catalog {
		for _, field := range fields(entry) {
			if field == input {
				return entry, true
			}
		}
	}

	best, bestDist := -1, MaxDistance+1
	for i, entry := range catalog {
		for _, field := range fields(entry) {
			if d := levenshtein.ComputeDistance(input, field); d < bestDist {
				best, bestDist = i, d
			}
		}
	}
	if best < 0 {
		return types.CatalogEntry{}, false
	}
	return catalog[best], true
}

// Resolver binds a catalog so it can be passed where a resolve func is expected.
func Resolver(catalog []types.CatalogEntry) func(string) (types.CatalogEntry, bool) {
	return func(in string) (types.CatalogEntry, bool) {
		return Resolve(in, catalog)
	}
}

func fields(e types.CatalogEntry) []string {
	out := make([]string, 0, 3)
	for _, f := range []string{e.Name, e.DisplayName, e.Code} {
		if n := validators.Normalize(f); n != "" {
			out = append(out, n)
		}
	}
	return out
}
