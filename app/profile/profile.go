package profile

import (
	"tabulas/app/vocab"

	"github.com/elliotchance/pie/v2"
)

// State is the flat, UI-facing value: one deduplicated code set per
// category, lexicographically sorted. All entry/identifier bookkeeping
// stays inside the engine.
type State struct {
	Allergies    []string `json:"allergies"`
	Intolerances []string `json:"intolerances"`
}

func (s State) Codes(c vocab.Category) []string {
	if c == vocab.Allergy {
		return s.Allergies
	}
	return s.Intolerances
}

func (s *State) SetCodes(c vocab.Category, codes []string) {
	if c == vocab.Allergy {
		s.Allergies = codes
	} else {
		s.Intolerances = codes
	}
}

// Normalize applies alias tables, deduplicates and sorts both sets.
func (s State) Normalize() State {
	var result State

	for _, category := range vocab.Categories {
		codes := pie.Map(s.Codes(category), category.NormalizeCode)
		result.SetCodes(category, pie.Sort(pie.Unique(codes)))
	}

	return result
}

// Valid reports whether every code belongs to its category's vocabulary.
func (s State) Valid() bool {
	for _, category := range vocab.Categories {
		for _, code := range s.Codes(category) {
			if !category.ValidCode(code) {
				return false
			}
		}
	}

	return true
}

func (s State) Equal(other State) bool {
	return pie.Equals(s.Allergies, other.Allergies) &&
		pie.Equals(s.Intolerances, other.Intolerances)
}
