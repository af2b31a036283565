package payload

import (
	"time"

	"tabulas/app/client/kvasir"
	"tabulas/app/config"
	"tabulas/app/profile"
	"tabulas/app/service/resolver"
	"tabulas/app/vocab"

	"github.com/samber/do"
)

// Service builds JSON-LD change documents. Saves are insert-only: every
// save synthesizes fresh entry resources and a profile whose edge sets
// reference exactly those entries. Repeated saves therefore accumulate
// duplicate entries and extra edges server-side; the read path presents a
// deduplicated view regardless. The alternative, delete-then-insert via a
// wildcard delete, does not work against this store (see kvasir.Submit).
type Service struct {
	cfg       *config.Config
	profileID string
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return &Service{
		cfg:       cfg,
		profileID: vocab.ProfileID(cfg.Profile.Owner),
	}, nil
}

// BuildSave converts a flat state into an insert document: one entry
// resource per selected code, then the profile resource referencing them.
// Entries precede the profile so identifier references resolve within the
// same transaction.
func (s *Service) BuildSave(state profile.State) kvasir.Document {
	var inserts []any
	edges := make(map[vocab.Category][]map[string]string)

	for _, category := range vocab.Categories {
		for _, code := range state.Codes(category) {
			entryID := vocab.EntryID(s.profileID, category, code)

			entry := map[string]any{
				"@id":                    entryID,
				"@type":                  category.EntryType(),
				category.CodePredicate(): code,
				"so:name":                category.DisplayName(code),
				"tabulas:severity":       string(category),
			}
			if category == vocab.Allergy {
				entry["tabulas:allergenURI"] = "off:en:" + code
			}

			inserts = append(inserts, entry)
			edges[category] = append(edges[category], map[string]string{"@id": entryID})
		}

		if edges[category] == nil {
			edges[category] = []map[string]string{}
		}
	}

	inserts = append(inserts, map[string]any{
		"@id":                  s.profileID,
		"@type":                "tabulas:AllergenProfile",
		"so:name":              "My Allergen Profile",
		"so:dateModified":      time.Now().Format("2006-01-02"),
		"tabulas:allergies":    edges[vocab.Allergy],
		"tabulas:intolerances": edges[vocab.Intolerance],
	})

	return kvasir.Document{
		"@context":   vocab.ChangeContext,
		"kss:insert": inserts,
	}
}

// BuildWipe converts currently discovered edges into one explicit delete
// triple each. Reports false when there is nothing to delete, in which
// case the caller must skip the network call.
func (s *Service) BuildWipe(refs map[vocab.Category][]resolver.EntryRef) (kvasir.Document, bool) {
	fullProfileID := vocab.CanonicalID(s.profileID)

	var deletes []any
	for _, category := range vocab.Categories {
		for _, ref := range refs[category] {
			deletes = append(deletes, map[string]any{
				"@id":                       fullProfileID,
				category.ProfilePredicate(): map[string]string{"@id": vocab.CanonicalID(ref.ResourceID)},
			})
		}
	}

	if len(deletes) == 0 {
		return nil, false
	}

	return kvasir.Document{
		"@context":   vocab.ChangeContext,
		"kss:delete": deletes,
		"kss:insert": []any{},
	}, true
}
