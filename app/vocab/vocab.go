package vocab

import (
	"strings"

	"github.com/elliotchance/pie/v2"
)

const (
	TabulasPrefix = "tabulas:"
	TabulasIRI    = "https://tabulas.eu/vocab#"
	SchemaIRI     = "http://schema.org/"
	KvasirIRI     = "https://kvasir.discover.ilabt.imec.be/vocab#"
	AllergenIRI   = "https://world.openfoodfacts.org/allergen/"
)

// QueryContext is sent with every read query; the _object(predicate: ...)
// selector resolves curies against it.
var QueryContext = map[string]string{
	"tabulas": TabulasIRI,
	"so":      SchemaIRI,
}

// ChangeContext is sent with every changes payload.
var ChangeContext = map[string]string{
	"kss":     KvasirIRI,
	"so":      SchemaIRI,
	"off":     AllergenIRI,
	"tabulas": TabulasIRI,
}

type Category string

const (
	Allergy     Category = "allergy"
	Intolerance Category = "intolerance"
)

// Categories lists every category in a fixed order.
var Categories = []Category{Allergy, Intolerance}

// ProfilePredicate is the profile's edge-set predicate for this category.
func (c Category) ProfilePredicate() string {
	if c == Allergy {
		return "tabulas:allergies"
	}
	return "tabulas:intolerances"
}

// CodePredicate is the predicate carrying an entry's code value.
func (c Category) CodePredicate() string {
	if c == Allergy {
		return "tabulas:allergenCode"
	}
	return "tabulas:intoleranceCode"
}

// EntryType is the @type of entry resources in this category.
func (c Category) EntryType() string {
	if c == Allergy {
		return "tabulas:AllergenEntry"
	}
	return "tabulas:IntoleranceEntry"
}

type Item struct {
	Code string
	Name string
}

// Allergens is EU 1169/2011 Annex II; codes match the Kvasir payload
// (allergenCode values).
var Allergens = []Item{
	{Code: "gluten", Name: "Cereals containing gluten"},
	{Code: "crustaceans", Name: "Crustaceans"},
	{Code: "eggs", Name: "Eggs"},
	{Code: "fish", Name: "Fish"},
	{Code: "peanuts", Name: "Peanuts"},
	{Code: "soybeans", Name: "Soybeans"},
	{Code: "milk", Name: "Milk"},
	{Code: "tree-nuts", Name: "Tree nuts"},
	{Code: "celery", Name: "Celery"},
	{Code: "mustard", Name: "Mustard"},
	{Code: "sesame", Name: "Sesame seeds"},
	{Code: "sulphites", Name: "Sulphur dioxide and sulphites"},
	{Code: "lupin", Name: "Lupin"},
	{Code: "molluscs", Name: "Molluscs"},
}

var Intolerances = []Item{
	{Code: "lactose", Name: "Lactose"},
	{Code: "histamine", Name: "Histamine"},
	{Code: "fructose", Name: "Fructose"},
	{Code: "fodmaps", Name: "FODMAPs"},
	{Code: "caffeine", Name: "Caffeine"},
	{Code: "alcohol", Name: "Alcohol"},
}

// allergyAliases maps legacy code values to their current form. Only the
// allergy vocabulary carries aliases; old payloads wrote "egg".
var allergyAliases = map[string]string{
	"egg": "eggs",
}

func (c Category) Items() []Item {
	if c == Allergy {
		return Allergens
	}
	return Intolerances
}

// NormalizeCode applies the category's alias table.
func (c Category) NormalizeCode(code string) string {
	if c != Allergy {
		return code
	}
	if canonical, ok := allergyAliases[code]; ok {
		return canonical
	}
	return code
}

// ValidCode reports whether code belongs to the category's vocabulary,
// after alias normalization.
func (c Category) ValidCode(code string) bool {
	code = c.NormalizeCode(code)

	return pie.Any(c.Items(), func(item Item) bool {
		return item.Code == code
	})
}

// DisplayName returns the vocabulary display name for code, falling back
// to the raw code for unknown values.
func (c Category) DisplayName(code string) string {
	idx := pie.FindFirstUsing(c.Items(), func(item Item) bool {
		return item.Code == code
	})
	if idx < 0 {
		return code
	}

	return c.Items()[idx].Name
}

// ProfileID is the curie form of a user's profile resource identifier.
// The profile always exists server-side (possibly empty); the client
// never creates it.
func ProfileID(owner string) string {
	return TabulasPrefix + "profile/" + owner + "/allergies"
}

// EntryID derives the canonical identifier of the entry resource the
// client creates for (category, code).
func EntryID(profileID string, c Category, code string) string {
	return profileID + "#" + string(c) + "-" + code
}

// CanonicalID expands a tabulas curie to full IRI form so that the two
// surface forms of the same identifier compare equal. Non-curie values
// pass through unchanged.
func CanonicalID(id string) string {
	if strings.HasPrefix(id, TabulasPrefix) {
		return TabulasIRI + strings.TrimPrefix(id, TabulasPrefix)
	}
	return id
}

// LooksLikeID reports whether a bare string value can stand in for a
// resource identifier: an absolute URI or a known-prefix curie.
func LooksLikeID(s string) bool {
	return strings.HasPrefix(s, "http") || strings.HasPrefix(s, TabulasPrefix)
}

// EscapeID makes an identifier safe for embedding in query text.
func EscapeID(id string) string {
	id = strings.ReplaceAll(id, `\`, `\\`)
	return strings.ReplaceAll(id, `"`, `\"`)
}
