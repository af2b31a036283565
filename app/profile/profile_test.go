package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	state := State{
		Allergies:    []string{"milk", "egg", "eggs", "gluten", "milk"},
		Intolerances: []string{"lactose", "lactose"},
	}

	normalized := state.Normalize()

	assert.Equal(t, []string{"eggs", "gluten", "milk"}, normalized.Allergies)
	assert.Equal(t, []string{"lactose"}, normalized.Intolerances)
}

func TestNormalizeEmpty(t *testing.T) {
	normalized := State{}.Normalize()

	assert.Empty(t, normalized.Allergies)
	assert.Empty(t, normalized.Intolerances)
}

func TestValid(t *testing.T) {
	assert.True(t, State{Allergies: []string{"milk"}, Intolerances: []string{"lactose"}}.Valid())
	assert.True(t, State{Allergies: []string{"egg"}}.Valid(), "legacy alias is valid")
	assert.True(t, State{}.Valid())

	assert.False(t, State{Allergies: []string{"sugar"}}.Valid())
	assert.False(t, State{Intolerances: []string{"milk"}}.Valid(), "codes are category-scoped")
}

func TestEqual(t *testing.T) {
	a := State{Allergies: []string{"milk"}, Intolerances: []string{"lactose"}}
	b := State{Allergies: []string{"milk"}, Intolerances: []string{"lactose"}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(State{Allergies: []string{"milk"}}))
}
