package resolver

// EntryRef is one profile→entry edge discovered on the profile resource.
// The identifier may be canonical (client-generated) or server-assigned;
// either way it is resolvable by id.
type EntryRef struct {
	ResourceID string
}
