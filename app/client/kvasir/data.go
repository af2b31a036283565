package kvasir

import (
	"encoding/json"
	"fmt"

	"tabulas/app/vocab"
)

// Document is a JSON-LD body for the changes endpoint, either
// {"@context": ..., "kss:insert": [...]} or
// {"@context": ..., "kss:delete": [...], "kss:insert": []}.
type Document map[string]any

// ResultRow is one resource row from the query envelope's data.Resource.
type ResultRow struct {
	ID     string   `json:"id"`
	Object NodeList `json:"_object"`
}

// NodeList normalizes the _object field at the boundary: the endpoint
// returns it absent, as a single object or as an array depending on how
// many edges matched. Downstream code only ever sees a slice.
type NodeList []Node

func (l *NodeList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		var many []Node
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*l = many
		return nil
	}

	var one Node
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = NodeList{one}
	return nil
}

type Node struct {
	RawRDF RawRDF `json:"_rawRDF"`
}

// RawRDF is an edge's raw graph representation: either a JSON object
// (carrying @id for references, @value for literals) or a bare string.
type RawRDF struct {
	id       string
	value    string
	hasValue bool
	str      string
	isString bool
}

func (r *RawRDF) UnmarshalJSON(data []byte) error {
	*r = RawRDF{}

	if string(data) == "null" {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.str = s
		r.isString = true
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["@id"]; ok {
		_ = json.Unmarshal(raw, &r.id)
	}
	if raw, ok := fields["@value"]; ok {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			if s, isStr := v.(string); isStr {
				r.value = s
			} else {
				r.value = fmt.Sprint(v)
			}
			r.hasValue = true
		}
	}

	return nil
}

// RefID extracts a referenced resource identifier: @id when present,
// otherwise a bare string that plausibly is one. Empty means the edge
// is unusable and must be discarded.
func (r RawRDF) RefID() string {
	if r.id != "" {
		return r.id
	}
	if r.isString && vocab.LooksLikeID(r.str) {
		return r.str
	}
	return ""
}

// Value extracts a literal value: @value when present, otherwise a bare
// string. Empty means the predicate carried nothing usable.
func (r RawRDF) Value() string {
	if r.hasValue {
		return r.value
	}
	if r.isString {
		return r.str
	}
	return ""
}
