package domain

import "encoding/json"

// TagTree is the recursive metadata value an executor advertises and a
// predicate matches against: a string leaf, a list of TagTree, or a map of
// string to TagTree (spec.md section 3). It is consumed only by the
// external predicate parser (internal/predicate), which this package does
// not implement beyond the pure matcher interface.
type TagTree struct {
	Str  string
	List []TagTree
	Map  map[string]TagTree

	kind tagKind
}

type tagKind int

const (
	tagEmpty tagKind = iota
	tagString
	tagList
	tagMap
)

// NewStringTag builds a leaf TagTree.
func NewStringTag(s string) TagTree { return TagTree{Str: s, kind: tagString} }

// NewListTag builds a list TagTree.
func NewListTag(items ...TagTree) TagTree { return TagTree{List: items, kind: tagList} }

// NewMapTag builds a map TagTree.
func NewMapTag(m map[string]TagTree) TagTree { return TagTree{Map: m, kind: tagMap} }

// IsString, IsList and IsMap report the node's concrete shape.
func (t TagTree) IsString() bool { return t.kind == tagString }
func (t TagTree) IsList() bool   { return t.kind == tagList }
func (t TagTree) IsMap() bool    { return t.kind == tagMap }

// MarshalJSON renders the tree using whichever shape is populated.
func (t TagTree) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case tagString:
		return json.Marshal(t.Str)
	case tagList:
		return json.Marshal(t.List)
	case tagMap:
		return json.Marshal(t.Map)
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON infers the shape from the JSON value's own type.
func (t *TagTree) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*t = NewStringTag(asString)
		return nil
	}

	var asList []TagTree
	if err := json.Unmarshal(data, &asList); err == nil {
		*t = NewListTag(asList...)
		return nil
	}

	var asMap map[string]TagTree
	if err := json.Unmarshal(data, &asMap); err != nil {
		return err
	}
	*t = NewMapTag(asMap)
	return nil
}
