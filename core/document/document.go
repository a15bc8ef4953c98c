// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package document holds the helpers the rest of mondo uses to work
// with ordered documents. A document is a bson.D: an ordered mapping
// from string keys to values drawn from the closed set of BSON kinds
// (null, bool, int64, float64, string, date, decimal-128, binary,
// object-id, array, nested document).
package document

import (
	"sort"
	"strings"

	"github.com/juju/mgo/v3/bson"
)

// NewID mints a fresh object-id for a document that arrived without
// one.
func NewID() bson.ObjectId {
	return bson.NewObjectId()
}

// IsHexID reports whether s looks like the 24-hex rendering of an
// object-id.
func IsHexID(s string) bool {
	return bson.IsObjectIdHex(s)
}

// Get resolves a dotted field path against doc. It descends through
// nested documents only; an array in the middle of the path stops the
// walk. The second return reports whether the path was present.
func Get(doc bson.D, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = doc
	for _, part := range parts {
		sub, ok := asDocument(current)
		if !ok {
			return nil, false
		}
		found := false
		for _, elem := range sub {
			if elem.Name == part {
				current = elem.Value
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return current, true
}

// Set assigns value at the dotted path, creating intermediate nested
// documents as needed, and returns the updated document. Existing
// non-document intermediates are overwritten.
func Set(doc bson.D, path string, value interface{}) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	for i, elem := range doc {
		if elem.Name != head {
			continue
		}
		if !nested {
			doc[i].Value = value
			return doc
		}
		sub, ok := asDocument(elem.Value)
		if !ok {
			sub = bson.D{}
		}
		doc[i].Value = Set(sub, rest, value)
		return doc
	}
	if !nested {
		return append(doc, bson.DocElem{Name: head, Value: value})
	}
	return append(doc, bson.DocElem{Name: head, Value: Set(bson.D{}, rest, value)})
}

// Delete removes the dotted path from doc, returning the updated
// document. Deleting a missing path is a no-op.
func Delete(doc bson.D, path string) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	for i, elem := range doc {
		if elem.Name != head {
			continue
		}
		if !nested {
			return append(doc[:i:i], doc[i+1:]...)
		}
		if sub, ok := asDocument(elem.Value); ok {
			doc[i].Value = Delete(sub, rest)
		}
		return doc
	}
	return doc
}

// Clone returns a deep copy of doc. Arrays and nested documents are
// copied; scalar values are shared, which is safe because scalars are
// never mutated in place.
func Clone(doc bson.D) bson.D {
	out := make(bson.D, len(doc))
	for i, elem := range doc {
		out[i] = bson.DocElem{Name: elem.Name, Value: cloneValue(elem.Value)}
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case bson.D:
		return Clone(v)
	case bson.M:
		return Clone(FromMap(v))
	case map[string]interface{}:
		return Clone(FromMap(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// FromMap converts an unordered map form into a bson.D with keys in
// sorted order, so that repeated conversions are deterministic.
func FromMap(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(m))
	for _, k := range keys {
		out = append(out, bson.DocElem{Name: k, Value: m[k]})
	}
	return out
}

// asDocument normalizes the document-ish shapes that can appear after
// unmarshalling (bson.D, bson.M, plain maps from JSON) into a bson.D.
func asDocument(v interface{}) (bson.D, bool) {
	switch v := v.(type) {
	case bson.D:
		return v, true
	case bson.M:
		return FromMap(v), true
	case map[string]interface{}:
		return FromMap(v), true
	default:
		return nil, false
	}
}

// AsDocument is the exported form of the document-ish normalization.
func AsDocument(v interface{}) (bson.D, bool) {
	return asDocument(v)
}

// AsArray normalizes array-ish values into a []interface{}.
func AsArray(v interface{}) ([]interface{}, bool) {
	arr, ok := v.([]interface{})
	return arr, ok
}
