// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"strings"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

// evaluate resolves an aggregation expression against one document:
// "$path" field references, compound documents evaluated field by
// field, and everything else as a literal. Unresolvable references
// yield nil.
func evaluate(doc bson.D, expr interface{}) interface{} {
	switch expr := expr.(type) {
	case string:
		if strings.HasPrefix(expr, "$") {
			v, _ := document.Get(doc, expr[1:])
			return v
		}
		return expr
	case bson.D:
		out := make(bson.D, 0, len(expr))
		for _, elem := range expr {
			out = append(out, bson.DocElem{Name: elem.Name, Value: evaluate(doc, elem.Value)})
		}
		return out
	case bson.M:
		return evaluate(doc, document.FromMap(expr))
	case map[string]interface{}:
		return evaluate(doc, document.FromMap(expr))
	default:
		return expr
	}
}

// groupKey renders an evaluated _id expression into a hashable string
// so group buckets can live in a map. BSON serialization keeps value
// kinds distinct ("1" vs 1) without inventing a format.
func groupKey(v interface{}) string {
	data, err := bson.Marshal(bson.D{{Name: "k", Value: v}})
	if err != nil {
		return "unkeyable"
	}
	return string(data)
}
