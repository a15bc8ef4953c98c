// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"strings"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

// Optimize rewrites a validated pipeline into an equivalent, usually
// cheaper one. The rewrites are strictly equivalence-preserving:
// predicate pushdown over stages that cannot change what a $match
// sees, fusion of adjacent $match and $addFields stages, and removal
// of provably empty stages. Anything not obviously safe is left
// alone.
func Optimize(stages []bson.D) []bson.D {
	out := make([]bson.D, len(stages))
	copy(out, stages)

	for {
		var c1, c2, c3 bool
		out, c1 = dropEmpty(out)
		out, c2 = pushdownMatches(out)
		out, c3 = mergeAdjacent(out)
		if !c1 && !c2 && !c3 {
			return out
		}
	}
}

// dropEmpty removes $match stages with empty filters and
// $addFields/$set stages with no assignments.
func dropEmpty(stages []bson.D) ([]bson.D, bool) {
	out := stages[:0:0]
	changed := false
	for _, stage := range stages {
		if op, config, ok := stageParts(stage); ok {
			switch op {
			case "$match", "$addFields", "$set":
				if doc, isDoc := document.AsDocument(config); isDoc && len(doc) == 0 {
					changed = true
					continue
				}
			}
		}
		out = append(out, stage)
	}
	return out, changed
}

// pushdownMatches swaps adjacent [stage, $match] pairs when the
// preceding stage provably does not affect the match outcome.
func pushdownMatches(stages []bson.D) ([]bson.D, bool) {
	changed := false
	for i := 0; i+1 < len(stages); i++ {
		prevOp, prevConfig, ok := stageParts(stages[i])
		if !ok {
			continue
		}
		matchOp, matchConfig, ok := stageParts(stages[i+1])
		if !ok || matchOp != "$match" {
			continue
		}
		filter, ok := document.AsDocument(matchConfig)
		if !ok {
			continue
		}
		if !canPushMatchBefore(prevOp, prevConfig, filter) {
			continue
		}
		stages[i], stages[i+1] = stages[i+1], stages[i]
		changed = true
	}
	return stages, changed
}

func canPushMatchBefore(op string, config interface{}, filter bson.D) bool {
	switch op {
	case "$sort":
		// A filter sees the same documents on either side of a sort.
		return true
	case "$project", "$addFields", "$set":
		spec, ok := document.AsDocument(config)
		if !ok {
			return false
		}
		matched := filterFields(filter)
		return !rewritesAny(op, spec, matched)
	}
	// $group, $limit, $skip, $unwind, $lookup, $facet and anything
	// unrecognized are semantic boundaries.
	return false
}

// filterFields collects the field paths a filter references,
// recursing through $and/$or.
func filterFields(filter bson.D) []string {
	var fields []string
	for _, cond := range filter {
		switch cond.Name {
		case "$and", "$or":
			if subs, ok := document.AsArray(cond.Value); ok {
				for _, sub := range subs {
					if subFilter, ok := document.AsDocument(sub); ok {
						fields = append(fields, filterFields(subFilter)...)
					}
				}
			}
		default:
			fields = append(fields, cond.Name)
		}
	}
	return fields
}

// rewritesAny reports whether the projection/addFields spec could
// change the value any of the named fields, including by dropping
// them from an inclusion projection.
func rewritesAny(op string, spec bson.D, fields []string) bool {
	if op == "$addFields" || op == "$set" {
		for _, assigned := range spec {
			for _, field := range fields {
				if pathsOverlap(assigned.Name, field) {
					return true
				}
			}
		}
		return false
	}

	// $project. Computed fields rewrite their target and force the
	// inclusion form; inclusion projections drop everything unlisted;
	// exclusion projections drop what they list.
	inclusion := false
	for _, elem := range spec {
		if elem.Name == "_id" {
			continue
		}
		if isProjectionFlag(elem.Value) {
			if truthy(elem.Value) {
				inclusion = true
			}
			continue
		}
		inclusion = true
		for _, field := range fields {
			if pathsOverlap(elem.Name, field) {
				return true
			}
		}
	}

	if inclusion {
		for _, field := range fields {
			kept := field == "_id"
			for _, elem := range spec {
				if isProjectionFlag(elem.Value) && truthy(elem.Value) && pathsOverlap(elem.Name, field) {
					kept = true
					break
				}
			}
			if !kept {
				return true
			}
		}
		return false
	}
	for _, elem := range spec {
		if !isProjectionFlag(elem.Value) || truthy(elem.Value) {
			continue
		}
		for _, field := range fields {
			if pathsOverlap(elem.Name, field) {
				return true
			}
		}
	}
	return false
}

func isProjectionFlag(v interface{}) bool {
	if _, ok := v.(bool); ok {
		return true
	}
	_, ok := document.NumericValue(v)
	return ok
}

// pathsOverlap reports whether one dotted path is a prefix of the
// other, i.e. whether touching one can affect the other.
func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// mergeAdjacent fuses adjacent $match stages into an $and and
// adjacent $addFields stages into one assignment set (later wins).
func mergeAdjacent(stages []bson.D) ([]bson.D, bool) {
	out := stages[:0:0]
	changed := false
	for _, stage := range stages {
		if len(out) > 0 {
			if merged, ok := mergeStages(out[len(out)-1], stage); ok {
				out[len(out)-1] = merged
				changed = true
				continue
			}
		}
		out = append(out, stage)
	}
	return out, changed
}

func mergeStages(a, b bson.D) (bson.D, bool) {
	opA, configA, okA := stageParts(a)
	opB, configB, okB := stageParts(b)
	if !okA || !okB {
		return nil, false
	}
	switch {
	case opA == "$match" && opB == "$match":
		docA, ok1 := document.AsDocument(configA)
		docB, ok2 := document.AsDocument(configB)
		if !ok1 || !ok2 {
			return nil, false
		}
		combined := bson.D{{"$and", []interface{}{docA, docB}}}
		return bson.D{{"$match", combined}}, true
	case (opA == "$addFields" || opA == "$set") && (opB == "$addFields" || opB == "$set"):
		docA, ok1 := document.AsDocument(configA)
		docB, ok2 := document.AsDocument(configB)
		if !ok1 || !ok2 {
			return nil, false
		}
		// Union of assignments, later wins on exact name collision.
		// Keys stay verbatim: "a.b" as a spec key is a path, not a
		// literal nested document.
		merged := document.Clone(docA)
		for _, elem := range docB {
			replaced := false
			for i := range merged {
				if merged[i].Name == elem.Name {
					merged[i].Value = elem.Value
					replaced = true
					break
				}
			}
			if !replaced {
				merged = append(merged, elem)
			}
		}
		return bson.D{{"$addFields", merged}}, true
	}
	return nil, false
}

func stageParts(stage bson.D) (string, interface{}, bool) {
	if len(stage) != 1 || !strings.HasPrefix(stage[0].Name, "$") {
		return "", nil, false
	}
	return stage[0].Name, stage[0].Value, true
}
