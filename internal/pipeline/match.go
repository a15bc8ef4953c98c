// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipeline validates, optimizes and interprets aggregation
// pipelines over materialized document streams. It is the execution
// layer the embedded SQL engine falls back to for everything its SQL
// translation cannot express.
package pipeline

import (
	"strings"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

// Matches reports whether doc satisfies the filter. It handles $and
// and $or recursively, the comparison operators, $in/$nin and $exists.
// Missing values behave like null: they equal null and compare below
// everything else.
func Matches(doc bson.D, filter bson.D) bool {
	for _, cond := range filter {
		if !matchesCondition(doc, cond.Name, cond.Value) {
			return false
		}
	}
	return true
}

func matchesCondition(doc bson.D, field string, expected interface{}) bool {
	switch field {
	case "$and":
		subs, ok := document.AsArray(expected)
		if !ok {
			return false
		}
		for _, sub := range subs {
			subFilter, ok := document.AsDocument(sub)
			if !ok || !Matches(doc, subFilter) {
				return false
			}
		}
		return true
	case "$or":
		subs, ok := document.AsArray(expected)
		if !ok {
			return false
		}
		for _, sub := range subs {
			if subFilter, ok := document.AsDocument(sub); ok && Matches(doc, subFilter) {
				return true
			}
		}
		return false
	}

	actual, present := document.Get(doc, field)
	if ops, ok := operatorDoc(expected); ok {
		for _, op := range ops {
			if !applyOperator(op.Name, actual, present, op.Value) {
				return false
			}
		}
		return true
	}
	return valueMatches(actual, expected)
}

// operatorDoc reports whether v is an operator document, i.e. a
// document whose every key starts with '$'.
func operatorDoc(v interface{}) (bson.D, bool) {
	d, ok := document.AsDocument(v)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for _, elem := range d {
		if !strings.HasPrefix(elem.Name, "$") {
			return nil, false
		}
	}
	return d, true
}

func applyOperator(op string, actual interface{}, present bool, operand interface{}) bool {
	switch op {
	case "$eq":
		return valueMatches(actual, operand)
	case "$ne":
		return !valueMatches(actual, operand)
	case "$gt":
		return document.Compare(actual, operand) > 0
	case "$gte":
		return document.Compare(actual, operand) >= 0
	case "$lt":
		return document.Compare(actual, operand) < 0
	case "$lte":
		return document.Compare(actual, operand) <= 0
	case "$in":
		values, ok := document.AsArray(operand)
		if !ok {
			return false
		}
		for _, v := range values {
			if valueMatches(actual, v) {
				return true
			}
		}
		return false
	case "$nin":
		values, ok := document.AsArray(operand)
		if !ok {
			return false
		}
		for _, v := range values {
			if valueMatches(actual, v) {
				return false
			}
		}
		return true
	case "$exists":
		want := true
		if b, ok := operand.(bool); ok {
			want = b
		} else if n, ok := document.NumericValue(operand); ok {
			want = n != 0
		}
		return present == want
	}
	// Unknown operator: treat the condition as unsatisfiable rather
	// than silently matching everything.
	return false
}

// valueMatches implements Mongo equality: direct equality, or any
// element of an array value equal to the expected scalar. Object-ids
// compare equal to their 24-hex string rendering, since the storage
// layer keeps _id values as text.
func valueMatches(actual, expected interface{}) bool {
	actual, expected = canonID(actual), canonID(expected)
	if document.Equal(actual, expected) {
		return true
	}
	if arr, ok := document.AsArray(actual); ok {
		for _, elem := range arr {
			if document.Equal(canonID(elem), expected) {
				return true
			}
		}
	}
	return false
}

func canonID(v interface{}) interface{} {
	if id, ok := v.(bson.ObjectId); ok {
		return id.Hex()
	}
	return v
}
