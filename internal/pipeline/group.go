// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

// Accumulators recognised inside $group output fields.
var accumulators = map[string]bool{
	"$sum":      true,
	"$avg":      true,
	"$first":    true,
	"$last":     true,
	"$min":      true,
	"$max":      true,
	"$push":     true,
	"$addToSet": true,
}

type groupBucket struct {
	key  interface{}
	docs []bson.D
}

func stageGroup(docs []bson.D, spec bson.D) ([]bson.D, error) {
	idExpr, hasID := document.Get(spec, "_id")
	if !hasID {
		return nil, errors.NotValidf("$group without _id")
	}

	// Bucket documents by the evaluated _id expression, preserving
	// first-seen order.
	var order []string
	buckets := map[string]*groupBucket{}
	for _, doc := range docs {
		key := evaluate(doc, idExpr)
		hash := groupKey(key)
		bucket, ok := buckets[hash]
		if !ok {
			bucket = &groupBucket{key: key}
			buckets[hash] = bucket
			order = append(order, hash)
		}
		bucket.docs = append(bucket.docs, doc)
	}

	out := make([]bson.D, 0, len(order))
	for _, hash := range order {
		bucket := buckets[hash]
		result := bson.D{{"_id", bucket.key}}
		for _, field := range spec {
			if field.Name == "_id" {
				continue
			}
			accDoc, ok := operatorDoc(field.Value)
			if !ok || len(accDoc) != 1 {
				return nil, errors.NotValidf("$group field %q", field.Name)
			}
			op, operand := accDoc[0].Name, accDoc[0].Value
			if !accumulators[op] {
				return nil, errors.NotValidf("$group accumulator %q", op)
			}
			result = append(result, bson.DocElem{
				Name:  field.Name,
				Value: accumulate(op, operand, bucket.docs),
			})
		}
		out = append(out, result)
	}
	return out, nil
}

func accumulate(op string, operand interface{}, docs []bson.D) interface{} {
	switch op {
	case "$sum":
		// A literal 1 counts documents; a field path sums its
		// numeric values, counting missing operands as zero.
		if n, ok := document.NumericValue(operand); ok {
			return float64(len(docs)) * n
		}
		var sum float64
		for _, doc := range docs {
			if n, ok := document.NumericValue(evaluate(doc, operand)); ok {
				sum += n
			}
		}
		return sum
	case "$avg":
		var sum float64
		var count int
		for _, doc := range docs {
			if n, ok := document.NumericValue(evaluate(doc, operand)); ok {
				sum += n
				count++
			}
		}
		if count == 0 {
			return nil
		}
		return sum / float64(count)
	case "$first":
		if len(docs) == 0 {
			return nil
		}
		return evaluate(docs[0], operand)
	case "$last":
		if len(docs) == 0 {
			return nil
		}
		return evaluate(docs[len(docs)-1], operand)
	case "$min":
		var best interface{}
		found := false
		for _, doc := range docs {
			v := evaluate(doc, operand)
			if v == nil {
				continue
			}
			if !found || document.Compare(v, best) < 0 {
				best, found = v, true
			}
		}
		return best
	case "$max":
		var best interface{}
		found := false
		for _, doc := range docs {
			v := evaluate(doc, operand)
			if v == nil {
				continue
			}
			if !found || document.Compare(v, best) > 0 {
				best, found = v, true
			}
		}
		return best
	case "$push":
		values := []interface{}{}
		for _, doc := range docs {
			values = append(values, evaluate(doc, operand))
		}
		return values
	case "$addToSet":
		values := []interface{}{}
		for _, doc := range docs {
			v := evaluate(doc, operand)
			duplicate := false
			for _, seen := range values {
				if document.Equal(seen, v) {
					duplicate = true
					break
				}
			}
			if !duplicate {
				values = append(values, v)
			}
		}
		return values
	}
	return nil
}

// IsAccumulator reports whether op names a known $group accumulator.
func IsAccumulator(op string) bool {
	return accumulators[strings.TrimSpace(op)]
}
