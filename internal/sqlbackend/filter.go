// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
	"github.com/juju/mondo/core/names"
)

// whereClause compiles a document filter into a SQL predicate over the
// documents table plus its bound arguments. An empty filter compiles to
// the always-true predicate. Field paths are validated before they are
// interpolated into json_extract, values only ever travel as bound
// parameters.
func whereClause(filter bson.D) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "1 = 1", nil, nil
	}
	var (
		parts []string
		args  []interface{}
	)
	for _, cond := range filter {
		part, condArgs, err := compileCondition(cond.Name, cond.Value)
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		parts = append(parts, part)
		args = append(args, condArgs...)
	}
	return strings.Join(parts, " AND "), args, nil
}

func compileCondition(field string, value interface{}) (string, []interface{}, error) {
	switch field {
	case "$and", "$or":
		return compileConnective(field, value)
	}

	column, err := fieldExpr(field)
	if err != nil {
		return "", nil, errors.Trace(err)
	}

	if ops, ok := operatorDoc(value); ok {
		var (
			parts []string
			args  []interface{}
		)
		for _, op := range ops {
			part, opArgs, err := compileOperator(field, column, op.Name, op.Value)
			if err != nil {
				return "", nil, errors.Trace(err)
			}
			parts = append(parts, part)
			args = append(args, opArgs...)
		}
		return strings.Join(parts, " AND "), args, nil
	}

	return fmt.Sprintf("%s = ?", column), []interface{}{bindValue(field, value)}, nil
}

func compileConnective(op string, value interface{}) (string, []interface{}, error) {
	arr, ok := document.AsArray(value)
	if !ok || len(arr) == 0 {
		return "", nil, errors.NotValidf("%s with non-array operand", op)
	}
	joiner := " AND "
	if op == "$or" {
		joiner = " OR "
	}
	var (
		parts []string
		args  []interface{}
	)
	for _, elem := range arr {
		sub, ok := document.AsDocument(elem)
		if !ok {
			return "", nil, errors.NotValidf("%s element of type %T", op, elem)
		}
		part, subArgs, err := whereClause(sub)
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		parts = append(parts, "("+part+")")
		args = append(args, subArgs...)
	}
	return "(" + strings.Join(parts, joiner) + ")", args, nil
}

var comparisonSQL = map[string]string{
	"$eq":  "=",
	"$ne":  "!=",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

func compileOperator(field, column, op string, operand interface{}) (string, []interface{}, error) {
	if cmp, ok := comparisonSQL[op]; ok {
		return fmt.Sprintf("%s %s ?", column, cmp), []interface{}{bindValue(field, operand)}, nil
	}
	switch op {
	case "$in", "$nin":
		arr, ok := document.AsArray(operand)
		if !ok {
			return "", nil, errors.NotValidf("%s with non-array operand on %q", op, field)
		}
		if len(arr) == 0 {
			// Nothing is a member of the empty set.
			if op == "$in" {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		holes := strings.TrimSuffix(strings.Repeat("?, ", len(arr)), ", ")
		args := make([]interface{}, len(arr))
		for i, elem := range arr {
			args[i] = bindValue(field, elem)
		}
		keyword := "IN"
		if op == "$nin" {
			keyword = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", column, keyword, holes), args, nil
	case "$exists":
		if truthyOperand(operand) {
			return fmt.Sprintf("%s IS NOT NULL", column), nil, nil
		}
		return fmt.Sprintf("%s IS NULL", column), nil, nil
	}
	return "", nil, errors.NotValidf("operator %q on %q", op, field)
}

// fieldExpr maps a field path to the SQL expression that reads it. The
// identifier column is read directly, everything else goes through
// json_extract on a validated path.
func fieldExpr(field string) (string, error) {
	if field == "_id" {
		return "_id", nil
	}
	if err := names.ValidateFieldPath(field); err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf("json_extract(data, '%s')", names.JSONPath(field)), nil
}

// bindValue converts a filter value into its bound-parameter form:
// booleans to 0/1 (matching json_extract's reading of JSON booleans),
// the canonical string forms for object-ids, dates and decimals.
func bindValue(field string, v interface{}) interface{} {
	switch v := v.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case bson.ObjectId:
		return v.Hex()
	case time.Time:
		return v.UTC().Format(dateLayout)
	case bson.Decimal128:
		return v.String()
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	}
	return v
}

// operatorDoc reports whether the value is a document whose keys are
// all operators, meaning it modifies the comparison rather than being
// the literal to compare against.
func operatorDoc(v interface{}) (bson.D, bool) {
	doc, ok := document.AsDocument(v)
	if !ok || len(doc) == 0 {
		return nil, false
	}
	for _, elem := range doc {
		if !strings.HasPrefix(elem.Name, "$") {
			return nil, false
		}
	}
	return doc, true
}

func truthyOperand(v interface{}) bool {
	switch v := v.(type) {
	case bool:
		return v
	case nil:
		return false
	}
	if n, ok := document.NumericValue(v); ok {
		return n != 0
	}
	return true
}

// orderClause compiles a sort specification. Ties between equal keys
// keep insertion order via the trailing rowid.
func orderClause(sort bson.D) (string, error) {
	if len(sort) == 0 {
		return "ORDER BY id", nil
	}
	parts := make([]string, 0, len(sort)+1)
	for _, key := range sort {
		column, err := fieldExpr(key.Name)
		if err != nil {
			return "", errors.Trace(err)
		}
		direction := "ASC"
		if n, ok := document.NumericValue(key.Value); ok && n < 0 {
			direction = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", column, direction))
	}
	parts = append(parts, "id ASC")
	return "ORDER BY " + strings.Join(parts, ", "), nil
}
