// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/mgo/v3/bson"
	"github.com/juju/schema"

	"github.com/juju/mondo/core/document"
)

// Machine-readable issue codes.
const (
	CodeInvalidType       = "invalid_type"
	CodeInvalidStage      = "invalid_stage"
	CodeMultipleOperators = "multiple_operators"
	CodeMissingOperator   = "missing_operator"
	CodeUnknownOperator   = "unknown_operator"
	CodeInvalidValue      = "invalid_value"
	CodeMissingField      = "missing_field"
	CodePerformance       = "performance"
	CodeAdvisory          = "advisory"
)

// Issue is one error or warning produced by validation, anchored to a
// pipeline path such as "[1].$group".
type Issue struct {
	Path    string
	Code    string
	Message string
}

// Result is the outcome of validating a pipeline. On success Data
// holds the coerced stages (string numbers lifted to integers and so
// on); on failure Errors lists every independent problem found.
type Result struct {
	Success  bool
	Data     []bson.D
	Errors   []Issue
	Warnings []Issue
}

func (r *Result) errorf(path, code, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(path, code, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

// knownStages is the full set of operators the validator admits.
// Stages without a dedicated rule only get the shape check.
var knownStages = map[string]bool{
	"$match": true, "$project": true, "$addFields": true, "$set": true,
	"$unset": true, "$sort": true, "$limit": true, "$skip": true,
	"$count": true, "$sample": true, "$group": true, "$unwind": true,
	"$lookup": true, "$facet": true, "$bucket": true, "$bucketAuto": true,
	"$sortByCount": true, "$graphLookup": true, "$densify": true,
	"$fill": true, "$vectorSearch": true,
}

// Validate checks a user-supplied pipeline against the per-stage
// contracts, coercing values where the contract allows it. All
// independent errors across stages surface in one call.
func Validate(raw interface{}) Result {
	var result Result

	stages, ok := rawStages(raw)
	if !ok {
		result.errorf("", CodeInvalidType, "pipeline must be an array of stages")
		return result
	}

	data := make([]bson.D, 0, len(stages))
	for i, rawStage := range stages {
		path := fmt.Sprintf("[%d]", i)
		op, config, ok := splitStage(&result, path, rawStage)
		if !ok {
			continue
		}
		stagePath := path + "." + op
		coerced := validateStage(&result, stagePath, op, config)
		data = append(data, bson.D{{op, coerced}})
	}

	if len(stages) >= 2 {
		if op, _, ok := splitStageQuiet(stages[len(stages)-1]); ok && op == "$match" {
			result.warnf(fmt.Sprintf("[%d].$match", len(stages)-1), CodeAdvisory,
				"trailing $match usually belongs at the front of the pipeline")
		}
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		result.Data = data
	}
	return result
}

func rawStages(raw interface{}) ([]interface{}, bool) {
	switch raw := raw.(type) {
	case []interface{}:
		return raw, true
	case []bson.D:
		out := make([]interface{}, len(raw))
		for i, d := range raw {
			out[i] = d
		}
		return out, true
	case []bson.M:
		out := make([]interface{}, len(raw))
		for i, d := range raw {
			out[i] = d
		}
		return out, true
	default:
		return nil, false
	}
}

func splitStage(result *Result, path string, raw interface{}) (string, interface{}, bool) {
	if raw == nil {
		result.errorf(path, CodeInvalidType, "stage must be an object, got null")
		return "", nil, false
	}
	if _, isArray := document.AsArray(raw); isArray {
		result.errorf(path, CodeInvalidType, "stage must be an object, got array")
		return "", nil, false
	}
	doc, ok := document.AsDocument(raw)
	if !ok {
		result.errorf(path, CodeInvalidType, "stage must be an object")
		return "", nil, false
	}
	if len(doc) == 0 {
		result.errorf(path, CodeInvalidStage, "stage object is empty")
		return "", nil, false
	}
	var operators []string
	for _, elem := range doc {
		if strings.HasPrefix(elem.Name, "$") {
			operators = append(operators, elem.Name)
		}
	}
	switch {
	case len(operators) == 0:
		result.errorf(path, CodeMissingOperator, "stage has no $-operator key")
		return "", nil, false
	case len(operators) > 1:
		result.errorf(path, CodeMultipleOperators, "stage has %d operator keys", len(operators))
		return "", nil, false
	case len(doc) > 1:
		result.errorf(path, CodeInvalidStage, "stage mixes operator and plain keys")
		return "", nil, false
	}
	op := operators[0]
	if !knownStages[op] {
		result.errorf(path, CodeUnknownOperator, "unknown stage operator %q", op)
		return "", nil, false
	}
	return op, doc[0].Value, true
}

func splitStageQuiet(raw interface{}) (string, interface{}, bool) {
	doc, ok := document.AsDocument(raw)
	if !ok || len(doc) != 1 || !strings.HasPrefix(doc[0].Name, "$") {
		return "", nil, false
	}
	return doc[0].Name, doc[0].Value, true
}

func validateStage(result *Result, path, op string, config interface{}) interface{} {
	switch op {
	case "$group":
		return validateGroup(result, path, config)
	case "$lookup":
		return validateLookup(result, path, config)
	case "$unwind":
		return validateUnwind(result, path, config)
	case "$sort":
		return validateSort(result, path, config)
	case "$limit":
		n, ok := coerceInt(config)
		if !ok || n <= 0 {
			result.errorf(path, CodeInvalidValue, "$limit requires a positive integer")
			return config
		}
		if n >= 100000 {
			result.warnf(path, CodePerformance, "$limit of %d may be slow to materialize", n)
		}
		return n
	case "$skip":
		n, ok := coerceInt(config)
		if !ok || n < 0 {
			result.errorf(path, CodeInvalidValue, "$skip requires a non-negative integer")
			return config
		}
		return n
	case "$count":
		name, ok := config.(string)
		if !ok || name == "" {
			result.errorf(path, CodeInvalidValue, "$count requires a non-empty string")
		}
		return config
	case "$sample":
		return validateWithSchema(result, path, config, sampleChecker, func(coerced bson.D) bool {
			size, _ := document.Get(coerced, "size")
			if n, ok := document.NumericValue(size); !ok || n <= 0 {
				result.errorf(path, CodeInvalidValue, "$sample size must be a positive integer")
				return false
			}
			return true
		})
	case "$vectorSearch":
		return validateVectorSearch(result, path, config)
	case "$project":
		return validateProject(result, path, config)
	case "$match", "$addFields", "$set", "$facet",
		"$bucket", "$bucketAuto", "$graphLookup", "$densify", "$fill":
		if _, ok := document.AsDocument(config); !ok {
			result.errorf(path, CodeInvalidType, "%s requires an object", op)
		}
		return config
	}
	return config
}

// validateProject enforces projection polarity: a single $project is
// either all inclusions or all exclusions, with _id free to go either
// way.
func validateProject(result *Result, path string, config interface{}) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok {
		result.errorf(path, CodeInvalidType, "$project requires an object")
		return config
	}
	var included, excluded bool
	for _, field := range doc {
		if field.Name == "_id" {
			continue
		}
		if truthy(field.Value) {
			included = true
		} else {
			excluded = true
		}
	}
	if included && excluded {
		result.errorf(path, CodeInvalidValue,
			"$project cannot mix inclusion and exclusion except for _id")
	}
	return config
}

func validateGroup(result *Result, path string, config interface{}) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok {
		result.errorf(path, CodeInvalidType, "$group requires an object")
		return config
	}
	if _, hasID := document.Get(doc, "_id"); !hasID {
		result.errorf(path, CodeMissingField, "$group requires an _id expression")
	}
	for _, field := range doc {
		if field.Name == "_id" {
			continue
		}
		accDoc, isOp := operatorDoc(field.Value)
		if !isOp || len(accDoc) != 1 {
			result.errorf(path+"."+field.Name, CodeInvalidValue,
				"group field %q must be a single-accumulator object", field.Name)
			continue
		}
		if !IsAccumulator(accDoc[0].Name) {
			result.errorf(path+"."+field.Name, CodeInvalidValue,
				"unknown accumulator %q", accDoc[0].Name)
		}
	}
	return config
}

var lookupChecker = schema.FieldMap(schema.Fields{
	"from":         schema.String(),
	"as":           schema.String(),
	"localField":   schema.String(),
	"foreignField": schema.String(),
	"pipeline":     schema.List(schema.Any()),
	"let":          schema.Any(),
}, schema.Defaults{
	"localField":   schema.Omit,
	"foreignField": schema.Omit,
	"pipeline":     schema.Omit,
	"let":          schema.Omit,
})

func validateLookup(result *Result, path string, config interface{}) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok {
		result.errorf(path, CodeInvalidType, "$lookup requires an object")
		return config
	}
	if _, err := lookupChecker.Coerce(toPlainMap(doc), []string{path}); err != nil {
		result.errorf(path, schemaCode(err), "%v", err)
		return config
	}
	from, _ := stringField(doc, "from")
	if from == "" {
		result.errorf(path, CodeInvalidValue, "$lookup requires a non-empty from collection")
	}
	_, hasLocal := document.Get(doc, "localField")
	_, hasForeign := document.Get(doc, "foreignField")
	_, hasPipeline := document.Get(doc, "pipeline")
	if !hasPipeline && (!hasLocal || !hasForeign) {
		result.errorf(path, CodeMissingField,
			"$lookup requires either localField+foreignField or a pipeline")
	}
	return config
}

func validateUnwind(result *Result, path string, config interface{}) interface{} {
	switch config := config.(type) {
	case string:
		if !strings.HasPrefix(config, "$") {
			result.errorf(path, CodeInvalidValue, "$unwind path must start with $")
		}
		result.warnf(path, CodeAdvisory,
			"$unwind without preserveNullAndEmptyArrays drops documents with missing arrays")
		return config
	default:
		doc, ok := document.AsDocument(config)
		if !ok {
			result.errorf(path, CodeInvalidType, "$unwind requires a string or object")
			return config
		}
		p, hasPath := document.Get(doc, "path")
		pathStr, isString := p.(string)
		if !hasPath || !isString || !strings.HasPrefix(pathStr, "$") {
			result.errorf(path, CodeInvalidValue, "$unwind path must be a string starting with $")
		}
		if _, hasPreserve := document.Get(doc, "preserveNullAndEmptyArrays"); !hasPreserve {
			result.warnf(path, CodeAdvisory,
				"$unwind without preserveNullAndEmptyArrays drops documents with missing arrays")
		}
		return config
	}
}

func validateSort(result *Result, path string, config interface{}) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok || len(doc) == 0 {
		result.errorf(path, CodeInvalidType, "$sort requires a non-empty object")
		return config
	}
	coerced := make(bson.D, 0, len(doc))
	for _, key := range doc {
		direction, ok := sortDirection(key.Value)
		if !ok {
			result.errorf(path+"."+key.Name, CodeInvalidValue,
				"sort direction for %q must be 1, -1 or {$meta: \"textScore\"}", key.Name)
			coerced = append(coerced, key)
			continue
		}
		coerced = append(coerced, bson.DocElem{Name: key.Name, Value: direction})
	}
	return coerced
}

func sortDirection(v interface{}) (interface{}, bool) {
	if meta, ok := document.AsDocument(v); ok {
		if len(meta) == 1 && meta[0].Name == "$meta" && meta[0].Value == "textScore" {
			return v, true
		}
		return nil, false
	}
	if s, ok := v.(string); ok {
		parsed, err := strconv.Atoi(s)
		if err != nil {
			return nil, false
		}
		v = parsed
	}
	n, ok := document.NumericValue(v)
	if !ok || (n != 1 && n != -1) {
		return nil, false
	}
	return int(n), true
}

var sampleChecker = schema.FieldMap(schema.Fields{
	"size": schema.ForceInt(),
}, nil)

var vectorSearchChecker = schema.FieldMap(schema.Fields{
	"path":          schema.String(),
	"queryVector":   schema.List(schema.Any()),
	"numCandidates": schema.ForceInt(),
	"limit":         schema.ForceInt(),
	"index":         schema.String(),
	"filter":        schema.Any(),
}, schema.Defaults{
	"index":  schema.Omit,
	"filter": schema.Omit,
})

func validateVectorSearch(result *Result, path string, config interface{}) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok {
		result.errorf(path, CodeInvalidType, "$vectorSearch requires an object")
		return config
	}
	coerced, err := vectorSearchChecker.Coerce(toPlainMap(doc), []string{path})
	if err != nil {
		result.errorf(path, schemaCode(err), "%v", err)
		return config
	}
	fields := coerced.(map[string]interface{})
	vector, _ := fields["queryVector"].([]interface{})
	for i, v := range vector {
		if _, ok := document.NumericValue(v); !ok {
			result.errorf(fmt.Sprintf("%s.queryVector[%d]", path, i), CodeInvalidValue,
				"queryVector elements must be numbers")
		}
	}
	for _, name := range []string{"numCandidates", "limit"} {
		if n, ok := document.NumericValue(fields[name]); !ok || n <= 0 {
			result.errorf(path+"."+name, CodeInvalidValue, "%s must be a positive integer", name)
		}
	}
	return config
}

func validateWithSchema(result *Result, path string, config interface{}, checker schema.Checker, extra func(bson.D) bool) interface{} {
	doc, ok := document.AsDocument(config)
	if !ok {
		result.errorf(path, CodeInvalidType, "stage requires an object")
		return config
	}
	coerced, err := checker.Coerce(toPlainMap(doc), []string{path})
	if err != nil {
		result.errorf(path, schemaCode(err), "%v", err)
		return config
	}
	coercedDoc := document.FromMap(coerced.(map[string]interface{}))
	if extra != nil && !extra(coercedDoc) {
		return config
	}
	return coercedDoc
}

// schemaCode classifies a juju/schema coercion error into one of the
// validator's machine codes.
func schemaCode(err error) string {
	if strings.Contains(err.Error(), "got nothing") {
		return CodeMissingField
	}
	return CodeInvalidValue
}

func toPlainMap(doc bson.D) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for _, elem := range doc {
		out[elem.Name] = elem.Value
	}
	return out
}

func coerceInt(v interface{}) (int64, bool) {
	if s, ok := v.(string); ok {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	n, ok := document.NumericValue(v)
	if !ok || n != float64(int64(n)) {
		return 0, false
	}
	return int64(n), true
}
