// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package colmap translates between the document model and the
// relational columnar types of a ClickHouse-style analytical engine.
// Rows arrive as JSON-decoded maps plus column metadata; documents
// leave as ordered bson.D values, and vice versa.
package colmap

import (
	"strings"
)

// Column is one entry of the column-metadata list that accompanies a
// result row.
type Column struct {
	Name string
	Type string
}

// Options steers the mapping.
type Options struct {
	// PreserveObjectID lifts 24-hex strings back into object-ids,
	// including inside nested objects and arrays.
	PreserveObjectID bool
	// PreserveBinary decodes base64-looking strings into binary
	// values. Opt-in because legitimate base64-shaped strings are
	// indistinguishable from encoded bytes.
	PreserveBinary bool
	// TreatUInt8AsBool maps UInt8 columns to booleans.
	TreatUInt8AsBool bool
	// TreatTimestampAsDate converts integer values in timestamp-named
	// columns (ending in "_at" or containing "timestamp") to dates.
	TreatTimestampAsDate bool
	// FieldMappers overrides the conversion for named columns.
	FieldMappers map[string]func(interface{}) interface{}
	// Renames maps column names to document field names.
	Renames map[string]string
	// Include, when non-empty, restricts output to these columns.
	Include []string
	// Exclude drops these columns from the output.
	Exclude []string
}

func (o Options) fieldName(column string) string {
	if renamed, ok := o.Renames[column]; ok {
		return renamed
	}
	return column
}

func (o Options) includes(column string) bool {
	for _, name := range o.Exclude {
		if name == column {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, name := range o.Include {
		if name == column {
			return true
		}
	}
	return false
}

// parseType splits a ClickHouse type expression into its outer
// constructor and argument list, e.g. "Nullable(Int64)" ->
// ("Nullable", "Int64") and "Decimal(38, 10)" -> ("Decimal", "38, 10").
func parseType(expr string) (outer, args string) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return expr, ""
	}
	return expr[:open], expr[open+1 : len(expr)-1]
}

// splitArgs splits a type argument list on top-level commas, so that
// "String, Tuple(Int8, Int8)" yields two elements.
func splitArgs(args string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(args[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(args[start:]); last != "" {
		out = append(out, last)
	}
	return out
}

func isTimestampColumn(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "timestamp") || strings.HasSuffix(lower, "_at")
}
