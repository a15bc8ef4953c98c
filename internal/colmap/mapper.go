// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package colmap

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

var logger = loggo.GetLogger("mondo.colmap")

// Mapper converts rows between columnar and document form.
type Mapper struct {
	opts Options
}

// NewMapper returns a Mapper with the given options.
func NewMapper(opts Options) *Mapper {
	return &Mapper{opts: opts}
}

// ToDocument converts one row into an ordered document, walking the
// column metadata in order.
func (m *Mapper) ToDocument(row map[string]interface{}, meta []Column) bson.D {
	out := make(bson.D, 0, len(meta))
	for _, col := range meta {
		if !m.opts.includes(col.Name) {
			continue
		}
		value, ok := row[col.Name]
		if !ok {
			continue
		}
		if mapper, custom := m.opts.FieldMappers[col.Name]; custom {
			out = append(out, bson.DocElem{Name: m.opts.fieldName(col.Name), Value: mapper(value)})
			continue
		}
		converted := m.convert(col.Name, col.Type, value)
		out = append(out, bson.DocElem{Name: m.opts.fieldName(col.Name), Value: converted})
	}
	return out
}

func (m *Mapper) convert(column, typeExpr string, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	outer, args := parseType(typeExpr)
	switch outer {
	case "Nullable", "LowCardinality":
		return m.convert(column, args, value)
	case "Array":
		arr, ok := document.AsArray(value)
		if !ok {
			return value
		}
		out := make([]interface{}, len(arr))
		for i, elem := range arr {
			out[i] = m.convert(column, args, elem)
		}
		return out
	case "Tuple":
		return m.convertTuple(column, args, value)
	case "Object", "JSON":
		return m.parseJSONValue(value)
	case "UInt8":
		if m.opts.TreatUInt8AsBool {
			return toBool(value)
		}
		return m.toInteger(column, value)
	case "UInt16", "UInt32", "UInt64", "UInt128", "UInt256",
		"Int8", "Int16", "Int32", "Int64", "Int128", "Int256":
		return m.toInteger(column, value)
	case "Float32", "Float64":
		return toFloat(value)
	case "Bool":
		return toBool(value)
	case "Date", "Date32":
		return toDate(value)
	case "DateTime":
		return toDateTime(value, 0)
	case "DateTime64":
		precision := 3
		if parsed := splitArgs(args); len(parsed) > 0 {
			if p, err := strconv.Atoi(parsed[0]); err == nil {
				precision = p
			}
		}
		return toDateTime(value, precision)
	case "UUID":
		return toUUID(value)
	case "Decimal", "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		return toDecimal(value)
	case "Enum8", "Enum16":
		return toString(value)
	case "String", "FixedString":
		return m.convertString(value)
	}
	logger.Debugf("no conversion for column %q type %q, passing value through", column, typeExpr)
	return value
}

func (m *Mapper) toInteger(column string, value interface{}) interface{} {
	if m.opts.TreatTimestampAsDate && isTimestampColumn(column) {
		if n, ok := document.NumericValue(value); ok {
			return time.Unix(int64(n), 0).UTC()
		}
	}
	switch value := value.(type) {
	case string:
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		return value
	default:
		if n, ok := document.NumericValue(value); ok {
			return int64(n)
		}
	}
	return value
}

func toFloat(value interface{}) interface{} {
	switch value := value.(type) {
	case string:
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		return math.NaN()
	default:
		if n, ok := document.NumericValue(value); ok {
			return n
		}
	}
	return math.NaN()
}

func toBool(value interface{}) interface{} {
	switch value := value.(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(value) {
		case "true":
			return true
		case "false":
			return false
		}
		return value
	default:
		if n, ok := document.NumericValue(value); ok {
			return n != 0
		}
	}
	return value
}

func toDate(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return toDateTime(value, 0)
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return value
	}
	return t.UTC()
}

// toDateTime parses "YYYY-MM-DD HH:MM:SS[.fraction]" (assumed UTC) or
// a unix-seconds number. Precision beyond milliseconds is truncated.
func toDateTime(value interface{}, precision int) interface{} {
	switch value := value.(type) {
	case string:
		s := strings.Replace(value, " ", "T", 1)
		if !strings.HasSuffix(s, "Z") {
			s += "Z"
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value
		}
		return t.UTC().Truncate(time.Millisecond)
	default:
		if n, ok := document.NumericValue(value); ok {
			return time.Unix(int64(n), 0).UTC()
		}
	}
	return value
}

func toUUID(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return value
	}
	return bson.Binary{Kind: 0x04, Data: parsed[:]}
}

func toDecimal(value interface{}) interface{} {
	var s string
	switch value := value.(type) {
	case string:
		s = value
	default:
		if n, ok := document.NumericValue(value); ok {
			s = strconv.FormatFloat(n, 'f', -1, 64)
		} else {
			return value
		}
	}
	dec, err := bson.ParseDecimal128(s)
	if err != nil {
		return value
	}
	return dec
}

func toString(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		return s
	}
	return value
}

func (m *Mapper) convertString(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if m.opts.PreserveObjectID && bson.IsObjectIdHex(s) {
		return bson.ObjectIdHex(s)
	}
	if looksLikeJSON(s) {
		if parsed := m.parseJSONValue(s); parsed != nil {
			return parsed
		}
	}
	if m.opts.PreserveBinary && looksLikeBase64(s) {
		if data, err := base64.StdEncoding.DecodeString(s); err == nil {
			return bson.Binary{Kind: 0x00, Data: data}
		}
	}
	return s
}

// parseJSONValue parses an embedded JSON object or array, rewriting
// 24-hex strings into object-ids when PreserveObjectID is on.
func (m *Mapper) parseJSONValue(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		// Pre-decoded JSON column.
		return m.liftNested(value)
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return nil
	}
	return m.liftNested(decoded)
}

// liftNested walks nested structures, normalizing maps to ordered
// documents and applying the object-id lift.
func (m *Mapper) liftNested(value interface{}) interface{} {
	switch value := value.(type) {
	case map[string]interface{}:
		doc := document.FromMap(value)
		for i := range doc {
			doc[i].Value = m.liftNested(doc[i].Value)
		}
		return doc
	case bson.D:
		for i := range value {
			value[i].Value = m.liftNested(value[i].Value)
		}
		return value
	case []interface{}:
		for i := range value {
			value[i] = m.liftNested(value[i])
		}
		return value
	case string:
		if m.opts.PreserveObjectID && bson.IsObjectIdHex(value) {
			return bson.ObjectIdHex(value)
		}
		return value
	default:
		return value
	}
}

func (m *Mapper) convertTuple(column, args string, value interface{}) interface{} {
	types := splitArgs(args)
	arr, ok := document.AsArray(value)
	if !ok {
		// Named-tuple rows arrive as objects; convert field-wise
		// against the declared member types where names are given.
		if doc, isDoc := document.AsDocument(value); isDoc {
			return m.convertNamedTuple(column, types, doc)
		}
		return value
	}
	out := make(bson.D, 0, len(arr))
	for i, elem := range arr {
		elemType := "String"
		if i < len(types) {
			elemType = types[i]
		}
		out = append(out, bson.DocElem{
			Name:  "_" + strconv.Itoa(i),
			Value: m.convert(column, elemType, elem),
		})
	}
	return out
}

func (m *Mapper) convertNamedTuple(column string, types []string, doc bson.D) bson.D {
	byName := map[string]string{}
	for _, member := range types {
		if name, typ, ok := strings.Cut(member, " "); ok {
			byName[name] = typ
		}
	}
	out := make(bson.D, len(doc))
	for i, elem := range doc {
		typ, ok := byName[elem.Name]
		if !ok {
			out[i] = elem
			continue
		}
		out[i] = bson.DocElem{Name: elem.Name, Value: m.convert(column, typ, elem.Value)}
	}
	return out
}

// looksLikeJSON is a cheap structural check before attempting a parse.
func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

// looksLikeBase64 requires a plausible length and alphabet. The check
// is deliberately conservative; PreserveBinary is opt-in for exactly
// this ambiguity.
func looksLikeBase64(s string) bool {
	if len(s) < 8 || len(s)%4 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/':
		case c == '=' && i >= len(s)-2:
		default:
			return false
		}
	}
	return true
}
