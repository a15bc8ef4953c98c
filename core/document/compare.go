// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package document

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/juju/mgo/v3/bson"
)

// Type ranks per the BSON comparison order. Missing values and nulls
// share the lowest rank so they sort before everything else.
const (
	rankNull = iota
	rankNumber
	rankString
	rankDocument
	rankArray
	rankBinary
	rankObjectID
	rankBool
	rankDate
)

func rankOf(v interface{}) int {
	switch v.(type) {
	case nil:
		return rankNull
	case int, int32, int64, float64, bson.Decimal128:
		return rankNumber
	case string:
		return rankString
	case bson.D, bson.M, map[string]interface{}:
		return rankDocument
	case []interface{}:
		return rankArray
	case bson.Binary, []byte:
		return rankBinary
	case bson.ObjectId:
		return rankObjectID
	case bool:
		return rankBool
	case time.Time:
		return rankDate
	default:
		return rankString
	}
}

// Compare imposes a total order across all document values: values of
// different kinds order by kind rank, values of the same kind order by
// their natural order. It is the comparison used by $sort, $min/$max
// and filter range operators.
func Compare(a, b interface{}) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return compareInt(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		fa, _ := NumericValue(a)
		fb, _ := NumericValue(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(toString(a), toString(b))
	case rankDocument:
		da, _ := asDocument(a)
		db, _ := asDocument(b)
		return compareDocs(da, db)
	case rankArray:
		aa := a.([]interface{})
		ab := b.([]interface{})
		return compareArrays(aa, ab)
	case rankBinary:
		ka, da := binaryParts(a)
		kb, db := binaryParts(b)
		if c := compareInt(len(da), len(db)); c != 0 {
			return c
		}
		if ka != kb {
			return compareInt(int(ka), int(kb))
		}
		return bytes.Compare(da, db)
	case rankObjectID:
		return strings.Compare(string(a.(bson.ObjectId)), string(b.(bson.ObjectId)))
	case rankBool:
		return compareInt(boolInt(a.(bool)), boolInt(b.(bool)))
	case rankDate:
		ta := a.(time.Time)
		tb := b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		}
		return 0
	}
	return 0
}

// Equal reports value equality under the same semantics as Compare.
func Equal(a, b interface{}) bool {
	return rankOf(a) == rankOf(b) && Compare(a, b) == 0
}

// NumericValue extracts a float64 from any numeric document value,
// including decimal-128 (parsed from its canonical string form).
func NumericValue(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case bson.Decimal128:
		f, err := strconv.ParseFloat(v.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareDocs(a, b bson.D) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(a[i].Name, b[i].Name); c != 0 {
			return c
		}
		if c := Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

func compareArrays(a, b []interface{}) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

func binaryParts(v interface{}) (byte, []byte) {
	switch v := v.(type) {
	case bson.Binary:
		return v.Kind, v.Data
	case []byte:
		return 0, v
	}
	return 0, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
