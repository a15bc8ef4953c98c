// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package document

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Documents cross JSON boundaries (SQLite blobs, the analytical proxy
// envelope) in a canonical form: key order preserved, object-ids as
// 24-hex strings, dates as ISO-8601 with millisecond precision,
// decimals as their decimal string, binary as base64. Decoding splits
// numbers into int64/float64 and lifts the date form back to a time
// value.

// DateLayout is the canonical JSON rendering of a date value.
const DateLayout = "2006-01-02T15:04:05.000Z"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// EncodeJSON renders a value as canonical JSON.
func EncodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	switch v := v.(type) {
	case bson.D:
		buf.WriteByte('{')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(elem.Name)
			if err != nil {
				return errors.Trace(err)
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := writeJSON(buf, elem.Value); err != nil {
				return errors.Trace(err)
			}
		}
		buf.WriteByte('}')
		return nil
	case bson.M:
		return writeJSON(buf, FromMap(v))
	case map[string]interface{}:
		return writeJSON(buf, FromMap(v))
	case []bson.D:
		arr := make([]interface{}, len(v))
		for i, elem := range v {
			arr[i] = elem
		}
		return writeJSON(buf, arr)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, elem); err != nil {
				return errors.Trace(err)
			}
		}
		buf.WriteByte(']')
		return nil
	case bson.ObjectId:
		return writeJSONScalar(buf, v.Hex())
	case time.Time:
		return writeJSONScalar(buf, v.UTC().Format(DateLayout))
	case bson.Decimal128:
		return writeJSONScalar(buf, v.String())
	case bson.Binary:
		return writeJSONScalar(buf, base64.StdEncoding.EncodeToString(v.Data))
	case []byte:
		return writeJSONScalar(buf, base64.StdEncoding.EncodeToString(v))
	default:
		return writeJSONScalar(buf, v)
	}
}

func writeJSONScalar(buf *bytes.Buffer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	buf.Write(raw)
	return nil
}

// DecodeJSON parses canonical JSON into the document model. Objects
// become ordered documents, arrays slices, integral numbers int64.
func DecodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := readJSONValue(dec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

// DecodeJSONDocument parses canonical JSON that must hold an object.
func DecodeJSONDocument(data []byte) (bson.D, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, ok := v.(bson.D)
	if !ok {
		return nil, errors.NotValidf("JSON document starting with %T", v)
	}
	return doc, nil
}

func readJSONValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch tok := tok.(type) {
	case json.Delim:
		switch tok {
		case '{':
			var doc bson.D
			seen := make(map[string]bool)
			for dec.More() {
				key, err := dec.Token()
				if err != nil {
					return nil, errors.Trace(err)
				}
				name, ok := key.(string)
				if !ok {
					return nil, errors.NotValidf("object key %v", key)
				}
				if seen[name] {
					return nil, errors.NotValidf("duplicate key %q", name)
				}
				seen[name] = true
				value, err := readJSONValue(dec)
				if err != nil {
					return nil, errors.Trace(err)
				}
				doc = append(doc, bson.DocElem{Name: name, Value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, errors.Trace(err)
			}
			if doc == nil {
				doc = bson.D{}
			}
			return doc, nil
		case '[':
			arr := []interface{}{}
			for dec.More() {
				elem, err := readJSONValue(dec)
				if err != nil {
					return nil, errors.Trace(err)
				}
				arr = append(arr, elem)
			}
			if _, err := dec.Token(); err != nil {
				return nil, errors.Trace(err)
			}
			return arr, nil
		}
		return nil, errors.NotValidf("delimiter %v", tok)
	case json.Number:
		if !strings.ContainsAny(tok.String(), ".eE") {
			if n, err := tok.Int64(); err == nil {
				return n, nil
			}
		}
		f, err := tok.Float64()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return f, nil
	case string:
		if datePattern.MatchString(tok) {
			if t, err := time.Parse(DateLayout, tok); err == nil {
				return t.UTC(), nil
			}
		}
		return tok, nil
	default:
		// bool or nil.
		return tok, nil
	}
}
