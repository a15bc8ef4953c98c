// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package colmap

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

// ToRow converts a document into the flat, string-friendly form the
// columnar engine ingests: object-ids as hex strings, dates as
// ISO-8601, decimal/UUID/binary as canonical strings. Arrays and
// nested documents recurse.
func (m *Mapper) ToRow(doc bson.D) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for _, elem := range doc {
		out[elem.Name] = columnarValue(elem.Value)
	}
	return out
}

func columnarValue(v interface{}) interface{} {
	switch v := v.(type) {
	case bson.ObjectId:
		return v.Hex()
	case time.Time:
		return v.UTC().Format("2006-01-02T15:04:05.000Z")
	case bson.Decimal128:
		return v.String()
	case bson.Binary:
		if v.Kind == 0x04 && len(v.Data) == 16 {
			u, err := uuid.FromBytes(v.Data)
			if err == nil {
				return u.String()
			}
		}
		return base64.StdEncoding.EncodeToString(v.Data)
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case bson.D:
		nested := make(map[string]interface{}, len(v))
		for _, elem := range v {
			nested[elem.Name] = columnarValue(elem.Value)
		}
		return nested
	case bson.M:
		return columnarValue(document.FromMap(v))
	case map[string]interface{}:
		return columnarValue(document.FromMap(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = columnarValue(elem)
		}
		return out
	default:
		return v
	}
}
