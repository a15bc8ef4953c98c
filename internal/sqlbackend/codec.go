// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/document"
)

const dateLayout = document.DateLayout

// encodeDoc renders a document into the stored JSON form.
func encodeDoc(doc bson.D) (string, error) {
	data, err := document.EncodeJSON(doc)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

// decodeDoc parses stored JSON back into an ordered document, lifting
// a hex _id back into an object-id. The lift applies to the top level
// only: nested hex strings stay what the writer stored.
func decodeDoc(data string) (bson.D, error) {
	doc, err := document.DecodeJSONDocument([]byte(data))
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i, elem := range doc {
		if elem.Name != "_id" {
			continue
		}
		if s, ok := elem.Value.(string); ok && bson.IsObjectIdHex(s) {
			doc[i].Value = bson.ObjectIdHex(s)
		}
	}
	return doc, nil
}

// idString renders a document identifier into the text form stored in
// the _id column.
func idString(v interface{}) string {
	switch v := v.(type) {
	case bson.ObjectId:
		return v.Hex()
	case string:
		return v
	case time.Time:
		return v.UTC().Format(dateLayout)
	default:
		return fmt.Sprintf("%v", v)
	}
}
