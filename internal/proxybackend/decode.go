// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package proxybackend

import (
	"encoding/json"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
)

// encodeField renders one envelope field, leaving it absent when the
// value is nil.
func encodeField(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := document.EncodeJSON(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return json.RawMessage(data), nil
}

func decodeResult(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := document.DecodeJSON(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

func decodeResultDoc(raw json.RawMessage) (bson.D, error) {
	v, err := decodeResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if v == nil {
		return nil, nil
	}
	doc, ok := v.(bson.D)
	if !ok {
		return nil, errors.NotValidf("result of type %T", v)
	}
	return doc, nil
}

func decodeResultBool(raw json.RawMessage) (bool, error) {
	v, err := decodeResult(raw)
	if err != nil {
		return false, errors.Trace(err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.NotValidf("result of type %T", v)
	}
	return b, nil
}

func documentList(v interface{}) ([]bson.D, error) {
	arr, ok := document.AsArray(v)
	if !ok {
		return nil, errors.NotValidf("document list of type %T", v)
	}
	docs := make([]bson.D, 0, len(arr))
	for _, elem := range arr {
		doc, ok := document.AsDocument(elem)
		if !ok {
			return nil, errors.NotValidf("document of type %T", elem)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// liftCursorID reads a cursor identifier that crossed the wire as a
// decimal string (or, from laxer servers, a number).
func liftCursorID(v interface{}) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.NotValidf("cursor id %q", v)
		}
		return id, nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, errors.NotValidf("cursor id of type %T", v)
}

// decodeFindResult parses {documents, cursorId?, hasMore?}.
func decodeFindResult(raw json.RawMessage) (*backend.FindResult, error) {
	doc, err := decodeResultDoc(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := &backend.FindResult{Documents: []bson.D{}}
	if docs, ok := document.Get(doc, "documents"); ok {
		result.Documents, err = documentList(docs)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if id, ok := document.Get(doc, "cursorId"); ok {
		result.CursorID, err = liftCursorID(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if hasMore, ok := document.Get(doc, "hasMore"); ok {
		result.HasMore, _ = hasMore.(bool)
	}
	return result, nil
}

func intField(doc bson.D, name string) int64 {
	v, ok := document.Get(doc, name)
	if !ok {
		return 0
	}
	if n, ok := document.NumericValue(v); ok {
		return int64(n)
	}
	return 0
}

// decodeWriteResult parses the write acknowledgement envelope.
func decodeWriteResult(raw json.RawMessage) (*backend.WriteResult, error) {
	doc, err := decodeResultDoc(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := &backend.WriteResult{
		Acknowledged:  true,
		InsertedCount: intField(doc, "insertedCount"),
		MatchedCount:  intField(doc, "matchedCount"),
		ModifiedCount: intField(doc, "modifiedCount"),
		DeletedCount:  intField(doc, "deletedCount"),
	}
	if ack, ok := document.Get(doc, "acknowledged"); ok {
		result.Acknowledged, _ = ack.(bool)
	}
	if ids, ok := document.Get(doc, "insertedIds"); ok {
		if arr, isArr := document.AsArray(ids); isArr {
			result.InsertedIDs = arr
		}
	}
	if id, ok := document.Get(doc, "upsertedId"); ok && id != nil {
		result.UpsertedID = id
	}
	return result, nil
}
