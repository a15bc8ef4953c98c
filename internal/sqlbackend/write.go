// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
)

// ensureID returns the document with an _id, assigning a fresh
// object-id when absent. The _id always leads the stored form.
func ensureID(doc bson.D) (bson.D, interface{}) {
	if id, ok := document.Get(doc, "_id"); ok {
		return doc, id
	}
	id := document.NewID()
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.DocElem{Name: "_id", Value: id})
	out = append(out, doc...)
	return out, id
}

func insertDocument(ctx context.Context, tx *sql.Tx, collectionID int64, doc bson.D) (interface{}, error) {
	doc, id := ensureID(doc)
	encoded, err := encodeDoc(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (collection_id, _id, data) VALUES (?, ?, ?)",
		collectionID, idString(id), encoded)
	if isUniqueViolation(err) {
		return nil, errors.AlreadyExistsf("document with _id %q", idString(id))
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return id, nil
}

// InsertOne inserts a single document, assigning an _id when missing.
func (b *Backend) InsertOne(ctx context.Context, db, collection string, doc bson.D) (*backend.WriteResult, error) {
	return b.InsertMany(ctx, db, collection, []bson.D{doc})
}

// InsertMany inserts documents in order within one transaction; the
// first failure aborts the batch.
func (b *Backend) InsertMany(ctx context.Context, db, collection string, docs []bson.D) (*backend.WriteResult, error) {
	d, err := b.open(db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	row, err := b.ensureCollection(ctx, d, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}

	result := &backend.WriteResult{Acknowledged: true}
	err = d.withTxn(ctx, func(tx *sql.Tx) error {
		for _, doc := range docs {
			id, err := insertDocument(ctx, tx, row.ID, doc)
			if err != nil {
				return errors.Trace(err)
			}
			result.InsertedIDs = append(result.InsertedIDs, id)
			result.InsertedCount++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// storedRow is one documents-table row pulled into memory for an
// update or delete.
type storedRow struct {
	rowID int64
	doc   bson.D
}

func (b *Backend) matchingRows(ctx context.Context, d *database, collectionID int64, filter bson.D, limit int64) ([]storedRow, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	query := fmt.Sprintf("SELECT id, data FROM documents WHERE collection_id = ? AND (%s) ORDER BY id", where)
	bound := append([]interface{}{collectionID}, args...)
	if limit > 0 {
		query += " LIMIT ?"
		bound = append(bound, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, bound...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var matched []storedRow
	for rows.Next() {
		var (
			rowID int64
			data  string
		)
		if err := rows.Scan(&rowID, &data); err != nil {
			return nil, errors.Trace(err)
		}
		doc, err := decodeDoc(data)
		if err != nil {
			return nil, errors.Trace(err)
		}
		matched = append(matched, storedRow{rowID: rowID, doc: doc})
	}
	return matched, errors.Trace(rows.Err())
}

func (b *Backend) update(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions, limit int64) (*backend.WriteResult, error) {
	d, err := b.open(db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	row, err := b.ensureCollection(ctx, d, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	matched, err := b.matchingRows(ctx, d, row.ID, filter, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}

	result := &backend.WriteResult{Acknowledged: true, MatchedCount: int64(len(matched))}

	if len(matched) == 0 && opts.Upsert {
		synthesized, err := synthesizeUpsert(filter, update)
		if err != nil {
			return nil, errors.Trace(err)
		}
		err = d.withTxn(ctx, func(tx *sql.Tx) error {
			id, err := insertDocument(ctx, tx, row.ID, synthesized)
			if err != nil {
				return errors.Trace(err)
			}
			result.UpsertedID = id
			return nil
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return result, nil
	}

	err = d.withTxn(ctx, func(tx *sql.Tx) error {
		for _, m := range matched {
			updated, err := applyUpdate(m.doc, update)
			if err != nil {
				return errors.Trace(err)
			}
			encoded, err := encodeDoc(updated)
			if err != nil {
				return errors.Trace(err)
			}
			before, err := encodeDoc(m.doc)
			if err != nil {
				return errors.Trace(err)
			}
			if encoded == before {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE documents SET data = ? WHERE id = ?", encoded, m.rowID); err != nil {
				return errors.Trace(err)
			}
			result.ModifiedCount++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// UpdateOne updates the first matching document in insertion order.
func (b *Backend) UpdateOne(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return b.update(ctx, db, collection, filter, update, opts, 1)
}

// UpdateMany updates every matching document. With upsert set and no
// matches, one document is synthesized from the filter.
func (b *Backend) UpdateMany(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return b.update(ctx, db, collection, filter, update, opts, 0)
}

func (b *Backend) delete(ctx context.Context, db, collection string, filter bson.D, limit int64) (*backend.WriteResult, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return &backend.WriteResult{Acknowledged: true}, nil
	}
	matched, err := b.matchingRows(ctx, d, row.ID, filter, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}

	result := &backend.WriteResult{Acknowledged: true}
	err = d.withTxn(ctx, func(tx *sql.Tx) error {
		for _, m := range matched {
			res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", m.rowID)
			if err != nil {
				return errors.Trace(err)
			}
			if n, err := res.RowsAffected(); err == nil {
				result.DeletedCount += n
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// DeleteOne deletes the first matching document in insertion order.
func (b *Backend) DeleteOne(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return b.delete(ctx, db, collection, filter, 1)
}

// DeleteMany deletes every matching document.
func (b *Backend) DeleteMany(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return b.delete(ctx, db, collection, filter, 0)
}

// applyUpdate produces the post-image of one document. Operator form
// merges into a clone; plain form replaces the document wholesale,
// keeping the original _id.
func applyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	if !isOperatorUpdate(update) {
		var out bson.D
		if id, ok := document.Get(doc, "_id"); ok {
			out = bson.D{{"_id", id}}
		}
		for _, elem := range update {
			if elem.Name == "_id" {
				continue
			}
			out = append(out, elem)
		}
		return document.Clone(out), nil
	}

	out := document.Clone(doc)
	for _, op := range update {
		spec, ok := document.AsDocument(op.Value)
		if !ok {
			return nil, errors.NotValidf("%s with operand of type %T", op.Name, op.Value)
		}
		switch op.Name {
		case "$set":
			for _, field := range spec {
				out = document.Set(out, field.Name, field.Value)
			}
		case "$unset":
			for _, field := range spec {
				out = document.Delete(out, field.Name)
			}
		case "$inc":
			for _, field := range spec {
				delta, ok := document.NumericValue(field.Value)
				if !ok {
					return nil, errors.NotValidf("$inc of non-numeric %q", field.Name)
				}
				current := 0.0
				if existing, present := document.Get(out, field.Name); present {
					if n, isNum := document.NumericValue(existing); isNum {
						current = n
					} else {
						return nil, errors.NotValidf("$inc on non-numeric field %q", field.Name)
					}
				}
				out = document.Set(out, field.Name, current+delta)
			}
		case "$push":
			for _, field := range spec {
				var elems []interface{}
				if each, isEach := eachOperand(field.Value); isEach {
					elems = each
				} else {
					elems = []interface{}{field.Value}
				}
				var target []interface{}
				if existing, present := document.Get(out, field.Name); present {
					arr, isArr := document.AsArray(existing)
					if !isArr {
						return nil, errors.NotValidf("$push on non-array field %q", field.Name)
					}
					target = arr
				}
				out = document.Set(out, field.Name, append(target, elems...))
			}
		default:
			return nil, errors.NotValidf("update operator %q", op.Name)
		}
	}
	return out, nil
}

func isOperatorUpdate(update bson.D) bool {
	for _, elem := range update {
		if strings.HasPrefix(elem.Name, "$") {
			return true
		}
	}
	return false
}

func eachOperand(v interface{}) ([]interface{}, bool) {
	doc, ok := document.AsDocument(v)
	if !ok || len(doc) != 1 || doc[0].Name != "$each" {
		return nil, false
	}
	arr, ok := document.AsArray(doc[0].Value)
	return arr, ok
}

// synthesizeUpsert builds the document inserted when an upsert matches
// nothing: the filter's equality conditions seed the document, the
// update is applied on top.
func synthesizeUpsert(filter, update bson.D) (bson.D, error) {
	var seed bson.D
	for _, cond := range filter {
		if strings.HasPrefix(cond.Name, "$") {
			continue
		}
		if ops, isOps := operatorDoc(cond.Value); isOps {
			for _, op := range ops {
				if op.Name == "$eq" {
					seed = document.Set(seed, cond.Name, op.Value)
				}
			}
			continue
		}
		seed = document.Set(seed, cond.Name, cond.Value)
	}
	out, err := applyUpdate(seed, update)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}
