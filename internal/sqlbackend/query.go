// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
	"github.com/juju/mondo/core/names"
	"github.com/juju/mondo/internal/pipeline"
)

// selectDocuments runs the compiled filter/sort/limit/skip against one
// collection and decodes the matching rows in order.
func (b *Backend) selectDocuments(ctx context.Context, d *database, collectionID int64, filter, sortSpec bson.D, limit, skip int64) ([]bson.D, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	order, err := orderClause(sortSpec)
	if err != nil {
		return nil, errors.Trace(err)
	}

	query := fmt.Sprintf("SELECT data FROM documents WHERE collection_id = ? AND (%s) %s", where, order)
	bound := append([]interface{}{collectionID}, args...)
	if limit > 0 {
		query += " LIMIT ?"
		bound = append(bound, limit)
	} else if skip > 0 {
		// SQLite requires a LIMIT before OFFSET.
		query += " LIMIT -1"
	}
	if skip > 0 {
		query += " OFFSET ?"
		bound = append(bound, skip)
	}
	logger.Tracef("select: %s %v", query, bound)

	rows, err := d.db.QueryContext(ctx, query, bound...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var docs []bson.D
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Trace(err)
		}
		doc, err := decodeDoc(data)
		if err != nil {
			return nil, errors.Trace(err)
		}
		docs = append(docs, doc)
	}
	return docs, errors.Trace(rows.Err())
}

// Find runs filter, sort, limit and skip in SQL, applies the
// projection in memory, and registers a cursor when the result
// overflows one batch.
func (b *Backend) Find(ctx context.Context, db, collection string, opts backend.FindOptions) (*backend.FindResult, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return &backend.FindResult{Documents: []bson.D{}}, nil
	}

	docs, err := b.selectDocuments(ctx, d, row.ID, opts.Filter, opts.Sort, opts.Limit, opts.Skip)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(opts.Projection) > 0 {
		for i, doc := range docs {
			docs[i] = pipeline.Project(doc, opts.Projection)
		}
	}
	namespace := db + "." + collection
	return b.cursors.Create(namespace, docs, opts.EffectiveBatchSize()), nil
}

// FindOne returns the first matching document, or a not-found error.
func (b *Backend) FindOne(ctx context.Context, db, collection string, filter bson.D) (bson.D, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return nil, errors.NotFoundf("document in %s.%s", db, collection)
	}
	docs, err := b.selectDocuments(ctx, d, row.ID, filter, nil, 1, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(docs) == 0 {
		return nil, errors.NotFoundf("document in %s.%s", db, collection)
	}
	return docs[0], nil
}

// Count counts matching documents without materializing them.
func (b *Backend) Count(ctx context.Context, db, collection string, filter bson.D) (int64, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !ok {
		return 0, nil
	}
	where, args, err := whereClause(filter)
	if err != nil {
		return 0, errors.Trace(err)
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM documents WHERE collection_id = ? AND (%s)", where)
	bound := append([]interface{}{row.ID}, args...)

	var count int64
	if err := d.db.QueryRowContext(ctx, query, bound...).Scan(&count); err != nil {
		return 0, errors.Trace(err)
	}
	return count, nil
}

// Distinct returns the distinct values of one field across the
// matching documents. Array values contribute their elements, matching
// the usual distinct semantics.
func (b *Backend) Distinct(ctx context.Context, db, collection, field string, filter bson.D) ([]interface{}, error) {
	if field != "_id" {
		if err := names.ValidateFieldPath(field); err != nil {
			return nil, errors.Trace(err)
		}
	}
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return []interface{}{}, nil
	}
	docs, err := b.selectDocuments(ctx, d, row.ID, filter, nil, 0, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	seen := map[string]bool{}
	values := []interface{}{}
	add := func(v interface{}) {
		key, err := bson.Marshal(bson.D{{"k", v}})
		if err != nil {
			return
		}
		if seen[string(key)] {
			return
		}
		seen[string(key)] = true
		values = append(values, v)
	}
	for _, doc := range docs {
		v, present := document.Get(doc, field)
		if !present {
			continue
		}
		if arr, isArr := document.AsArray(v); isArr {
			for _, elem := range arr {
				add(elem)
			}
			continue
		}
		add(v)
	}
	sort.SliceStable(values, func(i, j int) bool {
		return document.Compare(values[i], values[j]) < 0
	})
	return values, nil
}
