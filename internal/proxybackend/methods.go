// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package proxybackend

import (
	"context"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
	"github.com/juju/mondo/core/names"
)

// ListDatabases lists the remote databases.
func (b *Backend) ListDatabases(ctx context.Context) ([]backend.DatabaseInfo, error) {
	raw, err := b.call(ctx, rpcRequest{Method: "listDatabases"})
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := decodeResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := documentList(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	infos := make([]backend.DatabaseInfo, 0, len(docs))
	for _, doc := range docs {
		info := backend.DatabaseInfo{SizeOnDisk: intField(doc, "sizeOnDisk")}
		if name, ok := document.Get(doc, "name"); ok {
			info.Name, _ = name.(string)
		}
		if empty, ok := document.Get(doc, "empty"); ok {
			info.Empty, _ = empty.(bool)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CreateDatabase creates a remote database.
func (b *Backend) CreateDatabase(ctx context.Context, db string) error {
	if err := names.ValidateDatabaseName(db); err != nil {
		return errors.Trace(err)
	}
	_, err := b.call(ctx, rpcRequest{Method: "createDatabase", DB: db})
	return errors.Trace(err)
}

// DropDatabase drops a remote database.
func (b *Backend) DropDatabase(ctx context.Context, db string) error {
	if err := names.ValidateDatabaseName(db); err != nil {
		return errors.Trace(err)
	}
	_, err := b.call(ctx, rpcRequest{Method: "dropDatabase", DB: db})
	return errors.Trace(err)
}

// DatabaseExists reports whether a remote database exists.
func (b *Backend) DatabaseExists(ctx context.Context, db string) (bool, error) {
	if err := names.ValidateDatabaseName(db); err != nil {
		return false, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "databaseExists", DB: db})
	if err != nil {
		return false, errors.Trace(err)
	}
	return decodeResultBool(raw)
}

// ListCollections lists the collections of a remote database.
func (b *Backend) ListCollections(ctx context.Context, db string, opts backend.ListCollectionsOptions) ([]backend.CollectionInfo, error) {
	var options bson.D
	if opts.NameFilter != "" {
		options = bson.D{{"name", opts.NameFilter}}
	}
	encoded, err := encodeField(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "listCollections", DB: db, Options: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := decodeResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := documentList(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	infos := make([]backend.CollectionInfo, 0, len(docs))
	for _, doc := range docs {
		var info backend.CollectionInfo
		if name, ok := document.Get(doc, "name"); ok {
			info.Name, _ = name.(string)
		}
		if options, ok := document.Get(doc, "options"); ok {
			info.Options, _ = document.AsDocument(options)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CreateCollection creates a remote collection.
func (b *Backend) CreateCollection(ctx context.Context, db, collection string, options bson.D) error {
	encoded, err := encodeField(options)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.call(ctx, rpcRequest{Method: "createCollection", DB: db, Collection: collection, Options: encoded})
	return errors.Trace(err)
}

// DropCollection drops a remote collection.
func (b *Backend) DropCollection(ctx context.Context, db, collection string) error {
	_, err := b.call(ctx, rpcRequest{Method: "dropCollection", DB: db, Collection: collection})
	return errors.Trace(err)
}

// CollectionExists reports whether a remote collection exists.
func (b *Backend) CollectionExists(ctx context.Context, db, collection string) (bool, error) {
	raw, err := b.call(ctx, rpcRequest{Method: "collectionExists", DB: db, Collection: collection})
	if err != nil {
		return false, errors.Trace(err)
	}
	return decodeResultBool(raw)
}

// CollStats fetches remote collection statistics.
func (b *Backend) CollStats(ctx context.Context, db, collection string) (*backend.CollStats, error) {
	raw, err := b.call(ctx, rpcRequest{Method: "collStats", DB: db, Collection: collection})
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := decodeResultDoc(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	stats := &backend.CollStats{
		Namespace:      db + "." + collection,
		Count:          intField(doc, "count"),
		Size:           intField(doc, "size"),
		AvgObjSize:     intField(doc, "avgObjSize"),
		StorageSize:    intField(doc, "storageSize"),
		IndexCount:     intField(doc, "nindexes"),
		TotalIndexSize: intField(doc, "totalIndexSize"),
	}
	if ns, ok := document.Get(doc, "ns"); ok {
		if s, isString := ns.(string); isString {
			stats.Namespace = s
		}
	}
	return stats, nil
}

// DBStats fetches remote database statistics.
func (b *Backend) DBStats(ctx context.Context, db string) (*backend.DBStats, error) {
	raw, err := b.call(ctx, rpcRequest{Method: "dbStats", DB: db})
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := decodeResultDoc(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &backend.DBStats{
		Database:    db,
		Collections: intField(doc, "collections"),
		Objects:     intField(doc, "objects"),
		DataSize:    intField(doc, "dataSize"),
		StorageSize: intField(doc, "storageSize"),
		IndexCount:  intField(doc, "indexes"),
	}, nil
}

func findOptionsDoc(opts backend.FindOptions) bson.D {
	options := bson.D{}
	if len(opts.Sort) > 0 {
		options = append(options, bson.DocElem{Name: "sort", Value: opts.Sort})
	}
	if len(opts.Projection) > 0 {
		options = append(options, bson.DocElem{Name: "projection", Value: opts.Projection})
	}
	if opts.Limit > 0 {
		options = append(options, bson.DocElem{Name: "limit", Value: opts.Limit})
	}
	if opts.Skip > 0 {
		options = append(options, bson.DocElem{Name: "skip", Value: opts.Skip})
	}
	if opts.BatchSize > 0 {
		options = append(options, bson.DocElem{Name: "batchSize", Value: opts.BatchSize})
	}
	return options
}

// Find runs a remote find. When the remote returns the whole result
// the local cursor table takes over the batching; a remote-minted
// cursor id passes through and later getMore calls go back out.
func (b *Backend) Find(ctx context.Context, db, collection string, opts backend.FindOptions) (*backend.FindResult, error) {
	filter, err := encodeField(opts.Filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	options, err := encodeField(findOptionsDoc(opts))
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "find", DB: db, Collection: collection, Filter: filter, Options: options})
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := decodeFindResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result.CursorID != 0 {
		return result, nil
	}
	return b.cursors.Create(db+"."+collection, result.Documents, opts.EffectiveBatchSize()), nil
}

// FindOne returns the first matching remote document.
func (b *Backend) FindOne(ctx context.Context, db, collection string, filter bson.D) (bson.D, error) {
	result, err := b.Find(ctx, db, collection, backend.FindOptions{Filter: filter, Limit: 1})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(result.Documents) == 0 {
		return nil, errors.NotFoundf("document in %s.%s", db, collection)
	}
	return result.Documents[0], nil
}

// InsertOne inserts one document remotely.
func (b *Backend) InsertOne(ctx context.Context, db, collection string, doc bson.D) (*backend.WriteResult, error) {
	encoded, err := encodeField(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "insertOne", DB: db, Collection: collection, Document: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeWriteResult(raw)
}

// InsertMany inserts documents remotely.
func (b *Backend) InsertMany(ctx context.Context, db, collection string, docs []bson.D) (*backend.WriteResult, error) {
	encoded, err := encodeField(docs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "insertMany", DB: db, Collection: collection, Documents: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeWriteResult(raw)
}

func (b *Backend) update(ctx context.Context, method, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	encodedFilter, err := encodeField(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	encodedUpdate, err := encodeField(update)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var options bson.D
	if opts.Upsert {
		options = bson.D{{"upsert", true}}
	}
	encodedOptions, err := encodeField(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{
		Method: method, DB: db, Collection: collection,
		Filter: encodedFilter, Update: encodedUpdate, Options: encodedOptions,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeWriteResult(raw)
}

// UpdateOne updates one remote document.
func (b *Backend) UpdateOne(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return b.update(ctx, "updateOne", db, collection, filter, update, opts)
}

// UpdateMany updates matching remote documents.
func (b *Backend) UpdateMany(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return b.update(ctx, "updateMany", db, collection, filter, update, opts)
}

func (b *Backend) delete(ctx context.Context, method, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	encoded, err := encodeField(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: method, DB: db, Collection: collection, Filter: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeWriteResult(raw)
}

// DeleteOne deletes one remote document.
func (b *Backend) DeleteOne(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return b.delete(ctx, "deleteOne", db, collection, filter)
}

// DeleteMany deletes matching remote documents.
func (b *Backend) DeleteMany(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return b.delete(ctx, "deleteMany", db, collection, filter)
}

// Count counts matching remote documents.
func (b *Backend) Count(ctx context.Context, db, collection string, filter bson.D) (int64, error) {
	encoded, err := encodeField(filter)
	if err != nil {
		return 0, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "count", DB: db, Collection: collection, Filter: encoded})
	if err != nil {
		return 0, errors.Trace(err)
	}
	v, err := decodeResult(raw)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if n, ok := document.NumericValue(v); ok {
		return int64(n), nil
	}
	return 0, errors.NotValidf("count result of type %T", v)
}

// Distinct returns distinct remote values of one field.
func (b *Backend) Distinct(ctx context.Context, db, collection, field string, filter bson.D) ([]interface{}, error) {
	encoded, err := encodeField(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "distinct", DB: db, Collection: collection, Field: field, Filter: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := decodeResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if v == nil {
		return []interface{}{}, nil
	}
	arr, ok := document.AsArray(v)
	if !ok {
		return nil, errors.NotValidf("distinct result of type %T", v)
	}
	return arr, nil
}

// Aggregate runs a remote aggregation pipeline.
func (b *Backend) Aggregate(ctx context.Context, db, collection string, pipeline []bson.D, opts backend.AggregateOptions) (*backend.FindResult, error) {
	encoded, err := encodeField(pipeline)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var options bson.D
	if opts.AllowDiskUse {
		options = append(options, bson.DocElem{Name: "allowDiskUse", Value: true})
	}
	if opts.BatchSize > 0 {
		options = append(options, bson.DocElem{Name: "batchSize", Value: opts.BatchSize})
	}
	encodedOptions, err := encodeField(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "aggregate", DB: db, Collection: collection, Pipeline: encoded, Options: encodedOptions})
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := decodeFindResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result.CursorID != 0 {
		return result, nil
	}
	return b.cursors.Create(db+"."+collection, result.Documents, opts.EffectiveBatchSize()), nil
}

// ListIndexes lists remote indexes.
func (b *Backend) ListIndexes(ctx context.Context, db, collection string) ([]backend.IndexSpec, error) {
	raw, err := b.call(ctx, rpcRequest{Method: "listIndexes", DB: db, Collection: collection})
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := decodeResult(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := documentList(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	specs := make([]backend.IndexSpec, 0, len(docs))
	for _, doc := range docs {
		var spec backend.IndexSpec
		if keys, ok := document.Get(doc, "key"); ok {
			spec.Keys, _ = document.AsDocument(keys)
		}
		if name, ok := document.Get(doc, "name"); ok {
			spec.Name, _ = name.(string)
		}
		if unique, ok := document.Get(doc, "unique"); ok {
			spec.Unique, _ = unique.(bool)
		}
		if sparse, ok := document.Get(doc, "sparse"); ok {
			spec.Sparse, _ = sparse.(bool)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CreateIndexes registers remote indexes.
func (b *Backend) CreateIndexes(ctx context.Context, db, collection string, specs []backend.IndexSpec) ([]string, error) {
	docs := make([]bson.D, len(specs))
	for i, spec := range specs {
		doc := bson.D{
			{"key", spec.Keys},
			{"name", spec.EffectiveName()},
		}
		if spec.Unique {
			doc = append(doc, bson.DocElem{Name: "unique", Value: true})
		}
		if spec.Sparse {
			doc = append(doc, bson.DocElem{Name: "sparse", Value: true})
		}
		docs[i] = doc
	}
	encoded, err := encodeField(docs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, err = b.call(ctx, rpcRequest{Method: "createIndexes", DB: db, Collection: collection, Documents: encoded})
	if err != nil {
		return nil, errors.Trace(err)
	}
	created := make([]string, len(specs))
	for i, spec := range specs {
		created[i] = spec.EffectiveName()
	}
	return created, nil
}

// DropIndex drops one remote index.
func (b *Backend) DropIndex(ctx context.Context, db, collection, name string) error {
	options, err := encodeField(bson.D{{"name", name}})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.call(ctx, rpcRequest{Method: "dropIndex", DB: db, Collection: collection, Options: options})
	return errors.Trace(err)
}

// DropAllIndexes drops every remote index except the implicit one.
func (b *Backend) DropAllIndexes(ctx context.Context, db, collection string) error {
	_, err := b.call(ctx, rpcRequest{Method: "dropIndexes", DB: db, Collection: collection})
	return errors.Trace(err)
}

// CreateCursor registers a pre-materialized result set locally.
func (b *Backend) CreateCursor(ctx context.Context, namespace string, docs []bson.D, batchSize int) (*backend.FindResult, error) {
	return b.cursors.Create(namespace, docs, batchSize), nil
}

// GetCursor returns the state of a locally held cursor.
func (b *Backend) GetCursor(ctx context.Context, id int64) (*backend.CursorInfo, error) {
	info, ok := b.cursors.Get(id)
	if !ok {
		return nil, backend.NewCursorNotFound(id)
	}
	return info, nil
}

// AdvanceCursor advances a locally held cursor; ids this backend never
// minted belong to the remote engine and the getMore goes back out,
// with the id as a decimal string.
func (b *Backend) AdvanceCursor(ctx context.Context, id int64, batchSize int) (*backend.FindResult, error) {
	if _, ok := b.cursors.Get(id); ok {
		return b.cursors.Advance(id, batchSize), nil
	}
	query, err := encodeField(bson.D{
		{"cursorId", strconv.FormatInt(id, 10)},
		{"batchSize", batchSize},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "getMore", Query: query})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeFindResult(raw)
}

// CloseCursor closes a local cursor, falling back to the remote
// engine for ids it never minted.
func (b *Backend) CloseCursor(ctx context.Context, id int64) (bool, error) {
	if b.cursors.Close(id) {
		return true, nil
	}
	query, err := encodeField(bson.D{{"cursorId", strconv.FormatInt(id, 10)}})
	if err != nil {
		return false, errors.Trace(err)
	}
	raw, err := b.call(ctx, rpcRequest{Method: "killCursors", Query: query})
	if err != nil {
		return false, errors.Trace(err)
	}
	closed, err := decodeResultBool(raw)
	if err != nil {
		// Some servers answer with a count instead of a boolean.
		return false, nil
	}
	return closed, nil
}

// CleanupExpiredCursors evicts expired local cursors.
func (b *Backend) CleanupExpiredCursors(ctx context.Context) (int, error) {
	return b.cursors.ExpireBefore(b.clock.Now()), nil
}
