// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router_test

import (
	"context"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
)

// fakeBackend records which operations reached it and serves canned
// cursor state.
type fakeBackend struct {
	engine  backend.Engine
	calls   []string
	cursors map[int64]bool
}

func newFake(engine backend.Engine, cursorIDs ...int64) *fakeBackend {
	cursors := map[int64]bool{}
	for _, id := range cursorIDs {
		cursors[id] = true
	}
	return &fakeBackend{engine: engine, cursors: cursors}
}

func (f *fakeBackend) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeBackend) ListDatabases(ctx context.Context) ([]backend.DatabaseInfo, error) {
	f.record("listDatabases")
	return nil, nil
}

func (f *fakeBackend) CreateDatabase(ctx context.Context, db string) error {
	f.record("createDatabase")
	return nil
}

func (f *fakeBackend) DropDatabase(ctx context.Context, db string) error {
	f.record("dropDatabase")
	return nil
}

func (f *fakeBackend) DatabaseExists(ctx context.Context, db string) (bool, error) {
	f.record("databaseExists")
	return false, nil
}

func (f *fakeBackend) ListCollections(ctx context.Context, db string, opts backend.ListCollectionsOptions) ([]backend.CollectionInfo, error) {
	f.record("listCollections")
	return nil, nil
}

func (f *fakeBackend) CreateCollection(ctx context.Context, db, collection string, options bson.D) error {
	f.record("createCollection")
	return nil
}

func (f *fakeBackend) DropCollection(ctx context.Context, db, collection string) error {
	f.record("dropCollection")
	return nil
}

func (f *fakeBackend) CollectionExists(ctx context.Context, db, collection string) (bool, error) {
	f.record("collectionExists")
	return false, nil
}

func (f *fakeBackend) CollStats(ctx context.Context, db, collection string) (*backend.CollStats, error) {
	f.record("collStats")
	return &backend.CollStats{}, nil
}

func (f *fakeBackend) DBStats(ctx context.Context, db string) (*backend.DBStats, error) {
	f.record("dbStats")
	return &backend.DBStats{}, nil
}

func (f *fakeBackend) Find(ctx context.Context, db, collection string, opts backend.FindOptions) (*backend.FindResult, error) {
	f.record("find")
	return &backend.FindResult{}, nil
}

func (f *fakeBackend) FindOne(ctx context.Context, db, collection string, filter bson.D) (bson.D, error) {
	f.record("findOne")
	return nil, nil
}

func (f *fakeBackend) InsertOne(ctx context.Context, db, collection string, doc bson.D) (*backend.WriteResult, error) {
	f.record("insertOne")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) InsertMany(ctx context.Context, db, collection string, docs []bson.D) (*backend.WriteResult, error) {
	f.record("insertMany")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) UpdateOne(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	f.record("updateOne")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) UpdateMany(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	f.record("updateMany")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) DeleteOne(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	f.record("deleteOne")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) DeleteMany(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	f.record("deleteMany")
	return &backend.WriteResult{}, nil
}

func (f *fakeBackend) Count(ctx context.Context, db, collection string, filter bson.D) (int64, error) {
	f.record("count")
	return 0, nil
}

func (f *fakeBackend) Distinct(ctx context.Context, db, collection, field string, filter bson.D) ([]interface{}, error) {
	f.record("distinct")
	return nil, nil
}

func (f *fakeBackend) Aggregate(ctx context.Context, db, collection string, pipeline []bson.D, opts backend.AggregateOptions) (*backend.FindResult, error) {
	f.record("aggregate")
	return &backend.FindResult{}, nil
}

func (f *fakeBackend) ListIndexes(ctx context.Context, db, collection string) ([]backend.IndexSpec, error) {
	f.record("listIndexes")
	return nil, nil
}

func (f *fakeBackend) CreateIndexes(ctx context.Context, db, collection string, specs []backend.IndexSpec) ([]string, error) {
	f.record("createIndexes")
	return nil, nil
}

func (f *fakeBackend) DropIndex(ctx context.Context, db, collection, name string) error {
	f.record("dropIndex")
	return nil
}

func (f *fakeBackend) DropAllIndexes(ctx context.Context, db, collection string) error {
	f.record("dropAllIndexes")
	return nil
}

func (f *fakeBackend) CreateCursor(ctx context.Context, namespace string, docs []bson.D, batchSize int) (*backend.FindResult, error) {
	f.record("createCursor")
	return &backend.FindResult{}, nil
}

func (f *fakeBackend) GetCursor(ctx context.Context, id int64) (*backend.CursorInfo, error) {
	f.record("getCursor")
	if !f.cursors[id] {
		return nil, backend.NewCursorNotFound(id)
	}
	return &backend.CursorInfo{ID: id}, nil
}

func (f *fakeBackend) AdvanceCursor(ctx context.Context, id int64, batchSize int) (*backend.FindResult, error) {
	f.record("advanceCursor")
	return &backend.FindResult{}, nil
}

func (f *fakeBackend) CloseCursor(ctx context.Context, id int64) (bool, error) {
	f.record("closeCursor")
	if !f.cursors[id] {
		return false, nil
	}
	delete(f.cursors, id)
	return true, nil
}

func (f *fakeBackend) CleanupExpiredCursors(ctx context.Context) (int, error) {
	f.record("cleanupExpiredCursors")
	return 0, nil
}
