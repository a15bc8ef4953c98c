// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backend defines the uniform operation surface every mondo
// engine implements, along with the option, result and routing types
// shared by the wire layer, the query router and the engines
// themselves.
package backend

import (
	"context"

	"github.com/juju/mgo/v3/bson"
)

// Backend is the contract between the wire layer and an engine. The
// embedded SQL engine, the analytical proxy and the query router all
// implement it; the router additionally dispatches between the other
// two.
type Backend interface {
	// Database operations.
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)
	CreateDatabase(ctx context.Context, db string) error
	DropDatabase(ctx context.Context, db string) error
	DatabaseExists(ctx context.Context, db string) (bool, error)

	// Collection operations.
	ListCollections(ctx context.Context, db string, opts ListCollectionsOptions) ([]CollectionInfo, error)
	CreateCollection(ctx context.Context, db, collection string, options bson.D) error
	DropCollection(ctx context.Context, db, collection string) error
	CollectionExists(ctx context.Context, db, collection string) (bool, error)
	CollStats(ctx context.Context, db, collection string) (*CollStats, error)
	DBStats(ctx context.Context, db string) (*DBStats, error)

	// CRUD operations.
	Find(ctx context.Context, db, collection string, opts FindOptions) (*FindResult, error)
	FindOne(ctx context.Context, db, collection string, filter bson.D) (bson.D, error)
	InsertOne(ctx context.Context, db, collection string, doc bson.D) (*WriteResult, error)
	InsertMany(ctx context.Context, db, collection string, docs []bson.D) (*WriteResult, error)
	UpdateOne(ctx context.Context, db, collection string, filter, update bson.D, opts UpdateOptions) (*WriteResult, error)
	UpdateMany(ctx context.Context, db, collection string, filter, update bson.D, opts UpdateOptions) (*WriteResult, error)
	DeleteOne(ctx context.Context, db, collection string, filter bson.D) (*WriteResult, error)
	DeleteMany(ctx context.Context, db, collection string, filter bson.D) (*WriteResult, error)

	// Scalar reads.
	Count(ctx context.Context, db, collection string, filter bson.D) (int64, error)
	Distinct(ctx context.Context, db, collection, field string, filter bson.D) ([]interface{}, error)

	// Pipeline execution.
	Aggregate(ctx context.Context, db, collection string, pipeline []bson.D, opts AggregateOptions) (*FindResult, error)

	// Index operations.
	ListIndexes(ctx context.Context, db, collection string) ([]IndexSpec, error)
	CreateIndexes(ctx context.Context, db, collection string, specs []IndexSpec) ([]string, error)
	DropIndex(ctx context.Context, db, collection, name string) error
	DropAllIndexes(ctx context.Context, db, collection string) error

	// Cursor operations.
	CreateCursor(ctx context.Context, namespace string, docs []bson.D, batchSize int) (*FindResult, error)
	GetCursor(ctx context.Context, id int64) (*CursorInfo, error)
	AdvanceCursor(ctx context.Context, id int64, batchSize int) (*FindResult, error)
	CloseCursor(ctx context.Context, id int64) (bool, error)
	CleanupExpiredCursors(ctx context.Context) (int, error)
}

// Engine names a concrete execution engine.
type Engine string

const (
	// OLTP is the transactional key-document engine. All writes, DDL
	// and point reads land here.
	OLTP Engine = "oltp"
	// OLAP is the analytical columnar engine, reached through the
	// proxy backend.
	OLAP Engine = "olap"
)
