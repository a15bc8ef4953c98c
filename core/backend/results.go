// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

import (
	"time"

	"github.com/juju/mgo/v3/bson"
)

// DatabaseInfo describes one entry of a database listing.
type DatabaseInfo struct {
	Name       string
	SizeOnDisk int64
	Empty      bool
}

// CollectionInfo describes one entry of a collection listing.
type CollectionInfo struct {
	Name    string
	Options bson.D
}

// FindResult is the uniform shape of every read that may exceed one
// batch. CursorID zero means the documents slice is the whole result.
type FindResult struct {
	Documents []bson.D
	CursorID  int64
	HasMore   bool
}

// WriteResult is the uniform shape of every write acknowledgement.
type WriteResult struct {
	Acknowledged  bool
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	InsertedIDs   []interface{}
	// UpsertedID is set when an upsert inserted a new document.
	UpsertedID interface{}
}

// CollStats reports the storage footprint of one collection. Byte
// sizes are the stored JSON blob lengths, which is the closest proxy
// the embedded engine has for storage size.
type CollStats struct {
	Namespace      string
	Count          int64
	Size           int64
	AvgObjSize     int64
	StorageSize    int64
	IndexCount     int64
	TotalIndexSize int64
}

// DBStats aggregates CollStats over one database.
type DBStats struct {
	Database    string
	Collections int64
	Objects     int64
	DataSize    int64
	StorageSize int64
	IndexCount  int64
}

// CursorInfo is the observable state of a server-side cursor.
type CursorInfo struct {
	ID        int64
	Namespace string
	Position  int
	Total     int
	BatchSize int
	CreatedAt time.Time
}
