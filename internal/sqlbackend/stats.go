// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/mondo/core/backend"
)

// CollStats reports document count and the summed JSON blob length,
// the closest thing this engine has to a storage size.
func (b *Backend) CollStats(ctx context.Context, db, collection string) (*backend.CollStats, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	namespace := db + "." + collection
	if !ok {
		return nil, errors.NotFoundf("collection %q in database %q", collection, db)
	}

	var (
		count int64
		size  int64
	)
	err = d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM documents WHERE collection_id = ?",
		row.ID).Scan(&count, &size)
	if err != nil {
		return nil, errors.Trace(err)
	}

	indexes, err := d.listIndexes(ctx, row.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	stats := &backend.CollStats{
		Namespace:   namespace,
		Count:       count,
		Size:        size,
		StorageSize: size,
		// The implicit _id index always exists.
		IndexCount: int64(len(indexes)) + 1,
	}
	if count > 0 {
		stats.AvgObjSize = size / count
	}
	return stats, nil
}

// DBStats aggregates collection statistics over one database.
func (b *Backend) DBStats(ctx context.Context, db string) (*backend.DBStats, error) {
	stats := &backend.DBStats{Database: db}
	if db == adminDatabase {
		return stats, nil
	}
	d, err := b.open(db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collections, err := d.listCollections(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, row := range collections {
		collStats, err := b.CollStats(ctx, db, row.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		stats.Collections++
		stats.Objects += collStats.Count
		stats.DataSize += collStats.Size
		stats.StorageSize += collStats.StorageSize
		stats.IndexCount += collStats.IndexCount
	}
	return stats, nil
}
