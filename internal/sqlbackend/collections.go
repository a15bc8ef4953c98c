// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/names"
)

// ListCollections lists the collections of one database, optionally
// restricted to an exact name.
func (b *Backend) ListCollections(ctx context.Context, db string, opts backend.ListCollectionsOptions) ([]backend.CollectionInfo, error) {
	d, err := b.open(db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows, err := d.listCollections(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	infos := make([]backend.CollectionInfo, 0, len(rows))
	for _, row := range rows {
		if opts.NameFilter != "" && row.Name != opts.NameFilter {
			continue
		}
		options, err := decodeDoc(row.Options)
		if err != nil {
			return nil, errors.Annotatef(err, "collection %q options", row.Name)
		}
		infos = append(infos, backend.CollectionInfo{Name: row.Name, Options: options})
	}
	return infos, nil
}

// CreateCollection registers a collection with its creation options.
func (b *Backend) CreateCollection(ctx context.Context, db, collection string, options bson.D) error {
	if err := names.ValidateCollectionName(collection); err != nil {
		return errors.Trace(err)
	}
	d, err := b.open(db)
	if err != nil {
		return errors.Trace(err)
	}
	encoded, err := encodeDoc(options)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.insertCollection(ctx, collection, encoded))
}

// DropCollection removes a collection and, through the foreign keys,
// its documents and index metadata.
func (b *Backend) DropCollection(ctx context.Context, db, collection string) error {
	if err := names.ValidateCollectionName(collection); err != nil {
		return errors.Trace(err)
	}
	d, err := b.open(db)
	if err != nil {
		return errors.Trace(err)
	}
	row, err := d.collection(ctx, collection)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.deleteCollection(ctx, row.ID))
}

// CollectionExists reports whether the collection is registered.
func (b *Backend) CollectionExists(ctx context.Context, db, collection string) (bool, error) {
	if err := names.ValidateCollectionName(collection); err != nil {
		return false, errors.Trace(err)
	}
	exists, err := b.DatabaseExists(ctx, db)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !exists || db == adminDatabase {
		return false, nil
	}
	d, err := b.open(db)
	if err != nil {
		return false, errors.Trace(err)
	}
	_, err = d.collection(ctx, collection)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// ensureCollection resolves a collection, registering it on first
// write the way an insert into an unknown namespace implicitly creates
// it.
func (b *Backend) ensureCollection(ctx context.Context, d *database, collection string) (collectionRow, error) {
	if err := names.ValidateCollectionName(collection); err != nil {
		return collectionRow{}, errors.Trace(err)
	}
	row, err := d.collection(ctx, collection)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return collectionRow{}, errors.Trace(err)
	}
	if err := d.insertCollection(ctx, collection, "{}"); err != nil && !errors.Is(err, errors.AlreadyExists) {
		return collectionRow{}, errors.Trace(err)
	}
	row, err = d.collection(ctx, collection)
	return row, errors.Trace(err)
}

// resolveCollection resolves a collection for a read; a missing
// collection is not an error there, reads over it are simply empty.
func (b *Backend) resolveCollection(ctx context.Context, db, collection string) (*database, collectionRow, bool, error) {
	if err := names.ValidateCollectionName(collection); err != nil {
		return nil, collectionRow{}, false, errors.Trace(err)
	}
	d, err := b.open(db)
	if err != nil {
		return nil, collectionRow{}, false, errors.Trace(err)
	}
	row, err := d.collection(ctx, collection)
	if errors.Is(err, errors.NotFound) {
		return d, collectionRow{}, false, nil
	}
	if err != nil {
		return nil, collectionRow{}, false, errors.Trace(err)
	}
	return d, row, true, nil
}
