// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/document"
	"github.com/juju/mondo/core/names"
)

// idIndexName is the name of the implicit identifier index.
const idIndexName = "_id_"

// ListIndexes returns the implicit _id index followed by the declared
// ones.
func (b *Backend) ListIndexes(ctx context.Context, db, collection string) ([]backend.IndexSpec, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	specs := []backend.IndexSpec{{
		Keys: bson.D{{"_id", 1}},
		Name: idIndexName,
	}}
	if !ok {
		return specs, nil
	}
	rows, err := d.listIndexes(ctx, row.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, idx := range rows {
		keys, err := decodeDoc(idx.Key)
		if err != nil {
			return nil, errors.Annotatef(err, "index %q key", idx.Name)
		}
		options, err := decodeDoc(idx.Options)
		if err != nil {
			return nil, errors.Annotatef(err, "index %q options", idx.Name)
		}
		spec := backend.IndexSpec{Keys: keys, Name: idx.Name}
		if unique, present := document.Get(options, "unique"); present {
			spec.Unique, _ = unique.(bool)
		}
		if sparse, present := document.Get(options, "sparse"); present {
			spec.Sparse, _ = sparse.(bool)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CreateIndexes registers a batch of index specifications and builds a
// best-effort SQLite expression index per spec. A metadata insert
// failure aborts the batch; an expression-index failure only logs,
// since the metadata is the contract.
func (b *Backend) CreateIndexes(ctx context.Context, db, collection string, specs []backend.IndexSpec) ([]string, error) {
	d, err := b.open(db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	row, err := b.ensureCollection(ctx, d, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}

	created := make([]string, 0, len(specs))
	for _, spec := range specs {
		name := spec.EffectiveName()
		if name == "" || name == idIndexName {
			return nil, errors.NotValidf("index name %q", name)
		}
		keys, err := encodeDoc(spec.Keys)
		if err != nil {
			return nil, errors.Trace(err)
		}
		options := bson.D{}
		if spec.Unique {
			options = append(options, bson.DocElem{Name: "unique", Value: true})
		}
		if spec.Sparse {
			options = append(options, bson.DocElem{Name: "sparse", Value: true})
		}
		encodedOptions, err := encodeDoc(options)
		if err != nil {
			return nil, errors.Trace(err)
		}
		err = d.insertIndex(ctx, indexRow{
			CollectionID: row.ID,
			Name:         name,
			Key:          keys,
			Options:      encodedOptions,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := b.createExpressionIndex(ctx, d, row.ID, name, spec); err != nil {
			logger.Warningf("expression index %q on %s.%s: %v", name, db, collection, err)
		}
		created = append(created, name)
	}
	return created, nil
}

// createExpressionIndex builds the physical index backing a spec.
// Special index kinds ("text", "2dsphere") have no SQL equivalent and
// stay metadata-only.
func (b *Backend) createExpressionIndex(ctx context.Context, d *database, collectionID int64, name string, spec backend.IndexSpec) error {
	exprs := make([]string, 0, len(spec.Keys))
	for _, key := range spec.Keys {
		if _, isSpecial := key.Value.(string); isSpecial {
			return nil
		}
		if key.Name == "_id" {
			continue
		}
		if err := names.ValidateFieldPath(key.Name); err != nil {
			return errors.Trace(err)
		}
		direction := "ASC"
		if n, ok := document.NumericValue(key.Value); ok && n < 0 {
			direction = "DESC"
		}
		exprs = append(exprs, fmt.Sprintf("json_extract(data, '%s') %s", names.JSONPath(key.Name), direction))
	}
	if len(exprs) == 0 {
		return nil
	}
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE %sINDEX IF NOT EXISTS %s ON documents (collection_id, %s)",
		unique, sqliteIndexName(collectionID, name), strings.Join(exprs, ", ")))
	return errors.Trace(err)
}

// sqliteIndexName derives a safe SQL identifier from an index name,
// which may carry characters SQLite identifiers cannot.
func sqliteIndexName(collectionID int64, name string) string {
	var clean strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			clean.WriteRune(r)
		default:
			clean.WriteByte('_')
		}
	}
	return fmt.Sprintf("mondo_idx_%d_%s", collectionID, clean.String())
}

// DropIndex removes one named index. The implicit _id index cannot be
// dropped.
func (b *Backend) DropIndex(ctx context.Context, db, collection, name string) error {
	if name == idIndexName {
		return errors.NotValidf("dropping the %s index", idIndexName)
	}
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.NotFoundf("collection %q in database %q", collection, db)
	}
	rows, err := d.listIndexes(ctx, row.ID)
	if err != nil {
		return errors.Trace(err)
	}
	found := false
	for _, idx := range rows {
		if idx.Name == name {
			found = true
			break
		}
	}
	if !found {
		return errors.NotFoundf("index %q on %s.%s", name, db, collection)
	}
	if err := d.deleteIndex(ctx, row.ID, name); err != nil {
		return errors.Trace(err)
	}
	_, err = d.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+sqliteIndexName(row.ID, name))
	return errors.Trace(err)
}

// DropAllIndexes removes every index except the implicit _id one.
func (b *Backend) DropAllIndexes(ctx context.Context, db, collection string) error {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.NotFoundf("collection %q in database %q", collection, db)
	}
	rows, err := d.listIndexes(ctx, row.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.deleteAllIndexes(ctx, row.ID); err != nil {
		return errors.Trace(err)
	}
	for _, idx := range rows {
		if _, err := d.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+sqliteIndexName(row.ID, idx.Name)); err != nil {
			logger.Warningf("dropping expression index %q: %v", idx.Name, err)
		}
	}
	return nil
}
