// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// schemaDDL is applied on every open; all statements are idempotent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS collections (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    name    TEXT NOT NULL UNIQUE,
    options TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS documents (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_id INTEGER NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
    _id           TEXT NOT NULL,
    data          TEXT NOT NULL DEFAULT '{}',
    UNIQUE (collection_id, _id)
);
CREATE INDEX IF NOT EXISTS idx_documents__id ON documents (_id);
CREATE TABLE IF NOT EXISTS indexes (
    collection_id INTEGER NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    key           TEXT NOT NULL,
    options       TEXT NOT NULL DEFAULT '{}',
    UNIQUE (collection_id, name)
);
`

// collectionRow mirrors the collections table.
type collectionRow struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Options string `db:"options"`
}

// indexRow mirrors the indexes table.
type indexRow struct {
	CollectionID int64  `db:"collection_id"`
	Name         string `db:"name"`
	Key          string `db:"key"`
	Options      string `db:"options"`
}

var (
	selectCollectionStmt = sqlair.MustPrepare(`
SELECT &collectionRow.* FROM collections WHERE name = $M.name`,
		collectionRow{}, sqlair.M{})

	listCollectionsStmt = sqlair.MustPrepare(`
SELECT &collectionRow.* FROM collections ORDER BY name`,
		collectionRow{})

	insertCollectionStmt = sqlair.MustPrepare(`
INSERT INTO collections (name, options) VALUES ($collectionRow.name, $collectionRow.options)`,
		collectionRow{})

	deleteCollectionStmt = sqlair.MustPrepare(`
DELETE FROM collections WHERE id = $M.id`,
		sqlair.M{})

	listIndexesStmt = sqlair.MustPrepare(`
SELECT &indexRow.* FROM indexes WHERE collection_id = $M.id ORDER BY name`,
		indexRow{}, sqlair.M{})

	insertIndexStmt = sqlair.MustPrepare(`
INSERT INTO indexes (collection_id, name, key, options)
VALUES ($indexRow.collection_id, $indexRow.name, $indexRow.key, $indexRow.options)`,
		indexRow{})

	deleteIndexStmt = sqlair.MustPrepare(`
DELETE FROM indexes WHERE collection_id = $M.id AND name = $M.name`,
		sqlair.M{})

	deleteAllIndexesStmt = sqlair.MustPrepare(`
DELETE FROM indexes WHERE collection_id = $M.id`,
		sqlair.M{})
)

// database is one open SQLite file. Metadata goes through sqlair;
// document statements are assembled dynamically and run on the plain
// handle.
type database struct {
	name string
	path string
	db   *sql.DB
	meta *sqlair.DB
}

func openDatabase(name, path string) (*database, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "ensuring schema")
	}
	return &database{
		name: name,
		path: path,
		db:   db,
		meta: sqlair.NewDB(db),
	}, nil
}

func (d *database) close() error {
	return errors.Trace(d.db.Close())
}

// collection resolves a collection name to its metadata row, returning
// a not-found error when the collection does not exist.
func (d *database) collection(ctx context.Context, name string) (collectionRow, error) {
	var row collectionRow
	err := d.meta.Query(ctx, selectCollectionStmt, sqlair.M{"name": name}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return row, errors.NotFoundf("collection %q in database %q", name, d.name)
	}
	if err != nil {
		return row, errors.Trace(err)
	}
	return row, nil
}

func (d *database) listCollections(ctx context.Context) ([]collectionRow, error) {
	var rows []collectionRow
	err := d.meta.Query(ctx, listCollectionsStmt).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rows, nil
}

func (d *database) insertCollection(ctx context.Context, name, options string) error {
	err := d.meta.Query(ctx, insertCollectionStmt, collectionRow{Name: name, Options: options}).Run()
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("collection %q in database %q", name, d.name)
	}
	return errors.Trace(err)
}

func (d *database) deleteCollection(ctx context.Context, id int64) error {
	return errors.Trace(d.meta.Query(ctx, deleteCollectionStmt, sqlair.M{"id": id}).Run())
}

func (d *database) listIndexes(ctx context.Context, collectionID int64) ([]indexRow, error) {
	var rows []indexRow
	err := d.meta.Query(ctx, listIndexesStmt, sqlair.M{"id": collectionID}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rows, nil
}

func (d *database) insertIndex(ctx context.Context, row indexRow) error {
	err := d.meta.Query(ctx, insertIndexStmt, row).Run()
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("index %q", row.Name)
	}
	return errors.Trace(err)
}

func (d *database) deleteIndex(ctx context.Context, collectionID int64, name string) error {
	return errors.Trace(d.meta.Query(ctx, deleteIndexStmt, sqlair.M{"id": collectionID, "name": name}).Run())
}

func (d *database) deleteAllIndexes(ctx context.Context, collectionID int64) error {
	return errors.Trace(d.meta.Query(ctx, deleteAllIndexesStmt, sqlair.M{"id": collectionID}).Run())
}

// withTxn runs fn inside one transaction, rolling back on error.
func (d *database) withTxn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			logger.Warningf("rollback after %v: %v", err, rollbackErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}
