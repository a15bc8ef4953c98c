// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sqlbackend implements the transactional engine: one SQLite
// file per database under a data directory, documents stored as JSON
// blobs with the identifier mirrored into an indexed column, filters
// compiled to WHERE clauses over json_extract.
package sqlbackend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/core/names"
	"github.com/juju/mondo/internal/cursors"
)

var logger = loggo.GetLogger("mondo.sqlbackend")

// adminDatabase is the virtual database every deployment reports; it
// owns no file and no collections.
const adminDatabase = "admin"

const fileSuffix = ".sqlite"

// Config holds what the backend needs at construction.
type Config struct {
	// DataDir is the directory holding one file per database.
	DataDir string
	// Clock supplies cursor timestamps. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate is part of the usual config contract.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.NotValidf("empty DataDir")
	}
	return nil
}

// Backend is the embedded SQL engine. It satisfies backend.Backend.
type Backend struct {
	cfg   Config
	clock clock.Clock

	// openMu serializes open/create per database name, so concurrent
	// first touches of the same database race on one file only once.
	openMu *kmutex.Kmutex

	mu        sync.RWMutex
	databases map[string]*database

	cursors *cursors.Manager
	sweeper *cursors.Sweeper
}

// New returns a Backend rooted at cfg.DataDir, creating the directory
// when absent, and starts the cursor sweeper.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Annotatef(err, "creating data directory %q", cfg.DataDir)
	}
	b := &Backend{
		cfg:       cfg,
		clock:     cfg.Clock,
		openMu:    kmutex.New(),
		databases: map[string]*database{},
		cursors:   cursors.NewManager(cfg.Clock),
	}
	b.sweeper = cursors.NewSweeper(cfg.Clock, b.cursors)
	return b, nil
}

// Close stops the sweeper and closes every open database.
func (b *Backend) Close() error {
	b.sweeper.Kill()
	err := b.sweeper.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, db := range b.databases {
		if closeErr := db.close(); closeErr != nil && err == nil {
			err = errors.Annotatef(closeErr, "closing database %q", name)
		}
	}
	b.databases = map[string]*database{}
	return errors.Trace(err)
}

// Engine identifies this backend to the router.
func (b *Backend) Engine() backend.Engine {
	return backend.OLTP
}

func (b *Backend) databasePath(name string) string {
	return filepath.Join(b.cfg.DataDir, name+fileSuffix)
}

// open returns the handle for a named database, opening (and creating)
// the file on first touch.
func (b *Backend) open(name string) (*database, error) {
	if err := names.ValidateDatabaseName(name); err != nil {
		return nil, errors.Trace(err)
	}
	if name == adminDatabase {
		return nil, errors.NotSupportedf("collections in the %q database", adminDatabase)
	}

	b.mu.RLock()
	db, ok := b.databases[name]
	b.mu.RUnlock()
	if ok {
		return db, nil
	}

	b.openMu.Lock(name)
	defer b.openMu.Unlock(name)

	// Another caller may have opened it while we queued.
	b.mu.RLock()
	db, ok = b.databases[name]
	b.mu.RUnlock()
	if ok {
		return db, nil
	}

	db, err := openDatabase(name, b.databasePath(name))
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", name)
	}
	b.mu.Lock()
	b.databases[name] = db
	b.mu.Unlock()
	logger.Debugf("opened database %q at %s", name, db.path)
	return db, nil
}

// ListDatabases scans the data directory and prepends the virtual
// admin entry.
func (b *Backend) ListDatabases(ctx context.Context) ([]backend.DatabaseInfo, error) {
	entries, err := os.ReadDir(b.cfg.DataDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	infos := []backend.DatabaseInfo{{Name: adminDatabase, Empty: true}}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileSuffix)
		if names.ValidateDatabaseName(name) != nil {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		infos = append(infos, backend.DatabaseInfo{
			Name:       name,
			SizeOnDisk: size,
			Empty:      size == 0,
		})
	}
	return infos, nil
}

// CreateDatabase opens (and thereby creates) the database file.
func (b *Backend) CreateDatabase(ctx context.Context, db string) error {
	if db == adminDatabase {
		return nil
	}
	_, err := b.open(db)
	return errors.Trace(err)
}

// DropDatabase closes the handle and removes the file. Dropping a
// database that does not exist succeeds, as does dropping admin.
func (b *Backend) DropDatabase(ctx context.Context, db string) error {
	if err := names.ValidateDatabaseName(db); err != nil {
		return errors.Trace(err)
	}
	if db == adminDatabase {
		return nil
	}

	b.openMu.Lock(db)
	defer b.openMu.Unlock(db)

	b.mu.Lock()
	if open, ok := b.databases[db]; ok {
		delete(b.databases, db)
		if err := open.close(); err != nil {
			logger.Warningf("closing database %q before drop: %v", db, err)
		}
	}
	b.mu.Unlock()

	if err := os.Remove(b.databasePath(db)); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "removing database %q", db)
	}
	return nil
}

// DatabaseExists reports whether the database file is present. The
// virtual admin database always exists.
func (b *Backend) DatabaseExists(ctx context.Context, db string) (bool, error) {
	if err := names.ValidateDatabaseName(db); err != nil {
		return false, errors.Trace(err)
	}
	if db == adminDatabase {
		return true, nil
	}
	_, err := os.Stat(b.databasePath(db))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}
