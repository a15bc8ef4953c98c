// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"

	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
)

// CreateCursor registers a pre-materialized result set with the
// embedded cursor table.
func (b *Backend) CreateCursor(ctx context.Context, namespace string, docs []bson.D, batchSize int) (*backend.FindResult, error) {
	return b.cursors.Create(namespace, docs, batchSize), nil
}

// GetCursor returns the observable state of a cursor.
func (b *Backend) GetCursor(ctx context.Context, id int64) (*backend.CursorInfo, error) {
	info, ok := b.cursors.Get(id)
	if !ok {
		return nil, backend.NewCursorNotFound(id)
	}
	return info, nil
}

// AdvanceCursor returns the next batch. Unknown cursors yield an
// empty, finished result.
func (b *Backend) AdvanceCursor(ctx context.Context, id int64, batchSize int) (*backend.FindResult, error) {
	return b.cursors.Advance(id, batchSize), nil
}

// CloseCursor drops a cursor, reporting whether it existed.
func (b *Backend) CloseCursor(ctx context.Context, id int64) (bool, error) {
	return b.cursors.Close(id), nil
}

// CleanupExpiredCursors evicts cursors past their TTL on demand; the
// background sweeper does the same on a timer.
func (b *Backend) CleanupExpiredCursors(ctx context.Context) (int, error) {
	return b.cursors.ExpireBefore(b.clock.Now()), nil
}
