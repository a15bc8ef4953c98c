// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlbackend

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/internal/pipeline"
)

// Aggregate materializes the collection and evaluates the optimized
// pipeline in memory. $lookup stages read sibling collections of the
// same database through the runner's source.
func (b *Backend) Aggregate(ctx context.Context, db, collection string, stages []bson.D, opts backend.AggregateOptions) (*backend.FindResult, error) {
	d, row, ok, err := b.resolveCollection(ctx, db, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var docs []bson.D
	if ok {
		docs, err = b.selectDocuments(ctx, d, row.ID, nil, nil, 0, 0)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	source := func(ctx context.Context, other string) ([]bson.D, error) {
		_, otherRow, otherOK, err := b.resolveCollection(ctx, db, other)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !otherOK {
			return nil, nil
		}
		return b.selectDocuments(ctx, d, otherRow.ID, nil, nil, 0, 0)
	}

	stages = pipeline.Optimize(stages)
	out, err := pipeline.NewRunner(source).Run(ctx, docs, stages)
	if err != nil {
		return nil, errors.Trace(err)
	}
	namespace := db + "." + collection
	return b.cursors.Create(namespace, out, opts.EffectiveBatchSize()), nil
}
