// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backend

import (
	"github.com/juju/mgo/v3/bson"
)

// DefaultBatchSize is the number of documents returned in a reply
// batch when the client does not ask for a specific size.
const DefaultBatchSize = 101

// FindOptions carries everything a find may specify beyond the
// namespace.
type FindOptions struct {
	Filter     bson.D
	Sort       bson.D
	Projection bson.D
	Limit      int64
	Skip       int64
	BatchSize  int
	// Engine, when non-empty, overrides the router's choice.
	Engine Engine
}

// EffectiveBatchSize resolves the client-requested batch size against
// the default.
func (o FindOptions) EffectiveBatchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

// UpdateOptions modifies update-one/update-many behaviour.
type UpdateOptions struct {
	// Upsert inserts a document synthesized from the filter when no
	// document matches.
	Upsert bool
}

// AggregateOptions modifies aggregate behaviour.
type AggregateOptions struct {
	BatchSize    int
	AllowDiskUse bool
	// Engine, when non-empty, overrides the router's choice.
	Engine Engine
}

// EffectiveBatchSize resolves the client-requested batch size against
// the default.
func (o AggregateOptions) EffectiveBatchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

// ListCollectionsOptions filters a collection listing.
type ListCollectionsOptions struct {
	// NameFilter, when non-empty, restricts the listing to an exact
	// name match.
	NameFilter string
}
