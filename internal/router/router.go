// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
)

// Router dispatches between the required transactional engine and an
// optional analytical one. It satisfies backend.Backend itself, so
// the wire layer only ever sees one backend.
type Router struct {
	cfg  Config
	oltp backend.Backend
	olap backend.Backend
}

// New returns a Router. oltp is required, olap may be nil.
func New(cfg Config, oltp, olap backend.Backend) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if oltp == nil {
		return nil, errors.NotValidf("nil OLTP backend")
	}
	return &Router{cfg: cfg.withDefaults(), oltp: oltp, olap: olap}, nil
}

func (r *Router) pick(engine backend.Engine) backend.Backend {
	if engine == backend.OLAP && r.olap != nil {
		return r.olap
	}
	return r.oltp
}

// decide applies the precedence shared by every analyzed read: the
// caller's explicit engine wins (falling back when the analytical
// engine is absent), then availability, then the auto-routing flag,
// and only then the per-operation analysis.
func (r *Router) decide(override backend.Engine, analyze func() backend.RouteDecision) backend.RouteDecision {
	switch {
	case override == backend.OLTP:
		return backend.RouteDecision{Engine: backend.OLTP, Reason: "explicit override"}
	case override == backend.OLAP:
		if r.olap == nil {
			logger.Warningf("olap requested but not configured; running transactionally")
			return backend.RouteDecision{
				Engine:   backend.OLTP,
				Reason:   "explicit override, analytical engine unavailable",
				Warnings: []string{"olap requested but not configured"},
			}
		}
		return backend.RouteDecision{Engine: backend.OLAP, Reason: "explicit override"}
	case r.olap == nil:
		return backend.RouteDecision{Engine: backend.OLTP, Reason: "analytical engine unavailable"}
	case !r.cfg.AutoRoute:
		return backend.RouteDecision{Engine: backend.OLTP, Reason: "auto-routing disabled"}
	}
	return analyze()
}

// RouteFind decides where a find (or count/distinct) with this shape
// runs.
func (r *Router) RouteFind(filter bson.D, limit int64, override backend.Engine) backend.RouteDecision {
	decision := r.decide(override, func() backend.RouteDecision {
		chars := r.AnalyzeFind(filter, limit)
		d := backend.RouteDecision{Characteristics: chars}
		switch {
		case chars.HasIDLookup:
			d.Engine, d.Reason = backend.OLTP, "id lookup"
		case chars.IsTimeRangeQuery:
			d.Engine, d.Reason = backend.OLAP, "time-range query"
		case chars.EstimatedRows > r.cfg.RowThreshold:
			d.Engine, d.Reason = backend.OLAP, "estimated rows above threshold"
		default:
			d.Engine, d.Reason = backend.OLTP, "default"
		}
		return d
	})
	logger.Tracef("find routed to %s: %s", decision.Engine, decision.Reason)
	return decision
}

// RouteAggregate decides where a pipeline runs.
func (r *Router) RouteAggregate(stages []bson.D, override backend.Engine) backend.RouteDecision {
	decision := r.decide(override, func() backend.RouteDecision {
		chars := r.AnalyzePipeline(stages)
		d := backend.RouteDecision{Characteristics: chars}
		switch {
		case chars.HasHeavyAggregation:
			d.Engine, d.Reason = backend.OLAP, "heavy aggregation stage"
		case chars.HasIDLookup && chars.EstimatedRows <= 1:
			d.Engine, d.Reason = backend.OLTP, "id lookup"
		case chars.IsTimeRangeQuery:
			d.Engine, d.Reason = backend.OLAP, "time-range match"
		case chars.EstimatedRows > r.cfg.RowThreshold:
			d.Engine, d.Reason = backend.OLAP, "estimated rows above threshold"
		case r.cfg.PreferOLAPAggregations && len(chars.OLAPStages) > 0:
			d.Engine, d.Reason = backend.OLAP, "olap-suggesting stages preferred"
		default:
			d.Engine, d.Reason = backend.OLTP, "default"
		}
		return d
	})
	logger.Tracef("aggregate routed to %s: %s", decision.Engine, decision.Reason)
	return decision
}

// routeScalar applies the count/distinct rule: the find analysis, with
// the analytical engine taking only above-threshold estimates.
func (r *Router) routeScalar(filter bson.D) backend.RouteDecision {
	return r.decide("", func() backend.RouteDecision {
		chars := r.AnalyzeFind(filter, 0)
		d := backend.RouteDecision{Characteristics: chars}
		if chars.EstimatedRows > r.cfg.RowThreshold {
			d.Engine, d.Reason = backend.OLAP, "estimated rows above threshold"
		} else {
			d.Engine, d.Reason = backend.OLTP, "default"
		}
		return d
	})
}

// Database operations always run transactionally.

func (r *Router) ListDatabases(ctx context.Context) ([]backend.DatabaseInfo, error) {
	return r.oltp.ListDatabases(ctx)
}

func (r *Router) CreateDatabase(ctx context.Context, db string) error {
	return r.oltp.CreateDatabase(ctx, db)
}

func (r *Router) DropDatabase(ctx context.Context, db string) error {
	return r.oltp.DropDatabase(ctx, db)
}

func (r *Router) DatabaseExists(ctx context.Context, db string) (bool, error) {
	return r.oltp.DatabaseExists(ctx, db)
}

func (r *Router) ListCollections(ctx context.Context, db string, opts backend.ListCollectionsOptions) ([]backend.CollectionInfo, error) {
	return r.oltp.ListCollections(ctx, db, opts)
}

func (r *Router) CreateCollection(ctx context.Context, db, collection string, options bson.D) error {
	return r.oltp.CreateCollection(ctx, db, collection, options)
}

func (r *Router) DropCollection(ctx context.Context, db, collection string) error {
	return r.oltp.DropCollection(ctx, db, collection)
}

func (r *Router) CollectionExists(ctx context.Context, db, collection string) (bool, error) {
	return r.oltp.CollectionExists(ctx, db, collection)
}

func (r *Router) CollStats(ctx context.Context, db, collection string) (*backend.CollStats, error) {
	return r.oltp.CollStats(ctx, db, collection)
}

func (r *Router) DBStats(ctx context.Context, db string) (*backend.DBStats, error) {
	return r.oltp.DBStats(ctx, db)
}

// Find routes by the filter's shape.
func (r *Router) Find(ctx context.Context, db, collection string, opts backend.FindOptions) (*backend.FindResult, error) {
	decision := r.RouteFind(opts.Filter, opts.Limit, opts.Engine)
	opts.Engine = ""
	return r.pick(decision.Engine).Find(ctx, db, collection, opts)
}

// FindOne is a point read and stays transactional unless the filter
// itself argues otherwise.
func (r *Router) FindOne(ctx context.Context, db, collection string, filter bson.D) (bson.D, error) {
	decision := r.RouteFind(filter, 1, "")
	return r.pick(decision.Engine).FindOne(ctx, db, collection, filter)
}

// Writes are never analyzed.

func (r *Router) InsertOne(ctx context.Context, db, collection string, doc bson.D) (*backend.WriteResult, error) {
	return r.oltp.InsertOne(ctx, db, collection, doc)
}

func (r *Router) InsertMany(ctx context.Context, db, collection string, docs []bson.D) (*backend.WriteResult, error) {
	return r.oltp.InsertMany(ctx, db, collection, docs)
}

func (r *Router) UpdateOne(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return r.oltp.UpdateOne(ctx, db, collection, filter, update, opts)
}

func (r *Router) UpdateMany(ctx context.Context, db, collection string, filter, update bson.D, opts backend.UpdateOptions) (*backend.WriteResult, error) {
	return r.oltp.UpdateMany(ctx, db, collection, filter, update, opts)
}

func (r *Router) DeleteOne(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return r.oltp.DeleteOne(ctx, db, collection, filter)
}

func (r *Router) DeleteMany(ctx context.Context, db, collection string, filter bson.D) (*backend.WriteResult, error) {
	return r.oltp.DeleteMany(ctx, db, collection, filter)
}

// Count follows the scalar-read rule.
func (r *Router) Count(ctx context.Context, db, collection string, filter bson.D) (int64, error) {
	decision := r.routeScalar(filter)
	return r.pick(decision.Engine).Count(ctx, db, collection, filter)
}

// Distinct follows the scalar-read rule.
func (r *Router) Distinct(ctx context.Context, db, collection, field string, filter bson.D) ([]interface{}, error) {
	decision := r.routeScalar(filter)
	return r.pick(decision.Engine).Distinct(ctx, db, collection, field, filter)
}

// Aggregate routes by the pipeline's shape.
func (r *Router) Aggregate(ctx context.Context, db, collection string, pipeline []bson.D, opts backend.AggregateOptions) (*backend.FindResult, error) {
	decision := r.RouteAggregate(pipeline, opts.Engine)
	opts.Engine = ""
	return r.pick(decision.Engine).Aggregate(ctx, db, collection, pipeline, opts)
}

// Index operations always run transactionally.

func (r *Router) ListIndexes(ctx context.Context, db, collection string) ([]backend.IndexSpec, error) {
	return r.oltp.ListIndexes(ctx, db, collection)
}

func (r *Router) CreateIndexes(ctx context.Context, db, collection string, specs []backend.IndexSpec) ([]string, error) {
	return r.oltp.CreateIndexes(ctx, db, collection, specs)
}

func (r *Router) DropIndex(ctx context.Context, db, collection, name string) error {
	return r.oltp.DropIndex(ctx, db, collection, name)
}

func (r *Router) DropAllIndexes(ctx context.Context, db, collection string) error {
	return r.oltp.DropAllIndexes(ctx, db, collection)
}

// Cursor delegation: the router holds no cursors of its own. New ones
// are minted transactionally; lookups try the transactional engine
// first and fall through to the analytical one.

func (r *Router) CreateCursor(ctx context.Context, namespace string, docs []bson.D, batchSize int) (*backend.FindResult, error) {
	return r.oltp.CreateCursor(ctx, namespace, docs, batchSize)
}

func (r *Router) GetCursor(ctx context.Context, id int64) (*backend.CursorInfo, error) {
	info, err := r.oltp.GetCursor(ctx, id)
	if err == nil {
		return info, nil
	}
	if r.olap != nil {
		if info, olapErr := r.olap.GetCursor(ctx, id); olapErr == nil {
			return info, nil
		}
	}
	return nil, errors.Trace(err)
}

func (r *Router) AdvanceCursor(ctx context.Context, id int64, batchSize int) (*backend.FindResult, error) {
	if _, err := r.oltp.GetCursor(ctx, id); err == nil {
		return r.oltp.AdvanceCursor(ctx, id, batchSize)
	}
	if r.olap != nil {
		return r.olap.AdvanceCursor(ctx, id, batchSize)
	}
	return r.oltp.AdvanceCursor(ctx, id, batchSize)
}

// CloseCursor closes on both engines, succeeding when either held the
// cursor.
func (r *Router) CloseCursor(ctx context.Context, id int64) (bool, error) {
	closed, err := r.oltp.CloseCursor(ctx, id)
	if r.olap != nil {
		olapClosed, olapErr := r.olap.CloseCursor(ctx, id)
		closed = closed || olapClosed
		if err == nil {
			err = olapErr
		}
		if closed {
			err = nil
		}
	}
	return closed, errors.Trace(err)
}

// CleanupExpiredCursors sweeps both engines.
func (r *Router) CleanupExpiredCursors(ctx context.Context) (int, error) {
	total, err := r.oltp.CleanupExpiredCursors(ctx)
	if err != nil {
		return total, errors.Trace(err)
	}
	if r.olap != nil {
		n, err := r.olap.CleanupExpiredCursors(ctx)
		total += n
		if err != nil {
			return total, errors.Trace(err)
		}
	}
	return total, nil
}
