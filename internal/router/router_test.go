// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router_test

import (
	"context"

	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/internal/router"
)

type routerSuite struct {
	testing.IsolationSuite
	oltp *fakeBackend
	olap *fakeBackend
}

var _ = gc.Suite(&routerSuite{})

func (s *routerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.oltp = newFake(backend.OLTP)
	s.olap = newFake(backend.OLAP)
}

func (s *routerSuite) newRouter(c *gc.C, cfg router.Config, withOLAP bool) *router.Router {
	var olap backend.Backend
	if withOLAP {
		olap = s.olap
	}
	r, err := router.New(cfg, s.oltp, olap)
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *routerSuite) autoRouter(c *gc.C) *router.Router {
	return s.newRouter(c, router.Config{AutoRoute: true}, true)
}

func (s *routerSuite) TestNilOLTPRejected(c *gc.C) {
	_, err := router.New(router.Config{}, nil, nil)
	c.Check(err, gc.ErrorMatches, ".*nil OLTP backend.*")
}

func (s *routerSuite) TestIDLookupStaysTransactional(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(bson.D{{"_id", "x"}}, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Reason, gc.Equals, "id lookup")
	c.Check(decision.Characteristics.HasIDLookup, jc.IsTrue)
	c.Check(decision.Characteristics.EstimatedRows, gc.Equals, int64(1))
}

func (s *routerSuite) TestIDInLookup(c *gc.C) {
	r := s.autoRouter(c)

	small := make([]interface{}, 100)
	for i := range small {
		small[i] = i
	}
	decision := r.RouteFind(bson.D{{"_id", bson.D{{"$in", small}}}}, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Characteristics.HasIDLookup, jc.IsTrue)

	large := make([]interface{}, 101)
	for i := range large {
		large[i] = i
	}
	decision = r.RouteFind(bson.D{{"_id", bson.D{{"$in", large}}}}, 0, "")
	c.Check(decision.Characteristics.HasIDLookup, jc.IsFalse)
}

func (s *routerSuite) TestTimeRangeGoesAnalytical(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(bson.D{
		{"created_at", bson.D{{"$gte", "2024-01-01T00:00:00.000Z"}}},
	}, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Reason, gc.Equals, "time-range query")
	c.Check(decision.Characteristics.IsTimeRangeQuery, jc.IsTrue)
}

func (s *routerSuite) TestTimestampEqualityIsNotARange(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(bson.D{{"created_at", "2024-01-01T00:00:00.000Z"}}, 0, "")
	c.Check(decision.Characteristics.IsTimeRangeQuery, jc.IsFalse)
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
}

func (s *routerSuite) TestFullScanGoesAnalytical(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(nil, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Reason, gc.Equals, "estimated rows above threshold")
	c.Check(decision.Characteristics.EstimatedRows, gc.Equals, int64(router.DefaultRowThreshold+1))
}

func (s *routerSuite) TestSelectiveFilterStaysTransactional(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(bson.D{{"state", "open"}}, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Characteristics.EstimatedRows, gc.Equals, int64(1000))
}

func (s *routerSuite) TestLimitCapsEstimate(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(nil, 50, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Characteristics.EstimatedRows, gc.Equals, int64(50))
}

func (s *routerSuite) TestExplicitOverride(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteFind(bson.D{{"_id", "x"}}, 0, backend.OLAP)
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Reason, gc.Equals, "explicit override")
}

func (s *routerSuite) TestOverrideFallsBackWithoutOLAP(c *gc.C) {
	r := s.newRouter(c, router.Config{AutoRoute: true}, false)
	decision := r.RouteFind(nil, 0, backend.OLAP)
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Warnings, gc.HasLen, 1)
}

func (s *routerSuite) TestNoOLAPMeansTransactional(c *gc.C) {
	r := s.newRouter(c, router.Config{AutoRoute: true}, false)
	decision := r.RouteFind(nil, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Reason, gc.Equals, "analytical engine unavailable")
}

func (s *routerSuite) TestAutoRouteDisabled(c *gc.C) {
	r := s.newRouter(c, router.Config{}, true)
	decision := r.RouteFind(nil, 0, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Reason, gc.Equals, "auto-routing disabled")
}

func (s *routerSuite) TestHeavyAggregationGoesAnalytical(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteAggregate([]bson.D{
		{{"$match", bson.D{{"state", "open"}}}},
		{{"$group", bson.D{{"_id", "$state"}}}},
	}, "")
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Reason, gc.Equals, "heavy aggregation stage")
	c.Check(decision.Characteristics.HasHeavyAggregation, jc.IsTrue)
	c.Check(decision.Characteristics.OLAPStages, jc.DeepEquals, []string{"$group"})
}

func (s *routerSuite) TestIDMatchPipelineStaysTransactional(c *gc.C) {
	r := s.autoRouter(c)
	decision := r.RouteAggregate([]bson.D{
		{{"$match", bson.D{{"_id", "x"}}}},
		{{"$project", bson.D{{"name", 1}}}},
	}, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
	c.Check(decision.Reason, gc.Equals, "id lookup")
}

func (s *routerSuite) TestPreferOLAPAggregations(c *gc.C) {
	r := s.newRouter(c, router.Config{AutoRoute: true, PreferOLAPAggregations: true}, true)
	decision := r.RouteAggregate([]bson.D{
		{{"$match", bson.D{{"state", "open"}}}},
		{{"$lookup", bson.D{{"from", "users"}}}},
	}, "")
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Reason, gc.Equals, "olap-suggesting stages preferred")

	// Without the flag the same pipeline stays transactional.
	r = s.autoRouter(c)
	decision = r.RouteAggregate([]bson.D{
		{{"$match", bson.D{{"state", "open"}}}},
		{{"$lookup", bson.D{{"from", "users"}}}},
	}, "")
	c.Check(decision.Engine, gc.Equals, backend.OLTP)
}

func (s *routerSuite) TestLargeSampleSuggestsOLAP(c *gc.C) {
	r := s.newRouter(c, router.Config{AutoRoute: true, PreferOLAPAggregations: true}, true)
	decision := r.RouteAggregate([]bson.D{
		{{"$match", bson.D{{"state", "open"}}}},
		{{"$sample", bson.D{{"size", 5000}}}},
	}, "")
	c.Check(decision.Engine, gc.Equals, backend.OLAP)
	c.Check(decision.Characteristics.OLAPStages, jc.DeepEquals, []string{"$sample"})
}

func (s *routerSuite) TestWritesNeverAnalyzed(c *gc.C) {
	ctx := context.Background()
	r := s.autoRouter(c)

	_, err := r.InsertOne(ctx, "app", "things", bson.D{{"a", 1}})
	c.Assert(err, jc.ErrorIsNil)
	_, err = r.UpdateMany(ctx, "app", "things", nil, bson.D{{"$set", bson.D{{"a", 2}}}}, backend.UpdateOptions{})
	c.Assert(err, jc.ErrorIsNil)
	_, err = r.DeleteMany(ctx, "app", "things", nil)
	c.Assert(err, jc.ErrorIsNil)
	err = r.DropCollection(ctx, "app", "things")
	c.Assert(err, jc.ErrorIsNil)
	_, err = r.CreateIndexes(ctx, "app", "things", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.oltp.calls, jc.DeepEquals, []string{
		"insertOne", "updateMany", "deleteMany", "dropCollection", "createIndexes",
	})
	c.Check(s.olap.calls, gc.HasLen, 0)
}

func (s *routerSuite) TestFindDispatch(c *gc.C) {
	ctx := context.Background()
	r := s.autoRouter(c)

	_, err := r.Find(ctx, "app", "things", backend.FindOptions{Filter: bson.D{{"_id", "x"}}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.oltp.calls, jc.DeepEquals, []string{"find"})

	_, err = r.Find(ctx, "app", "things", backend.FindOptions{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.olap.calls, jc.DeepEquals, []string{"find"})
}

func (s *routerSuite) TestCountThresholdRule(c *gc.C) {
	ctx := context.Background()
	r := s.autoRouter(c)

	_, err := r.Count(ctx, "app", "things", bson.D{{"state", "open"}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.oltp.calls, jc.DeepEquals, []string{"count"})

	_, err = r.Count(ctx, "app", "things", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.olap.calls, jc.DeepEquals, []string{"count"})
}

func (s *routerSuite) TestCursorDelegation(c *gc.C) {
	ctx := context.Background()
	s.oltp = newFake(backend.OLTP, 1)
	s.olap = newFake(backend.OLAP, 2)
	r := s.newRouter(c, router.Config{AutoRoute: true}, true)

	// A cursor the transactional engine holds.
	info, err := r.GetCursor(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.ID, gc.Equals, int64(1))

	// One only the analytical engine holds.
	info, err = r.GetCursor(ctx, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.ID, gc.Equals, int64(2))

	// Advance picks the engine that owns the cursor.
	_, err = r.AdvanceCursor(ctx, 2, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.olap.calls[len(s.olap.calls)-1], gc.Equals, "advanceCursor")

	// Close succeeds when either engine held it.
	closed, err := r.CloseCursor(ctx, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(closed, jc.IsTrue)

	closed, err = r.CloseCursor(ctx, 99)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(closed, jc.IsFalse)

	// Cleanup reaches both engines.
	_, err = r.CleanupExpiredCursors(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.oltp.calls[len(s.oltp.calls)-1], gc.Equals, "cleanupExpiredCursors")
	c.Check(s.olap.calls[len(s.olap.calls)-1], gc.Equals, "cleanupExpiredCursors")
}

func (s *routerSuite) TestUnknownCursorError(c *gc.C) {
	r := s.autoRouter(c)
	_, err := r.GetCursor(context.Background(), 404)
	c.Check(backend.WireCode(err), gc.Equals, backend.CodeCursorNotFound)
}
