// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline_test

import (
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/pipeline"
)

type matchSuite struct{}

var _ = gc.Suite(&matchSuite{})

var sampleDoc = bson.D{
	{"_id", "507f1f77bcf86cd799439011"},
	{"status", "active"},
	{"age", int64(30)},
	{"tags", []interface{}{"go", "db"}},
	{"address", bson.D{{"city", "Berlin"}}},
}

func (s *matchSuite) TestEquality(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"status", "active"}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"status", "gone"}}), jc.IsFalse)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"address.city", "Berlin"}}), jc.IsTrue)
}

func (s *matchSuite) TestObjectIDEqualsHexString(c *gc.C) {
	filter := bson.D{{"_id", bson.ObjectIdHex("507f1f77bcf86cd799439011")}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsTrue)
}

func (s *matchSuite) TestArrayContains(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"tags", "go"}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"tags", "rust"}}), jc.IsFalse)
}

func (s *matchSuite) TestComparisonOperators(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$gt", 20}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$gte", 30}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$lt", 30}}}}), jc.IsFalse)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$lte", 30}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$ne", 31}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$eq", 30}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$gt", 20}, {"$lt", 40}}}}), jc.IsTrue)
}

func (s *matchSuite) TestIn(c *gc.C) {
	filter := bson.D{{"status", bson.D{{"$in", []interface{}{"active", "pending"}}}}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsTrue)
	filter = bson.D{{"status", bson.D{{"$nin", []interface{}{"active"}}}}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsFalse)
}

func (s *matchSuite) TestExists(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$exists", true}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"ghost", bson.D{{"$exists", false}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"ghost", bson.D{{"$exists", true}}}}), jc.IsFalse)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$exists", 1}}}}), jc.IsTrue)
}

func (s *matchSuite) TestAndOr(c *gc.C) {
	filter := bson.D{{"$and", []interface{}{
		bson.D{{"status", "active"}},
		bson.D{{"age", bson.D{{"$gte", 18}}}},
	}}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsTrue)

	filter = bson.D{{"$or", []interface{}{
		bson.D{{"status", "gone"}},
		bson.D{{"age", int64(30)}},
	}}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsTrue)

	filter = bson.D{{"$or", []interface{}{
		bson.D{{"status", "gone"}},
		bson.D{{"age", int64(31)}},
	}}}
	c.Check(pipeline.Matches(sampleDoc, filter), jc.IsFalse)
}

func (s *matchSuite) TestMissingBehavesLikeNull(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"ghost", nil}}), jc.IsTrue)
	// Missing sorts below every number, so $lt matches.
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"ghost", bson.D{{"$lt", 0}}}}), jc.IsTrue)
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"ghost", bson.D{{"$gt", 0}}}}), jc.IsFalse)
}

func (s *matchSuite) TestUnknownOperatorNeverMatches(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{{"age", bson.D{{"$regex", "3.*"}}}}), jc.IsFalse)
}

func (s *matchSuite) TestEmptyFilterMatchesEverything(c *gc.C) {
	c.Check(pipeline.Matches(sampleDoc, bson.D{}), jc.IsTrue)
}
