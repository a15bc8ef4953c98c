// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline_test

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/pipeline"
)

type interpreterSuite struct {
	runner *pipeline.Runner
}

var _ = gc.Suite(&interpreterSuite{})

func (s *interpreterSuite) SetUpTest(c *gc.C) {
	s.runner = pipeline.NewRunner(nil)
}

func (s *interpreterSuite) run(c *gc.C, docs []bson.D, stages []bson.D) []bson.D {
	out, err := s.runner.Run(context.Background(), docs, stages)
	c.Assert(err, jc.ErrorIsNil)
	return out
}

func orders() []bson.D {
	return []bson.D{
		{{"_id", "o1"}, {"user", "ann"}, {"total", int64(30)}, {"status", "paid"}},
		{{"_id", "o2"}, {"user", "bob"}, {"total", int64(20)}, {"status", "open"}},
		{{"_id", "o3"}, {"user", "ann"}, {"total", int64(50)}, {"status", "paid"}},
		{{"_id", "o4"}, {"user", "cid"}, {"total", int64(10)}, {"status", "open"}},
	}
}

func (s *interpreterSuite) TestMatchStage(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$match", bson.D{{"status", "paid"}}}},
	})
	c.Assert(out, gc.HasLen, 2)
}

func (s *interpreterSuite) TestSortLimitSkip(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$sort", bson.D{{"total", -1}}}},
		{{"$skip", 1}},
		{{"$limit", 2}},
	})
	c.Assert(out, gc.HasLen, 2)
	c.Assert(out[0][0].Value, gc.Equals, "o1")
	c.Assert(out[1][0].Value, gc.Equals, "o2")
}

func (s *interpreterSuite) TestSortIsStable(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$sort", bson.D{{"status", 1}}}},
	})
	// Ties keep input order.
	c.Assert(out[0][0].Value, gc.Equals, "o2")
	c.Assert(out[1][0].Value, gc.Equals, "o4")
	c.Assert(out[2][0].Value, gc.Equals, "o1")
	c.Assert(out[3][0].Value, gc.Equals, "o3")
}

func (s *interpreterSuite) TestCount(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$match", bson.D{{"status", "open"}}}},
		{{"$count", "n"}},
	})
	c.Assert(out, gc.DeepEquals, []bson.D{{{"n", 2}}})
}

func (s *interpreterSuite) TestProjectInclusion(c *gc.C) {
	out := s.run(c, orders()[:1], []bson.D{
		{{"$project", bson.D{{"user", 1}}}},
	})
	c.Assert(out[0], gc.DeepEquals, bson.D{{"_id", "o1"}, {"user", "ann"}})
}

func (s *interpreterSuite) TestProjectExclusion(c *gc.C) {
	out := s.run(c, orders()[:1], []bson.D{
		{{"$project", bson.D{{"status", 0}, {"total", 0}}}},
	})
	c.Assert(out[0], gc.DeepEquals, bson.D{{"_id", "o1"}, {"user", "ann"}})
}

func (s *interpreterSuite) TestProjectExcludeID(c *gc.C) {
	out := s.run(c, orders()[:1], []bson.D{
		{{"$project", bson.D{{"user", 1}, {"_id", 0}}}},
	})
	c.Assert(out[0], gc.DeepEquals, bson.D{{"user", "ann"}})
}

func (s *interpreterSuite) TestAddFields(c *gc.C) {
	out := s.run(c, orders()[:1], []bson.D{
		{{"$addFields", bson.D{{"copied", "$total"}, {"fixed", 7}}}},
	})
	c.Assert(out[0], jc.DeepEquals, bson.D{
		{"_id", "o1"}, {"user", "ann"}, {"total", int64(30)}, {"status", "paid"},
		{"copied", int64(30)}, {"fixed", 7},
	})
}

func (s *interpreterSuite) TestGroupCountAndSum(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$group", bson.D{
			{"_id", "$user"},
			{"n", bson.D{{"$sum", 1}}},
			{"spent", bson.D{{"$sum", "$total"}}},
		}}},
	})
	c.Assert(out, gc.HasLen, 3)
	c.Assert(out[0], gc.DeepEquals, bson.D{{"_id", "ann"}, {"n", float64(2)}, {"spent", float64(80)}})
	c.Assert(out[1], gc.DeepEquals, bson.D{{"_id", "bob"}, {"n", float64(1)}, {"spent", float64(20)}})
}

func (s *interpreterSuite) TestGroupNullID(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$group", bson.D{
			{"_id", nil},
			{"avg", bson.D{{"$avg", "$total"}}},
			{"min", bson.D{{"$min", "$total"}}},
			{"max", bson.D{{"$max", "$total"}}},
		}}},
	})
	c.Assert(out, gc.HasLen, 1)
	c.Assert(out[0], gc.DeepEquals, bson.D{
		{"_id", nil}, {"avg", 27.5}, {"min", int64(10)}, {"max", int64(50)},
	})
}

func (s *interpreterSuite) TestGroupFirstLastPushAddToSet(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$group", bson.D{
			{"_id", nil},
			{"first", bson.D{{"$first", "$user"}}},
			{"last", bson.D{{"$last", "$user"}}},
			{"all", bson.D{{"$push", "$user"}}},
			{"uniq", bson.D{{"$addToSet", "$user"}}},
		}}},
	})
	c.Assert(out[0], gc.DeepEquals, bson.D{
		{"_id", nil},
		{"first", "ann"},
		{"last", "cid"},
		{"all", []interface{}{"ann", "bob", "ann", "cid"}},
		{"uniq", []interface{}{"ann", "bob", "cid"}},
	})
}

func (s *interpreterSuite) TestGroupCompoundID(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$group", bson.D{
			{"_id", bson.D{{"u", "$user"}, {"s", "$status"}}},
			{"n", bson.D{{"$sum", 1}}},
		}}},
	})
	c.Assert(out, gc.HasLen, 3)
	c.Assert(out[0][0].Value, gc.DeepEquals, bson.D{{"u", "ann"}, {"s", "paid"}})
}

func (s *interpreterSuite) TestGroupWithoutIDFails(c *gc.C) {
	_, err := s.runner.Run(context.Background(), orders(), []bson.D{
		{{"$group", bson.D{{"n", bson.D{{"$sum", 1}}}}}},
	})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *interpreterSuite) TestUnwind(c *gc.C) {
	docs := []bson.D{
		{{"_id", 1}, {"tags", []interface{}{"a", "b"}}},
		{{"_id", 2}, {"tags", []interface{}{}}},
		{{"_id", 3}},
	}
	out := s.run(c, docs, []bson.D{{{"$unwind", "$tags"}}})
	c.Assert(out, gc.HasLen, 2)
	c.Assert(out[0], gc.DeepEquals, bson.D{{"_id", 1}, {"tags", "a"}})
	c.Assert(out[1], gc.DeepEquals, bson.D{{"_id", 1}, {"tags", "b"}})

	out = s.run(c, docs, []bson.D{{{"$unwind", bson.D{
		{"path", "$tags"},
		{"preserveNullAndEmptyArrays", true},
	}}}})
	c.Assert(out, gc.HasLen, 4)
}

func (s *interpreterSuite) TestSample(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$sample", bson.D{{"size", 2}}}},
	})
	c.Assert(out, gc.HasLen, 2)
	out = s.run(c, orders(), []bson.D{
		{{"$sample", bson.D{{"size", 100}}}},
	})
	c.Assert(out, gc.HasLen, 4)
}

func (s *interpreterSuite) TestLookup(c *gc.C) {
	users := []bson.D{
		{{"_id", "ann"}, {"tier", "gold"}},
		{{"_id", "bob"}, {"tier", "iron"}},
	}
	runner := pipeline.NewRunner(func(ctx context.Context, collection string) ([]bson.D, error) {
		c.Assert(collection, gc.Equals, "users")
		return users, nil
	})
	out, err := runner.Run(context.Background(), orders()[:2], []bson.D{
		{{"$lookup", bson.D{
			{"from", "users"},
			{"localField", "user"},
			{"foreignField", "_id"},
			{"as", "account"},
		}}},
	})
	c.Assert(err, jc.ErrorIsNil)
	joined, ok := out[0][len(out[0])-1].Value.([]interface{})
	c.Assert(ok, jc.IsTrue)
	c.Assert(joined, gc.HasLen, 1)
	c.Assert(joined[0], gc.DeepEquals, users[0])
}

func (s *interpreterSuite) TestFacet(c *gc.C) {
	out := s.run(c, orders(), []bson.D{
		{{"$facet", bson.D{
			{"byUser", []interface{}{
				bson.D{{"$group", bson.D{{"_id", "$user"}, {"n", bson.D{{"$sum", 1}}}}}},
			}},
			{"total", []interface{}{
				bson.D{{"$count", "n"}},
			}},
		}}},
	})
	c.Assert(out, gc.HasLen, 1)
	c.Assert(out[0], gc.HasLen, 2)
	c.Assert(out[0][0].Name, gc.Equals, "byUser")
	byUser := out[0][0].Value.([]interface{})
	c.Assert(byUser, gc.HasLen, 3)
	total := out[0][1].Value.([]interface{})
	c.Assert(total[0], gc.DeepEquals, bson.D{{"n", 4}})
}

func (s *interpreterSuite) TestUnknownStagePassesThrough(c *gc.C) {
	input := orders()
	out := s.run(c, input, []bson.D{{{"$redact", "whatever"}}})
	c.Assert(out, gc.DeepEquals, input)
}
