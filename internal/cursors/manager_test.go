// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cursors_test

import (
	"fmt"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/cursors"
)

type managerSuite struct {
	clock *testclock.Clock
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func docs(n int) []bson.D {
	out := make([]bson.D, n)
	for i := range out {
		out[i] = bson.D{{"_id", fmt.Sprintf("doc-%03d", i)}}
	}
	return out
}

func (s *managerSuite) TestSmallResultNeedsNoCursor(c *gc.C) {
	m := cursors.NewManager(s.clock)
	result := m.Create("db.coll", docs(10), 101)
	c.Assert(result.CursorID, gc.Equals, int64(0))
	c.Assert(result.HasMore, jc.IsFalse)
	c.Assert(result.Documents, gc.HasLen, 10)
	c.Assert(m.Len(), gc.Equals, 0)
}

func (s *managerSuite) TestOverflowMintsCursor(c *gc.C) {
	m := cursors.NewManager(s.clock)
	result := m.Create("db.coll", docs(250), 101)
	c.Assert(result.CursorID, gc.Not(gc.Equals), int64(0))
	c.Assert(result.HasMore, jc.IsTrue)
	c.Assert(result.Documents, gc.HasLen, 101)

	next := m.Advance(result.CursorID, 101)
	c.Assert(next.Documents, gc.HasLen, 101)
	c.Assert(next.HasMore, jc.IsTrue)
	c.Assert(next.Documents[0], gc.DeepEquals, bson.D{{"_id", "doc-101"}})

	last := m.Advance(result.CursorID, 101)
	c.Assert(last.Documents, gc.HasLen, 48)
	c.Assert(last.HasMore, jc.IsFalse)
	c.Assert(last.CursorID, gc.Equals, int64(0))

	empty := m.Advance(result.CursorID, 101)
	c.Assert(empty.Documents, gc.HasLen, 0)
}

func (s *managerSuite) TestIDsAreMonotonic(c *gc.C) {
	m := cursors.NewManager(s.clock)
	first := m.Create("db.a", docs(200), 10)
	second := m.Create("db.b", docs(200), 10)
	c.Assert(first.CursorID, gc.Equals, int64(1))
	c.Assert(second.CursorID, gc.Equals, int64(2))
}

func (s *managerSuite) TestAdvanceUnknownID(c *gc.C) {
	m := cursors.NewManager(s.clock)
	result := m.Advance(12345, 10)
	c.Assert(result.Documents, gc.HasLen, 0)
	c.Assert(result.CursorID, gc.Equals, int64(0))
}

func (s *managerSuite) TestGet(c *gc.C) {
	m := cursors.NewManager(s.clock)
	created := m.Create("db.coll", docs(200), 50)
	info, ok := m.Get(created.CursorID)
	c.Assert(ok, jc.IsTrue)
	c.Assert(info.Namespace, gc.Equals, "db.coll")
	c.Assert(info.Position, gc.Equals, 50)
	c.Assert(info.Total, gc.Equals, 200)

	_, ok = m.Get(999)
	c.Assert(ok, jc.IsFalse)
}

func (s *managerSuite) TestClose(c *gc.C) {
	m := cursors.NewManager(s.clock)
	created := m.Create("db.coll", docs(200), 50)
	c.Assert(m.Close(created.CursorID), jc.IsTrue)
	c.Assert(m.Close(created.CursorID), jc.IsFalse)
	c.Assert(m.Advance(created.CursorID, 10).Documents, gc.HasLen, 0)
}

func (s *managerSuite) TestExpireBefore(c *gc.C) {
	m := cursors.NewManager(s.clock)
	old := m.Create("db.old", docs(200), 50)

	s.clock.Advance(cursors.TTL + time.Second)
	fresh := m.Create("db.fresh", docs(200), 50)

	evicted := m.ExpireBefore(s.clock.Now())
	c.Assert(evicted, gc.Equals, 1)
	_, ok := m.Get(old.CursorID)
	c.Assert(ok, jc.IsFalse)
	_, ok = m.Get(fresh.CursorID)
	c.Assert(ok, jc.IsTrue)
}

func (s *managerSuite) TestBatchSliceIsACopy(c *gc.C) {
	m := cursors.NewManager(s.clock)
	result := m.Create("db.coll", docs(200), 50)
	// Truncating or replacing entries of the returned slice must not
	// disturb the materialized result held by the manager.
	result.Documents[0] = nil
	result.Documents = result.Documents[:0]
	info, ok := m.Get(result.CursorID)
	c.Assert(ok, jc.IsTrue)
	c.Assert(info.Total, gc.Equals, 200)
	next := m.Advance(result.CursorID, 1)
	c.Assert(next.Documents[0], gc.DeepEquals, bson.D{{"_id", "doc-050"}})
}
