// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cursors_test

import (
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mondo/internal/cursors"
)

type sweeperSuite struct{}

var _ = gc.Suite(&sweeperSuite{})

func (s *sweeperSuite) TestSweepEvictsExpired(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := cursors.NewManager(clk)
	sweeper := cursors.NewSweeper(clk, m)
	defer func() {
		sweeper.Kill()
		c.Assert(sweeper.Wait(), jc.ErrorIsNil)
	}()

	created := m.Create("db.coll", docs(200), 50)
	c.Assert(m.Len(), gc.Equals, 1)

	// Age the cursor past its TTL, then let the timer fire.
	c.Assert(clk.WaitAdvance(cursors.TTL+cursors.SweepInterval, time.Second, 1), jc.ErrorIsNil)

	for i := 0; i < 100 && m.Len() > 0; i++ {
		time.Sleep(time.Millisecond)
	}
	c.Assert(m.Len(), gc.Equals, 0)
	_, ok := m.Get(created.CursorID)
	c.Assert(ok, jc.IsFalse)
}
