// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cursors

import (
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"
)

// SweepInterval is how often the sweeper checks for expired cursors.
const SweepInterval = time.Minute

// Sweeper periodically evicts expired cursors from a Manager. It runs
// until Kill or until its manager's owner shuts down.
type Sweeper struct {
	tomb    tomb.Tomb
	clock   clock.Clock
	manager *Manager
}

// NewSweeper starts a sweeper over the given manager.
func NewSweeper(clk clock.Clock, manager *Manager) *Sweeper {
	s := &Sweeper{
		clock:   clk,
		manager: manager,
	}
	s.tomb.Go(s.loop)
	return s
}

func (s *Sweeper) loop() error {
	timer := s.clock.NewTimer(SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case now := <-timer.Chan():
			s.manager.ExpireBefore(now)
			timer.Reset(SweepInterval)
		}
	}
}

// Kill asks the sweeper to stop.
func (s *Sweeper) Kill() {
	s.tomb.Kill(nil)
}

// Wait blocks until the sweeper has stopped.
func (s *Sweeper) Wait() error {
	return s.tomb.Wait()
}
