// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cursors implements the server-side cursor table embedded in
// each backend: monotonically increasing identifiers, materialized
// result sets, batched delivery and wall-clock TTL eviction.
package cursors

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mondo/core/backend"
)

var logger = loggo.GetLogger("mondo.cursors")

// TTL is how long a cursor may live after creation before the sweeper
// evicts it.
const TTL = 10 * time.Minute

type cursor struct {
	id        int64
	namespace string
	documents []bson.D
	position  int
	batchSize int
	createdAt time.Time
}

// Manager owns the cursor table of one backend. All methods are safe
// for concurrent use.
type Manager struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID int64
	open   map[int64]*cursor
}

// NewManager returns an empty cursor table reading time from the given
// clock.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		clock:  clk,
		nextID: 1,
		open:   map[int64]*cursor{},
	}
}

// Create registers a materialized result set and returns the first
// batch. When the whole result fits in one batch no cursor is minted
// and the returned CursorID is zero.
func (m *Manager) Create(namespace string, docs []bson.D, batchSize int) *backend.FindResult {
	if batchSize <= 0 {
		batchSize = backend.DefaultBatchSize
	}
	if len(docs) <= batchSize {
		return &backend.FindResult{Documents: docs}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.open[id] = &cursor{
		id:        id,
		namespace: namespace,
		documents: docs,
		position:  batchSize,
		batchSize: batchSize,
		createdAt: m.clock.Now(),
	}
	logger.Tracef("minted cursor %d on %s holding %d documents", id, namespace, len(docs))

	first := make([]bson.D, batchSize)
	copy(first, docs[:batchSize])
	return &backend.FindResult{Documents: first, CursorID: id, HasMore: true}
}

// Get returns the observable state of a cursor, or false when the id
// is unknown.
func (m *Manager) Get(id int64) (*backend.CursorInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.open[id]
	if !ok {
		return nil, false
	}
	return &backend.CursorInfo{
		ID:        cur.id,
		Namespace: cur.namespace,
		Position:  cur.position,
		Total:     len(cur.documents),
		BatchSize: cur.batchSize,
		CreatedAt: cur.createdAt,
	}, true
}

// Advance returns the next batch of up to n documents and moves the
// read position. An unknown id yields an empty, finished result. When
// the cursor is exhausted by this batch, HasMore is false and the
// returned CursorID is zero.
func (m *Manager) Advance(id int64, n int) *backend.FindResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.open[id]
	if !ok {
		return &backend.FindResult{Documents: []bson.D{}}
	}
	if n <= 0 {
		n = cur.batchSize
	}
	end := cur.position + n
	if end > len(cur.documents) {
		end = len(cur.documents)
	}
	batch := make([]bson.D, end-cur.position)
	copy(batch, cur.documents[cur.position:end])
	cur.position = end

	if cur.position >= len(cur.documents) {
		return &backend.FindResult{Documents: batch}
	}
	return &backend.FindResult{Documents: batch, CursorID: id, HasMore: true}
}

// Close drops a cursor and reports whether it existed.
func (m *Manager) Close(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[id]; !ok {
		return false
	}
	delete(m.open, id)
	return true
}

// ExpireBefore evicts every cursor created more than TTL before now,
// returning how many were dropped.
func (m *Manager) ExpireBefore(now time.Time) int {
	cutoff := now.Add(-TTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted int
	for id, cur := range m.open {
		if cur.createdAt.Before(cutoff) {
			delete(m.open, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Debugf("evicted %d expired cursors", evicted)
	}
	return evicted
}

// Len reports how many cursors are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
