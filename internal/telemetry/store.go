// Package telemetry holds bounded-memory rolling snapshots of pool state and
// swap events. Readers always get an owned copy: the store's internal
// buffers are never shared across a suspension point.
package telemetry

import (
	"sync"
	"time"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/types"
)

const (
	// HSnap is the per-pool snapshot window length: the minimum needed for
	// second-derivative-free slope estimation.
	HSnap = 3
	// HSwap is the per-pool swap-event window length.
	HSwap = 10
	// MaxPools bounds the number of pools tracked at once.
	MaxPools = 15
	// SnapMinInterval throttles same-pool snapshot ingestion.
	SnapMinInterval = 8 * time.Second
)

var teleLog = logger.GetForComponent("telemetry_store")

type poolBuffers struct {
	snapshots    []types.TelemetrySnapshot
	swaps        []types.SwapEvent
	lastInserted time.Time
}

// Store is the bounded rolling-window telemetry buffer, keyed by pool.
type Store struct {
	mu   sync.Mutex
	pool map[types.PoolID]*poolBuffers
	// order tracks insertion recency for least-recently-inserted eviction.
	order []types.PoolID
}

// New constructs an empty Store.
func New() *Store {
	return &Store{pool: make(map[types.PoolID]*poolBuffers)}
}

// RecordSnapshot appends s to its pool's bounded deque, subject to the
// per-pool minimum interval and MAX_POOLS eviction. Rejects invalid
// snapshots (liquidityUSD <= 0) and non-monotone timestamps without error:
// the store's contract is silent throttling/rejection.
func (s *Store) RecordSnapshot(snap types.TelemetrySnapshot) {
	if !snap.Valid() {
		teleLog.Debug().Str("pool", string(snap.Pool)).Msg("rejected snapshot: liquidityUSD <= 0")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.pool[snap.Pool]
	if !ok {
		s.evictIfFullLocked()
		buf = &poolBuffers{}
		s.pool[snap.Pool] = buf
		s.order = append(s.order, snap.Pool)
	} else {
		s.touchLocked(snap.Pool)
	}

	if !buf.lastInserted.IsZero() && snap.FetchedAt.Sub(buf.lastInserted) < SnapMinInterval {
		teleLog.Debug().Str("pool", string(snap.Pool)).Msg("snapshot throttled")
		return
	}
	if len(buf.snapshots) > 0 {
		prev := buf.snapshots[len(buf.snapshots)-1]
		if !snap.FetchedAt.After(prev.FetchedAt) {
			teleLog.Warn().Str("pool", string(snap.Pool)).Msg("rejected non-monotone snapshot timestamp")
			return
		}
	}

	buf.snapshots = append(buf.snapshots, snap)
	if len(buf.snapshots) > HSnap {
		buf.snapshots = buf.snapshots[len(buf.snapshots)-HSnap:]
	}
	buf.lastInserted = snap.FetchedAt
}

// RecordSwap appends e to its pool's bounded swap deque.
func (s *Store) RecordSwap(e types.SwapEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.pool[e.Pool]
	if !ok {
		s.evictIfFullLocked()
		buf = &poolBuffers{}
		s.pool[e.Pool] = buf
		s.order = append(s.order, e.Pool)
	} else {
		s.touchLocked(e.Pool)
	}

	buf.swaps = append(buf.swaps, e)
	if len(buf.swaps) > HSwap {
		buf.swaps = buf.swaps[len(buf.swaps)-HSwap:]
	}
}

// Snapshots returns an owned copy of the snapshot window for pool.
func (s *Store) Snapshots(pool types.PoolID) []types.TelemetrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pool[pool]
	if !ok {
		return nil
	}
	out := make([]types.TelemetrySnapshot, len(buf.snapshots))
	copy(out, buf.snapshots)
	return out
}

// Swaps returns an owned copy of the swap window for pool.
func (s *Store) Swaps(pool types.PoolID) []types.SwapEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pool[pool]
	if !ok {
		return nil
	}
	out := make([]types.SwapEvent, len(buf.swaps))
	copy(out, buf.swaps)
	return out
}

// PruneInactive drops all buffers for pools not present in activeSet.
func (s *Store) PruneInactive(activeSet map[types.PoolID]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0:0]
	for _, id := range s.order {
		if _, active := activeSet[id]; active {
			kept = append(kept, id)
			continue
		}
		delete(s.pool, id)
	}
	s.order = kept
}

// evictIfFullLocked evicts the least-recently-inserted pool once at
// capacity. Caller must hold s.mu.
func (s *Store) evictIfFullLocked() {
	if len(s.order) < MaxPools {
		return
	}
	victim := s.order[0]
	s.order = s.order[1:]
	delete(s.pool, victim)
	teleLog.Info().Str("pool", string(victim)).Msg("evicted least-recently-inserted pool: MAX_POOLS exceeded")
}

// touchLocked moves pool to the most-recently-inserted position.
func (s *Store) touchLocked(pool types.PoolID) {
	for i, id := range s.order {
		if id == pool {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, pool)
}
