package tracking

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// Store receives the latest position of every tracked flight.
// It is owned outside the engines and shared by all of them, so
// implementations must be safe for concurrent writers; updates for
// different flight ids are independent.
type Store interface {
	UpdatePosition(flightID string, pos telemetry.FlightPosition) error
}

// TrackedFlight is one entry of a MemoryStore.
type TrackedFlight struct {
	FlightID  string                   `json:"flightId"`
	Position  telemetry.FlightPosition `json:"position"`
	UpdatedAt time.Time                `json:"updatedAt"`
	Updates   uint64                   `json:"updates"`
}

const storeShards = 16

type storeShard struct {
	mu      sync.RWMutex
	flights map[string]TrackedFlight
}

// MemoryStore is an in-memory Store with per-shard locking, so writers for
// different flights rarely contend.
type MemoryStore struct {
	shards [storeShards]storeShard
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].flights = make(map[string]TrackedFlight)
	}
	return s
}

func (s *MemoryStore) shard(flightID string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flightID))
	return &s.shards[h.Sum32()%storeShards]
}

// UpdatePosition replaces the stored position for flightID.
func (s *MemoryStore) UpdatePosition(flightID string, pos telemetry.FlightPosition) error {
	sh := s.shard(flightID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry := sh.flights[flightID]
	entry.FlightID = flightID
	entry.Position = pos
	entry.UpdatedAt = s.now().UTC()
	entry.Updates++
	sh.flights[flightID] = entry
	return nil
}

// Get returns the entry for flightID.
func (s *MemoryStore) Get(flightID string) (TrackedFlight, bool) {
	sh := s.shard(flightID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	f, ok := sh.flights[flightID]
	return f, ok
}

// Delete removes flightID from the store.
func (s *MemoryStore) Delete(flightID string) {
	sh := s.shard(flightID)
	sh.mu.Lock()
	delete(sh.flights, flightID)
	sh.mu.Unlock()
}

// Snapshot returns every entry sorted by flight id.
func (s *MemoryStore) Snapshot() []TrackedFlight {
	var out []TrackedFlight
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, f := range sh.flights {
			out = append(out, f)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlightID < out[j].FlightID })
	return out
}
