// Package telemetry holds what bots report about themselves: bounded log
// buffers, the latest controller performance and when each bot was last
// heard from.
package telemetry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/fleetctl/internal/clock"
)

// DefaultLogCapacity bounds each per-bot log buffer.
const DefaultLogCapacity = 100

type botData struct {
	errors      *RingBuffer[LogEntry]
	general     *RingBuffer[LogEntry]
	performance map[string]json.RawMessage
}

// Store is the in-memory telemetry registry. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	capacity int
	clock    clock.Clock
	bots     map[string]*botData
	seen     map[string]time.Time
}

// NewStore creates a Store whose log buffers hold capacity entries each.
func NewStore(capacity int, clk clock.Clock) *Store {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		capacity: capacity,
		clock:    clk,
		bots:     make(map[string]*botData),
		seen:     make(map[string]time.Time),
	}
}

func (s *Store) botLocked(botID string) *botData {
	b, ok := s.bots[botID]
	if !ok {
		b = &botData{
			errors:      NewRingBuffer[LogEntry](s.capacity),
			general:     NewRingBuffer[LogEntry](s.capacity),
			performance: make(map[string]json.RawMessage),
		}
		s.bots[botID] = b
	}
	return b
}

// Touch records that botID was heard from now.
func (s *Store) Touch(botID string) {
	now := s.clock.Now()
	s.mu.Lock()
	s.seen[botID] = now
	s.mu.Unlock()
}

// LastSeen returns when botID was last heard from.
func (s *Store) LastSeen(botID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.seen[botID]
	return t, ok
}

// IsLive reports whether botID was heard from within window.
func (s *Store) IsLive(botID string, window time.Duration) bool {
	t, ok := s.LastSeen(botID)
	return ok && s.clock.Now().Sub(t) <= window
}

// ActiveBots returns the sorted ids heard from within window.
func (s *Store) ActiveBots(window time.Duration) []string {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, t := range s.seen {
		if now.Sub(t) <= window {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AppendLog files e under the error or general buffer of botID.
func (s *Store) AppendLog(botID string, e LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.botLocked(botID)
	if e.IsError() {
		b.errors.Push(e)
	} else {
		b.general.Push(e)
	}
}

// ErrorLogs returns the buffered error entries for botID, oldest first.
func (s *Store) ErrorLogs(botID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.bots[botID]; ok {
		return b.errors.Items()
	}
	return []LogEntry{}
}

// GeneralLogs returns the buffered non-error entries for botID, oldest first.
func (s *Store) GeneralLogs(botID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.bots[botID]; ok {
		return b.general.Items()
	}
	return []LogEntry{}
}

// SetPerformance replaces the snapshot of every controller named in
// byController. Controllers not mentioned keep their previous snapshot.
func (s *Store) SetPerformance(botID string, byController map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.botLocked(botID)
	for controller, metrics := range byController {
		b.performance[controller] = metrics
	}
}

// Performance returns a copy of the latest snapshot per controller.
func (s *Store) Performance(botID string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	if b, ok := s.bots[botID]; ok {
		for k, v := range b.performance {
			out[k] = v
		}
	}
	return out
}

// HasPerformance reports whether any controller snapshot exists for botID.
func (s *Store) HasPerformance(botID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[botID]
	return ok && len(b.performance) > 0
}

// Purge drops every piece of telemetry held for botID, including presence.
func (s *Store) Purge(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	delete(s.seen, botID)
}
