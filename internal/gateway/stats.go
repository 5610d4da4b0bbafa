package gateway

import (
	"sync"
	"sync/atomic"
)

// Stats tracks connection counts for limit enforcement and the health
// endpoint.
type Stats struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (s *Stats) ConnectionCount() int {
	return int(s.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (s *Stats) ConnectionCountForIP(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.ipConnections[ip]
}

// TryIncrement atomically checks limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (s *Stats) TryIncrement(ip string, maxGlobal, maxPerIP int) string {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	// Read the atomic under the lock to prevent TOCTOU
	current := int(s.activeConnections.Load())
	if current >= maxGlobal {
		return "max_connections"
	}
	if s.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	s.ipConnections[ip]++
	return ""
}

// Decrement decrements both global and per-IP connection counters.
func (s *Stats) Decrement(ip string) {
	s.activeConnections.Add(-1)
	s.ipMu.Lock()
	s.ipConnections[ip]--
	if s.ipConnections[ip] <= 0 {
		delete(s.ipConnections, ip)
	}
	s.ipMu.Unlock()
}

// TotalConnections returns the total number of connections handled since start.
func (s *Stats) TotalConnections() int64 {
	return s.totalConnections.Load()
}
