package offline

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// statsCollector counts proxied responses per outcome and tracks the body
// size distribution for the periodic stats line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observe(outcome string, respBytes int64) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	if outcome == "" {
		outcome = "unknown"
	}
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
}

// StatsSnapshot summarizes proxied traffic since start.
type StatsSnapshot struct {
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
	Outcomes       map[string]uint64 `json:"outcomes"`
}

// OutcomeNames returns the outcome keys in sorted order.
func (s StatsSnapshot) OutcomeNames() []string {
	names := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *statsCollector) snapshot() StatsSnapshot {
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{Outcomes: outcomes}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		Outcomes:       outcomes,
	}
}
