// Package pool owns in-memory snapshots of upstream accounts, health
// scoring, load-balanced selection, and the background health prober.
package pool

import (
	"math"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// scoreTTL is how long a cached score stays before the sweeper drops it.
const scoreTTL = 10 * time.Minute

// decayHalfLife drives the exponential staleness decay on scores.
const decayHalfLife = 600.0 // seconds

type scoredEntry struct {
	score    float64
	computed time.Time
}

// Scorer computes and caches per-account health scores in [0,1].
type Scorer struct {
	mu    sync.Mutex
	cache map[string]scoredEntry

	now func() time.Time
}

// NewScorer returns a Scorer with an empty cache.
func NewScorer() *Scorer {
	return &Scorer{cache: make(map[string]scoredEntry), now: time.Now}
}

// Score returns the health score for a, from cache when fresh.
func (s *Scorer) Score(a *model.UpstreamAccount) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.cache[a.ID]; ok && now.Sub(e.computed) < scoreTTL {
		return e.score
	}
	score := computeScore(a, now)
	s.cache[a.ID] = scoredEntry{score: score, computed: now}
	return score
}

// Invalidate drops the cached score for one account.
func (s *Scorer) Invalidate(accountID string) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
}

// sweep removes entries older than scoreTTL. Called by the pool's
// background sweeper.
func (s *Scorer) sweep() {
	now := s.now()
	s.mu.Lock()
	for id, e := range s.cache {
		if now.Sub(e.computed) >= scoreTTL {
			delete(s.cache, id)
		}
	}
	s.mu.Unlock()
}

// computeScore blends availability, latency performance, and reliability,
// then decays the result by probe staleness.
func computeScore(a *model.UpstreamAccount, now time.Time) float64 {
	requests := a.RequestCount
	if requests < 1 {
		requests = 1
	}
	successRate := float64(a.SuccessCount) / float64(requests)
	errorRate := float64(a.ErrorCount) / float64(requests)

	availability := successRate
	switch a.State {
	case model.StateError:
		availability *= 0.1
	case model.StateInactive:
		availability *= 0.5
	}

	performance := latencyScore(probeLatency(a))
	reliability := 1.0 - errorRate

	decay := 1.0
	if a.LastHealthCheck != nil {
		age := now.Sub(*a.LastHealthCheck).Seconds()
		if age > 0 {
			decay = math.Exp(-age / decayHalfLife)
		}
	}

	score := (0.4*availability + 0.3*performance + 0.3*reliability) * decay
	return clip01(score)
}

// latencyScore maps probe latency to a performance factor in [0.1, 1.0].
func latencyScore(latencyMs int64) float64 {
	ms := float64(latencyMs)
	switch {
	case ms <= 1000:
		return 1.0
	case ms <= 2000:
		return 1.0 - (ms-1000)/5000
	default:
		return math.Max(0.1, 1.0-(ms-2000)/10000)
	}
}

func probeLatency(a *model.UpstreamAccount) int64 {
	if a.HealthStatus == nil {
		return 0
	}
	return a.HealthStatus.LatencyMs
}

func successRate(a *model.UpstreamAccount) float64 {
	requests := a.RequestCount
	if requests < 1 {
		requests = 1
	}
	return float64(a.SuccessCount) / float64(requests)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
