package pool

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

// Load-balance strategies.
const (
	StrategyPriorityFirst      = "priority_first"
	StrategyLeastConnections   = "least_connections"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyAdaptive           = "adaptive"
)

// recentFailureWindow drops candidates whose latest probe failed within it.
const recentFailureWindow = 5 * time.Minute

// adaptiveTopN is how many top-scored candidates adaptive selection keeps.
const adaptiveTopN = 3

// adaptiveDecay is the geometric choice weight between ranked candidates.
const adaptiveDecay = 0.7

// Balancer selects one account from a snapshot under a configured strategy.
// Candidates are always taken in snapshot order where the strategy does not
// explicitly randomize, so equal weights and scores resolve deterministically.
type Balancer struct {
	strategy       string
	minHealthScore float64
	scorer         *Scorer

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

// NewBalancer creates a Balancer. rng may be nil, in which case a
// time-seeded source is used; tests inject a fixed seed.
func NewBalancer(strategy string, minHealthScore float64, scorer *Scorer, rng *rand.Rand) *Balancer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Balancer{
		strategy:       strategy,
		minHealthScore: minHealthScore,
		scorer:         scorer,
		rng:            rng,
		now:            time.Now,
	}
}

// Select filters the snapshot and picks one account. Returns nil when no
// candidate survives filtering and no fallback exists.
func (b *Balancer) Select(snapshot []*model.UpstreamAccount) *model.UpstreamAccount {
	candidates := b.filter(snapshot)
	if len(candidates) == 0 {
		return fallback(snapshot)
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch b.strategy {
	case StrategyPriorityFirst:
		return b.priorityFirst(candidates)
	case StrategyLeastConnections:
		return leastConnections(candidates)
	case StrategyWeightedRoundRobin:
		return b.weightedRandom(candidates)
	case StrategyAdaptive:
		return b.adaptive(candidates)
	default:
		return b.adaptive(candidates)
	}
}

// filter applies the candidate filters in order: drop error state, drop
// recent probe failures, and under adaptive scoring drop low scores.
func (b *Balancer) filter(snapshot []*model.UpstreamAccount) []*model.UpstreamAccount {
	now := b.now()
	out := make([]*model.UpstreamAccount, 0, len(snapshot))
	for _, a := range snapshot {
		if a.State == model.StateError {
			continue
		}
		if recentlyFailed(a, now) {
			continue
		}
		if b.strategy == StrategyAdaptive && b.scorer.Score(a) < b.minHealthScore {
			continue
		}
		out = append(out, a)
	}
	return out
}

func recentlyFailed(a *model.UpstreamAccount, now time.Time) bool {
	h := a.HealthStatus
	return h != nil && !h.OK && now.Sub(h.CheckedAt) < recentFailureWindow
}

// fallback returns the account with the most recent last_used_at, even in
// error state, so a fully degraded pool still serves rather than going dark.
func fallback(snapshot []*model.UpstreamAccount) *model.UpstreamAccount {
	var best *model.UpstreamAccount
	for _, a := range snapshot {
		if best == nil {
			best = a
			continue
		}
		if laterUse(a, best) {
			best = a
		}
	}
	return best
}

func laterUse(a, b *model.UpstreamAccount) bool {
	switch {
	case a.LastUsedAt == nil:
		return false
	case b.LastUsedAt == nil:
		return true
	default:
		return a.LastUsedAt.After(*b.LastUsedAt)
	}
}

// priorityFirst keeps only the minimum-priority group, then weighted-random.
func (b *Balancer) priorityFirst(candidates []*model.UpstreamAccount) *model.UpstreamAccount {
	minPriority := candidates[0].Priority
	for _, a := range candidates[1:] {
		if a.Priority < minPriority {
			minPriority = a.Priority
		}
	}
	group := candidates[:0:0]
	for _, a := range candidates {
		if a.Priority == minPriority {
			group = append(group, a)
		}
	}
	return b.weightedRandom(group)
}

// leastConnections picks the smallest request_count, ties broken by
// priority, then snapshot order.
func leastConnections(candidates []*model.UpstreamAccount) *model.UpstreamAccount {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.RequestCount < best.RequestCount ||
			(a.RequestCount == best.RequestCount && a.Priority < best.Priority) {
			best = a
		}
	}
	return best
}

// weightedRandom draws an integer in [0, total_weight) and walks the list
// subtracting weights. Zero total weight degrades to uniform random.
func (b *Balancer) weightedRandom(candidates []*model.UpstreamAccount) *model.UpstreamAccount {
	total := 0
	for _, a := range candidates {
		if a.Weight > 0 {
			total += a.Weight
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if total <= 0 {
		return candidates[b.rng.Intn(len(candidates))]
	}
	n := b.rng.Intn(total)
	for _, a := range candidates {
		if a.Weight <= 0 {
			continue
		}
		n -= a.Weight
		if n < 0 {
			return a
		}
	}
	return candidates[len(candidates)-1]
}

// adaptive ranks candidates by a weight-adjusted composite of health score,
// latency, and success rate, keeps the top three, and chooses among them
// with geometrically decaying probabilities.
func (b *Balancer) adaptive(candidates []*model.UpstreamAccount) *model.UpstreamAccount {
	type ranked struct {
		account   *model.UpstreamAccount
		composite float64
	}
	rankedList := make([]ranked, len(candidates))
	for i, a := range candidates {
		base := 0.4*b.scorer.Score(a) + 0.3*latencyScore(probeLatency(a)) + 0.3*successRate(a)
		rankedList[i] = ranked{account: a, composite: base * float64(a.Weight) / 100.0}
	}
	// stable sort keeps snapshot order on equal composites
	sort.SliceStable(rankedList, func(i, j int) bool {
		return rankedList[i].composite > rankedList[j].composite
	})

	top := rankedList
	if len(top) > adaptiveTopN {
		top = top[:adaptiveTopN]
	}

	total := 0.0
	for i := range top {
		total += math.Pow(adaptiveDecay, float64(i))
	}

	b.mu.Lock()
	r := b.rng.Float64() * total
	b.mu.Unlock()

	for i := range top {
		r -= math.Pow(adaptiveDecay, float64(i))
		if r < 0 {
			return top[i].account
		}
	}
	return top[len(top)-1].account
}
