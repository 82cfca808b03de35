// Package balancer implements the provider balancer: P2C with Peak-EWMA
// latency tracking, and a weighted variant that reuses the same P2C
// machinery over an effective-load transform. Endpoint membership is driven
// by an internal/discovery.Stream so that both static config and live
// control-plane pushes feed the same code path.
package balancer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/airouter/gateway/internal/discovery"
	"github.com/airouter/gateway/pkg/apierr"
)

// Endpoint is anything the balancer can route a request to: a provider key,
// model deployment, or router target. The balancer is agnostic to what it
// carries.
type Endpoint[S any] struct {
	Key     string
	Service S
	Weight  float64 // only used by WeightedStrategy; ignored otherwise

	mu          sync.Mutex
	ewma        float64 // Peak-EWMA latency estimate, nanoseconds
	outstanding int64
	selected    int64 // cumulative Pick count, used by StrategyWeighted
	ready       bool
	lastUse     time.Time
}

// decayConstant sets how quickly the EWMA forgets old samples. It is the
// time constant of the decay exp(-elapsed/decayConstant), so an old sample
// loses half its weight after about 6.9 seconds.
const decayConstant = 10 * time.Second

// Strategy selects an Endpoint from the live set for each request.
type Strategy int

const (
	StrategyP2CPeakEWMA Strategy = iota
	StrategyWeighted
)

// Balancer tracks a live endpoint set (fed by a discovery.Stream) and
// selects among them using Power-of-Two-Choices with Peak-EWMA latency
// scoring. The Weighted strategy reuses this same selection by inflating
// effective load inversely to the configured weight.
type Balancer[S any] struct {
	strategy Strategy

	mu        sync.RWMutex
	endpoints map[string]*Endpoint[S]
	order     []string // insertion order, used to break ties deterministically

	rng *rand.Rand
}

// New constructs a Balancer for the given strategy and starts consuming the
// discovery stream. The initial set is drained synchronously before New
// returns; subsequent events are applied by a background goroutine until ctx
// is canceled.
func New[S any](ctx context.Context, strategy Strategy, stream discovery.Stream[string, S]) (*Balancer[S], error) {
	b := &Balancer[S]{
		strategy:  strategy,
		endpoints: make(map[string]*Endpoint[S]),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for k, svc := range stream.Initial {
		b.insert(k, svc, 1.0)
	}
	if strategy == StrategyWeighted {
		if err := b.validateWeights(); err != nil {
			return nil, err
		}
	}
	go b.consume(ctx, stream.Events)
	return b, nil
}

func (b *Balancer[S]) consume(ctx context.Context, events <-chan discovery.Change[string, S]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-events:
			if !ok {
				return
			}
			switch ch.Kind {
			case discovery.KindInsert:
				b.insert(ch.Key, ch.Service, 1.0)
			case discovery.KindRemove:
				b.remove(ch.Key)
			}
		}
	}
}

func (b *Balancer[S]) insert(key string, svc S, weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[key]; !exists {
		b.order = append(b.order, key)
	}
	b.endpoints[key] = &Endpoint[S]{Key: key, Service: svc, Weight: weight, ready: true}
}

func (b *Balancer[S]) remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// SetWeight assigns a weight to an endpoint for the Weighted strategy.
// Weights across all live endpoints must sum to 1 (validated at config
// load; see internal/config).
func (b *Balancer[S]) SetWeight(key string, weight float64) {
	b.mu.RLock()
	ep, ok := b.endpoints[key]
	b.mu.RUnlock()
	if ok {
		ep.mu.Lock()
		ep.Weight = weight
		ep.mu.Unlock()
	}
}

// validateWeights checks that live endpoint weights sum to 1, using
// shopspring/decimal to avoid float accumulation error across many
// endpoints.
func (b *Balancer[S]) validateWeights() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := decimal.Zero
	for _, ep := range b.endpoints {
		sum = sum.Add(decimal.NewFromFloat(ep.Weight))
	}
	if len(b.endpoints) == 0 {
		return nil
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return apierr.InvalidWeightedBalancer()
	}
	return nil
}

// Pick selects an endpoint for the next request using Power-of-Two-Choices:
// two candidates are drawn at random (with replacement allowed only when
// fewer than two endpoints are ready), and the one with the lower score
// wins. Score is Peak-EWMA latency times outstanding load for
// StrategyP2CPeakEWMA, or effective_load = selected_count / weight for
// StrategyWeighted. selected_count accumulates across Picks rather than
// resetting on Done, the way outstanding does — under sequential,
// non-overlapping dispatch outstanding load is back to zero before the
// next Pick, so a load signal that depended on concurrency would always
// prefer the heavier weight; a monotonically increasing selection count
// divided by weight reproduces smooth weighted round-robin (the endpoint
// least selected relative to its share is always preferred next) and
// converges to the configured proportions regardless of concurrency.
//
// Ties (including the fully-untested case where two endpoints both have a
// zero EWMA) are broken by insertion order, so behavior is deterministic in
// tests.
func (b *Balancer[S]) Pick() (*Endpoint[S], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ready []*Endpoint[S]
	for _, k := range b.order {
		if ep, ok := b.endpoints[k]; ok {
			ep.mu.Lock()
			r := ep.ready
			ep.mu.Unlock()
			if r {
				ready = append(ready, ep)
			}
		}
	}
	if len(ready) == 0 {
		return nil, NoEndpointsReady
	}
	if len(ready) == 1 {
		ready[0].markUsed()
		return ready[0], nil
	}

	i := b.rng.Intn(len(ready))
	j := b.rng.Intn(len(ready))
	for j == i {
		j = b.rng.Intn(len(ready))
	}
	a, c := ready[i], ready[j]

	scoreA := b.score(a)
	scoreC := b.score(c)

	winner := a
	if scoreC < scoreA {
		winner = c
	} else if scoreC == scoreA {
		// deterministic tie-break: earlier insertion order wins
		if indexOf(b.order, c.Key) < indexOf(b.order, a.Key) {
			winner = c
		}
	}
	winner.markUsed()
	return winner, nil
}

func indexOf(order []string, key string) int {
	for i, k := range order {
		if k == key {
			return i
		}
	}
	return math.MaxInt
}

func (b *Balancer[S]) score(ep *Endpoint[S]) float64 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch b.strategy {
	case StrategyWeighted:
		w := ep.Weight
		if w <= 0 {
			w = 1e-9
		}
		return float64(ep.selected) / w
	default:
		load := float64(ep.outstanding + 1) // constant_load starts at 1
		decayed := decayedEWMA(ep.ewma, ep.lastUse)
		return decayed * load
	}
}

func decayedEWMA(ewma float64, lastUse time.Time) float64 {
	if lastUse.IsZero() {
		return ewma
	}
	elapsed := time.Since(lastUse)
	if elapsed <= 0 {
		return ewma
	}
	decay := math.Exp(-float64(elapsed) / float64(decayConstant))
	return ewma * decay
}

func (ep *Endpoint[S]) markUsed() {
	ep.mu.Lock()
	ep.outstanding++
	ep.selected++
	ep.lastUse = time.Now()
	ep.mu.Unlock()
}

// Done records the latency of a completed request against ep, updating its
// Peak-EWMA estimate, and decrements outstanding load.
func (ep *Endpoint[S]) Done(latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.outstanding > 0 {
		ep.outstanding--
	}
	sample := float64(latency)
	if ep.ewma == 0 {
		ep.ewma = sample
		return
	}
	decayed := decayedEWMA(ep.ewma, ep.lastUse)
	if sample > decayed {
		// peak detection: jump immediately to a higher observed latency
		ep.ewma = sample
	} else {
		const alpha = 0.2
		ep.ewma = decayed + alpha*(sample-decayed)
	}
}

// SetReady marks ep as eligible (or ineligible) for selection without
// removing it from the discovery set.
func (ep *Endpoint[S]) SetReady(ready bool) {
	ep.mu.Lock()
	ep.ready = ready
	ep.mu.Unlock()
}

// Len reports the number of live (not necessarily ready) endpoints.
func (b *Balancer[S]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// NoEndpointsReady is returned by Pick when no known endpoint is ready
// (every one has been marked not ready through SetReady).
var NoEndpointsReady = apierr.LoadBalancerError(errNoEndpointsReady{})

type errNoEndpointsReady struct{}

func (errNoEndpointsReady) Error() string { return "no endpoints ready" }
