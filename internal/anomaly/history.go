package anomaly

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/pkg/stats"
)

const historyShards = 32

func historyShard(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % historyShards
}

// pricePoint is one observed execution on a symbol.
type pricePoint struct {
	Price     float64
	Volume    float64
	Principal string
	Side      string
	At        time.Time
}

// symbolHistory is the capped per-symbol window the price, volume,
// velocity, manipulation and correlation detectors read. Derived
// statistics are memoized until the next append or truncation.
type symbolHistory struct {
	points     []pricePoint
	velocities []float64
	lastSeen   time.Time

	statsDirty bool
	meanPrice  float64
	sdPrice    float64
}

func (h *symbolHistory) prices() []float64 {
	out := make([]float64, len(h.points))
	for i, p := range h.points {
		out[i] = p.Price
	}
	return out
}

func (h *symbolHistory) volumes() []float64 {
	out := make([]float64, len(h.points))
	for i, p := range h.points {
		out[i] = p.Volume
	}
	return out
}

func (h *symbolHistory) priceStats() (mean, sd float64) {
	if h.statsDirty {
		ps := h.prices()
		h.meanPrice = stats.Mean(ps)
		h.sdPrice = stats.StdDev(ps)
		h.statsDirty = false
	}
	return h.meanPrice, h.sdPrice
}

// append records a point, derives the instantaneous velocity from the
// last three points, and enforces the count and age caps.
func (h *symbolHistory) append(p pricePoint, maxPoints int, maxAge time.Duration) {
	h.points = append(h.points, p)
	h.lastSeen = p.At
	h.statsDirty = true

	if n := len(h.points); n >= 3 {
		a, b := h.points[n-3], h.points[n-1]
		if dt := b.At.Sub(a.At).Seconds(); dt > 0 {
			h.velocities = append(h.velocities, (b.Price-a.Price)/dt)
		}
	}

	if maxPoints > 0 && len(h.points) > maxPoints {
		h.points = h.points[len(h.points)-maxPoints:]
	}
	if maxPoints > 0 && len(h.velocities) > maxPoints {
		h.velocities = h.velocities[len(h.velocities)-maxPoints:]
	}
	if maxAge > 0 {
		cutoff := p.At.Add(-maxAge)
		trimmed := 0
		for trimmed < len(h.points) && h.points[trimmed].At.Before(cutoff) {
			trimmed++
		}
		if trimmed > 0 {
			h.points = h.points[trimmed:]
		}
	}
}

// profileTrade is one trade in a principal's behavioral window.
type profileTrade struct {
	Symbol string
	Price  float64
	Volume float64
	Side   string
	At     time.Time
}

// principalProfile is the capped per-principal window the user-behavior
// and temporal detectors read.
type principalProfile struct {
	trades   []profileTrade
	lastSeen time.Time
}

func (p *principalProfile) append(t profileTrade, maxTrades int) {
	p.trades = append(p.trades, t)
	p.lastSeen = t.At
	if maxTrades > 0 && len(p.trades) > maxTrades {
		p.trades = p.trades[len(p.trades)-maxTrades:]
	}
}

// tradesInWindow counts trades at or after the cutoff.
func (p *principalProfile) tradesInWindow(cutoff time.Time) int {
	n := 0
	for i := len(p.trades) - 1; i >= 0; i-- {
		if p.trades[i].At.Before(cutoff) {
			break
		}
		n++
	}
	return n
}

type historyStore struct {
	shards [historyShards]struct {
		mu      sync.Mutex
		symbols map[string]*symbolHistory
	}
}

func newHistoryStore() *historyStore {
	s := &historyStore{}
	for i := range s.shards {
		s.shards[i].symbols = make(map[string]*symbolHistory)
	}
	return s
}

// with runs fn with the shard lock held for the symbol's history,
// creating it on first sight.
func (s *historyStore) with(symbol string, fn func(*symbolHistory)) {
	shard := &s.shards[historyShard(symbol)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	h, ok := shard.symbols[symbol]
	if !ok {
		h = &symbolHistory{statsDirty: true}
		shard.symbols[symbol] = h
	}
	fn(h)
}

// peek runs fn only when the symbol already has history.
func (s *historyStore) peek(symbol string, fn func(*symbolHistory)) bool {
	shard := &s.shards[historyShard(symbol)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	h, ok := shard.symbols[symbol]
	if ok {
		fn(h)
	}
	return ok
}

// sweep drops symbols idle past the cutoff and returns how many were
// removed.
func (s *historyStore) sweep(cutoff time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for sym, h := range shard.symbols {
			if h.lastSeen.Before(cutoff) {
				delete(shard.symbols, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (s *historyStore) size() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		n += len(shard.symbols)
		shard.mu.Unlock()
	}
	return n
}

type profileStore struct {
	shards [historyShards]struct {
		mu       sync.Mutex
		profiles map[string]*principalProfile
	}
}

func newProfileStore() *profileStore {
	s := &profileStore{}
	for i := range s.shards {
		s.shards[i].profiles = make(map[string]*principalProfile)
	}
	return s
}

func (s *profileStore) with(principal string, fn func(*principalProfile)) {
	shard := &s.shards[historyShard(principal)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	p, ok := shard.profiles[principal]
	if !ok {
		p = &principalProfile{}
		shard.profiles[principal] = p
	}
	fn(p)
}

func (s *profileStore) sweep(cutoff time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, p := range shard.profiles {
			if p.lastSeen.Before(cutoff) {
				delete(shard.profiles, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
