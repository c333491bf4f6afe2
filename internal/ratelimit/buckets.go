package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/model"
)

const (
	shardCount       = 32
	maxIntervals     = 100
	bucketIdleExpiry = 24 * time.Hour
)

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// windowCounter is a fixed-window counter. The window resets on the first
// call at or after the boundary, so a call precisely at the boundary is
// accounted to the new window.
type windowCounter struct {
	Count   int
	ResetAt time.Time
}

func (c *windowCounter) refresh(now time.Time, w model.Window) {
	if c.ResetAt.IsZero() || !now.Before(c.ResetAt) {
		c.Count = 0
		c.ResetAt = now.Truncate(w.Duration()).Add(w.Duration())
	}
}

// ViolationSeverity grades a recorded violation for escalation.
type ViolationSeverity string

const (
	ViolationMedium ViolationSeverity = "MEDIUM"
	ViolationHigh   ViolationSeverity = "HIGH"
)

type violation struct {
	At       time.Time
	Reason   string
	Severity ViolationSeverity
}

// principalBucket holds all per-principal admission state. A bucket's
// fields are only touched while its shard mutex is held.
type principalBucket struct {
	principal string

	counters map[model.Action]map[model.Window]*windowCounter

	lastActivity time.Time

	// Behavioral sequences for the bot classifier
	intervals        []time.Duration // recent gaps between calls, capped
	actionCounts     map[model.Action]int
	recentTimestamps []time.Time // calls inside the burst window

	violations []violation
	suspicion  float64
	botFlagged bool

	state model.PrincipalState

	adaptive adaptiveProfile
}

func newPrincipalBucket(principal string, now time.Time) *principalBucket {
	return &principalBucket{
		principal:    principal,
		counters:     make(map[model.Action]map[model.Window]*windowCounter),
		actionCounts: make(map[model.Action]int),
		lastActivity: now,
		state:        model.StateNormal,
	}
}

func (b *principalBucket) counter(action model.Action, w model.Window) *windowCounter {
	family, ok := b.counters[action]
	if !ok {
		family = make(map[model.Window]*windowCounter)
		b.counters[action] = family
	}
	c, ok := family[w]
	if !ok {
		c = &windowCounter{}
		family[w] = c
	}
	return c
}

// observe appends the call to the behavioral sequences. Called on the
// allow path only, after the decision.
func (b *principalBucket) observe(action model.Action, now time.Time, burstWindow time.Duration) {
	if !b.lastActivity.IsZero() {
		if gap := now.Sub(b.lastActivity); gap >= 0 {
			b.intervals = append(b.intervals, gap)
			if len(b.intervals) > maxIntervals {
				b.intervals = b.intervals[len(b.intervals)-maxIntervals:]
			}
		}
	}
	b.lastActivity = now
	b.actionCounts[action]++

	b.recentTimestamps = append(b.recentTimestamps, now)
	b.pruneBurstWindow(now, burstWindow)
}

func (b *principalBucket) pruneBurstWindow(now time.Time, burstWindow time.Duration) {
	cutoff := now.Add(-burstWindow)
	idx := 0
	for idx < len(b.recentTimestamps) && b.recentTimestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.recentTimestamps = b.recentTimestamps[idx:]
	}
}

// recordViolation appends and decays. Violation list contents stay
// strictly younger than the decay horizon.
func (b *principalBucket) recordViolation(now time.Time, reason string, sev ViolationSeverity, decay time.Duration) {
	b.pruneViolations(now, decay)
	b.violations = append(b.violations, violation{At: now, Reason: reason, Severity: sev})
}

func (b *principalBucket) pruneViolations(now time.Time, decay time.Duration) {
	cutoff := now.Add(-decay)
	kept := b.violations[:0]
	for _, v := range b.violations {
		if v.At.After(cutoff) {
			kept = append(kept, v)
		}
	}
	b.violations = kept
}

func (b *principalBucket) activeViolations(now time.Time, decay time.Duration) (total, high int) {
	b.pruneViolations(now, decay)
	for _, v := range b.violations {
		if v.Severity == ViolationHigh {
			high++
		}
	}
	return len(b.violations), high
}

func (b *principalBucket) totalActions() int {
	n := 0
	for _, c := range b.actionCounts {
		n += c
	}
	return n
}

// bucketStore is the sharded principal bucket map.
type bucketStore struct {
	shards [shardCount]bucketShard
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*principalBucket
}

func newBucketStore() *bucketStore {
	s := &bucketStore{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*principalBucket)
	}
	return s
}

// withBucket runs fn with the principal's bucket under the shard lock,
// creating the bucket lazily. Per-principal state transitions are
// linearizable because every mutation goes through here.
func (s *bucketStore) withBucket(principal string, now time.Time, fn func(*principalBucket)) {
	shard := &s.shards[shardIndex(principal)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	b, ok := shard.buckets[principal]
	if !ok {
		b = newPrincipalBucket(principal, now)
		shard.buckets[principal] = b
	}
	fn(b)
}

// peek runs fn if the bucket exists; it never creates one.
func (s *bucketStore) peek(principal string, fn func(*principalBucket)) bool {
	shard := &s.shards[shardIndex(principal)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	b, ok := shard.buckets[principal]
	if ok {
		fn(b)
	}
	return ok
}

// sweep garbage-collects buckets idle for longer than the expiry.
func (s *bucketStore) sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for principal, b := range shard.buckets {
			if now.Sub(b.lastActivity) >= bucketIdleExpiry {
				delete(shard.buckets, principal)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (s *bucketStore) count() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		n += len(shard.buckets)
		shard.mu.Unlock()
	}
	return n
}
