package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/pkg/metrics"
)

// BanKind distinguishes the two escalation tiers.
type BanKind string

const (
	BanSoft BanKind = "soft"
	BanHard BanKind = "hard"
)

// BanRecord tracks an active ban for a principal.
type BanRecord struct {
	Principal string    `json:"principal"`
	Kind      BanKind   `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Level     int       `json:"level"`
	Reason    string    `json:"reason,omitempty"`
}

// Expired reports whether the ban has lapsed at t. A call exactly at the
// expiry instant is allowed again.
func (b *BanRecord) Expired(t time.Time) bool {
	return !t.Before(b.ExpiresAt)
}

// BanStore mirrors ban state into shared storage so that sibling gateway
// instances converge. Optional; the registry is authoritative locally.
type BanStore interface {
	MirrorBan(ctx context.Context, rec *BanRecord) error
	LookupBan(ctx context.Context, principal string) (*BanRecord, error)
	PurgeBan(ctx context.Context, principal string) error
}

// banRegistry is the sharded in-memory ban table.
type banRegistry struct {
	shards [shardCount]banShard
	store  BanStore
	now    func() time.Time
}

type banShard struct {
	mu   sync.Mutex
	bans map[string]*BanRecord
}

func newBanRegistry(store BanStore, now func() time.Time) *banRegistry {
	r := &banRegistry{store: store, now: now}
	for i := range r.shards {
		r.shards[i].bans = make(map[string]*BanRecord)
	}
	return r
}

func (r *banRegistry) shard(principal string) *banShard {
	return &r.shards[shardIndex(principal)]
}

// get returns the active ban for principal, purging it first if expired.
func (r *banRegistry) get(ctx context.Context, principal string) *BanRecord {
	s := r.shard(principal)
	s.mu.Lock()
	rec, ok := s.bans[principal]
	if ok && rec.Expired(r.now()) {
		delete(s.bans, principal)
		ok = false
		metrics.ActiveBans.Dec()
		if r.store != nil {
			_ = r.store.PurgeBan(ctx, principal)
		}
	}
	s.mu.Unlock()
	if ok {
		return rec
	}

	// Local miss: a sibling instance may have banned this principal.
	if r.store != nil {
		if remote, err := r.store.LookupBan(ctx, principal); err == nil && remote != nil && !remote.Expired(r.now()) {
			s.mu.Lock()
			s.bans[principal] = remote
			s.mu.Unlock()
			return remote
		}
	}
	return nil
}

// ban registers or extends a ban. Re-banning a principal extends the
// existing record and raises its level rather than duplicating it; the
// duration escalates geometrically with the level.
func (r *banRegistry) ban(ctx context.Context, principal string, kind BanKind, base time.Duration, factor float64, reason string) *BanRecord {
	now := r.now()
	s := r.shard(principal)
	s.mu.Lock()

	level := 1
	if prev, ok := s.bans[principal]; ok && !prev.Expired(now) {
		level = prev.Level + 1
	}
	dur := base
	for i := 1; i < level; i++ {
		dur = time.Duration(float64(dur) * factor)
	}

	rec := &BanRecord{
		Principal: principal,
		Kind:      kind,
		StartedAt: now,
		ExpiresAt: now.Add(dur),
		Level:     level,
		Reason:    reason,
	}
	if _, existed := s.bans[principal]; !existed {
		metrics.ActiveBans.Inc()
	}
	s.bans[principal] = rec
	s.mu.Unlock()

	if r.store != nil {
		_ = r.store.MirrorBan(ctx, rec)
	}
	return rec
}

func (r *banRegistry) unban(ctx context.Context, principal string) bool {
	s := r.shard(principal)
	s.mu.Lock()
	_, ok := s.bans[principal]
	if ok {
		delete(s.bans, principal)
		metrics.ActiveBans.Dec()
	}
	s.mu.Unlock()
	if ok && r.store != nil {
		_ = r.store.PurgeBan(ctx, principal)
	}
	return ok
}

// sweep drops expired records. Runs on the cleanup ticker.
func (r *banRegistry) sweep(ctx context.Context) int {
	now := r.now()
	purged := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for principal, rec := range s.bans {
			if rec.Expired(now) {
				delete(s.bans, principal)
				purged++
				metrics.ActiveBans.Dec()
				if r.store != nil {
					_ = r.store.PurgeBan(ctx, principal)
				}
			}
		}
		s.mu.Unlock()
	}
	return purged
}

func (r *banRegistry) count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.bans)
		s.mu.Unlock()
	}
	return n
}
