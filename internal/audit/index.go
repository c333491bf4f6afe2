package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/model"
)

const maxUserIndexEntries = 1000

// SearchCriteria narrows a Search call. Zero-valued fields match
// everything.
type SearchCriteria struct {
	EventType string
	Severity  model.AuditSeverity
	Category  model.AuditCategory
	UserID    string
	From      time.Time
	To        time.Time
	Limit     int
}

// indexSet holds the in-memory lookup structures over sealed entries.
// The per-user index is capped; the others grow with process lifetime.
type indexSet struct {
	mu     sync.RWMutex
	order  []*model.LogEntry
	byID   map[string]*model.LogEntry
	byType map[string][]*model.LogEntry
	byUser map[string][]model.ActivityRef
	byHour map[int64][]*model.LogEntry
}

func newIndexSet() *indexSet {
	return &indexSet{
		byID:   make(map[string]*model.LogEntry),
		byType: make(map[string][]*model.LogEntry),
		byUser: make(map[string][]model.ActivityRef),
		byHour: make(map[int64][]*model.LogEntry),
	}
}

// userIDOf pulls the acting principal out of an entry, if present.
func userIDOf(e *model.LogEntry) string {
	for _, src := range []map[string]any{e.Data, e.Metadata} {
		for _, key := range []string{"user_id", "principal"} {
			if v, ok := src[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func (x *indexSet) add(e *model.LogEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.order = append(x.order, e)
	x.byID[e.ID] = e
	typeKey := strings.ToUpper(e.EventType)
	x.byType[typeKey] = append(x.byType[typeKey], e)
	hour := e.Timestamp.Truncate(time.Hour).Unix()
	x.byHour[hour] = append(x.byHour[hour], e)
	if user := userIDOf(e); user != "" {
		refs := append(x.byUser[user], model.ActivityRef{
			EventID:   e.ID,
			EventType: e.EventType,
			Timestamp: e.Timestamp,
			Severity:  e.Severity,
		})
		if len(refs) > maxUserIndexEntries {
			refs = refs[len(refs)-maxUserIndexEntries:]
		}
		x.byUser[user] = refs
	}
}

func (x *indexSet) get(id string) (*model.LogEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[id]
	return e, ok
}

func (x *indexSet) matches(e *model.LogEntry, c SearchCriteria) bool {
	if c.EventType != "" && !strings.EqualFold(e.EventType, c.EventType) {
		return false
	}
	if c.Severity != "" && e.Severity != c.Severity {
		return false
	}
	if c.Category != "" && e.Category != c.Category {
		return false
	}
	if c.UserID != "" && userIDOf(e) != c.UserID {
		return false
	}
	if !c.From.IsZero() && e.Timestamp.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && e.Timestamp.After(c.To) {
		return false
	}
	return true
}

// search walks the narrowest available index for the criteria and copies
// matching entries out, oldest first.
func (x *indexSet) search(c SearchCriteria) []model.LogEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	// Index keys are uppercased so the lookup agrees with the
	// case-insensitive match below.
	candidates := x.order
	if c.EventType != "" {
		candidates = x.byType[strings.ToUpper(c.EventType)]
	}
	out := make([]model.LogEntry, 0)
	for _, e := range candidates {
		if !x.matches(e, c) {
			continue
		}
		out = append(out, *e)
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
	}
	return out
}

func (x *indexSet) userActivity(userID string, from, to time.Time, limit int) []model.ActivityRef {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]model.ActivityRef, 0)
	for _, ref := range x.byUser[userID] {
		if !from.IsZero() && ref.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ref.Timestamp.After(to) {
			continue
		}
		out = append(out, ref)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// snapshot returns the entries logged so far, oldest first.
func (x *indexSet) snapshot() []*model.LogEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*model.LogEntry, len(x.order))
	copy(out, x.order)
	return out
}

func (x *indexSet) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.order)
}
