package audit

import (
	"context"
	"sort"
	"time"

	"github.com/simexchange/trustgate/internal/model"
)

// ReportOptions tunes GenerateReport. Zero values produce a summary of
// counts without an integrity pass.
type ReportOptions struct {
	VerifyIntegrity bool
	TopUsers        int
}

type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

type AuditReport struct {
	From        time.Time                     `json:"from"`
	To          time.Time                     `json:"to"`
	GeneratedAt time.Time                     `json:"generated_at"`
	Total       int                           `json:"total"`
	ByType      map[string]int                `json:"by_type"`
	BySeverity  map[model.AuditSeverity]int   `json:"by_severity"`
	ByCategory  map[model.AuditCategory]int   `json:"by_category"`
	TopUsers    []UserCount                   `json:"top_users,omitempty"`
	Integrity   *IntegrityResult              `json:"integrity,omitempty"`
}

// GenerateReport summarizes indexed entries in the range and optionally
// runs an integrity pass over the same range.
func (l *Logger) GenerateReport(ctx context.Context, from, to time.Time, opts ReportOptions) (*AuditReport, error) {
	report := &AuditReport{
		From:        from,
		To:          to,
		GeneratedAt: l.now(),
		ByType:      make(map[string]int),
		BySeverity:  make(map[model.AuditSeverity]int),
		ByCategory:  make(map[model.AuditCategory]int),
	}
	users := make(map[string]int)
	for _, e := range l.idx.snapshot() {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		report.Total++
		report.ByType[e.EventType]++
		report.BySeverity[e.Severity]++
		report.ByCategory[e.Category]++
		if user := userIDOf(e); user != "" {
			users[user]++
		}
	}
	if opts.TopUsers > 0 && len(users) > 0 {
		ranked := make([]UserCount, 0, len(users))
		for user, n := range users {
			ranked = append(ranked, UserCount{UserID: user, Count: n})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].Count != ranked[j].Count {
				return ranked[i].Count > ranked[j].Count
			}
			return ranked[i].UserID < ranked[j].UserID
		})
		if len(ranked) > opts.TopUsers {
			ranked = ranked[:opts.TopUsers]
		}
		report.TopUsers = ranked
	}
	if opts.VerifyIntegrity {
		integrity, err := l.VerifyIntegrity(ctx, from, to)
		if err != nil {
			return nil, err
		}
		report.Integrity = integrity
	}
	return report, nil
}
