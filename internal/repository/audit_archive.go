package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
)

// ArchivedAuditEntry is the relational projection of a sealed log entry.
// The seal fields ride along so archived ranges stay verifiable.
type ArchivedAuditEntry struct {
	ID            string    `gorm:"primaryKey"`
	Sequence      uint64    `gorm:"index"`
	Timestamp     time.Time `gorm:"index"`
	EventType     string    `gorm:"index"`
	Severity      string
	Category      string
	UserID        string `gorm:"index"`
	Data          []byte `gorm:"type:jsonb"`
	Metadata      []byte `gorm:"type:jsonb"`
	Checksum      string
	HashChainLink string
	Signature     string
	ArchivedAt    time.Time
}

func (ArchivedAuditEntry) TableName() string { return "archived_audit_entries" }

// AuditArchive persists flushed audit batches and enforces relational
// retention on a background loop.
type AuditArchive struct {
	db  *gorm.DB
	cfg config.DatabaseConfig
	log *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewAuditArchive(db *gorm.DB, cfg config.DatabaseConfig) (*AuditArchive, error) {
	if err := db.AutoMigrate(&ArchivedAuditEntry{}); err != nil {
		return nil, err
	}
	a := &AuditArchive{
		db:   db,
		cfg:  cfg,
		log:  logger.Component("audit_archive"),
		stop: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.cleanupLoop()
	return a, nil
}

func archivedUserID(e *model.LogEntry) string {
	for _, src := range []map[string]any{e.Data, e.Metadata} {
		for _, key := range []string{"user_id", "principal"} {
			if v, ok := src[key]; ok {
				if s, ok := v.(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// SaveBatch upserts a flushed batch. Conflicts are skipped so re-flushed
// batches stay idempotent.
func (a *AuditArchive) SaveBatch(ctx context.Context, entries []*model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]ArchivedAuditEntry, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		data, _ := json.Marshal(e.Data)
		meta, _ := json.Marshal(e.Metadata)
		rows = append(rows, ArchivedAuditEntry{
			ID:            e.ID,
			Sequence:      e.Sequence,
			Timestamp:     e.Timestamp,
			EventType:     e.EventType,
			Severity:      string(e.Severity),
			Category:      string(e.Category),
			UserID:        archivedUserID(e),
			Data:          data,
			Metadata:      meta,
			Checksum:      e.Checksum,
			HashChainLink: e.HashChainLink,
			Signature:     e.Signature,
			ArchivedAt:    now,
		})
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error
}

// Query returns archived entries in a time range, newest first.
func (a *AuditArchive) Query(ctx context.Context, eventType, userID string, from, to time.Time, limit int) ([]ArchivedAuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Model(&ArchivedAuditEntry{})
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("timestamp <= ?", to)
	}
	var rows []ArchivedAuditEntry
	err := q.Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Cleanup deletes rows older than the configured relational retention.
func (a *AuditArchive) Cleanup(ctx context.Context) (int64, error) {
	days := a.cfg.AuditRetentionDays
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := a.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&ArchivedAuditEntry{})
	return res.RowsAffected, res.Error
}

func (a *AuditArchive) cleanupLoop() {
	defer a.wg.Done()
	minutes := a.cfg.CleanupIntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := a.Cleanup(ctx)
			cancel()
			if err != nil {
				a.log.Warn("archive retention failed", slog.Any("error", err))
			} else if removed > 0 {
				a.log.Info("archive retention", slog.Int64("rows_removed", removed))
			}
		case <-a.stop:
			return
		}
	}
}

func (a *AuditArchive) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}
