package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
	"github.com/simexchange/trustgate/internal/pkg/metrics"
)

// Archive receives flushed batches for long-term storage. Implementations
// must tolerate duplicate batches; archiving is best effort and never
// blocks the flush path outcome.
type Archive interface {
	SaveBatch(ctx context.Context, entries []*model.LogEntry) error
}

// Logger is the tamper-evident security audit logger. Entries are sealed
// with an HMAC checksum and chained by SHA-256 link at log time, buffered
// in memory, and appended to rotating files by a background worker.
type Logger struct {
	cfg        config.AuditConfig
	log        *slog.Logger
	seal       *sealer
	files      *fileSet
	idx        *indexSet
	alerts     *alertTable
	archive    Archive
	forceFlush map[string]bool

	mu       sync.Mutex
	seq      uint64
	prevLink string
	buffer   []*model.LogEntry
	closed   bool

	// flushMu serializes flushes between the worker, force-flush callers
	// and shutdown.
	flushMu sync.Mutex

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New builds a Logger from configuration. The archive may be nil.
func New(cfg config.AuditConfig, archive Archive) (*Logger, error) {
	log := logger.Component("audit")
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = 10000
	}
	if cfg.IndexPersistIntervalMs <= 0 {
		cfg.IndexPersistIntervalMs = 60000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	encKey := ""
	if cfg.EncryptLogs {
		encKey = cfg.EncryptionKey
	}
	files, err := newFileSet(cfg.LogDirectory, cfg.MaxLogFileSize, cfg.MaxLogFiles, cfg.RetentionDays, encKey, log)
	if err != nil {
		return nil, err
	}
	sigKey := ""
	if cfg.DigitalSignatures {
		sigKey = cfg.SignatureKey
	}
	l := &Logger{
		cfg:        cfg,
		log:        log,
		seal:       newSealer(cfg.IntegrityKey, sigKey),
		files:      files,
		idx:        newIndexSet(),
		alerts:     newAlertTable(cfg.AlertThresholds, log),
		archive:    archive,
		forceFlush: make(map[string]bool, len(cfg.ForceFlushEvents)),
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	for _, ev := range cfg.ForceFlushEvents {
		l.forceFlush[ev] = true
	}
	l.wg.Add(1)
	go l.flushLoop()
	l.log.Info("audit logger started",
		slog.String("dir", cfg.LogDirectory),
		slog.Int("buffer_size", cfg.BufferSize),
		slog.Bool("signatures", cfg.DigitalSignatures),
		slog.Bool("encrypted", cfg.EncryptLogs))
	return l, nil
}

// Log seals and buffers one audit entry and returns its id. Force-flush
// event types are on disk before Log returns.
func (l *Logger) Log(eventType string, data, metadata map[string]any) string {
	return l.append(eventType, data, metadata, true)
}

func (l *Logger) append(eventType string, data, metadata map[string]any, observeAlerts bool) string {
	now := l.now()
	severity := severityFor(eventType)
	clean := sanitizeMap(data)
	if clean == nil {
		clean = map[string]any{}
	}
	e := &model.LogEntry{
		ID:          newEventID(now),
		Timestamp:   now,
		EventType:   eventType,
		Severity:    severity,
		Category:    categoryFor(eventType),
		Data:        clean,
		Metadata:    sanitizeMap(metadata),
		Compliance:  complianceFor(clean, severity, l.cfg.RetentionDays),
		SystemState: captureSystemState(),
	}
	if severity == model.AuditCritical {
		e.StackTrace = string(debug.Stack())
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fmt.Fprintf(os.Stderr, "audit logger closed, dropping %s\n", eventType)
		return ""
	}
	l.seq++
	e.Sequence = l.seq
	l.prevLink = l.seal.seal(e, l.prevLink)
	l.buffer = append(l.buffer, e)
	depth := len(l.buffer)
	l.mu.Unlock()

	l.idx.add(e)
	metrics.AuditBufferDepth.Set(float64(depth))

	if observeAlerts && eventType != "SECURITY_ALERT_TRIGGERED" {
		if rec, fired := l.alerts.observe(eventType, now); fired {
			l.append("SECURITY_ALERT_TRIGGERED", map[string]any{
				"alert_id":     rec.ID,
				"event_type":   rec.EventType,
				"count":        rec.Count,
				"window_start": rec.WindowStart,
			}, map[string]any{"source": "audit"}, false)
			l.alerts.dispatch(rec)
		}
	}

	switch {
	case l.forceFlush[eventType]:
		if err := l.Flush(); err != nil {
			l.log.Error("forced flush failed", slog.String("event_type", eventType), slog.Any("error", err))
		}
	case depth >= l.cfg.BufferSize:
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return e.ID
}

// Subscribe registers a handler for alert records synthesized for the
// given event type. "*" subscribes to every alert.
func (l *Logger) Subscribe(eventType string, h AlertHandler) {
	l.alerts.subscribe(eventType, h)
}

// Flush writes all buffered entries to disk. A failed write is retried
// once; on the second failure the batch is reinserted at the head of the
// buffer and the error surfaced.
func (l *Logger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := l.files.writeBatch(batch)
	if err != nil {
		l.log.Warn("audit flush failed, retrying", slog.Any("error", err))
		err = l.files.writeBatch(batch)
	}
	if err != nil {
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		depth := len(l.buffer)
		l.mu.Unlock()
		metrics.AuditBufferDepth.Set(float64(depth))
		metrics.AuditFlushes.WithLabelValues("error").Inc()
		fmt.Fprintf(os.Stderr, "audit flush failed after retry, %d entries reinserted: %v\n", len(batch), err)
		return err
	}
	metrics.AuditFlushes.WithLabelValues("ok").Inc()
	metrics.AuditFlushDuration.Observe(time.Since(start).Seconds())
	l.mu.Lock()
	depth := len(l.buffer)
	l.mu.Unlock()
	metrics.AuditBufferDepth.Set(float64(depth))

	if l.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.archive.SaveBatch(ctx, batch); err != nil {
			l.log.Warn("audit archive write failed", slog.Int("entries", len(batch)), slog.Any("error", err))
		}
	}
	return nil
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval())
	defer ticker.Stop()
	persist := time.NewTicker(time.Duration(l.cfg.IndexPersistIntervalMs) * time.Millisecond)
	defer persist.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Error("periodic flush failed", slog.Any("error", err))
			}
		case <-persist.C:
			l.log.Debug("audit index checkpoint", slog.Int("entries", l.idx.size()))
		case <-l.flushCh:
			if err := l.Flush(); err != nil {
				l.log.Error("buffer flush failed", slog.Any("error", err))
			}
		case <-l.done:
			return
		}
	}
}

// Search returns indexed entries matching the criteria, oldest first.
func (l *Logger) Search(c SearchCriteria) []model.LogEntry {
	return l.idx.search(c)
}

// UserActivity returns the capped per-user activity trail.
func (l *Logger) UserActivity(userID string, from, to time.Time, limit int) []model.ActivityRef {
	return l.idx.userActivity(userID, from, to, limit)
}

// Sequence returns the last assigned sequence number.
func (l *Logger) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Shutdown emits a final entry, stops the worker, and flushes everything
// to disk. The logger drops entries after Shutdown returns.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	finalSeq := l.seq + 1
	l.mu.Unlock()

	l.append("AUDIT_LOGGER_SHUTDOWN", map[string]any{
		"final_sequence": finalSeq,
	}, map[string]any{"source": "audit"}, false)

	close(l.done)
	l.wg.Wait()

	flushErr := l.Flush()

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if err := l.files.close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if flushErr != nil {
		return flushErr
	}
	l.log.Info("audit logger stopped", slog.Uint64("final_sequence", finalSeq))
	return ctx.Err()
}
