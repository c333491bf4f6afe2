package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simexchange/trustgate/internal/pkg/metrics"
)

const alertWindow = time.Hour

// AlertRecord describes one threshold crossing for an event type.
type AlertRecord struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertHandler receives alert records. A returned error is logged and
// never propagates to the logging caller.
type AlertHandler func(AlertRecord) error

// alertTable tracks a rolling one-hour window of timestamps per event
// type and fires once each time a window reaches its threshold.
type alertTable struct {
	mu         sync.Mutex
	thresholds map[string]int
	windows    map[string][]time.Time
	subs       map[string][]AlertHandler
	log        *slog.Logger
}

func newAlertTable(thresholds map[string]int, log *slog.Logger) *alertTable {
	return &alertTable{
		thresholds: thresholds,
		windows:    make(map[string][]time.Time),
		subs:       make(map[string][]AlertHandler),
		log:        log,
	}
}

func (a *alertTable) subscribe(eventType string, h AlertHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[eventType] = append(a.subs[eventType], h)
}

// observe prunes the event type's window, appends now, and reports
// whether the threshold was crossed. The window resets on fire so each
// crossing produces exactly one alert.
func (a *alertTable) observe(eventType string, now time.Time) (AlertRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	threshold, ok := a.thresholds[eventType]
	if !ok || threshold <= 0 {
		return AlertRecord{}, false
	}
	cutoff := now.Add(-alertWindow)
	window := a.windows[eventType]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	pruned = append(pruned, now)
	if len(pruned) < threshold {
		a.windows[eventType] = pruned
		return AlertRecord{}, false
	}
	rec := AlertRecord{
		ID:          fmt.Sprintf("alert_%s", uuid.NewString()),
		EventType:   eventType,
		Count:       len(pruned),
		WindowStart: pruned[0],
		Timestamp:   now,
	}
	a.windows[eventType] = nil
	metrics.AlertsTriggered.WithLabelValues(eventType).Inc()
	return rec, true
}

// dispatch invokes the event type's subscribers plus any wildcard
// subscribers, containing both panics and errors.
func (a *alertTable) dispatch(rec AlertRecord) {
	a.mu.Lock()
	handlers := make([]AlertHandler, 0, len(a.subs[rec.EventType])+len(a.subs["*"]))
	handlers = append(handlers, a.subs[rec.EventType]...)
	handlers = append(handlers, a.subs["*"]...)
	a.mu.Unlock()
	for _, h := range handlers {
		a.invoke(rec, h)
	}
}

func (a *alertTable) invoke(rec AlertRecord, h AlertHandler) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("alert subscriber panicked",
				slog.String("event_type", rec.EventType),
				slog.Any("panic", r))
		}
	}()
	if err := h(rec); err != nil {
		a.log.Warn("alert subscriber failed",
			slog.String("event_type", rec.EventType),
			slog.Any("error", err))
	}
}
