// Package alerts implements the Alert Manager: it folds the Rule Engine's
// violation stream into durable, deduplicated Alerts with cooldown and
// auto-resolution, publishing lifecycle events on the shared bus.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

// Manager turns RuleViolations into durable Alerts. Its cooldown/dedup/
// resolution state is mutated only from Process, which the collector
// worker calls once per tick — see the concurrency model's per-tick
// serialization guarantee.
type Manager struct {
	cooldown     time.Duration
	resolveAfter time.Duration
	maxHistory   int

	store storage.Store
	bus   *events.Bus
	log   *zap.Logger

	mu          sync.Mutex
	open        map[string]*types.Alert // fingerprint -> open alert
	lastCreated map[string]time.Time    // fingerprint -> last creation time, cooldown gate
	history     []*types.Alert          // ring buffer, most recent last
}

// New builds an Alert Manager from config.
func New(cfg types.AlertsConfig, store storage.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	resolveAfter := time.Duration(cfg.ResolveAfterMs) * time.Millisecond
	if resolveAfter <= 0 {
		resolveAfter = 2 * cooldown
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Manager{
		cooldown:     cooldown,
		resolveAfter: resolveAfter,
		maxHistory:   maxHistory,
		store:        store,
		bus:          bus,
		log:          log.Named("alerts"),
		open:         make(map[string]*types.Alert),
		lastCreated:  make(map[string]time.Time),
	}
}

// Process folds one tick's violations into the open-alert set: dedup
// against already-open alerts, cooldown-suppress repeated new alerts, and
// resolve any previously-open alert absent from this tick for longer than
// resolveAfter.
func (m *Manager) Process(ctx context.Context, violations []types.RuleViolation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(violations))
	now := time.Now()
	for _, v := range violations {
		if v.OccurredAt.After(now) {
			now = v.OccurredAt
		}
	}

	for _, v := range violations {
		seen[v.Fingerprint] = true
		if existing, ok := m.open[v.Fingerprint]; ok {
			m.dedup(ctx, existing, v)
			continue
		}
		if last, ok := m.lastCreated[v.Fingerprint]; ok && v.OccurredAt.Sub(last) < m.cooldown {
			continue // within cooldown window, suppress
		}
		m.create(ctx, v)
	}

	m.resolveAbsent(ctx, seen, now)
}

func (m *Manager) dedup(ctx context.Context, existing *types.Alert, v types.RuleViolation) {
	existing.CurrentValue = v.Value
	existing.LastOccurredAt = v.OccurredAt
	existing.OccurrenceCount++

	if m.store != nil {
		if err := m.store.UpdateAlert(ctx, existing); err != nil {
			m.log.Error("persist alert update failed", zap.String("alert_id", existing.ID), zap.Error(err))
		}
	}
	m.publish(events.EventAlert, "updated", existing)
}

func (m *Manager) create(ctx context.Context, v types.RuleViolation) {
	alert := &types.Alert{
		ID:              uuid.New().String(),
		ServerID:        v.ServerID,
		RuleID:          v.RuleID,
		Fingerprint:     v.Fingerprint,
		Severity:        v.Severity,
		Status:          types.AlertOpen,
		Message:         v.Message,
		Metric:          v.Metric,
		CurrentValue:    v.Value,
		Threshold:       v.Threshold,
		CreatedAt:       v.OccurredAt,
		LastOccurredAt:  v.OccurredAt,
		Source:          "rules",
		OccurrenceCount: 1,
	}

	if m.store != nil {
		if err := m.store.CreateAlert(ctx, alert); err != nil {
			m.log.Error("persist new alert failed", zap.String("fingerprint", v.Fingerprint), zap.Error(err))
		}
	}

	m.open[v.Fingerprint] = alert
	m.lastCreated[v.Fingerprint] = v.OccurredAt
	m.appendHistory(alert)
	m.publish(events.EventAlert, "new", alert)
}

func (m *Manager) resolveAbsent(ctx context.Context, seen map[string]bool, now time.Time) {
	for fingerprint, alert := range m.open {
		if seen[fingerprint] {
			continue
		}
		if now.Sub(alert.LastOccurredAt) < m.resolveAfter {
			continue
		}

		resolvedAt := now
		alert.Status = types.AlertResolved
		alert.ResolvedAt = &resolvedAt

		if m.store != nil {
			if err := m.store.UpdateAlert(ctx, alert); err != nil {
				m.log.Error("persist alert resolution failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}

		delete(m.open, fingerprint)
		m.publish(events.EventAlert, "resolved", alert)
	}
}

// Acknowledge marks an open or historical alert acknowledged by the given
// actor. It is idempotent: acknowledging an already-acknowledged alert is
// a no-op that still returns success.
func (m *Manager) Acknowledge(ctx context.Context, alertID, by string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := m.find(alertID)
	if alert == nil {
		return nil, fmt.Errorf("alerts: alert %s not found", alertID)
	}

	alert.Acknowledged = true
	alert.AcknowledgedBy = by

	if m.store != nil {
		if err := m.store.UpdateAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("alerts: persist acknowledgement: %w", err)
		}
	}

	m.publish(events.EventAlert, "acknowledged", alert)
	return alert, nil
}

func (m *Manager) find(alertID string) *types.Alert {
	for _, a := range m.open {
		if a.ID == alertID {
			return a
		}
	}
	for _, a := range m.history {
		if a.ID == alertID {
			return a
		}
	}
	return nil
}

// Active returns a snapshot of every currently open alert.
func (m *Manager) Active() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, a)
	}
	return out
}

// History returns a snapshot of the bounded in-memory alert history.
func (m *Manager) History() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Alert, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) appendHistory(alert *types.Alert) {
	m.history = append(m.history, alert)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func (m *Manager) publish(eventType events.EventType, action string, alert *types.Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewEvent(eventType, "alerts", "all", events.PriorityHigh, map[string]interface{}{
		"action": action,
		"alert":  alert,
	}))
}
