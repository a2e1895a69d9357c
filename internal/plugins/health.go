package plugins

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/types"
)

// startSupervision schedules periodic checkHealth calls for an instance.
// The job cancels cleanly: RemoveInstance/Shutdown stop it before the
// instance's metadata or backend connection go away.
func (r *Registry) startSupervision(instanceID string) {
	entryID, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.healthInterval), func() {
		r.checkInstanceHealth(instanceID)
	})
	if err != nil {
		r.log.Error("schedule health supervision failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}

	r.mu.Lock()
	if entry, ok := r.instances[instanceID]; ok {
		entry.healthID = entryID
	}
	r.mu.Unlock()
}

func (r *Registry) stopSupervision(entry *instanceEntry) {
	if entry.healthID != 0 {
		r.cron.Remove(entry.healthID)
	}
}

func (r *Registry) checkInstanceHealth(instanceID string) {
	entry, err := r.entry(instanceID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.meta.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, message, err := entry.cap.CheckHealth(ctx)
	if err != nil {
		status = types.HealthUnhealthy
		message = err.Error()
	}

	previous := entry.meta.HealthStatus
	entry.meta.HealthStatus = status
	entry.meta.HealthMessage = message
	entry.meta.LastHealthCheck = time.Now()

	meta := *entry.meta
	if err := r.store.UpdatePluginInstance(ctx, &meta); err != nil {
		r.log.Error("persist health check result failed", zap.String("instance_id", instanceID), zap.Error(err))
	}

	if previous != status {
		r.publish(events.EventPluginHealth, "health_changed", map[string]interface{}{
			"instance_id": instanceID,
			"previous":    string(previous),
			"current":     string(status),
			"message":     message,
		})
	}
}
