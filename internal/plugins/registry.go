package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
	"github.com/opsagent/agent/internal/vault"
)

const defaultHealthInterval = 60 * time.Second

// instanceEntry pairs a live Capability with its durable metadata.
// Holding entry.mu for the duration of a health check or tool execution
// gives the instance exclusive ownership of its backend connection.
type instanceEntry struct {
	mu       sync.Mutex
	meta     *types.PluginInstance
	cap      Capability
	healthID cron.EntryID
}

// Registry is the plugin type catalogue plus per-server instance
// supervisor.
type Registry struct {
	mu sync.RWMutex

	store storage.Store
	bus   *events.Bus
	vault *vault.Vault
	log   *zap.Logger

	healthInterval time.Duration

	plugins   map[string]*types.Plugin
	factories map[string]Factory
	instances map[string]*instanceEntry

	cron *cron.Cron
}

// New builds a Registry and starts its health-check scheduler. vault may
// be nil, in which case instance configs are stored in plaintext.
func New(healthInterval time.Duration, store storage.Store, bus *events.Bus, v *vault.Vault, log *zap.Logger) *Registry {
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		store:          store,
		bus:            bus,
		vault:          v,
		log:            log.Named("plugins"),
		healthInterval: healthInterval,
		plugins:        make(map[string]*types.Plugin),
		factories:      make(map[string]Factory),
		instances:      make(map[string]*instanceEntry),
		cron:           cron.New(),
	}
	r.cron.Start()
	return r
}

// RegisterPlugin adds a plugin type to the catalogue. Re-registering an
// existing id is a conflict, not a silent overwrite.
func (r *Registry) RegisterPlugin(ctx context.Context, plugin *types.Plugin, factory Factory) error {
	r.mu.Lock()
	if _, exists := r.plugins[plugin.ID]; exists {
		r.mu.Unlock()
		return apperror.New(apperror.CodeConflict, fmt.Sprintf("plugin %q already registered", plugin.ID))
	}
	r.plugins[plugin.ID] = plugin
	r.factories[plugin.ID] = factory
	r.mu.Unlock()

	if err := r.store.RegisterPlugin(ctx, plugin); err != nil {
		r.mu.Lock()
		delete(r.plugins, plugin.ID)
		delete(r.factories, plugin.ID)
		r.mu.Unlock()
		return fmt.Errorf("plugins: register: %w", err)
	}
	return nil
}

// UnregisterPlugin removes a plugin type. Fails while any instance of it
// still exists.
func (r *Registry) UnregisterPlugin(ctx context.Context, pluginID string) error {
	if err := r.store.DeletePlugin(ctx, pluginID); err != nil {
		return fmt.Errorf("plugins: unregister: %w", err)
	}
	r.mu.Lock()
	delete(r.plugins, pluginID)
	delete(r.factories, pluginID)
	r.mu.Unlock()
	return nil
}

// CreateInstance validates config against the plugin's own validator,
// initializes a fresh Capability, and on success records the instance
// and starts its health supervisor. A failed Initialize leaves nothing
// behind.
func (r *Registry) CreateInstance(ctx context.Context, pluginID, serverID string, config map[string]any) (*types.PluginInstance, error) {
	r.mu.RLock()
	_, known := r.plugins[pluginID]
	factory, hasFactory := r.factories[pluginID]
	r.mu.RUnlock()
	if !known || !hasFactory {
		return nil, apperror.NotFound("plugin", pluginID)
	}

	backend := factory()
	if err := backend.ValidateConfig(config); err != nil {
		return nil, apperror.Validation("config", err.Error())
	}
	if err := backend.Initialize(ctx, config); err != nil {
		return nil, fmt.Errorf("plugins: initialize instance: %w", err)
	}

	storedConfig := config
	if r.vault != nil {
		enc, err := r.vault.EncryptConfig(config)
		if err != nil {
			_ = backend.Shutdown(ctx)
			return nil, fmt.Errorf("plugins: encrypt instance config: %w", err)
		}
		storedConfig = enc
	}

	inst := &types.PluginInstance{
		ID:           uuid.New().String(),
		ServerID:     serverID,
		PluginID:     pluginID,
		Config:       storedConfig,
		Status:       types.InstanceActive,
		HealthStatus: types.HealthUnknown,
		Enabled:      true,
		CreatedAt:    time.Now(),
	}
	if err := r.store.CreatePluginInstance(ctx, inst); err != nil {
		_ = backend.Shutdown(ctx)
		return nil, fmt.Errorf("plugins: persist instance: %w", err)
	}

	entry := &instanceEntry{meta: inst, cap: backend}
	r.mu.Lock()
	r.instances[inst.ID] = entry
	r.mu.Unlock()

	r.startSupervision(inst.ID)
	r.publish(events.EventPluginRegistered, "instance_created", map[string]any{"instance": inst})
	return inst, nil
}

// SetInstanceEnabled suspends or resumes health supervision without
// closing the backend connection.
func (r *Registry) SetInstanceEnabled(ctx context.Context, instanceID string, enabled bool) error {
	entry, err := r.entry(instanceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.meta.Enabled = enabled
	if !enabled {
		entry.meta.HealthStatus = types.HealthUnknown
	}
	meta := *entry.meta
	entry.mu.Unlock()

	return r.store.UpdatePluginInstance(ctx, &meta)
}

// RemoveInstance stops supervision, shuts the backend connection down
// (logging but not blocking on its error), and deletes the instance's
// metadata.
func (r *Registry) RemoveInstance(ctx context.Context, instanceID string) error {
	entry, err := r.entry(instanceID)
	if err != nil {
		return err
	}

	r.stopSupervision(entry)

	entry.mu.Lock()
	if shutdownErr := entry.cap.Shutdown(ctx); shutdownErr != nil {
		r.log.Error("instance shutdown failed", zap.String("instance_id", instanceID), zap.Error(shutdownErr))
	}
	entry.mu.Unlock()

	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()

	if err := r.store.DeletePluginInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("plugins: delete instance metadata: %w", err)
	}
	return nil
}

// GetInstanceHealth returns an instance's most recently observed health.
func (r *Registry) GetInstanceHealth(instanceID string) (types.HealthStatus, string, error) {
	entry, err := r.entry(instanceID)
	if err != nil {
		return "", "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.meta.HealthStatus, entry.meta.HealthMessage, nil
}

// InstanceMeta returns an instance's current metadata snapshot.
func (r *Registry) InstanceMeta(instanceID string) (*types.PluginInstance, error) {
	entry, err := r.entry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	meta := *entry.meta
	return &meta, nil
}

// Plugin returns a registered plugin's type metadata.
func (r *Registry) Plugin(pluginID string) (*types.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[pluginID]
	return p, ok
}

// GetInstanceTools lists the tools a live instance's backend exposes.
func (r *Registry) GetInstanceTools(instanceID string) ([]types.PluginTool, error) {
	entry, err := r.entry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.cap.GetTools(), nil
}

// GetServerInstances returns every live instance bound to a server.
func (r *Registry) GetServerInstances(serverID string) []*types.PluginInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.PluginInstance
	for _, entry := range r.instances {
		if entry.meta.ServerID == serverID {
			out = append(out, entry.meta)
		}
	}
	return out
}

// GetPluginInstances returns every live instance of a plugin type.
func (r *Registry) GetPluginInstances(pluginID string) []*types.PluginInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.PluginInstance
	for _, entry := range r.instances {
		if entry.meta.PluginID == pluginID {
			out = append(out, entry.meta)
		}
	}
	return out
}

// Shutdown stops the health scheduler and every live instance's backend
// connection. Called once, at process shutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cron.Stop()

	r.mu.Lock()
	entries := make([]*instanceEntry, 0, len(r.instances))
	for _, entry := range r.instances {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if err := entry.cap.Shutdown(ctx); err != nil {
			r.log.Error("instance shutdown failed during registry shutdown",
				zap.String("instance_id", entry.meta.ID), zap.Error(err))
		}
		entry.mu.Unlock()
	}
}

func (r *Registry) entry(instanceID string) (*instanceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[instanceID]
	if !ok {
		return nil, apperror.NotFound("plugin_instance", instanceID)
	}
	return entry, nil
}

func (r *Registry) publish(eventType events.EventType, action string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	payload["action"] = action
	r.bus.Publish(events.NewEvent(eventType, "plugins", "all", events.PriorityNormal, payload))
}
