// Package approval implements the Approval Manager: a pending →
// {approved, rejected, cancelled, expired} state machine gating risky
// plugin tool invocations.
package approval

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
)

const (
	defaultExpiry         = time.Hour
	defaultCleanupInterval = 60 * time.Second
	terminalRetention      = 24 * time.Hour
)

// RiskPolicy is the risk-to-policy table, the single source of truth for
// whether a risk level auto-executes or requires a human decision.
type RiskPolicy struct {
	AutoExecute      bool
	RequiresApproval bool
}

var riskPolicies = map[types.RiskLevel]RiskPolicy{
	types.RiskLow:      {AutoExecute: true, RequiresApproval: false},
	types.RiskMedium:   {AutoExecute: false, RequiresApproval: true},
	types.RiskHigh:     {AutoExecute: false, RequiresApproval: true},
	types.RiskCritical: {AutoExecute: false, RequiresApproval: true},
}

// PolicyFor returns the configured policy for a risk level, defaulting to
// requiring approval for any level the table doesn't name.
func PolicyFor(risk types.RiskLevel) RiskPolicy {
	if p, ok := riskPolicies[risk]; ok {
		return p
	}
	return RiskPolicy{AutoExecute: false, RequiresApproval: true}
}

// CreateRequestInput is the input to CreateRequest.
type CreateRequestInput struct {
	ServerID   string
	PluginID   string
	SessionID  string
	Operation  string
	Parameters map[string]any
	RiskLevel  types.RiskLevel
	Reason     string
	ExpiresAt  time.Time
}

// Manager tracks pending ApprovalRequests in memory (mirroring durable
// storage) so cleanup can scan for expiry without a full table query on
// every tick.
type Manager struct {
	mu sync.Mutex

	store storage.Store
	bus   *events.Bus
	log   *zap.Logger

	defaultExpiry   time.Duration
	cleanupInterval time.Duration

	pending    map[string]*types.ApprovalRequest
	terminalAt map[string]time.Time

	cron *cron.Cron
}

// New builds an Approval Manager and starts its cleanup timer.
func New(store storage.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:           store,
		bus:             bus,
		log:             log.Named("approval"),
		defaultExpiry:   defaultExpiry,
		cleanupInterval: defaultCleanupInterval,
		pending:         make(map[string]*types.ApprovalRequest),
		terminalAt:      make(map[string]time.Time),
		cron:            cron.New(),
	}
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cleanupInterval), m.runCleanup); err != nil {
		m.log.Error("schedule cleanup timer failed", zap.Error(err))
	}
	m.cron.Start()
	return m
}

// CreateRequest records a new pending approval, defaulting expiresAt to
// requestedAt + 1h.
func (m *Manager) CreateRequest(ctx context.Context, in CreateRequestInput) (*types.ApprovalRequest, error) {
	now := time.Now()
	expiresAt := in.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(m.defaultExpiry)
	}

	req := &types.ApprovalRequest{
		ID:          uuid.New().String(),
		ServerID:    in.ServerID,
		SessionID:   in.SessionID,
		PluginID:    in.PluginID,
		Operation:   in.Operation,
		Parameters:  in.Parameters,
		RiskLevel:   in.RiskLevel,
		Reason:      in.Reason,
		Status:      types.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   expiresAt,
	}
	if err := m.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: create request: %w", err)
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.publish(req, "created", events.EventApprovalCreated)
	return req, nil
}

// Approve transitions a pending request to approved. Fails on any
// non-pending or expired request without retrying — stale approval state
// is a client error, not a transient failure.
func (m *Manager) Approve(ctx context.Context, id, approvedBy, reason string) (*types.ApprovalRequest, error) {
	return m.resolve(ctx, id, types.ApprovalApproved, approvedBy, reason)
}

// Reject is symmetric to Approve.
func (m *Manager) Reject(ctx context.Context, id, rejectedBy, reason string) (*types.ApprovalRequest, error) {
	return m.resolve(ctx, id, types.ApprovalRejected, rejectedBy, reason)
}

// Cancel is symmetric to Approve; typically invoked by the requester
// rather than an approver.
func (m *Manager) Cancel(ctx context.Context, id, cancelledBy string) (*types.ApprovalRequest, error) {
	return m.resolve(ctx, id, types.ApprovalCanceled, cancelledBy, "")
}

func (m *Manager) resolve(ctx context.Context, id string, status types.ApprovalStatus, by, reason string) (*types.ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return nil, apperror.New(apperror.CodeConflict, "approval request is not pending")
	}

	now := time.Now()
	if req.Status != types.ApprovalPending || now.After(req.ExpiresAt) {
		return nil, apperror.New(apperror.CodeConflict, "approval request is not pending")
	}

	req.Status = status
	req.RespondedAt = &now
	req.RespondedBy = by
	req.ResponseReason = reason
	if err := m.store.UpdateApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: resolve request: %w", err)
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.terminalAt[id] = now
	m.mu.Unlock()

	m.publish(req, string(status), events.EventApprovalResolved)
	return req, nil
}

// Get returns a request, checking the live pending index first and
// falling back to durable storage for terminal requests.
func (m *Manager) Get(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.pending[id]
	m.mu.Unlock()
	if ok {
		return req, nil
	}
	return m.store.GetApprovalRequest(ctx, id)
}

// ListPending returns every currently pending request.
func (m *Manager) ListPending(ctx context.Context) ([]*types.ApprovalRequest, error) {
	return m.store.ListPendingApprovals(ctx)
}

// Shutdown stops the cleanup timer.
func (m *Manager) Shutdown() {
	m.cron.Stop()
}

// runCleanup expires pending requests past their deadline and garbage
// collects terminal entries older than 24h from the in-memory index. The
// durable audit trail is untouched by GC.
func (m *Manager) runCleanup() {
	ctx := context.Background()
	now := time.Now()

	m.mu.Lock()
	var expired []*types.ApprovalRequest
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, req)
			delete(m.pending, id)
		}
	}
	for id, at := range m.terminalAt {
		if now.Sub(at) >= terminalRetention {
			delete(m.terminalAt, id)
		}
	}
	m.mu.Unlock()

	for _, req := range expired {
		req.Status = types.ApprovalExpired
		req.RespondedAt = &now
		if err := m.store.UpdateApprovalRequest(ctx, req); err != nil {
			m.log.Error("expire approval request failed", zap.String("id", req.ID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.terminalAt[req.ID] = now
		m.mu.Unlock()
		m.publish(req, "expired", events.EventApprovalResolved)
	}
}

func (m *Manager) publish(req *types.ApprovalRequest, action string, eventType events.EventType) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewEvent(eventType, "approval", "all", events.PriorityHigh, map[string]interface{}{
		"action":  action,
		"request": req,
	}))
}
