package approval

import (
	"context"
	"testing"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	m := New(store, events.NewBus(nil, nil), nil)
	t.Cleanup(m.Shutdown)
	return m, store
}

func TestCreateRequestDefaultsExpiry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req, err := m.CreateRequest(ctx, CreateRequestInput{
		ServerID:  "srv-1",
		PluginID:  "pg",
		Operation: "restart-service",
		RiskLevel: types.RiskHigh,
		Reason:    "service unresponsive",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if req.Status != types.ApprovalPending {
		t.Fatalf("expected pending status, got %s", req.Status)
	}
	if !req.ExpiresAt.After(req.RequestedAt) {
		t.Fatal("expected expiresAt to default past requestedAt")
	}
}

func TestApproveTransitionsToApproved(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	req, err := m.CreateRequest(ctx, CreateRequestInput{ServerID: "srv-1", PluginID: "pg", Operation: "x", RiskLevel: types.RiskMedium})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	approved, err := m.Approve(ctx, req.ID, "operator@example.com", "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != types.ApprovalApproved || approved.RespondedBy != "operator@example.com" {
		t.Fatalf("unexpected approved request: %+v", approved)
	}
}

func TestApproveFailsOnNonPending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	req, err := m.CreateRequest(ctx, CreateRequestInput{ServerID: "srv-1", PluginID: "pg", Operation: "x", RiskLevel: types.RiskMedium})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Approve(ctx, req.ID, "a", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := m.Approve(ctx, req.ID, "b", ""); err == nil {
		t.Fatal("expected idempotent-fail on re-approving a non-pending request")
	}
}

func TestRejectAndCancelAreSymmetric(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	rejectReq, err := m.CreateRequest(ctx, CreateRequestInput{ServerID: "srv-1", PluginID: "pg", Operation: "x", RiskLevel: types.RiskMedium})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rejected, err := m.Reject(ctx, rejectReq.ID, "operator", "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != types.ApprovalRejected {
		t.Fatalf("expected rejected status, got %s", rejected.Status)
	}

	cancelReq, err := m.CreateRequest(ctx, CreateRequestInput{ServerID: "srv-1", PluginID: "pg", Operation: "y", RiskLevel: types.RiskMedium})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := m.Cancel(ctx, cancelReq.ID, "requester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.ApprovalCanceled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
}

func TestPolicyForMatchesRiskTable(t *testing.T) {
	cases := []struct {
		risk             types.RiskLevel
		autoExecute      bool
		requiresApproval bool
	}{
		{types.RiskLow, true, false},
		{types.RiskMedium, false, true},
		{types.RiskHigh, false, true},
		{types.RiskCritical, false, true},
	}
	for _, c := range cases {
		policy := PolicyFor(c.risk)
		if policy.AutoExecute != c.autoExecute || policy.RequiresApproval != c.requiresApproval {
			t.Errorf("risk %s: expected {%v,%v}, got %+v", c.risk, c.autoExecute, c.requiresApproval, policy)
		}
	}
}
