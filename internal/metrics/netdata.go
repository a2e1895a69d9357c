package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opsagent/agent/internal/types"
)

// netdataAlarm mirrors the subset of a Netdata agent's
// /api/v1/alarms?active response this driver consumes.
type netdataAlarm struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Chart     string  `json:"chart"`
	Context   string  `json:"context"`
	Status    string  `json:"status"`
	Value     float64 `json:"value"`
	Info      string  `json:"info"`
	Units     string  `json:"units"`
	LastStatusChange float64 `json:"last_status_change"`
}

type netdataAlarmsResponse struct {
	Alarms map[string]netdataAlarm `json:"alarms"`
}

// NetdataCollector is the external alert-feed driver variant: it polls a
// Netdata agent's alarm endpoint and translates raised/cleared alarms
// directly into RuleViolations, bypassing metric-path evaluation
// entirely. When this driver is active the Rule Engine is not run.
type NetdataCollector struct {
	serverID string
	cfg      types.NetdataConfig
	client   *http.Client

	lastStatus map[string]string // alarm name -> last seen status
}

// NewNetdataCollector returns a poller for the configured Netdata agent.
func NewNetdataCollector(serverID string, cfg types.NetdataConfig) *NetdataCollector {
	return &NetdataCollector{
		serverID:   serverID,
		cfg:        cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		lastStatus: make(map[string]string),
	}
}

// Poll fetches the current alarm set and returns a RuleViolation for every
// alarm whose status is "raised" this poll, subject to monitorSeverity,
// ignoreAlerts and forceAlerts filtering. Cleared alarms are tracked so a
// later resolution can be detected by the Alert Manager's absence-based
// auto-resolution — this driver does not emit a separate "cleared" event.
func (n *NetdataCollector) Poll(ctx context.Context) ([]types.RuleViolation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.URL+"/api/v1/alarms?active", nil)
	if err != nil {
		return nil, fmt.Errorf("netdata: build request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netdata: poll alarms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("netdata: unexpected status %d", resp.StatusCode)
	}

	var parsed netdataAlarmsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("netdata: decode response: %w", err)
	}

	now := time.Now()
	var violations []types.RuleViolation

	for name, alarm := range parsed.Alarms {
		n.lastStatus[name] = alarm.Status
		if alarm.Status != "WARNING" && alarm.Status != "CRITICAL" {
			continue
		}

		severity := n.severityFor(name, alarm.Status)
		if !n.included(name, severity) {
			continue
		}

		fingerprint := issueFingerprint(name, alarm.Context, alarm.Chart)
		violations = append(violations, types.RuleViolation{
			RuleID:      "netdata:" + name,
			ServerID:    n.serverID,
			Metric:      alarm.Chart,
			Value:       alarm.Value,
			Severity:    severity,
			Message:     alarm.Info,
			OccurredAt:  now,
			Fingerprint: fingerprint,
		})
	}

	return violations, nil
}

func (n *NetdataCollector) severityFor(alarmName, status string) types.Severity {
	if mapped, ok := n.cfg.SeverityMapping[alarmName]; ok {
		return mapped
	}
	if status == "CRITICAL" {
		return types.SeverityCritical
	}
	return types.SeverityWarning
}

func (n *NetdataCollector) included(alarmName string, severity types.Severity) bool {
	for _, ignored := range n.cfg.IgnoreAlerts {
		if ignored == alarmName {
			return false
		}
	}
	for _, forced := range n.cfg.ForceAlerts {
		if forced == alarmName {
			return true
		}
	}
	switch n.cfg.MonitorSeverity {
	case types.NetdataWarningOnly:
		return severity == types.SeverityWarning
	case types.NetdataCriticalOnly:
		return severity == types.SeverityCritical
	default:
		return true
	}
}
