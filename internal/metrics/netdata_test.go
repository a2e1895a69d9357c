package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsagent/agent/internal/types"
)

func TestNetdataPollFingerprintMatchesSharedFormula(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(netdataAlarmsResponse{
			Alarms: map[string]netdataAlarm{
				"cpu_usage_alert": {
					Name:    "cpu_usage_alert",
					Chart:   "cpu",
					Context: "system.cpu",
					Status:  "CRITICAL",
					Value:   97.5,
					Info:    "CPU usage is high",
				},
			},
		})
	}))
	defer srv.Close()

	collector := NewNetdataCollector("srv-1", types.NetdataConfig{
		URL: srv.URL, MonitorSeverity: types.NetdataAll,
	})
	violations, err := collector.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}

	sum := sha256.Sum256([]byte("cpu_usage_alert:system.cpu:cpu"))
	want := hex.EncodeToString(sum[:])[:16]
	if violations[0].Fingerprint != want {
		t.Fatalf("fingerprint = %q, want %q", violations[0].Fingerprint, want)
	}
}

func TestNetdataPollSkipsClearedAlarms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(netdataAlarmsResponse{
			Alarms: map[string]netdataAlarm{
				"disk_space": {Name: "disk_space", Chart: "disk", Context: "disk.space", Status: "CLEAR"},
			},
		})
	}))
	defer srv.Close()

	collector := NewNetdataCollector("srv-1", types.NetdataConfig{URL: srv.URL, MonitorSeverity: types.NetdataAll})
	violations, err := collector.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations for a cleared alarm, got %+v", violations)
	}
}
