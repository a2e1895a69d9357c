// Package config loads the agent's YAML configuration, expanding ${VAR}
// environment placeholders before parsing and applying defaults for any
// section left unset.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/opsagent/agent/internal/types"
	"gopkg.in/yaml.v3"
)

// SearchPaths are tried in order when no explicit path is given.
var SearchPaths = []string{
	"./opsagent.yaml",
	"./opsagent.yml",
	"./config/opsagent.yaml",
	"/etc/opsagent/opsagent.yaml",
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} occurrences with the environment value,
// leaving the placeholder's literal text in place when the variable is
// unset (rather than silently collapsing it to an empty string).
func expandEnv(raw []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPlaceholder.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads path, or the first existing entry in SearchPaths when path
// is empty, expands environment placeholders, and unmarshals into a
// defaulted Config.
func Load(path string) (*types.Config, error) {
	if path == "" {
		var err error
		path, err = discover()
		if err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(raw), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func discover() (string, error) {
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: no config file found in search path %v", SearchPaths)
}

// Default returns a Config with every section populated with safe,
// conservative defaults, matching the fallback a missing section should
// take per §6 (all sections optional).
func Default() *types.Config {
	return &types.Config{
		Collector: types.CollectorConfig{IntervalMs: 5_000},
		Alerts: types.AlertsConfig{
			CooldownMs:     5 * 60 * 1000,
			ResolveAfterMs: 2 * 5 * 60 * 1000,
			MaxHistory:     1000,
		},
		Rules: types.RulesConfig{
			CPU: types.CPURulesConfig{
				Usage:     types.ThresholdRuleConfig{Enabled: true, Threshold: 85, Severity: "warning"},
				Load:      types.ThresholdRuleConfig{Enabled: true, Threshold: 4, Severity: "warning"},
				Sustained: types.SustainedRuleConfig{Enabled: true, Threshold: 95, DurationMs: 5 * 60 * 1000, Severity: "critical"},
			},
			Memory: types.MemoryRulesConfig{
				Usage: types.ThresholdRuleConfig{Enabled: true, Threshold: 90, Severity: "warning"},
				Swap:  types.ThresholdRuleConfig{Enabled: true, Threshold: 50, Severity: "warning"},
			},
			Disk: types.DiskRulesConfig{
				Usage:      types.ThresholdRuleConfig{Enabled: true, Threshold: 85, Severity: "warning"},
				GrowthRate: types.RateRuleConfig{Enabled: true, RateThreshold: 1_000_000_000, WindowMs: 60 * 60 * 1000, Severity: "warning"},
			},
			Network: types.NetworkRulesConfig{
				ErrorRate: types.RateRuleConfig{Enabled: true, RateThreshold: 10, WindowMs: 5 * 60 * 1000, Severity: "warning"},
			},
			Processes: types.ProcessesRulesConfig{
				Zombie:          types.ThresholdRuleConfig{Enabled: true, Threshold: 5, Severity: "warning"},
				CPU:             types.ThresholdRuleConfig{Enabled: true, Threshold: 90, Severity: "warning"},
				Memory:          types.ThresholdRuleConfig{Enabled: true, Threshold: 80, Severity: "warning"},
				RateLimitWindow: 5 * 60 * 1000,
			},
			FileDescriptors: types.FileDescriptorsRulesConfig{
				Usage: types.ThresholdRuleConfig{Enabled: true, Threshold: 90, Severity: "critical"},
			},
		},
		Agent: types.AgentConfig{
			Provider:        types.ProviderOpenCode,
			PermissionLevel: types.PermissionLimited,
			AutoRemediate:   false,
		},
		Dashboard: types.DashboardConfig{
			Enabled: true,
			Port:    8787,
		},
		Netdata: types.NetdataConfig{
			PollIntervalS:   30,
			MonitorSeverity: types.NetdataAll,
		},
	}
}
