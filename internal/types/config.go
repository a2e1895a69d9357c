package types

// Config is the top-level YAML configuration document. Every section is
// optional except where its own zero value would be unsafe (see
// internal/config for defaulting).
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Rules     RulesConfig     `yaml:"rules"`
	Agent     AgentConfig     `yaml:"agent"`
	Discord   DiscordConfig   `yaml:"discord"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Netdata   NetdataConfig   `yaml:"netdata"`
}

// CollectorConfig controls the sampling worker's cadence.
type CollectorConfig struct {
	IntervalMs int64 `yaml:"interval"`
}

// AlertsConfig controls the Alert Manager's dedup/cooldown/history window.
type AlertsConfig struct {
	CooldownMs     int64 `yaml:"cooldown"`
	ResolveAfterMs int64 `yaml:"resolveAfterMs"`
	MaxHistory     int   `yaml:"maxHistory"`
}

// ThresholdRuleConfig configures one built-in threshold rule.
type ThresholdRuleConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

// SustainedRuleConfig configures one built-in sustained rule.
type SustainedRuleConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Threshold  float64 `yaml:"threshold"`
	DurationMs int64   `yaml:"duration"`
	Severity   string  `yaml:"severity"`
}

// RateRuleConfig configures one built-in rate rule.
type RateRuleConfig struct {
	Enabled       bool    `yaml:"enabled"`
	RateThreshold float64 `yaml:"rateThreshold"`
	WindowMs      int64   `yaml:"window"`
	Severity      string  `yaml:"severity"`
}

// RulesConfig groups the per-metric-family built-in rule configuration
// enumerated by the rule catalogue.
type RulesConfig struct {
	CPU             CPURulesConfig             `yaml:"cpu"`
	Memory          MemoryRulesConfig          `yaml:"memory"`
	Disk            DiskRulesConfig            `yaml:"disk"`
	Network         NetworkRulesConfig         `yaml:"network"`
	Processes       ProcessesRulesConfig       `yaml:"processes"`
	FileDescriptors FileDescriptorsRulesConfig `yaml:"fileDescriptors"`
}

type CPURulesConfig struct {
	Usage    ThresholdRuleConfig `yaml:"usage"`
	Load     ThresholdRuleConfig `yaml:"load"`
	Sustained SustainedRuleConfig `yaml:"sustained"`
}

type MemoryRulesConfig struct {
	Usage ThresholdRuleConfig `yaml:"usage"`
	Swap  ThresholdRuleConfig `yaml:"swap"`
}

type DiskRulesConfig struct {
	Usage      ThresholdRuleConfig `yaml:"usage"`
	GrowthRate RateRuleConfig      `yaml:"growthRate"`
}

type NetworkRulesConfig struct {
	ErrorRate RateRuleConfig `yaml:"errorRate"`
}

type ProcessesRulesConfig struct {
	Zombie          ThresholdRuleConfig `yaml:"zombie"`
	CPU             ThresholdRuleConfig `yaml:"cpu"`
	Memory          ThresholdRuleConfig `yaml:"memory"`
	RateLimitWindow int64               `yaml:"rateLimitWindow"`
}

type FileDescriptorsRulesConfig struct {
	Usage ThresholdRuleConfig `yaml:"usage"`
}

// AgentProvider is the LLM backend the chat orchestrator talks to.
type AgentProvider string

const (
	ProviderOpenCode   AgentProvider = "opencode"
	ProviderOpenRouter AgentProvider = "openrouter"
)

// PermissionLevel bounds what the chat orchestrator may do without
// escalating to an approval request.
type PermissionLevel string

const (
	PermissionFull     PermissionLevel = "full"
	PermissionLimited  PermissionLevel = "limited"
	PermissionReadonly PermissionLevel = "readonly"
)

// AgentConfig controls the chat orchestrator and its LLM backend.
type AgentConfig struct {
	Model           string          `yaml:"model"`
	Provider        AgentProvider   `yaml:"provider"`
	AutoRemediate   bool            `yaml:"autoRemediate"`
	PermissionLevel PermissionLevel `yaml:"permissionLevel"`
}

// DiscordConfig controls the Discord notifier.
type DiscordConfig struct {
	Enabled             bool   `yaml:"enabled"`
	WebhookURL          string `yaml:"webhookUrl"`
	NotifyOnCritical    bool   `yaml:"notifyOnCritical"`
	NotifyOnAgentAction bool   `yaml:"notifyOnAgentAction"`
}

// DashboardConfig controls the REST+realtime server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NetdataSeverityMode selects which external-collector alerts are ingested.
type NetdataSeverityMode string

const (
	NetdataWarningOnly NetdataSeverityMode = "warning"
	NetdataCriticalOnly NetdataSeverityMode = "critical"
	NetdataAll          NetdataSeverityMode = "all"
)

// NetdataConfig controls the external (pull-from-monitoring-service)
// collector driver.
type NetdataConfig struct {
	URL             string               `yaml:"url"`
	PollIntervalS   int                  `yaml:"pollInterval"`
	MonitorSeverity NetdataSeverityMode  `yaml:"monitorSeverity"`
	SeverityMapping map[string]Severity  `yaml:"severityMapping"`
	IgnoreAlerts    []string             `yaml:"ignoreAlerts"`
	ForceAlerts     []string             `yaml:"forceAlerts"`
}
