package metrics

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsagent/agent/internal/metricsample"
	"github.com/opsagent/agent/internal/types"
)

// ruleHistoryWindow bounds the in-memory sample history kept for rate
// rules; older points are trimmed on every insert.
const ruleHistoryWindow = time.Hour

type ratePoint struct {
	at    time.Time
	value float64
}

// sustainedState tracks one sustained-rule key's open violating window.
// emitted latches once the window has fired so later ticks within the
// same unbroken violating run don't re-emit; a non-violating sample
// deletes the entry outright, which is what allows a later window to
// fire again.
type sustainedState struct {
	start   time.Time
	emitted bool
}

// RuleEngine evaluates an immutable rule set against each collected
// sample, stateless per tick except for the sustained/rate bookkeeping it
// owns exclusively (mutated only by the collector worker, per the
// concurrency model).
type RuleEngine struct {
	rules []types.Rule

	// processCPURule/processMemoryRule apply per-process, not against an
	// aggregate metric path, so they are evaluated directly by
	// evaluateProcesses rather than through the main rule loop.
	processCPURule    *types.Rule
	processMemoryRule *types.Rule

	mu             sync.Mutex
	sustainedStart map[string]sustainedState
	rateHistory    map[string][]ratePoint

	limiterMu       sync.Mutex
	processLimiters map[string]*rate.Limiter
	rateLimitWindow time.Duration
}

// NewRuleEngine builds the built-in rule catalogue from config.
func NewRuleEngine(cfg types.RulesConfig) *RuleEngine {
	window := time.Duration(cfg.Processes.RateLimitWindow) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Minute
	}
	e := &RuleEngine{
		rules:           BuildRules(cfg),
		sustainedStart:  make(map[string]sustainedState),
		rateHistory:     make(map[string][]ratePoint),
		processLimiters: make(map[string]*rate.Limiter),
		rateLimitWindow: window,
	}
	if cfg.Processes.CPU.Enabled {
		r := types.Rule{ID: "processes-cpu", Name: "high-cpu process", Metric: "cpuPercent",
			Comparator: types.CmpGreaterThan, Threshold: cfg.Processes.CPU.Threshold,
			Severity: types.Severity(cfg.Processes.CPU.Severity), Type: types.RuleThreshold, Enabled: true}
		e.processCPURule = &r
	}
	if cfg.Processes.Memory.Enabled {
		r := types.Rule{ID: "processes-memory", Name: "high-memory process", Metric: "memPercent",
			Comparator: types.CmpGreaterThan, Threshold: cfg.Processes.Memory.Threshold,
			Severity: types.Severity(cfg.Processes.Memory.Severity), Type: types.RuleThreshold, Enabled: true}
		e.processMemoryRule = &r
	}
	return e
}

// BuildRules translates the config's per-metric-family rule knobs into
// the concrete Rule list, in the fixed cpu/memory/disk/network/processes/
// fileDescriptors registration order that governs tie-breaking.
func BuildRules(cfg types.RulesConfig) []types.Rule {
	var rules []types.Rule

	if cfg.CPU.Usage.Enabled {
		rules = append(rules, newThresholdRule("cpu-usage", "cpu.usage", cfg.CPU.Usage))
	}
	if cfg.CPU.Load.Enabled {
		rules = append(rules, newThresholdRule("cpu-load1", "cpu.load1", cfg.CPU.Load))
	}
	if cfg.CPU.Sustained.Enabled {
		rules = append(rules, types.Rule{
			ID: "cpu-sustained", Name: "sustained high CPU", Metric: "cpu.usage",
			Comparator: types.CmpGreaterOrEqual, Threshold: cfg.CPU.Sustained.Threshold,
			Severity: types.Severity(cfg.CPU.Sustained.Severity), Type: types.RuleSustained,
			Enabled: true, DurationMs: cfg.CPU.Sustained.DurationMs,
		})
	}
	if cfg.Memory.Usage.Enabled {
		rules = append(rules, newThresholdRule("memory-usage", "memory.usedPct", cfg.Memory.Usage))
	}
	if cfg.Memory.Swap.Enabled {
		rules = append(rules, newThresholdRule("memory-swap", "memory.swapPct", cfg.Memory.Swap))
	}
	if cfg.Disk.Usage.Enabled {
		rules = append(rules, newThresholdRule("disk-usage", "disk.maxUsedPercent", cfg.Disk.Usage))
	}
	if cfg.Disk.GrowthRate.Enabled {
		rules = append(rules, types.Rule{
			ID: "disk-growth-rate", Name: "disk growth rate", Metric: "disk.totalUsed",
			Comparator: types.CmpGreaterThan, RateThreshold: cfg.Disk.GrowthRate.RateThreshold,
			Severity: types.Severity(cfg.Disk.GrowthRate.Severity), Type: types.RuleRate,
			Enabled: true, WindowMs: cfg.Disk.GrowthRate.WindowMs,
		})
	}
	if cfg.Network.ErrorRate.Enabled {
		rules = append(rules, types.Rule{
			ID: "network-error-rate", Name: "network error rate", Metric: "network.errorRate",
			Comparator: types.CmpGreaterThan, RateThreshold: cfg.Network.ErrorRate.RateThreshold,
			Severity: types.Severity(cfg.Network.ErrorRate.Severity), Type: types.RuleRate,
			Enabled: true, WindowMs: cfg.Network.ErrorRate.WindowMs,
		})
	}
	if cfg.Processes.Zombie.Enabled {
		rules = append(rules, newThresholdRule("processes-zombie", "processes.zombie", cfg.Processes.Zombie))
	}
	if cfg.FileDescriptors.Usage.Enabled {
		rules = append(rules, newThresholdRule("fd-usage", "fileDescriptors.usedPct", cfg.FileDescriptors.Usage))
	}

	return rules
}

func newThresholdRule(id, metric string, c types.ThresholdRuleConfig) types.Rule {
	return types.Rule{
		ID: id, Name: id, Metric: metric, Comparator: types.CmpGreaterThan,
		Threshold: c.Threshold, Severity: types.Severity(c.Severity), Type: types.RuleThreshold, Enabled: true,
	}
}

// Evaluate runs every enabled rule against sample, plus the per-mount and
// per-process synthetic rules, returning violations in rule-registration
// order (synthetic violations appended after the base rule set, in
// mount/process iteration order).
func (e *RuleEngine) Evaluate(sample types.MetricSample) []types.RuleViolation {
	var violations []types.RuleViolation
	now := sample.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if v, ok := e.evaluateRule(r, sample, now, r.Metric, r.ID); ok {
			violations = append(violations, v)
		}
	}

	violations = append(violations, e.evaluateMounts(sample, now)...)
	violations = append(violations, e.evaluateProcesses(sample, now)...)

	return violations
}

func (e *RuleEngine) evaluateRule(r types.Rule, sample types.MetricSample, now time.Time, metricOverride, stateKey string) (types.RuleViolation, bool) {
	value, ok := metricsample.GetValue(sample, metricOverride)
	if !ok {
		return types.RuleViolation{}, false
	}

	switch r.Type {
	case types.RuleThreshold:
		if !r.Evaluate(value) {
			return types.RuleViolation{}, false
		}
		return e.violation(r, value, now), true

	case types.RuleSustained:
		violating := r.Evaluate(value)
		e.mu.Lock()
		defer e.mu.Unlock()
		state, started := e.sustainedStart[stateKey]
		if !violating {
			delete(e.sustainedStart, stateKey)
			return types.RuleViolation{}, false
		}
		if !started {
			e.sustainedStart[stateKey] = sustainedState{start: now}
			return types.RuleViolation{}, false
		}
		duration := time.Duration(r.DurationMs) * time.Millisecond
		if now.Sub(state.start) < duration || state.emitted {
			return types.RuleViolation{}, false
		}
		state.emitted = true
		e.sustainedStart[stateKey] = state
		return e.violation(r, value, now), true

	case types.RuleRate:
		e.mu.Lock()
		defer e.mu.Unlock()
		history := append(e.rateHistory[stateKey], ratePoint{at: now, value: value})
		cutoff := now.Add(-ruleHistoryWindow)
		trimmed := history[:0]
		for _, p := range history {
			if p.at.After(cutoff) {
				trimmed = append(trimmed, p)
			}
		}
		e.rateHistory[stateKey] = trimmed
		if len(trimmed) < 2 {
			return types.RuleViolation{}, false
		}
		oldest, latest := trimmed[0], trimmed[len(trimmed)-1]
		hours := latest.at.Sub(oldest.at).Hours()
		if hours <= 0 {
			return types.RuleViolation{}, false
		}
		ratePerHour := (latest.value - oldest.value) / hours
		if ratePerHour <= r.RateThreshold {
			return types.RuleViolation{}, false
		}
		return e.violation(r, latest.value, now), true

	default:
		return types.RuleViolation{}, false
	}
}

func (e *RuleEngine) violation(r types.Rule, value float64, now time.Time) types.RuleViolation {
	message := r.Message
	if message == "" {
		message = fmt.Sprintf("%s %s %.2f (threshold %.2f)", r.Metric, r.Comparator, value, r.Threshold)
	}
	return types.RuleViolation{
		RuleID:      r.ID,
		Metric:      r.Metric,
		Value:       value,
		Threshold:   r.Threshold,
		Severity:    r.Severity,
		Message:     message,
		OccurredAt:  now,
		Fingerprint: issueFingerprint(r.ID, r.Metric, ""),
	}
}

// evaluateMounts emits a synthetic violation for every mount exceeding
// the configured disk usage threshold, independent of the aggregate
// disk.maxUsedPercent rule.
func (e *RuleEngine) evaluateMounts(sample types.MetricSample, now time.Time) []types.RuleViolation {
	var diskRule *types.Rule
	for i := range e.rules {
		if e.rules[i].ID == "disk-usage" {
			diskRule = &e.rules[i]
			break
		}
	}
	if diskRule == nil {
		return nil
	}

	var out []types.RuleViolation
	for _, mount := range sample.Disk.Mounts {
		if !diskRule.Evaluate(mount.UsedPercent) {
			continue
		}
		out = append(out, types.RuleViolation{
			RuleID:    diskRule.ID,
			Metric:    fmt.Sprintf("disk.mounts[%s].usedPercent", mount.MountPoint),
			Value:     mount.UsedPercent,
			Threshold: diskRule.Threshold,
			Severity:  diskRule.Severity,
			Message:   fmt.Sprintf("mount %s at %.1f%% used (threshold %.1f%%)", mount.MountPoint, mount.UsedPercent, diskRule.Threshold),
			OccurredAt: now,
			Fingerprint: issueFingerprint(diskRule.ID, "disk.mounts", mount.MountPoint),
		})
	}
	return out
}

// evaluateProcesses emits a synthetic violation for each top-CPU/memory
// process exceeding its configured threshold, rate-limited per
// (processName, pid) to at most one every rateLimitWindow.
func (e *RuleEngine) evaluateProcesses(sample types.MetricSample, now time.Time) []types.RuleViolation {
	cpuRule, memRule := e.processCPURule, e.processMemoryRule

	var out []types.RuleViolation
	if cpuRule != nil {
		for _, p := range sample.Processes.TopCPU {
			if !cpuRule.Evaluate(p.CPUPercent) || !e.allowProcessAlert(p.Name, p.PID, now) {
				continue
			}
			out = append(out, e.processViolation(*cpuRule, p, p.CPUPercent, now))
		}
	}
	if memRule != nil {
		for _, p := range sample.Processes.TopMem {
			if !memRule.Evaluate(p.MemPercent) || !e.allowProcessAlert(p.Name, p.PID, now) {
				continue
			}
			out = append(out, e.processViolation(*memRule, p, p.MemPercent, now))
		}
	}
	return out
}

func (e *RuleEngine) processViolation(r types.Rule, p types.ProcessInfo, value float64, now time.Time) types.RuleViolation {
	context := fmt.Sprintf("%s[%d]", p.Name, p.PID)
	return types.RuleViolation{
		RuleID:      r.ID,
		Metric:      fmt.Sprintf("process.%s", r.Metric),
		Value:       value,
		Threshold:   r.Threshold,
		Severity:    r.Severity,
		Message:     fmt.Sprintf("process %s (pid %d) at %.1f (threshold %.1f)", p.Name, p.PID, value, r.Threshold),
		OccurredAt:  now,
		Fingerprint: issueFingerprint(r.ID, "process", context),
	}
}

func (e *RuleEngine) allowProcessAlert(name string, pid int32, now time.Time) bool {
	key := fmt.Sprintf("%s:%d", name, pid)

	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()

	lim, ok := e.processLimiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.rateLimitWindow), 1)
		e.processLimiters[key] = lim
	}
	return lim.AllowN(now, 1)
}
