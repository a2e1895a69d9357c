package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/types"
)

// runPipelineGlue is the one piece of wiring no package owns on its own:
// turning an Alert Manager lifecycle event into an Issue Manager
// transition and, for newly opened alerts, an agent analysis pass.
// Every other stage (collector, rule engine, alerts, plugins, chat) talks
// through its own constructor; this is the subscriber that completes the
// collector→rules→alerts→issues→agent chain.
func (a *App) runPipelineGlue() {
	ch := a.bus.Subscribe("pipeline", []events.EventType{events.EventAlert})
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handleAlertEvent(ev)
		case <-a.pipelineStop:
			a.bus.Unsubscribe("pipeline", ch)
			return
		}
	}
}

func (a *App) handleAlertEvent(ev events.Event) {
	action, _ := ev.Payload["action"].(string)
	alert, ok := ev.Payload["alert"].(*types.Alert)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch action {
	case "new":
		issue, err := a.issues.OnAlertNew(ctx, alert)
		if err != nil {
			a.log.Error("pipeline: fold alert into issue failed", zap.String("alertId", alert.ID), zap.Error(err))
			return
		}
		if err := a.remediation.Analyze(ctx, alert, issue); err != nil {
			a.log.Warn("pipeline: agent analysis failed", zap.String("issueId", issue.ID), zap.Error(err))
		}
	case "resolved":
		if _, err := a.issues.OnAlertResolved(ctx, alert); err != nil {
			a.log.Error("pipeline: resolve issue failed", zap.String("alertId", alert.ID), zap.Error(err))
		}
	}
}

// startCollector begins the fixed-interval sampling worker: either the
// intrinsic collector feeding the rule engine, or the Netdata poller
// feeding violations straight through, per whichever driver New selected.
func (a *App) startCollector() error {
	a.collectorCron = cron.New()

	var interval time.Duration
	var tick func()

	switch {
	case a.netdata != nil:
		interval = time.Duration(a.cfg.Netdata.PollIntervalS) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		tick = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			violations, err := a.netdata.Poll(ctx)
			if err != nil {
				a.log.Warn("netdata poll failed", zap.Error(err))
				return
			}
			a.alerts.Process(ctx, violations)
		}
	default:
		interval = time.Duration(a.cfg.Collector.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 5 * time.Second
		}
		tick = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sample, err := a.collector.Collect(ctx)
			if err != nil {
				a.log.Warn("metrics collection failed", zap.Error(err))
				return
			}
			violations := a.ruleEngine.Evaluate(sample)
			a.alerts.Process(ctx, violations)
		}
	}

	if _, err := a.collectorCron.AddFunc(fmt.Sprintf("@every %s", interval), tick); err != nil {
		return fmt.Errorf("schedule collector: %w", err)
	}
	a.collectorCron.Start()
	return nil
}
