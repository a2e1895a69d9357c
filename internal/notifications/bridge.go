package notifications

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/types"
)

// Bridge subscribes to the event bus and fans Alert/Issue events out to
// the configured channel Router, additionally flashing the local desktop
// Manager when an alert reaches critical severity.
type Bridge struct {
	bus     *events.Bus
	router  *Router
	manager *Manager
	log     *zap.Logger
	ch      <-chan events.Event
	stopCh  chan struct{}
}

// NewBridge builds a Bridge; call Start to begin routing.
func NewBridge(bus *events.Bus, router *Router, manager *Manager, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{bus: bus, router: router, manager: manager, log: log.Named("notify-bridge"), stopCh: make(chan struct{})}
}

// Start subscribes to alert and issue events and begins routing them.
// It runs until Stop is called.
func (b *Bridge) Start() {
	b.ch = b.bus.Subscribe("notifications", []events.EventType{events.EventAlert, events.EventIssue})
	go func() {
		for {
			select {
			case ev, ok := <-b.ch:
				if !ok {
					return
				}
				b.handle(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends the routing goroutine and releases the bus subscription.
func (b *Bridge) Stop() {
	close(b.stopCh)
	b.bus.Unsubscribe("notifications", b.ch)
}

func (b *Bridge) handle(ev events.Event) {
	b.router.Route(ev)

	if ev.Type != events.EventAlert || ev.Priority > events.PriorityCritical {
		return
	}
	action, _ := ev.Payload["action"].(string)
	if action != "new" {
		return
	}
	message := fmt.Sprintf("critical alert on %s", ev.Target)
	if alert, ok := ev.Payload["alert"].(*types.Alert); ok {
		message = fmt.Sprintf("[%s] %s", alert.ServerID, alert.Message)
	}
	if err := b.manager.NotifyCritical(message); err != nil {
		b.log.Debug("desktop notification skipped", zap.Error(err))
	}
}
