package nats

import (
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/events"
)

// EventBridge republishes every event this process's Bus emits onto NATS,
// giving a fleet of agent processes (or a log shipper, or a second
// dashboard) a single cross-process subject space to subscribe against
// without coupling them to the in-memory Bus.
type EventBridge struct {
	bus    *events.Bus
	client *Client
	log    *zap.Logger
	ch     <-chan events.Event
	stopCh chan struct{}
}

// NewEventBridge builds a bridge; call Start to begin forwarding.
func NewEventBridge(bus *events.Bus, client *Client, log *zap.Logger) *EventBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventBridge{bus: bus, client: client, log: log.Named("nats-bridge"), stopCh: make(chan struct{})}
}

// Start subscribes to every event on the bus under a dedicated target
// and forwards each one to its NATS subject. It runs until Stop is
// called or the bus's channel for this target closes.
func (br *EventBridge) Start() {
	br.ch = br.bus.Subscribe("nats-bridge", nil)
	go func() {
		for {
			select {
			case ev, ok := <-br.ch:
				if !ok {
					return
				}
				envelope := EventEnvelope{
					ID: ev.ID, Type: string(ev.Type), Source: ev.Source,
					Target: ev.Target, Priority: ev.Priority,
					Payload: ev.Payload, CreatedAt: ev.CreatedAt,
				}
				if err := br.client.PublishJSON(SubjectForEvent(string(ev.Type)), envelope); err != nil {
					br.log.Warn("publish event to nats failed", zap.String("type", string(ev.Type)), zap.Error(err))
				}
			case <-br.stopCh:
				return
			}
		}
	}()
}

// Stop ends the forwarding goroutine and releases the bus subscription.
func (br *EventBridge) Stop() {
	close(br.stopCh)
	br.bus.Unsubscribe("nats-bridge", br.ch)
}
