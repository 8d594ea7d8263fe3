package events

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// Emitter writes one authoritative audit record per state transition and
// then broadcasts the same event to live subscribers. An audit write
// failure is logged but never fails the transition that already landed.
type Emitter struct {
	store  *store.Store
	broker *Broker
	log    *log.Logger
}

// NewEmitter wires an emitter to its store and broker.
func NewEmitter(s *store.Store, b *Broker) *Emitter {
	return &Emitter{store: s, broker: b, log: logging.New("events")}
}

// Broker exposes the underlying broker for subscription.
func (e *Emitter) Broker() *Broker {
	return e.broker
}

// Emit records and broadcasts one event. payload keys should include the
// task id, previous status and any correlation ids.
func (e *Emitter) Emit(ctx context.Context, eventType, actor string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("failed to marshal event payload", "type", eventType, "error", err)
		raw = []byte("{}")
	}

	event := &model.SystemEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Actor:     actor,
		Payload:   raw,
		Timestamp: model.Now(),
	}

	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.log.Error("failed to append audit event", "type", eventType, "error", err)
	}
	e.broker.Publish(event)
}
