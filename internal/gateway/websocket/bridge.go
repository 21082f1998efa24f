package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events"
	"github.com/devos-ai/devos/internal/events/bus"
	ws "github.com/devos-ai/devos/pkg/websocket"
)

// EventBridge forwards event-plane subjects to WebSocket subscribers. Each
// event becomes a notification whose action is the event's type name; it is
// delivered on the type-name topic and on the scoped topic the event belongs
// to (its session or its project). Delivery is fire-and-forget.
type EventBridge struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventBridge subscribes the hub to the event plane. The bridge
// unsubscribes when ctx is cancelled.
func RegisterEventBridge(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBridge {
	b := &EventBridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-event-bridge")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.SubjectSessionAll, sessionScope)
	b.subscribe(eventBus, events.SubjectProgressAll, sessionScope)
	b.subscribe(eventBus, events.SubjectPipelineStateChanged, projectScope)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes the bridge from the event bus.
func (b *EventBridge) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

// scopeFunc maps an event to its scoped topic, or "".
type scopeFunc func(data map[string]interface{}) string

func sessionScope(data map[string]interface{}) string {
	if sessionID := stringField(data, "session_id"); sessionID != "" {
		return SessionTopic(sessionID)
	}
	return ""
}

func projectScope(data map[string]interface{}) string {
	if projectID := stringField(data, "project_id"); projectID != "" {
		return ProjectTopic(projectID)
	}
	return ""
}

func (b *EventBridge) subscribe(eventBus bus.EventBus, subject string, scope scopeFunc) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("event_type", event.Type), zap.Error(err))
			return nil
		}
		b.hub.BroadcastTopic(event.Type, msg)
		if topic := scope(event.Data); topic != "" {
			b.hub.BroadcastTopic(topic, msg)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
