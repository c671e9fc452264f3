package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster handles broadcasting events to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	timeout time.Duration
}

// NewEventBroadcaster creates a new event broadcaster. Each client gets at
// most timeout to accept the event into its queue.
func NewEventBroadcaster(clients *ClientRegistry, timeout time.Duration, logger zerolog.Logger) *EventBroadcaster {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
		timeout: timeout,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends a prepared event. Sequence numbers are assigned per
// connection.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Msg("No authenticated clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := client.SendEvent(ctx, msg)
		cancel()
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID()).
				Str("event", msg.Event).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}
