package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to every connected client. Delivery is
// best-effort per client: a slow consumer loses events instead of holding
// up the rest.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast sends an event to all connected clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return
	}

	delivered := 0
	dropped := 0
	for _, client := range clients {
		if client.enqueue(jsonData) {
			delivered++
		} else {
			dropped++
			b.logger.Warn().
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Dropped event for slow client")
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
